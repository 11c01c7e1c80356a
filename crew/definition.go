package crew

import (
	"time"

	"github.com/crewforge/crewforge/core"
)

// Definition is the YAML shape of a crew file, loadable with
// LoadDefinition. It mirrors Config minus the runtime ports, which are
// wired in code.
type Definition struct {
	Name    string `yaml:"name"`
	Process string `yaml:"process"`

	Agents []AgentDefinition `yaml:"agents"`
	Tasks  []TaskDefinition  `yaml:"tasks"`
}

// AgentDefinition is one agent in a crew file.
type AgentDefinition struct {
	ID              string   `yaml:"id"`
	Role            string   `yaml:"role"`
	Goal            string   `yaml:"goal"`
	Backstory       string   `yaml:"backstory"`
	LLM             string   `yaml:"llm"`
	Tools           []string `yaml:"tools"`
	MaxIterations   int      `yaml:"max_iterations"`
	Memory          bool     `yaml:"memory"`
	AllowDelegation bool     `yaml:"allow_delegation"`
	MaxRPM          int      `yaml:"max_rpm"`
}

// TaskDefinition is one task in a crew file.
type TaskDefinition struct {
	ID             string   `yaml:"id"`
	Description    string   `yaml:"description"`
	Agent          string   `yaml:"agent"`
	ExpectedOutput string   `yaml:"expected_output"`
	ContextSeeds   []string `yaml:"context"`
	Priority       string   `yaml:"priority"`
	Async          bool     `yaml:"async"`
	Tools          []string `yaml:"tools"`
	DependsOn      []string `yaml:"depends_on"`
	Caching        string   `yaml:"caching"`
	MaxRetries     int      `yaml:"max_retries"`
	TimeoutMs      int64    `yaml:"timeout_ms"`
}

// LoadDefinition reads a crew YAML file.
func LoadDefinition(path string) (*Definition, error) {
	var def Definition
	if err := core.LoadCrewFile(path, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// Materialize converts the definition into agents and tasks for a Config.
func (d *Definition) Materialize() ([]*core.Agent, []*core.Task) {
	agents := make([]*core.Agent, 0, len(d.Agents))
	for _, a := range d.Agents {
		agents = append(agents, &core.Agent{
			ID:              a.ID,
			Role:            a.Role,
			Goal:            a.Goal,
			Backstory:       a.Backstory,
			LLMRef:          a.LLM,
			ToolRefs:        a.Tools,
			MaxIterations:   a.MaxIterations,
			MemoryEnabled:   a.Memory,
			AllowDelegation: a.AllowDelegation,
			MaxRPM:          a.MaxRPM,
		})
	}

	tasks := make([]*core.Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		task := core.NewTask(t.ID, t.Description, t.Agent)
		task.ExpectedOutput = t.ExpectedOutput
		task.ContextSeeds = t.ContextSeeds
		if t.Priority != "" {
			task.Priority = core.TaskPriorityFromString(t.Priority)
		}
		task.Async = t.Async
		task.ToolRefs = t.Tools
		for _, dep := range t.DependsOn {
			task.DependsOn(dep)
		}
		if t.Caching != "" {
			task.CachingStrategy = core.CachingStrategy(t.Caching)
		}
		if t.MaxRetries > 0 {
			task.MaxRetries = t.MaxRetries
		}
		if t.TimeoutMs > 0 {
			task.Timeout = time.Duration(t.TimeoutMs) * time.Millisecond
		}
		tasks = append(tasks, task)
	}
	return agents, tasks
}
