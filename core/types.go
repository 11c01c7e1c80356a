package core

import (
	"hash/fnv"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Agent is an immutable identity and behavior descriptor: a role-bearing
// executor that calls an LLM and, optionally, tools. Role, Goal, and
// Backstory are string templates; the unevaluated forms are preserved here
// so a copy can be re-interpolated with different variables.
type Agent struct {
	ID               string
	Role             string
	Goal             string
	Backstory        string
	LLMRef           string
	ToolRefs         []string
	MaxIterations    int
	MemoryEnabled    bool
	AllowDelegation  bool
	MaxRPM           int // 0 means unbounded
}

// TaskPriorityFromString maps the string priority levels used in crew
// definition files onto TaskPriority. Unknown values map to PriorityNormal.
func TaskPriorityFromString(s string) TaskPriority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// CachingStrategy controls whether and how a task's output may be cached.
type CachingStrategy string

const (
	CacheNone   CachingStrategy = "none"
	CacheMemory CachingStrategy = "memory"
	CacheDisk   CachingStrategy = "disk"   // reserved, rejected at validation time
	CacheHybrid CachingStrategy = "hybrid" // reserved, rejected at validation time
)

// Task is a unit of work owned by exactly one agent, possibly dependent on
// other tasks in the same crew.
type Task struct {
	ID              string
	Description     string
	AgentRef        string
	ExpectedOutput  string
	ContextSeeds    []string
	Priority        TaskPriority
	Async           bool
	Conditional     bool
	ToolRefs        []string
	Dependencies    map[string]struct{}
	CachingStrategy CachingStrategy
	MaxRetries      int
	Timeout         time.Duration
	OutputSchema    []byte // optional JSON Schema the rendered output must satisfy
}

// NewTask constructs a Task with its dependency set initialized.
func NewTask(id, description, agentRef string) *Task {
	return &Task{
		ID:              id,
		Description:     description,
		AgentRef:        agentRef,
		Priority:        PriorityNormal,
		Dependencies:    make(map[string]struct{}),
		CachingStrategy: CacheNone,
		MaxRetries:      3,
	}
}

// DependsOn registers dep as a dependency of this task.
func (t *Task) DependsOn(dep string) *Task {
	t.Dependencies[dep] = struct{}{}
	return t
}

// TokenUsageTotals mirrors TokenUsage but is embedded directly in TaskOutput
// metadata so the scheduler can sum usage across completed tasks without an
// import cycle back into the llm package.
type TokenUsageTotals struct {
	Prompt     int
	Completion int
	Total      int
}

// TaskOutputMetadata carries execution accounting for a TaskOutput.
type TaskOutputMetadata struct {
	TaskID          string
	AgentID         string
	ExecutionTimeMs int64
	TokenUsage      *TokenUsageTotals
	Iterations      int
	CacheHit        bool
	Retries         int
}

// TaskOutput is the result of executing one task.
type TaskOutput struct {
	Result    string
	Metadata  TaskOutputMetadata
	Formatted interface{} // schema-validated structured value, when the task defines one

	streaming bool
	log       []string // append-only token log backing a streaming result
}

// AppendStreamToken appends a token to a streaming TaskOutput's log and
// rebuilds Result as the concatenation of every token logged so far.
func (o *TaskOutput) AppendStreamToken(tok string) {
	o.streaming = true
	o.log = append(o.log, tok)
	o.Result = strings.Join(o.log, "")
}

// IsStreaming reports whether this TaskOutput was built incrementally.
func (o *TaskOutput) IsStreaming() bool { return o.streaming }

// KnowledgeChunk is a piece of textual content plus embedding and metadata
// stored in the vector store. All chunks in one collection share the same
// embedding dimensionality.
type KnowledgeChunk struct {
	ID        string
	Content   string
	Metadata  map[string]interface{}
	Embedding []float32
}

// ContentHashID derives a deterministic id for a chunk from its content,
// used when the caller does not supply one.
func ContentHashID(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryEntryKind enumerates the MemoryEntry.Type domain.
type MemoryEntryKind string

const (
	MemoryFact        MemoryEntryKind = "fact"
	MemoryObservation MemoryEntryKind = "observation"
	MemoryReflection  MemoryEntryKind = "reflection"
	MemoryMessage     MemoryEntryKind = "message"
	MemoryPlan        MemoryEntryKind = "plan"
	MemoryResult      MemoryEntryKind = "result"
)

// MemoryEntry is one item of short-term or long-term memory.
type MemoryEntry struct {
	ID             string
	Content        string
	Type           MemoryEntryKind
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	Importance     float64 // in [0, 1]
	Embedding      []float32
	Metadata       map[string]interface{}
	Tags           []string
	Source         string
}

// EntityRelationship is one directed edge out of an Entity.
type EntityRelationship struct {
	Relation   string
	EntityID   string
	Metadata   map[string]interface{}
	Confidence float64 // in [0, 1]
}

// Entity is a named, typed thing the memory subsystem tracks relationships
// for. Keyed by normalized (lower-cased, trimmed) name into one index and by
// type into another.
type Entity struct {
	ID              string
	Name            string
	Type            string
	Attributes      map[string]interface{}
	Relationships   []EntityRelationship
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastAccessedAt  time.Time
	Sources         []string
}

// NormalizedName returns the entity's name lower-cased and trimmed, the form
// used as its lookup key.
func NormalizedName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ExecutionPlan is a topological sequence with parallel groups produced by
// a manager agent. TaskOrder items are either a TaskID (string) or a
// ParallelGroupID (int); ParallelGroups maps a group id to its member task
// ids. Every TaskID appears exactly once across TaskOrder and
// ParallelGroups combined.
type ExecutionPlan struct {
	TaskOrder         []PlanStep
	ParallelGroups    map[int][]string
	SignificantTasks  map[string]struct{} // nil means "all tasks are significant"
	SynthesisRequired bool
}

// PlanStep is one entry of ExecutionPlan.TaskOrder: either a single task id
// or a parallel group id.
type PlanStep struct {
	TaskID  string
	GroupID int
	IsGroup bool
}

// TaskStep builds a PlanStep referring to a single task.
func TaskStep(taskID string) PlanStep { return PlanStep{TaskID: taskID} }

// GroupStep builds a PlanStep referring to a parallel group.
func GroupStep(groupID int) PlanStep { return PlanStep{GroupID: groupID, IsGroup: true} }

// IsSignificant reports whether a task id should contribute to the running
// context and final output. A nil SignificantTasks set means every task is
// significant.
func (p *ExecutionPlan) IsSignificant(taskID string) bool {
	if p.SignificantTasks == nil {
		return true
	}
	_, ok := p.SignificantTasks[taskID]
	return ok
}

// Validate checks that every TaskID referenced by the plan appears exactly
// once across TaskOrder and ParallelGroups, and that every id in knownTasks
// is accounted for.
func (p *ExecutionPlan) Validate(knownTasks map[string]struct{}) error {
	seen := make(map[string]int)
	for _, step := range p.TaskOrder {
		if step.IsGroup {
			members, ok := p.ParallelGroups[step.GroupID]
			if !ok {
				return NewFrameworkError("ExecutionPlan.Validate", KindValidation,
					fmt.Errorf("taskOrder references unknown parallel group %d", step.GroupID))
			}
			for _, id := range members {
				seen[id]++
			}
		} else {
			seen[step.TaskID]++
		}
	}
	for id, count := range seen {
		if count != 1 {
			return NewFrameworkError("ExecutionPlan.Validate", KindValidation,
				fmt.Errorf("task %q appears %d times across the plan, expected exactly 1", id, count))
		}
		if _, ok := knownTasks[id]; !ok {
			return NewFrameworkError("ExecutionPlan.Validate", KindValidation,
				fmt.Errorf("plan references unknown task %q", id))
		}
	}
	for id := range knownTasks {
		if _, ok := seen[id]; !ok {
			return NewFrameworkError("ExecutionPlan.Validate", KindValidation,
				fmt.Errorf("plan omits task %q", id))
		}
	}
	return nil
}

// CrewMetrics summarizes a completed crew run.
type CrewMetrics struct {
	ExecutionTimeMs int64
	TotalTokens     int
	Cost            float64
}

// CrewOutput is the aggregate result of one crew run.
type CrewOutput struct {
	FinalOutput string
	TaskOutputs []TaskOutput // in completion order
	Metrics     CrewMetrics
	Timestamp   time.Time
}
