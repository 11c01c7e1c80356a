// Package crew is the top-level façade of the execution core. A Crew
// bundles agents, tasks, and a process type; Kickoff validates the bundle,
// initializes memory and rate limiting, drives the scheduler or the
// hierarchical planner, and returns the aggregate output.
package crew

import (
	"context"
	"fmt"
	"time"

	"github.com/crewforge/crewforge/agentruntime"
	"github.com/crewforge/crewforge/contextmem"
	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/llm"
	"github.com/crewforge/crewforge/memory"
	"github.com/crewforge/crewforge/planner"
	"github.com/crewforge/crewforge/ratelimit"
	"github.com/crewforge/crewforge/resilience"
	"github.com/crewforge/crewforge/scheduler"
)

// managerID is the synthesized manager agent's id when only a manager LLM
// is supplied.
const managerID = "manager"

// Config assembles a Crew.
type Config struct {
	Name    string
	Agents  []*core.Agent
	Tasks   []*core.Task
	Process core.ProcessKind

	// ManagerAgent drives hierarchical planning. Alternatively ManagerLLM
	// supplies only the model and a default manager agent is synthesized.
	ManagerAgent *core.Agent
	ManagerLLM   core.LLMPort

	LLMs  map[string]core.LLMPort
	Tools map[string]core.ToolPort

	MemoryEnabled bool
	Memory        memory.ManagerConfig

	MaxRPM        int // 0 disables rate limiting
	RateAlgorithm ratelimit.Algorithm

	Concurrency    int
	DefaultTimeout time.Duration
	Retry          *resilience.Options

	Logger core.Logger
}

// Crew owns its tasks, agents, memory manager, and rate controller for the
// duration of a run.
type Crew struct {
	name    string
	agents  []*core.Agent
	tasks   []*core.Task
	process core.ProcessKind
	manager *core.Agent

	runtime *agentruntime.Runtime
	mem     *memory.Manager
	rate    ratelimit.Controller
	logger  core.Logger

	concurrency    int
	defaultTimeout time.Duration
}

// New validates the configuration and wires the crew's runtime.
func New(ctx context.Context, cfg Config) (*Crew, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/crew")
	}
	process := cfg.Process
	if process == "" {
		process = core.ProcessSequential
	}

	llms := make(map[string]core.LLMPort, len(cfg.LLMs)+1)
	for ref, port := range cfg.LLMs {
		llms[ref] = port
	}
	if len(llms) == 0 {
		// Development default so a crew runs offline out of the box.
		llms[""] = llm.NewMockClient()
	}

	manager := cfg.ManagerAgent
	if manager == nil && cfg.ManagerLLM != nil {
		llms["manager-llm"] = cfg.ManagerLLM
		manager = &core.Agent{
			ID:     managerID,
			Role:   "Crew Manager",
			Goal:   "Plan the crew's tasks and integrate their results",
			LLMRef: "manager-llm",
		}
	}

	agents := make(map[string]*core.Agent, len(cfg.Agents)+1)
	for _, agent := range cfg.Agents {
		agents[agent.ID] = agent
	}
	if manager != nil {
		agents[manager.ID] = manager
	}

	c := &Crew{
		name:           cfg.Name,
		agents:         cfg.Agents,
		tasks:          cfg.Tasks,
		process:        process,
		manager:        manager,
		logger:         logger,
		concurrency:    cfg.Concurrency,
		defaultTimeout: cfg.DefaultTimeout,
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	var mem *memory.Manager
	var ctxBuilder *contextmem.Builder
	if cfg.MemoryEnabled {
		memCfg := cfg.Memory
		if memCfg.Namespace == "" {
			memCfg.Namespace = cfg.Name
		}
		if memCfg.Storage == nil {
			memCfg.Storage = core.NewInMemoryStore()
		}
		memCfg.Logger = logger
		var err error
		mem, err = memory.NewManager(ctx, memCfg)
		if err != nil {
			return nil, err
		}
		ctxBuilder = contextmem.New(contextmem.Config{Memory: mem, Logger: logger})
	}
	c.mem = mem

	if cfg.MaxRPM > 0 {
		c.rate = ratelimit.New(ratelimit.Options{
			MaxRPM:    cfg.MaxRPM,
			Algorithm: cfg.RateAlgorithm,
			Logger:    logger,
		})
	}

	runtime, err := agentruntime.New(agentruntime.Config{
		Agents:         agents,
		LLMs:           llms,
		Tools:          cfg.Tools,
		Memory:         mem,
		ContextBuilder: ctxBuilder,
		RateController: c.rate,
		Retry:          cfg.Retry,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	c.runtime = runtime
	return c, nil
}

// Runtime exposes the crew's agent runtime, mainly for tests and embedding.
func (c *Crew) Runtime() *agentruntime.Runtime { return c.runtime }

// Memory exposes the crew's memory manager; nil when memory is disabled.
func (c *Crew) Memory() *memory.Manager { return c.mem }

// ResetMemory clears the selected memory kinds; none means all.
func (c *Crew) ResetMemory(ctx context.Context, kinds ...core.MemoryKind) error {
	if c.mem == nil {
		return nil
	}
	return c.mem.Reset(ctx, kinds...)
}

// Close releases crew-owned resources.
func (c *Crew) Close() {
	if c.mem != nil {
		c.mem.Close()
	}
}

// Kickoff runs the crew to completion and assembles the aggregate output.
// The variables mapping interpolates agent role/goal/backstory templates.
func (c *Crew) Kickoff(ctx context.Context, inputs map[string]string) (*core.CrewOutput, error) {
	start := time.Now()

	if len(inputs) > 0 {
		// Agent templates keep their unevaluated forms; interpolation
		// happens at prompt-render time from these variables.
		c.runtime.SetVariables(inputs)
	}

	var output *core.CrewOutput
	var err error
	switch c.process {
	case core.ProcessHierarchical:
		output, err = c.runHierarchical(ctx)
	case core.ProcessParallel:
		output, err = c.runParallel(ctx)
	default:
		output, err = c.runSequential(ctx)
	}
	if err != nil {
		return nil, err
	}

	output.Metrics.ExecutionTimeMs = time.Since(start).Milliseconds()
	output.Timestamp = time.Now()
	c.logger.Info("Crew run finished", map[string]interface{}{
		"crew":         c.name,
		"process":      string(c.process),
		"tasks":        len(output.TaskOutputs),
		"duration_ms":  output.Metrics.ExecutionTimeMs,
		"total_tokens": output.Metrics.TotalTokens,
	})
	return output, nil
}

// newScheduler builds the per-run scheduler; each Kickoff gets a fresh one
// so cancellation state never leaks between runs. Task-level retry comes
// from each task's MaxRetries; the Retry option on Config applies to LLM
// calls inside the runtime, not here, so the two layers never multiply.
func (c *Crew) newScheduler() *scheduler.Scheduler {
	return scheduler.New(c.runtime, scheduler.Options{
		Concurrency:    c.concurrency,
		DefaultTimeout: c.defaultTimeout,
		Logger:         c.logger,
	})
}

// runSequential executes the sync prefix in order, accumulating each
// result into the next task's context, then runs the async suffix
// concurrently against the same final context. The last async task by
// submission order supplies the final output.
func (c *Crew) runSequential(ctx context.Context) (*core.CrewOutput, error) {
	sched := c.newScheduler()
	stop := cancelOn(ctx, sched)
	defer stop()

	syncTasks, asyncTasks := splitAsyncSuffix(c.tasks)

	runningContext := ""
	var outputs []core.TaskOutput
	totals := core.TokenUsageTotals{}

	for _, task := range syncTasks {
		handle, err := sched.Submit(task, runningContext)
		if err != nil {
			return nil, err
		}
		out, err := handle.Await(ctx)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, *out)
		accumulateUsage(&totals, out)
		if runningContext != "" {
			runningContext += "\n\n"
		}
		runningContext += "Task result: " + out.Result
	}

	finalOutput := ""
	if len(outputs) > 0 {
		finalOutput = outputs[len(outputs)-1].Result
	}

	if len(asyncTasks) > 0 {
		handles := make([]*scheduler.Handle, 0, len(asyncTasks))
		for _, task := range asyncTasks {
			handle, err := sched.Submit(task, runningContext)
			if err != nil {
				return nil, err
			}
			handles = append(handles, handle)
		}
		if err := sched.Drain(ctx); err != nil {
			return nil, err
		}
		var lastAsync *core.TaskOutput
		for _, handle := range handles {
			out, err := handle.Await(ctx)
			if err != nil {
				return nil, err
			}
			accumulateUsage(&totals, out)
			lastAsync = out
		}
		// Outputs in completion order; the final result is the last async
		// task by submission order.
		for _, out := range sched.Outputs() {
			if isAsyncOutput(out, asyncTasks) {
				outputs = append(outputs, out)
			}
		}
		finalOutput = lastAsync.Result
	}

	return &core.CrewOutput{
		FinalOutput: finalOutput,
		TaskOutputs: outputs,
		Metrics:     core.CrewMetrics{TotalTokens: totals.Total},
	}, nil
}

// runParallel submits every task with its dependency edges and lets the
// scheduler order execution; no context accumulates between tasks.
func (c *Crew) runParallel(ctx context.Context) (*core.CrewOutput, error) {
	sched := c.newScheduler()
	stop := cancelOn(ctx, sched)
	defer stop()

	handles := make([]*scheduler.Handle, 0, len(c.tasks))
	for _, task := range c.tasks {
		handle, err := sched.Submit(task, "")
		if err != nil {
			return nil, err
		}
		handles = append(handles, handle)
	}
	if err := sched.Drain(ctx); err != nil {
		return nil, err
	}
	for _, handle := range handles {
		if _, err := handle.Await(ctx); err != nil {
			return nil, err
		}
	}

	outputs := sched.Outputs()
	metrics := sched.Metrics()
	finalOutput := ""
	if len(outputs) > 0 {
		finalOutput = outputs[len(outputs)-1].Result
	}
	return &core.CrewOutput{
		FinalOutput: finalOutput,
		TaskOutputs: outputs,
		Metrics:     core.CrewMetrics{TotalTokens: metrics.TotalTokens},
	}, nil
}

// runHierarchical delegates ordering to the manager-driven planner.
func (c *Crew) runHierarchical(ctx context.Context) (*core.CrewOutput, error) {
	agents := make(map[string]*core.Agent, len(c.agents))
	for _, agent := range c.agents {
		agents[agent.ID] = agent
	}

	p := planner.New(c.runtime, planner.Options{Logger: c.logger})
	result, err := p.Run(ctx, c.manager, c.tasks, agents, "")
	if err != nil {
		return nil, err
	}

	totals := core.TokenUsageTotals{}
	for i := range result.TaskOutputs {
		accumulateUsage(&totals, &result.TaskOutputs[i])
	}
	return &core.CrewOutput{
		FinalOutput: result.FinalOutput,
		TaskOutputs: result.TaskOutputs,
		Metrics:     core.CrewMetrics{TotalTokens: totals.Total},
	}, nil
}

// cancelOn propagates ctx cancellation into the scheduler and returns a
// stop function for the watcher.
func cancelOn(ctx context.Context, sched *scheduler.Scheduler) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sched.CancelAll()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

func splitAsyncSuffix(tasks []*core.Task) (syncTasks, asyncTasks []*core.Task) {
	suffixStart := len(tasks)
	for suffixStart > 0 && tasks[suffixStart-1].Async {
		suffixStart--
	}
	return tasks[:suffixStart], tasks[suffixStart:]
}

func isAsyncOutput(out core.TaskOutput, asyncTasks []*core.Task) bool {
	for _, task := range asyncTasks {
		if task.ID == out.Metadata.TaskID {
			return true
		}
	}
	return false
}

func accumulateUsage(totals *core.TokenUsageTotals, out *core.TaskOutput) {
	if out == nil || out.Metadata.TokenUsage == nil {
		return
	}
	totals.Prompt += out.Metadata.TokenUsage.Prompt
	totals.Completion += out.Metadata.TokenUsage.Completion
	totals.Total += out.Metadata.TokenUsage.Total
}

// Describe returns a short human-readable crew summary, useful in logs and
// the CLI.
func (c *Crew) Describe() string {
	return fmt.Sprintf("crew %q: %d agents, %d tasks, process %s", c.name, len(c.agents), len(c.tasks), c.process)
}
