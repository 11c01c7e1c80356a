// Package planner implements the hierarchical process: a manager agent
// produces an execution plan (topological order plus parallel groups), the
// planner executes it with partial-failure semantics, and an optional
// synthesis task integrates the results.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/crewforge/crewforge/core"
)

// TaskExecutor runs one task; the agent runtime satisfies it.
type TaskExecutor interface {
	Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error)
}

// Options configures a Planner.
type Options struct {
	Logger core.Logger
}

// Planner drives the plan-execute-synthesize loop.
type Planner struct {
	executor TaskExecutor
	logger   core.Logger
}

// Result is the outcome of one hierarchical run.
type Result struct {
	FinalOutput  string
	CompletedIDs map[string]struct{}
	Context      string
	TaskOutputs  []core.TaskOutput
	Synthesized  bool
}

// New creates a Planner.
func New(executor TaskExecutor, opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/planner")
	}
	return &Planner{executor: executor, logger: logger}
}

// Run plans with the manager agent, executes the plan, and synthesizes the
// final output when the plan demands it.
func (p *Planner) Run(ctx context.Context, manager *core.Agent, tasks []*core.Task, agents map[string]*core.Agent, inputContext string) (*Result, error) {
	plan := p.plan(ctx, manager, tasks, agents, inputContext)

	known := make(map[string]struct{}, len(tasks))
	byID := make(map[string]*core.Task, len(tasks))
	for _, task := range tasks {
		known[task.ID] = struct{}{}
		byID[task.ID] = task
	}
	if err := plan.Validate(known); err != nil {
		p.logger.Warn("manager plan invalid, falling back to sequential", map[string]interface{}{
			"error": err.Error(),
		})
		plan = FallbackPlan(tasks)
	}

	result := &Result{
		CompletedIDs: make(map[string]struct{}),
		Context:      inputContext,
	}
	if err := p.execute(ctx, plan, byID, result); err != nil {
		return result, err
	}

	if plan.SynthesisRequired {
		p.synthesize(ctx, manager, result)
	}
	return result, nil
}

// plan asks the manager for an ExecutionPlan, falling back to a trivial
// sequential plan when the output cannot be parsed.
func (p *Planner) plan(ctx context.Context, manager *core.Agent, tasks []*core.Task, agents map[string]*core.Agent, inputContext string) *core.ExecutionPlan {
	planningTask := core.NewTask("planning", p.planningPrompt(tasks, agents), manager.ID)
	planningTask.Priority = core.PriorityCritical

	output, err := p.executor.Execute(ctx, planningTask, inputContext)
	if err != nil {
		p.logger.Warn("manager planning failed, falling back to sequential", map[string]interface{}{
			"error": err.Error(),
		})
		return FallbackPlan(tasks)
	}
	plan, err := ParsePlan(output.Result)
	if err != nil {
		p.logger.Warn("manager plan unparseable, falling back to sequential", map[string]interface{}{
			"error": err.Error(),
		})
		return FallbackPlan(tasks)
	}
	return plan
}

func (p *Planner) planningPrompt(tasks []*core.Task, agents map[string]*core.Agent) string {
	var sb strings.Builder
	sb.WriteString("Plan the execution of the following tasks. Respond with a JSON object ")
	sb.WriteString(`{"taskOrder": [<taskId or parallelGroupId>], "parallelGroups": {"<groupId>": ["<taskId>"]}, "significantTasks": ["<taskId>"], "synthesisRequired": <bool>}.`)
	sb.WriteString(" Group independent tasks into parallel groups where possible.\n\nTasks:\n")
	for _, task := range tasks {
		role := task.AgentRef
		if agent, ok := agents[task.AgentRef]; ok {
			role = agent.Role
		}
		sb.WriteString(fmt.Sprintf("- id: %s, description: %s, agentRole: %s, priority: %d, async: %v\n",
			task.ID, task.Description, role, task.Priority, task.Async))
	}
	return sb.String()
}

// execute walks the plan's task order. A string item runs sequentially
// with the current running context; a group item fans its members out
// concurrently, each with the same entering context. Significant results
// are appended to the running context once per member, in completion order
// within a group.
func (p *Planner) execute(ctx context.Context, plan *core.ExecutionPlan, tasks map[string]*core.Task, result *Result) error {
	for _, step := range plan.TaskOrder {
		if step.IsGroup {
			if err := p.executeGroup(ctx, plan, plan.ParallelGroups[step.GroupID], tasks, result); err != nil {
				return err
			}
			continue
		}
		if err := p.executeOne(ctx, plan, step.TaskID, tasks, result); err != nil {
			return err
		}
	}
	return nil
}

func (p *Planner) executeOne(ctx context.Context, plan *core.ExecutionPlan, id string, tasks map[string]*core.Task, result *Result) error {
	task, ok := tasks[id]
	if !ok {
		return core.NewFrameworkError("planner.execute", core.KindValidation, core.ErrTaskNotFound).WithID(id)
	}
	output, err := p.executor.Execute(ctx, task, result.Context)
	if err != nil {
		return core.NewFrameworkError("planner.execute", core.KindTaskExecution, err).WithID(id)
	}
	p.record(plan, id, output, result)
	return nil
}

// executeGroup runs every member concurrently against the same entering
// context. A member failure fails the group and the run.
func (p *Planner) executeGroup(ctx context.Context, plan *core.ExecutionPlan, members []string, tasks map[string]*core.Task, result *Result) error {
	entering := result.Context

	type completion struct {
		id     string
		output *core.TaskOutput
		err    error
	}
	completions := make([]completion, 0, len(members))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range members {
		task, ok := tasks[id]
		if !ok {
			return core.NewFrameworkError("planner.executeGroup", core.KindValidation, core.ErrTaskNotFound).WithID(id)
		}
		wg.Add(1)
		go func(id string, task *core.Task) {
			defer wg.Done()
			output, err := p.executor.Execute(ctx, task, entering)
			mu.Lock()
			completions = append(completions, completion{id: id, output: output, err: err})
			mu.Unlock()
		}(id, task)
	}
	wg.Wait()

	// Results accumulate in completion order; the mutex-append above
	// already captured it.
	for _, c := range completions {
		if c.err != nil {
			return core.NewFrameworkError("planner.executeGroup", core.KindTaskExecution, c.err).WithID(c.id)
		}
	}
	for _, c := range completions {
		p.record(plan, c.id, c.output, result)
	}
	return nil
}

func (p *Planner) record(plan *core.ExecutionPlan, id string, output *core.TaskOutput, result *Result) {
	result.CompletedIDs[id] = struct{}{}
	result.TaskOutputs = append(result.TaskOutputs, *output)
	if plan.IsSignificant(id) {
		result.Context += "\n\nTask result: " + output.Result
		result.FinalOutput = output.Result
	}
}

const synthesisDirective = "\n\nProduce a coherent, integrated summary of all task results above. " +
	"Resolve overlaps and contradictions; the reader sees only your summary."

// synthesize runs the manager-owned synthesis task against the accumulated
// context. On failure the final output falls back to a note that results
// are provided individually.
func (p *Planner) synthesize(ctx context.Context, manager *core.Agent, result *Result) {
	task := core.NewTask("synthesis", "Integrate the results of all completed tasks into one final answer.", manager.ID)
	task.Priority = core.PriorityCritical
	task.CachingStrategy = core.CacheNone

	output, err := p.executor.Execute(ctx, task, result.Context+synthesisDirective)
	if err != nil {
		p.logger.Warn("synthesis failed, returning aggregated task results", map[string]interface{}{
			"error": err.Error(),
		})
		ids := make([]string, 0, len(result.CompletedIDs))
		for id := range result.CompletedIDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		result.FinalOutput = fmt.Sprintf(
			"Synthesis unavailable; aggregate results are provided individually for tasks: %s", strings.Join(ids, ", "))
		return
	}
	result.FinalOutput = output.Result
	result.TaskOutputs = append(result.TaskOutputs, *output)
	result.Synthesized = true
}
