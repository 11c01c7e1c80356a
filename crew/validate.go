package crew

import (
	"fmt"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/scheduler"
)

// validate enforces the crew invariants before any execution starts:
// non-empty agents and tasks, resolvable references, an acyclic dependency
// graph, the async-suffix rule, no conditional async tasks, a manager for
// hierarchical runs, and only dispatchable caching strategies.
func (c *Crew) validate() error {
	op := "crew.validate"
	if len(c.agents) == 0 {
		return core.NewFrameworkError(op, core.KindValidation,
			fmt.Errorf("crew has no agents: %w", core.ErrValidationFailed))
	}
	if len(c.tasks) == 0 {
		return core.NewFrameworkError(op, core.KindValidation,
			fmt.Errorf("crew has no tasks: %w", core.ErrValidationFailed))
	}

	agentIDs := make(map[string]struct{}, len(c.agents))
	for _, agent := range c.agents {
		if _, dup := agentIDs[agent.ID]; dup {
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("duplicate agent id %q: %w", agent.ID, core.ErrValidationFailed))
		}
		agentIDs[agent.ID] = struct{}{}
	}

	taskIDs := make(map[string]struct{}, len(c.tasks))
	for _, task := range c.tasks {
		if _, dup := taskIDs[task.ID]; dup {
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("duplicate task id %q: %w", task.ID, core.ErrValidationFailed))
		}
		taskIDs[task.ID] = struct{}{}
	}

	dag := scheduler.NewTaskDAG()
	for _, task := range c.tasks {
		if _, ok := agentIDs[task.AgentRef]; !ok && task.AgentRef != managerID {
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("task %q references unknown agent %q: %w", task.ID, task.AgentRef, core.ErrAgentNotFound))
		}
		deps := make([]string, 0, len(task.Dependencies))
		for dep := range task.Dependencies {
			if _, ok := taskIDs[dep]; !ok {
				return core.NewFrameworkError(op, core.KindValidation,
					fmt.Errorf("task %q depends on unknown task %q: %w", task.ID, dep, core.ErrTaskNotFound))
			}
			deps = append(deps, dep)
		}
		dag.AddTask(task.ID, deps)

		switch task.CachingStrategy {
		case core.CacheNone, core.CacheMemory, "":
		case core.CacheDisk, core.CacheHybrid:
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("caching strategy %q is reserved and not dispatchable: %w", task.CachingStrategy, core.ErrInvalidConfiguration))
		default:
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("unknown caching strategy %q: %w", task.CachingStrategy, core.ErrInvalidConfiguration))
		}

		if task.Conditional && task.Async {
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("task %q is conditional and async: %w", task.ID, core.ErrValidationFailed))
		}
	}
	if err := dag.Validate(); err != nil {
		return err
	}

	// Async tasks may only form a contiguous suffix of the task list.
	sawAsync := false
	for _, task := range c.tasks {
		if task.Async {
			sawAsync = true
		} else if sawAsync {
			return core.NewFrameworkError(op, core.KindValidation,
				fmt.Errorf("async tasks must form a contiguous suffix, %q is sync after an async task: %w",
					task.ID, core.ErrValidationFailed))
		}
	}

	if c.process == core.ProcessHierarchical && c.manager == nil {
		return core.NewFrameworkError(op, core.KindValidation,
			fmt.Errorf("hierarchical process requires a manager agent or manager LLM: %w", core.ErrMissingConfiguration))
	}
	return nil
}
