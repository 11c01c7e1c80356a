package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/scheduler"
)

// planWire is the JSON wire format of an ExecutionPlan. taskOrder items are
// either a TaskId (string) or a ParallelGroupId (number).
type planWire struct {
	TaskOrder         []interface{}       `json:"taskOrder"`
	ParallelGroups    map[string][]string `json:"parallelGroups"`
	SignificantTasks  []string            `json:"significantTasks"`
	SynthesisRequired *bool               `json:"synthesisRequired"`
}

// ParsePlan extracts an ExecutionPlan from model output: fenced block
// first, then a top-level object containing "taskOrder", then the whole
// string.
func ParsePlan(text string) (*core.ExecutionPlan, error) {
	raw, ok := core.ExtractJSON(text, "taskOrder")
	if !ok {
		return nil, core.NewFrameworkError("planner.ParsePlan", core.KindValidation,
			fmt.Errorf("no execution plan JSON found in model output"))
	}
	var wire planWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, core.NewFrameworkError("planner.ParsePlan", core.KindValidation, err)
	}

	plan := &core.ExecutionPlan{ParallelGroups: make(map[int][]string)}
	for groupID, members := range wire.ParallelGroups {
		id, err := strconv.Atoi(groupID)
		if err != nil {
			return nil, core.NewFrameworkError("planner.ParsePlan", core.KindValidation,
				fmt.Errorf("parallel group id %q is not numeric", groupID))
		}
		plan.ParallelGroups[id] = members
	}
	for _, item := range wire.TaskOrder {
		switch v := item.(type) {
		case string:
			plan.TaskOrder = append(plan.TaskOrder, core.TaskStep(v))
		case float64:
			plan.TaskOrder = append(plan.TaskOrder, core.GroupStep(int(v)))
		default:
			return nil, core.NewFrameworkError("planner.ParsePlan", core.KindValidation,
				fmt.Errorf("taskOrder item %v has unsupported type %T", item, item))
		}
	}
	if wire.SignificantTasks != nil {
		plan.SignificantTasks = make(map[string]struct{}, len(wire.SignificantTasks))
		for _, id := range wire.SignificantTasks {
			plan.SignificantTasks[id] = struct{}{}
		}
	}
	if wire.SynthesisRequired != nil {
		plan.SynthesisRequired = *wire.SynthesisRequired
	}
	return plan, nil
}

// FallbackPlan builds the trivial sequential plan in dependency order with
// synthesis disabled, used when the manager's output cannot be parsed.
// Among unconstrained tasks, submission order is preserved.
func FallbackPlan(tasks []*core.Task) *core.ExecutionPlan {
	dag := scheduler.NewTaskDAG()
	for _, task := range tasks {
		deps := make([]string, 0, len(task.Dependencies))
		for dep := range task.Dependencies {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		dag.AddTask(task.ID, deps)
	}

	placed := make(map[string]struct{}, len(tasks))
	plan := &core.ExecutionPlan{ParallelGroups: make(map[int][]string)}
	for len(placed) < len(tasks) {
		progressed := false
		for _, task := range tasks {
			if _, done := placed[task.ID]; done {
				continue
			}
			ready := true
			for dep := range task.Dependencies {
				if _, done := placed[dep]; !done {
					ready = false
					break
				}
			}
			if ready {
				placed[task.ID] = struct{}{}
				plan.TaskOrder = append(plan.TaskOrder, core.TaskStep(task.ID))
				progressed = true
			}
		}
		if !progressed {
			// Unsatisfiable dependencies; append the rest in submission
			// order rather than loop forever.
			for _, task := range tasks {
				if _, done := placed[task.ID]; !done {
					placed[task.ID] = struct{}{}
					plan.TaskOrder = append(plan.TaskOrder, core.TaskStep(task.ID))
				}
			}
		}
	}
	return plan
}
