package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crewforge/crewforge/core"
)

const delegationPrefix = "delegate_to_"

// delegationTarget reports whether a tool name is a synthesized delegation
// descriptor and, if so, which agent it targets.
func delegationTarget(toolName string) (string, bool) {
	if strings.HasPrefix(toolName, delegationPrefix) {
		return strings.TrimPrefix(toolName, delegationPrefix), true
	}
	return "", false
}

var delegationSchema = []byte(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "What the coworker should do"},
		"context": {"type": "string", "description": "Everything the coworker needs to know"}
	},
	"required": ["task"]
}`)

// toolDescriptors collects the descriptors the model may call for this
// task: the task's and agent's tools, plus — when delegation is allowed —
// one synthesized "delegate to coworker" descriptor per other agent.
func (r *Runtime) toolDescriptors(task *core.Task, agent *core.Agent) []core.ToolDescriptor {
	seen := make(map[string]struct{})
	descriptors := make([]core.ToolDescriptor, 0)
	for _, refs := range [][]string{task.ToolRefs, agent.ToolRefs} {
		for _, ref := range refs {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			if tool, ok := r.tools[ref]; ok {
				descriptors = append(descriptors, tool.Describe())
			}
		}
	}

	if agent.AllowDelegation {
		for id, coworker := range r.agents {
			if id == agent.ID {
				continue
			}
			descriptors = append(descriptors, core.ToolDescriptor{
				Name: delegationPrefix + id,
				Description: fmt.Sprintf("Delegate a sub-task to coworker %s. Role: %s. Goal: %s",
					coworker.ID, Interpolate(coworker.Role, r.vars), Interpolate(coworker.Goal, r.vars)),
				Schema: delegationSchema,
			})
		}
	}
	return descriptors
}

type delegationInput struct {
	Task    string `json:"task"`
	Context string `json:"context"`
}

// delegate runs a coworker's execute for a sub-task built from the tool
// input.
func (r *Runtime) delegate(ctx context.Context, from *core.Agent, targetID, argsJSON string) (string, error) {
	target, ok := r.agents[targetID]
	if !ok {
		return "", core.NewFrameworkError("agentruntime.delegate", core.KindToolExecution, core.ErrAgentNotFound).WithID(targetID)
	}
	var input delegationInput
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		return "", core.NewFrameworkError("agentruntime.delegate", core.KindValidation,
			fmt.Errorf("delegation input: %v: %w", err, core.ErrSchemaValidation)).WithID(targetID)
	}
	if input.Task == "" {
		return "", core.NewFrameworkError("agentruntime.delegate", core.KindValidation,
			fmt.Errorf("delegation requires a task: %w", core.ErrSchemaValidation)).WithID(targetID)
	}

	subTask := core.NewTask(
		fmt.Sprintf("%s-delegated-%s", from.ID, targetID),
		input.Task,
		target.ID,
	)
	output, err := r.Execute(ctx, subTask, input.Context)
	if err != nil {
		return "", err
	}
	return output.Result, nil
}
