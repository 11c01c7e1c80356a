package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crewforge/crewforge/core"
)

// evaluation is what the evaluator extracts from a task output before it
// is persisted to long-term memory.
type evaluation struct {
	Quality     float64           `json:"quality"`
	Suggestions []string          `json:"suggestions"`
	Entities    []extractedEntity `json:"entities"`
}

type extractedEntity struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	Relationships []string `json:"relationships"`
}

const evaluatorPrompt = `Evaluate the task output below. Respond with a single JSON object:
{
  "quality": <float between 0 and 1>,
  "suggestions": [<short improvement suggestions>],
  "entities": [{"name": "...", "type": "...", "description": "...", "relationships": ["..."]}]
}

Task: %s

Output:
%s`

// evaluate asks the agent's LLM to score the output and extract entities.
func (r *Runtime) evaluate(ctx context.Context, agent *core.Agent, task *core.Task, result string) (*evaluation, error) {
	completion, err := r.complete(ctx, agent, []core.Message{{
		Role:    core.RoleUser,
		Content: fmt.Sprintf(evaluatorPrompt, task.Description, result),
	}}, core.CompletionOptions{SystemPrompt: "You are a strict quality evaluator. Respond with JSON only."})
	if err != nil {
		return nil, err
	}

	raw, ok := core.ExtractJSON(completion.Content, "quality")
	if !ok {
		return nil, core.NewFrameworkError("agentruntime.evaluate", core.KindValidation,
			fmt.Errorf("evaluator returned no JSON"))
	}
	var eval evaluation
	if err := json.Unmarshal(raw, &eval); err != nil {
		return nil, core.NewFrameworkError("agentruntime.evaluate", core.KindValidation, err)
	}
	if eval.Quality < 0 {
		eval.Quality = 0
	} else if eval.Quality > 1 {
		eval.Quality = 1
	}
	return &eval, nil
}
