package agentruntime

import (
	"sort"
	"strings"
)

// TokenCounter estimates the token count of a text.
type TokenCounter func(text string) int

// VariableRule controls how one template variable is squeezed when the
// rendered prompt exceeds its token budget. Higher-priority variables are
// preserved at the expense of lower-priority ones.
type VariableRule struct {
	Name string
	// Priority orders truncation: lower priorities are cut first.
	Priority int
	// MinTokens is the floor a variable is never truncated below.
	MinTokens int
	// Proportion is the variable's target share of the budget, in (0, 1].
	Proportion float64
}

// PromptTemplate renders a system prompt from {{variable}} placeholders
// under a token budget.
type PromptTemplate struct {
	Template    string
	TokenBudget int
	Rules       []VariableRule
}

// DefaultSystemTemplate is the agent system prompt. The variable priority
// table keeps role and goal intact while backstory and context give way
// first.
var DefaultSystemTemplate = PromptTemplate{
	Template: "You are {{role}}.\n\nYour goal: {{goal}}\n\n{{backstory}}\n\n{{context}}",
	Rules: []VariableRule{
		{Name: "role", Priority: 100, MinTokens: 8, Proportion: 0.10},
		{Name: "goal", Priority: 90, MinTokens: 8, Proportion: 0.15},
		{Name: "backstory", Priority: 50, MinTokens: 4, Proportion: 0.25},
		{Name: "context", Priority: 10, MinTokens: 4, Proportion: 0.50},
	},
}

// Render substitutes variables and enforces the token budget in two
// passes: per-variable truncation by the priority table, then an emergency
// binary-search trim of the final text. A budget of zero disables
// enforcement.
func (t *PromptTemplate) Render(vars map[string]string, counter TokenCounter) string {
	rendered := substitute(t.Template, vars)
	if t.TokenBudget <= 0 || counter == nil || counter(rendered) <= t.TokenBudget {
		return rendered
	}

	// Pass 1: truncate variables in ascending priority until the render
	// fits, honoring each variable's floor and proportion target.
	rules := make([]VariableRule, len(t.Rules))
	copy(rules, t.Rules)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	truncated := make(map[string]string, len(vars))
	for k, v := range vars {
		truncated[k] = v
	}
	for _, rule := range rules {
		value, ok := truncated[rule.Name]
		if !ok || value == "" {
			continue
		}
		target := int(float64(t.TokenBudget) * rule.Proportion)
		if target < rule.MinTokens {
			target = rule.MinTokens
		}
		if counter(value) > target {
			truncated[rule.Name] = truncateToTokens(value, target, counter)
		}
		rendered = substitute(t.Template, truncated)
		if counter(rendered) <= t.TokenBudget {
			return rendered
		}
	}

	// Pass 2: emergency binary-search trim of the rendered text.
	return truncateToTokens(rendered, t.TokenBudget, counter)
}

func substitute(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	// Collapse the blank lines left behind by empty variables.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// truncateToTokens binary-searches the longest prefix whose token count
// fits, then backs up to a word boundary.
func truncateToTokens(text string, budget int, counter TokenCounter) string {
	if counter(text) <= budget {
		return text
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := text[:lo]
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n")
}

// Interpolate fills {placeholder} occurrences in a role/goal/backstory
// template from the variables mapping, leaving unknown placeholders
// untouched so the unevaluated form survives for re-interpolation.
func Interpolate(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
