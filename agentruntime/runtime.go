// Package agentruntime executes one task end to end: it assembles the
// prompt and contextual memory, drives the LLM and tool ports under the
// rate controller and retry harness, validates structured output, and
// writes results back into memory.
package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crewforge/crewforge/contextmem"
	"github.com/crewforge/crewforge/core"
	"github.com/crewforge/crewforge/memory"
	"github.com/crewforge/crewforge/ratelimit"
	"github.com/crewforge/crewforge/resilience"
)

// DefaultMaxIterations bounds the tool-call loop when the agent does not
// set its own limit.
const DefaultMaxIterations = 10

// Config wires a Runtime.
type Config struct {
	Agents map[string]*core.Agent
	LLMs   map[string]core.LLMPort // keyed by Agent.LLMRef; "" is the default
	Tools  map[string]core.ToolPort

	Memory         *memory.Manager     // optional
	ContextBuilder *contextmem.Builder // optional
	RateController ratelimit.Controller
	Breaker        *resilience.CircuitBreaker
	Retry          *resilience.Options

	// Variables interpolates {placeholder} occurrences in agent role, goal,
	// and backstory templates.
	Variables map[string]string

	SystemTemplate *PromptTemplate
	Logger         core.Logger
}

// Runtime executes tasks on behalf of agents.
type Runtime struct {
	agents   map[string]*core.Agent
	llms     map[string]core.LLMPort
	tools    map[string]core.ToolPort
	mem      *memory.Manager
	ctxBuild *contextmem.Builder
	rate     ratelimit.Controller
	breaker  *resilience.CircuitBreaker
	retry    *resilience.Options
	vars     map[string]string
	template PromptTemplate
	logger   core.Logger
}

// New creates a Runtime.
func New(cfg Config) (*Runtime, error) {
	if len(cfg.LLMs) == 0 {
		return nil, core.NewFrameworkError("agentruntime.New", core.KindConfiguration,
			fmt.Errorf("no LLM port configured: %w", core.ErrMissingConfiguration))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/agentruntime")
	}
	template := DefaultSystemTemplate
	if cfg.SystemTemplate != nil {
		template = *cfg.SystemTemplate
	}
	return &Runtime{
		agents:   cfg.Agents,
		llms:     cfg.LLMs,
		tools:    cfg.Tools,
		mem:      cfg.Memory,
		ctxBuild: cfg.ContextBuilder,
		rate:     cfg.RateController,
		breaker:  cfg.Breaker,
		retry:    cfg.Retry,
		vars:     cfg.Variables,
		template: template,
		logger:   logger,
	}, nil
}

// SetVariables replaces the interpolation variables used for agent role,
// goal, and backstory templates.
func (r *Runtime) SetVariables(vars map[string]string) {
	r.vars = vars
}

// Execute runs one task: context assembly, prompt rendering, the LLM/tool
// loop, output validation, and memory write-back.
func (r *Runtime) Execute(ctx context.Context, task *core.Task, extraContext string) (*core.TaskOutput, error) {
	start := time.Now()

	agent, ok := r.agents[task.AgentRef]
	if !ok {
		return nil, core.NewFrameworkError("agentruntime.Execute", core.KindValidation, core.ErrAgentNotFound).WithID(task.AgentRef)
	}
	port := r.portFor(agent)
	if port == nil {
		return nil, core.NewFrameworkError("agentruntime.Execute", core.KindConfiguration,
			fmt.Errorf("agent %q references unknown LLM %q: %w", agent.ID, agent.LLMRef, core.ErrMissingConfiguration))
	}

	taskContext, err := r.assembleContext(ctx, task, agent, extraContext)
	if err != nil {
		return nil, err
	}
	systemPrompt := r.renderSystemPrompt(agent, taskContext, port.CountTokens)

	userContent := task.Description
	if task.ExpectedOutput != "" {
		userContent += "\n\nExpected output: " + task.ExpectedOutput
	}
	messages := []core.Message{{Role: core.RoleUser, Content: userContent}}

	tools := r.toolDescriptors(task, agent)
	options := core.CompletionOptions{SystemPrompt: systemPrompt, Tools: tools}

	maxIterations := agent.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var completion *core.Completion
	usage := core.TokenUsageTotals{}
	completions := 0
	for completions < maxIterations {
		completion, err = r.complete(ctx, agent, messages, options)
		if err != nil {
			return nil, err
		}
		completions++
		usage.Prompt += completion.PromptTokens
		usage.Completion += completion.CompletionTokens
		usage.Total += completion.TotalTokens

		if len(completion.ToolCalls) == 0 {
			break
		}
		toolMessages, toolErr := r.runToolCalls(ctx, task, agent, completion.ToolCalls)
		if toolErr != nil {
			return nil, toolErr
		}
		messages = append(messages, core.Message{Role: core.RoleAssistant, Content: completion.Content})
		messages = append(messages, toolMessages...)
	}

	output := &core.TaskOutput{
		Result: completion.Content,
		Metadata: core.TaskOutputMetadata{
			TaskID:          task.ID,
			AgentID:         agent.ID,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			TokenUsage:      &usage,
			Iterations:      completions,
		},
	}

	if len(task.OutputSchema) > 0 {
		if err := r.validateOutput(task, output); err != nil {
			return nil, err
		}
	}

	if agent.MemoryEnabled && r.mem != nil {
		r.writeBack(ctx, task, agent, output)
	}
	return output, nil
}

func (r *Runtime) portFor(agent *core.Agent) core.LLMPort {
	if port, ok := r.llms[agent.LLMRef]; ok {
		return port
	}
	return r.llms[""]
}

// assembleContext concatenates the task's context seeds, the caller's extra
// context, and the contextual memory for this task, joined by blank lines.
func (r *Runtime) assembleContext(ctx context.Context, task *core.Task, agent *core.Agent, extraContext string) (string, error) {
	parts := make([]string, 0, len(task.ContextSeeds)+2)
	for _, seed := range task.ContextSeeds {
		if seed != "" {
			parts = append(parts, seed)
		}
	}
	if extraContext != "" {
		parts = append(parts, extraContext)
	}
	if agent.MemoryEnabled && r.ctxBuild != nil {
		memCtx, err := r.ctxBuild.Build(ctx, task)
		if err != nil {
			// Memory is non-critical to the run; log and continue without it.
			r.logger.Warn("contextual memory build failed", map[string]interface{}{
				"task_id": task.ID,
				"error":   err.Error(),
			})
		} else if memCtx != "" {
			parts = append(parts, memCtx)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (r *Runtime) renderSystemPrompt(agent *core.Agent, taskContext string, counter TokenCounter) string {
	vars := map[string]string{
		"role":      Interpolate(agent.Role, r.vars),
		"goal":      Interpolate(agent.Goal, r.vars),
		"backstory": Interpolate(agent.Backstory, r.vars),
		"context":   taskContext,
	}
	return r.template.Render(vars, counter)
}

// complete calls the LLM port through the rate controller, circuit
// breaker, and retry harness.
func (r *Runtime) complete(ctx context.Context, agent *core.Agent, messages []core.Message, options core.CompletionOptions) (*core.Completion, error) {
	port := r.portFor(agent)

	var result *core.Completion
	call := func(ctx context.Context) error {
		if r.rate != nil {
			if err := r.rate.Admit(ctx, int(core.PriorityNormal)); err != nil {
				return err
			}
		}
		start := time.Now()
		do := func() error {
			out, err := port.Complete(ctx, messages, options)
			if err != nil {
				return err
			}
			result = out
			return nil
		}
		var err error
		if r.breaker != nil {
			err = r.breaker.Execute(ctx, do)
		} else {
			err = do()
		}
		if r.rate != nil {
			if err != nil && isRateLimitError(err) {
				r.rate.MarkThrottled()
			} else if err == nil {
				r.rate.MarkCompleted(time.Since(start).Milliseconds())
			}
		}
		return err
	}

	retryOpts := r.retry
	if retryOpts == nil {
		retryOpts = &resilience.Options{MaxAttempts: 1}
	}
	if err := resilience.Run(ctx, retryOpts, call); err != nil {
		return nil, err
	}
	return result, nil
}

func isRateLimitError(err error) bool {
	var fe *core.FrameworkError
	return errors.As(err, &fe) && fe.Kind == core.KindRateLimit
}

// runToolCalls validates each tool input against the tool's schema and
// executes it, returning one tool-result message per call.
func (r *Runtime) runToolCalls(ctx context.Context, task *core.Task, agent *core.Agent, calls []core.ToolCall) ([]core.Message, error) {
	messages := make([]core.Message, 0, len(calls))
	for _, call := range calls {
		result, err := r.runToolCall(ctx, task, agent, call)
		if err != nil {
			return nil, err
		}
		messages = append(messages, core.Message{Role: core.RoleTool, Name: call.Name, Content: result})
	}
	return messages, nil
}

func (r *Runtime) runToolCall(ctx context.Context, task *core.Task, agent *core.Agent, call core.ToolCall) (string, error) {
	if target, ok := delegationTarget(call.Name); ok {
		return r.delegate(ctx, agent, target, call.ArgsJSON)
	}

	tool, ok := r.tools[call.Name]
	if !ok {
		return "", core.NewFrameworkError("agentruntime.runToolCall", core.KindToolExecution, core.ErrToolNotFound).WithID(call.Name)
	}
	descriptor := tool.Describe()
	if len(descriptor.Schema) > 0 {
		schema, err := compileSchema(descriptor.Schema)
		if err != nil {
			return "", err
		}
		if _, err := validateAgainstSchema(schema, call.ArgsJSON); err != nil {
			return "", core.NewFrameworkError("agentruntime.runToolCall", core.KindToolExecution, err).WithID(call.Name)
		}
	}

	result, err := tool.Execute(ctx, call.ArgsJSON, core.ToolExecuteOptions{Timeout: task.Timeout})
	if err != nil {
		return "", core.NewFrameworkError("agentruntime.runToolCall", core.KindToolExecution, err).WithID(call.Name)
	}
	if !result.Success {
		return "", core.NewFrameworkError("agentruntime.runToolCall", core.KindToolExecution,
			fmt.Errorf("tool %s failed: %s", call.Name, result.Error)).WithID(call.Name)
	}
	return result.Result, nil
}

// validateOutput checks the task's output schema and stores the parsed
// value in Formatted.
func (r *Runtime) validateOutput(task *core.Task, output *core.TaskOutput) error {
	schema, err := compileSchema(task.OutputSchema)
	if err != nil {
		return err
	}
	payload := output.Result
	if extracted, ok := core.ExtractJSON(output.Result, ""); ok {
		payload = string(extracted)
	}
	parsed, err := validateAgainstSchema(schema, payload)
	if err != nil {
		return core.NewFrameworkError("agentruntime.Execute", core.KindTaskExecution, err).WithID(task.ID)
	}
	output.Formatted = parsed
	return nil
}

// writeBack records the task output in short-term memory and, when
// long-term memory is configured, runs the evaluator and persists its
// extractions.
func (r *Runtime) writeBack(ctx context.Context, task *core.Task, agent *core.Agent, output *core.TaskOutput) {
	_, err := r.mem.Add(ctx, core.MemoryEntry{
		Content: output.Result,
		Type:    core.MemoryResult,
		Source:  agent.ID,
		Metadata: map[string]interface{}{
			"task_id":  task.ID,
			"agent_id": agent.ID,
		},
	})
	if err != nil {
		r.logger.Warn("short-term memory write failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}

	if r.mem.LongTerm() == nil {
		return
	}
	eval, err := r.evaluate(ctx, agent, task, output.Result)
	if err != nil {
		r.logger.Warn("output evaluation failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
		return
	}
	suggestions := make([]interface{}, 0, len(eval.Suggestions))
	for _, s := range eval.Suggestions {
		suggestions = append(suggestions, s)
	}
	_, err = r.mem.Persist(ctx, core.MemoryEntry{
		Content:    output.Result,
		Type:       core.MemoryResult,
		Importance: eval.Quality,
		Source:     agent.ID,
		Metadata: map[string]interface{}{
			"task_id":     task.ID,
			"agent_id":    agent.ID,
			"quality":     eval.Quality,
			"suggestions": suggestions,
		},
	})
	if err != nil {
		r.logger.Warn("long-term memory write failed", map[string]interface{}{
			"task_id": task.ID,
			"error":   err.Error(),
		})
	}
	for _, entity := range eval.Entities {
		attrs := map[string]interface{}{"description": entity.Description}
		r.mem.Entities().AddOrUpdate(entity.Name, entity.Type, attrs)
		for _, rel := range entity.Relationships {
			_ = r.mem.Entities().AddRelationship(entity.Name, core.EntityRelationship{
				Relation:   rel,
				EntityID:   core.NormalizedName(entity.Name),
				Confidence: eval.Quality,
			})
		}
	}
}

