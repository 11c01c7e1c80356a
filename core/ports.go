package core

import (
	"context"
	"time"
)

// MessageRole enumerates the LLM port's message roles.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one turn in an LLM completion request.
type Message struct {
	Role    MessageRole
	Content string
	Name    string
}

// CompletionOptions configures one LLMPort.Complete call.
type CompletionOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
	Tools        []ToolDescriptor
}

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCall  FinishReason = "tool_call"
	FinishError     FinishReason = "error"
)

// Completion is the result of an LLMPort.Complete call.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     FinishReason
	ToolCalls        []ToolCall
}

// ToolCall is a model-requested invocation of a tool.
type ToolCall struct {
	ID        string
	Name      string
	ArgsJSON  string
}

// StreamCallbacks receives incremental output from LLMPort.CompleteStreaming.
type StreamCallbacks struct {
	OnToken    func(token string)
	OnComplete func(final *Completion)
	OnError    func(err error)
}

// LLMPort is the opaque language-model client the core treats as an
// external collaborator. Any concrete client (mock, Anthropic, ...)
// satisfies it.
type LLMPort interface {
	Complete(ctx context.Context, messages []Message, options CompletionOptions) (*Completion, error)
	CompleteStreaming(ctx context.Context, messages []Message, options CompletionOptions, callbacks StreamCallbacks) error
	CountTokens(text string) int
}

// ToolResult is the outcome of a ToolPort.Execute call.
type ToolResult struct {
	Success         bool
	Result          string
	Error           string
	ExecutionTimeMs int64
	Cached          bool
}

// ToolExecuteOptions configures one ToolPort.Execute call.
type ToolExecuteOptions struct {
	Timeout time.Duration
}

// ToolDescriptor is a tool's advertised metadata: name, description, and
// optional JSON Schema for its input.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema, optional
}

// ToolPort is the opaque tool implementation the core treats as an external
// collaborator. Inputs are validated against Schema (when present) before
// Execute is called.
type ToolPort interface {
	Describe() ToolDescriptor
	Execute(ctx context.Context, input string, options ToolExecuteOptions) (*ToolResult, error)
}

// Embedder computes embeddings for text. The core falls back to a
// deterministic hash-derived embedder (see vectorstore.HashEmbedder) when
// none is configured, solely so tests and development work offline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
