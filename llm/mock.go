// Package llm provides concrete implementations of the core.LLMPort: a
// scriptable mock for tests and development, and an Anthropic Messages API
// client.
package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/crewforge/crewforge/core"
)

// MockClient implements core.LLMPort for testing. Responses are served
// from a configured list, or computed per call via Script.
type MockClient struct {
	mu sync.Mutex

	Responses     []string
	ResponseIndex int
	// Script, when set, computes each completion from the request and takes
	// precedence over Responses.
	Script func(messages []core.Message, options core.CompletionOptions) (string, error)
	Err    error

	CallCount    int
	LastMessages []core.Message
	LastOptions  core.CompletionOptions
}

// NewMockClient creates a MockClient with a single default response.
func NewMockClient() *MockClient {
	return &MockClient{Responses: []string{"Mock response"}}
}

// EchoScript answers "executed:<content of the last user message>"; handy
// for tests that assert on per-task outputs.
func EchoScript(messages []core.Message, _ core.CompletionOptions) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return "executed:" + messages[i].Content, nil
		}
	}
	return "executed:", nil
}

func (c *MockClient) Complete(ctx context.Context, messages []core.Message, options core.CompletionOptions) (*core.Completion, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.CallCount++
	c.LastMessages = messages
	c.LastOptions = options

	if c.Err != nil {
		return nil, c.Err
	}

	var content string
	if c.Script != nil {
		out, err := c.Script(messages, options)
		if err != nil {
			return nil, err
		}
		content = out
	} else {
		if c.ResponseIndex >= len(c.Responses) {
			return nil, core.NewFrameworkError("llm.MockClient.Complete", core.KindConfiguration,
				core.ErrInvalidConfiguration)
		}
		content = c.Responses[c.ResponseIndex]
		c.ResponseIndex++
	}

	prompt := 0
	for _, m := range messages {
		prompt += estimateTokens(m.Content)
	}
	prompt += estimateTokens(options.SystemPrompt)
	completion := estimateTokens(content)
	return &core.Completion{
		Content:          content,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		FinishReason:     core.FinishStop,
	}, nil
}

// CompleteStreaming completes the request and replays the result word by
// word through the callbacks.
func (c *MockClient) CompleteStreaming(ctx context.Context, messages []core.Message, options core.CompletionOptions, callbacks core.StreamCallbacks) error {
	final, err := c.Complete(ctx, messages, options)
	if err != nil {
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return err
	}
	if callbacks.OnToken != nil {
		for _, word := range strings.SplitAfter(final.Content, " ") {
			callbacks.OnToken(word)
		}
	}
	if callbacks.OnComplete != nil {
		callbacks.OnComplete(final)
	}
	return nil
}

func (c *MockClient) CountTokens(text string) int { return estimateTokens(text) }

// SetResponses replaces the response list and rewinds the index.
func (c *MockClient) SetResponses(responses ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Responses = responses
	c.ResponseIndex = 0
}

// SetError configures a fixed error for every call.
func (c *MockClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

// Reset clears call accounting and the error.
func (c *MockClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ResponseIndex = 0
	c.CallCount = 0
	c.LastMessages = nil
	c.Err = nil
}

// estimateTokens is the rough chars/4 heuristic; good enough for budget
// enforcement and mock usage accounting.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

var _ core.LLMPort = (*MockClient)(nil)
