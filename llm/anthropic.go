package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crewforge/crewforge/core"
)

const (
	// DefaultAnthropicBaseURL is the default Anthropic API endpoint.
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	// anthropicAPIVersion is the required Anthropic API version header.
	anthropicAPIVersion = "2023-06-01"
	// DefaultAnthropicModel is used when the caller does not pick one.
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
)

// AnthropicClient implements core.LLMPort against the Anthropic Messages
// API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  core.Logger
}

// NewAnthropicClient creates an AnthropicClient.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewFrameworkError("llm.NewAnthropicClient", core.KindConfiguration,
			fmt.Errorf("anthropic API key not configured: %w", core.ErrMissingConfiguration))
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/llm")
	}
	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Wire structures for the native Messages API.

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, messages []core.Message, options core.CompletionOptions) (*core.Completion, error) {
	model := options.Model
	if model == "" {
		model = c.model
	}
	maxTokens := options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	req := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: options.Temperature,
		System:      options.SystemPrompt,
	}
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			// The Messages API takes the system prompt out of band.
			if req.System == "" {
				req.System = m.Content
			} else {
				req.System += "\n\n" + m.Content
			}
		case core.RoleAssistant:
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: m.Content})
		default:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: m.Content})
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindValidation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindNetwork, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindNetwork,
			fmt.Errorf("%v: %w", err, core.ErrConnectionFailed))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTPError(resp.StatusCode, raw)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindNetwork, err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	c.logger.Debug("Anthropic completion", map[string]interface{}{
		"model":       model,
		"duration_ms": time.Since(start).Milliseconds(),
		"in_tokens":   parsed.Usage.InputTokens,
		"out_tokens":  parsed.Usage.OutputTokens,
	})

	finish := core.FinishStop
	if parsed.StopReason == "max_tokens" {
		finish = core.FinishLength
	}
	return &core.Completion{
		Content:          content,
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
		TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		FinishReason:     finish,
	}, nil
}

func (c *AnthropicClient) classifyHTTPError(status int, body []byte) error {
	var parsed anthropicResponse
	message := string(body)
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		message = parsed.Error.Message
	}
	err := fmt.Errorf("anthropic API returned %d: %s", status, message)
	switch {
	case status == http.StatusTooManyRequests:
		return core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindRateLimit,
			fmt.Errorf("%v: %w", err, core.ErrRateLimited))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindAuthentication,
			fmt.Errorf("%v: %w", err, core.ErrAuthenticationFail))
	case status >= 500:
		return core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindNetwork,
			fmt.Errorf("%v: %w", err, core.ErrRequestFailed))
	default:
		return core.NewFrameworkError("llm.AnthropicClient.Complete", core.KindValidation, err)
	}
}

// CompleteStreaming performs the completion and replays the final content
// through the callbacks. True server-side streaming is not implemented for
// this provider; callers relying on incremental tokens get them in one
// burst after completion.
func (c *AnthropicClient) CompleteStreaming(ctx context.Context, messages []core.Message, options core.CompletionOptions, callbacks core.StreamCallbacks) error {
	final, err := c.Complete(ctx, messages, options)
	if err != nil {
		if callbacks.OnError != nil {
			callbacks.OnError(err)
		}
		return err
	}
	if callbacks.OnToken != nil {
		callbacks.OnToken(final.Content)
	}
	if callbacks.OnComplete != nil {
		callbacks.OnComplete(final)
	}
	return nil
}

func (c *AnthropicClient) CountTokens(text string) int { return estimateTokens(text) }

var _ core.LLMPort = (*AnthropicClient)(nil)
