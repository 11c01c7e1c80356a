package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crewforge/crewforge/core"
)

func TestMockClientServesResponsesInOrder(t *testing.T) {
	c := NewMockClient()
	c.SetResponses("one", "two")
	ctx := context.Background()

	first, err := c.Complete(ctx, []core.Message{{Role: core.RoleUser, Content: "hi"}}, core.CompletionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Content != "one" {
		t.Fatalf("content = %q", first.Content)
	}
	second, _ := c.Complete(ctx, nil, core.CompletionOptions{})
	if second.Content != "two" {
		t.Fatalf("content = %q", second.Content)
	}
	if _, err := c.Complete(ctx, nil, core.CompletionOptions{}); err == nil {
		t.Fatal("expected error once responses are exhausted")
	}
	if c.CallCount != 3 {
		t.Fatalf("CallCount = %d", c.CallCount)
	}
}

func TestMockClientEchoScript(t *testing.T) {
	c := NewMockClient()
	c.Script = EchoScript
	out, err := c.Complete(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "system"},
		{Role: core.RoleUser, Content: "Edit"},
	}, core.CompletionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "executed:Edit" {
		t.Fatalf("content = %q", out.Content)
	}
	if out.TotalTokens != out.PromptTokens+out.CompletionTokens {
		t.Fatal("usage totals inconsistent")
	}
}

func TestMockClientStreaming(t *testing.T) {
	c := NewMockClient()
	c.SetResponses("streamed words here")
	var tokens []string
	var final *core.Completion
	err := c.CompleteStreaming(context.Background(), nil, core.CompletionOptions{}, core.StreamCallbacks{
		OnToken:    func(tok string) { tokens = append(tokens, tok) },
		OnComplete: func(f *core.Completion) { final = f },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 {
		t.Fatalf("tokens = %v", tokens)
	}
	if final == nil || final.Content != "streamed words here" {
		t.Fatalf("final = %+v", final)
	}
}

func TestAnthropicClientComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing version header")
		}
		var req anthropicRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.System != "be brief" {
			t.Errorf("system = %q", req.System)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]string{{"type": "text", "text": "hello from claude"}},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 5},
		})
	}))
	defer server.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Complete(context.Background(), []core.Message{
		{Role: core.RoleSystem, Content: "be brief"},
		{Role: core.RoleUser, Content: "hi"},
	}, core.CompletionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Content != "hello from claude" || out.TotalTokens != 17 {
		t.Fatalf("completion = %+v", out)
	}
}

func TestAnthropicClientErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusTooManyRequests, func(err error) bool { return errors.Is(err, core.ErrRateLimited) }, "rate limit"},
		{http.StatusUnauthorized, func(err error) bool { return errors.Is(err, core.ErrAuthenticationFail) }, "auth"},
		{http.StatusInternalServerError, func(err error) bool { return core.IsRetryable(err) }, "server error retryable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"type":"x","message":"nope"}}`))
			}))
			defer server.Close()

			c, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
			if err != nil {
				t.Fatal(err)
			}
			_, err = c.Complete(context.Background(), []core.Message{{Role: core.RoleUser, Content: "x"}}, core.CompletionOptions{})
			if err == nil || !tc.check(err) {
				t.Fatalf("status %d: unexpected error %v", tc.status, err)
			}
		})
	}
}

func TestAnthropicClientRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicClient(AnthropicConfig{})
	if !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
