package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/conversation"
)

func testLLMClient(url string) *LLMClient {
	return NewLLMClient(&Config{
		Model: "gpt-4.1",
		API:   APIConfig{BaseURL: url, APIKey: "test-key"},
		Fallback: FallbackConfig{
			MaxRetries:       2,
			InitialBackoffMs: 1,
			MaxBackoffMs:     2,
		},
	}, nil)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		body       string
		reason     string
		retry      bool
	}{
		{"transport", 0, "", "transport", true},
		{"rate limit 429", 429, `{"error": {"message": "Rate limit exceeded"}}`, "rate_limit", true},
		{"server error 500", 500, `{"error": {"message": "Internal server error"}}`, "server", true},
		{"bad gateway 502", 502, "", "server", true},
		{"auth error 401", 401, `{"error": {"message": "Invalid API key"}}`, "auth", false},
		{"forbidden 403", 403, `{"error": {"message": "Access denied"}}`, "auth", false},
		{"billing error 402", 402, `{"error": {"message": "Insufficient credits"}}`, "billing", false},
		{"quota in body", 429, `{"error": {"code": "insufficient_quota"}}`, "billing", false},
		{"bad request 400", 400, `{"error": {"message": "Invalid request"}}`, "client", false},
		{"overloaded 529", 529, `{"error": {"type": "overloaded_error"}}`, "overloaded", true},
		{"context length", 400, `{"error": {"code": "context_length_exceeded"}}`, "context", false},
		{"gateway timeout text", 504, "upstream timed out", "timeout", true},
		{"teapot", 418, "", "client", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.statusCode, tt.body)
			if got.reason != tt.reason || got.retry != tt.retry {
				t.Errorf("classify(%d) = %+v, want %s retry=%v", tt.statusCode, got, tt.reason, tt.retry)
			}
		})
	}
}

func TestLLMClient_Backoff(t *testing.T) {
	t.Parallel()

	c := NewLLMClient(&Config{Fallback: FallbackConfig{InitialBackoffMs: 100, MaxBackoffMs: 1000}}, nil)
	tests := []struct {
		attempt, retryAfter int
		want                time.Duration
	}{
		{0, 0, 100 * time.Millisecond},
		{2, 0, 400 * time.Millisecond},
		{10, 0, time.Second},
		{0, 5, time.Second},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("backoff(%d, %d) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}

func TestLLMClient_CompleteParsesToolCalls(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "  checking  ",
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "get_user_timezone", "arguments": "{\"to_number\":\"555\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := testLLMClient(srv.URL)
	resp, err := c.Complete(context.Background(),
		[]ChatMessage{{Role: "user", Content: "hi"}}, ToolDefinitions())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "checking" {
		t.Errorf("content = %q, want trimmed text", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != ToolGetTimezone {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.Model != "gpt-4.1" || len(got.Tools) != 5 {
		t.Errorf("request model=%q tools=%d", got.Model, len(got.Tools))
	}
}

func TestLLMClient_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	resp, err := testLLMClient(srv.URL).Complete(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 3 {
		t.Errorf("content=%q calls=%d, want ok after 3 calls", resp.Content, calls.Load())
	}
}

func TestLLMClient_AuthErrorFailsFast(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	_, err := testLLMClient(srv.URL).Complete(context.Background(), nil, nil)
	var apierr *apiError
	if !errors.As(err, &apierr) || apierr.statusCode != 401 {
		t.Fatalf("expected 401 apiError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("auth errors must not be retried, got %d calls", calls.Load())
	}
}

func TestLLMClient_TranscribeAudio(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("model") != "gpt-4o-mini-transcribe" {
			t.Errorf("model = %q", r.FormValue("model"))
		}
		w.Write([]byte(`{"text":" hello there "}`))
	}))
	defer srv.Close()

	text, err := testLLMClient(srv.URL).TranscribeAudio(context.Background(), []byte("OggS"), "voice.ogg", "gpt-4o-mini-transcribe")
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
}

func TestLLMClient_CompleteWithVisionSendsDataURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:image/png;base64,AAAA") {
			t.Errorf("image data URL missing from request: %s", body)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"a cat"}}]}`))
	}))
	defer srv.Close()

	got, err := testLLMClient(srv.URL).CompleteWithVision(context.Background(), "", "describe", "AAAA", "image/png", "what is this?")
	if err != nil || got != "a cat" {
		t.Errorf("CompleteWithVision = %q, %v", got, err)
	}
}

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	history := []conversation.Turn{
		conversation.System("sys"),
		conversation.ToolResult("gone", "orphaned result"),
		conversation.User("remind me"),
		{Role: conversation.RoleToolCall, CallID: "a", Name: ToolGetTimezone, Arguments: []byte(`{}`), Content: "one moment"},
		conversation.ToolCall("b", ToolScheduleRelative, nil),
		conversation.ToolResult("a", "UTC+3"),
		conversation.ToolResult("b", "{}"),
		conversation.Assistant("done"),
	}

	msgs := BuildMessages(history)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := "system,user,assistant,tool,tool,assistant"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("roles = %s, want %s", got, want)
	}

	calls := msgs[2]
	if len(calls.ToolCalls) != 2 {
		t.Fatalf("expected consecutive calls grouped, got %+v", calls.ToolCalls)
	}
	if calls.Content != "one moment" {
		t.Errorf("accompanying text lost: %v", calls.Content)
	}
	if calls.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("empty arguments should become {}, got %q", calls.ToolCalls[1].Function.Arguments)
	}
	if msgs[3].ToolCallID != "a" || msgs[4].ToolCallID != "b" {
		t.Errorf("tool results not linked: %+v %+v", msgs[3], msgs[4])
	}
}
