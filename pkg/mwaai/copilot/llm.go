// Package copilot – llm.go implements the LLM client for chat completions
// with function calling / tool use support, plus the vision and audio
// transcription calls used by media summarization.
// Uses the OpenAI-compatible API format.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/conversation"
)

// Completer runs one chat completion with the given tool schemas.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error)
}

// ---------- Client ----------

// LLMClient handles communication with the LLM provider API.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	fallback   FallbackConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a new LLM client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &LLMClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   cfg.API.APIKey,
		model:    cfg.Model,
		fallback: cfg.Fallback.Effective(),
		httpClient: &http.Client{
			// No global timeout: each call runs under the caller's context.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the primary chat model.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire Types (OpenAI-compatible) ----------

// contentPart represents a single part of multimodal message content.
type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

// imageURL holds the URL (including data:...) and optional detail for vision.
type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "auto", "low", "high"
}

// ChatMessage represents a message in the OpenAI chat format.
// Content is either a string (text-only) or []contentPart (multimodal).
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// chatRequest is the OpenAI-compatible chat completions request.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// chatResponse is the OpenAI-compatible chat completions response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ---------- Tool Calling Types ----------

// ToolDefinition is an OpenAI-compatible tool definition for function calling.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function exposed to the LLM.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments from the LLM.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ---------- Response Types ----------

// LLMResponse holds the parsed response from a chat completion.
type LLMResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        LLMUsage
	ModelUsed    string
}

// LLMUsage holds token usage information from the API response.
type LLMUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ---------- Retry policy ----------

// failure says why a completion failed and whether another attempt may help.
type failure struct {
	reason string
	retry  bool
}

// bodyMarkers are matched against the lowercased error body, in order.
var bodyMarkers = []struct {
	needles []string
	failure failure
}{
	{[]string{"context_length_exceeded", "maximum context length"}, failure{"context", false}},
	{[]string{"billing", "insufficient_quota", "payment required"}, failure{"billing", false}},
	{[]string{"rate_limit", "rate limit", "too many requests"}, failure{"rate_limit", true}},
	{[]string{"overloaded"}, failure{"overloaded", true}},
	{[]string{"timeout", "timed out"}, failure{"timeout", true}},
}

// classify reads a failed call. Status 0 is a transport error.
func classify(status int, body string) failure {
	if status == 0 {
		return failure{"transport", true}
	}
	lower := strings.ToLower(body)
	for _, m := range bodyMarkers {
		for _, needle := range m.needles {
			if strings.Contains(lower, needle) {
				return m.failure
			}
		}
	}
	switch {
	case status == http.StatusPaymentRequired:
		return failure{"billing", false}
	case status == http.StatusTooManyRequests:
		return failure{"rate_limit", true}
	case status == 529:
		return failure{"overloaded", true}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return failure{"auth", false}
	case status >= 500:
		return failure{"server", true}
	default:
		return failure{"client", false}
	}
}

// apiError captures HTTP status, body, and optional Retry-After for 429.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// ---------- History conversion ----------

// BuildMessages converts a stored history into chat messages. Consecutive
// tool_call turns become one assistant message carrying all the calls, and
// tool results whose call is no longer in the history are dropped.
func BuildMessages(history []conversation.Turn) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(history))
	pending := map[string]bool{}

	for i := 0; i < len(history); i++ {
		t := history[i]
		switch t.Role {
		case conversation.RoleSystem, conversation.RoleUser, conversation.RoleAssistant:
			msgs = append(msgs, ChatMessage{Role: string(t.Role), Content: t.Content})

		case conversation.RoleToolCall:
			msg := ChatMessage{Role: "assistant"}
			if t.Content != "" {
				msg.Content = t.Content
			}
			for ; i < len(history) && history[i].Role == conversation.RoleToolCall; i++ {
				call := history[i]
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:       call.CallID,
					Type:     "function",
					Function: FunctionCall{Name: call.Name, Arguments: args},
				})
				pending[call.CallID] = true
			}
			i--
			msgs = append(msgs, msg)

		case conversation.RoleToolResult:
			if !pending[t.CallID] {
				continue
			}
			delete(pending, t.CallID)
			msgs = append(msgs, ChatMessage{Role: "tool", Content: t.Content, ToolCallID: t.CallID})
		}
	}
	return msgs
}

// ---------- Public Methods ----------

// Complete sends a chat completion request with optional tool definitions,
// retrying transient failures and walking the fallback models.
func (c *LLMClient) Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	return c.completeWithFallback(ctx, c.model, messages, tools)
}

// CompleteText runs a single-shot completion without tools and returns the
// text. model overrides the primary model when non-empty.
func (c *LLMClient) CompleteText(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	if model == "" {
		model = c.model
	}
	messages := make([]ChatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: userPrompt})

	resp, err := c.completeWithFallback(ctx, model, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteWithVision sends an image (base64) with a prompt and returns the
// model's description. model overrides the primary model when non-empty.
func (c *LLMClient) CompleteWithVision(ctx context.Context, model, systemPrompt, imageBase64, mimeType, userPrompt string) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, imageBase64)

	parts := []contentPart{
		{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "auto"}},
	}
	if userPrompt != "" {
		parts = append([]contentPart{{Type: "text", Text: userPrompt}}, parts...)
	}

	messages := make([]ChatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: parts})

	if model == "" {
		model = c.model
	}
	resp, err := c.completeOnce(ctx, model, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// TranscribeAudio sends audio data to a Whisper-compatible API and returns
// the transcript. model defaults to "whisper-1" if empty.
func (c *LLMClient) TranscribeAudio(ctx context.Context, audioData []byte, filename, model string) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}
	if model == "" {
		model = "whisper-1"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	endpoint := c.baseURL + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("transcription API error",
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return "", fmt.Errorf("transcription API returned %d: %s", resp.StatusCode, truncate(bodyStr, 200))
	}

	// Response is either plain text (transcript) or JSON with "text" field.
	text := bodyStr
	if strings.HasPrefix(strings.TrimSpace(bodyStr), "{") {
		var j struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(respBody, &j); err == nil && j.Text != "" {
			text = j.Text
		}
	}

	c.logger.Info("audio transcription done",
		"duration_ms", time.Since(start).Milliseconds(),
		"transcript_len", len(text),
	)
	return strings.TrimSpace(text), nil
}

// ---------- Internals ----------

func (c *LLMClient) completeOnce(ctx context.Context, model string, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	reqBody := chatRequest{
		Model:    model,
		Messages: messages,
	}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	bodyStr := string(respBody)

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: bodyStr}
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
					apierr.retryAfterSec = sec
				}
			}
		}
		c.logger.Error("API error",
			"model", model,
			"status", resp.StatusCode,
			"body", truncate(bodyStr, 500),
		)
		return nil, apierr
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from model")
	}

	choice := chatResp.Choices[0]

	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
		"tool_calls", len(choice.Message.ToolCalls),
	)

	return &LLMResponse{
		Content:      strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		ModelUsed:    model,
		Usage: LLMUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

// retryStatus reports whether the fallback config allows retrying status.
func (c *LLMClient) retryStatus(status int) bool {
	return status == 0 || slices.Contains(c.fallback.RetryOnStatusCodes, status)
}

// backoff is min(initial * 2^attempt, max), raised to the server's
// Retry-After when that is longer.
func (c *LLMClient) backoff(attempt, retryAfterSec int) time.Duration {
	limit := time.Duration(c.fallback.MaxBackoffMs) * time.Millisecond
	d := time.Duration(c.fallback.InitialBackoffMs) * time.Millisecond
	for i := 0; i < attempt && d < limit; i++ {
		d *= 2
	}
	if server := time.Duration(retryAfterSec) * time.Second; server > d {
		d = server
	}
	return min(d, limit)
}

// completeWithFallback tries the primary model and then each fallback
// model, retrying each with exponential backoff.
func (c *LLMClient) completeWithFallback(ctx context.Context, primary string, messages []ChatMessage, tools []ToolDefinition) (*LLMResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("API key not configured. Set OPENAI_API_KEY, api.api_key or run mwaai config set-key api_key")
	}

	models := append([]string{primary}, c.fallback.Models...)

	var lastErr error
	for _, model := range models {
		for attempt := 0; attempt <= c.fallback.MaxRetries; attempt++ {
			resp, err := c.completeOnce(ctx, model, messages, tools)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}

			var apiErr *apiError
			status, body, retryAfter := 0, "", 0
			if errors.As(err, &apiErr) {
				status, body, retryAfter = apiErr.statusCode, apiErr.body, apiErr.retryAfterSec
			}
			f := classify(status, body)
			if !f.retry || !c.retryStatus(status) {
				c.logger.Warn("LLM call failed, not retrying",
					"model", model, "attempt", attempt+1, "reason", f.reason, "error", err)
				return nil, err
			}
			if attempt == c.fallback.MaxRetries {
				c.logger.Warn("retries exhausted, trying next model",
					"model", model, "attempts", attempt+1, "error", err)
				break
			}

			wait := c.backoff(attempt, retryAfter)
			c.logger.Info("retrying LLM call",
				"model", model, "attempt", attempt+1, "reason", f.reason, "backoff_ms", wait.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	return nil, fmt.Errorf("all models and retries exhausted: %w", lastErr)
}

// truncate shortens s to at most n bytes, appending "..." when cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
