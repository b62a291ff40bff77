// Package memory – embeddings.go implements embedding generation for the
// similarity store over any OpenAI-compatible /embeddings endpoint.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrNoEmbeddings is returned when no embedding provider is configured.
var ErrNoEmbeddings = errors.New("embeddings not configured")

// EmbeddingProvider generates vector embeddings from text.
type EmbeddingProvider interface {
	// Embed generates embeddings for a batch of texts.
	// Returns one float32 vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of the output vectors.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "none".
	Provider string `yaml:"provider"`

	// Model is the embedding model name (e.g. "text-embedding-3-small").
	Model string `yaml:"model"`

	// Dimensions is the output vector dimensionality (default: 1536).
	Dimensions int `yaml:"dimensions"`

	// APIKey for the embedding endpoint. Falls back to OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL is the API base URL (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// Timeout bounds a single embedding call (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultEmbeddingConfig returns sensible defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "openai",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// openaiEmbedResponse is the OpenAI-compatible embeddings API response.
type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIEmbedder generates embeddings using an OpenAI-compatible API.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

// NewOpenAIEmbedder creates an OpenAI embedding provider.
func NewOpenAIEmbedder(cfg EmbeddingConfig) *OpenAIEmbedder {
	def := DefaultEmbeddingConfig()
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = def.Dimensions
	}
	model := cfg.Model
	if model == "" {
		model = def.Model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimensions: dims,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

// Embed generates embeddings for a batch of texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": e.model,
		"input": texts,
	}
	if e.dimensions > 0 && strings.HasPrefix(e.model, "text-embedding-3") {
		body["dimensions"] = e.dimensions
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result openaiEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embed API error: %s", result.Error.Message)
	}

	// Sort by index to match input order.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, v := range embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("embed API returned no vector for input %d", i)
		}
	}
	return embeddings, nil
}

// Dimensions returns the output vector dimensionality.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Model returns the model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// NullEmbedder disables the similarity store.
type NullEmbedder struct{}

// Embed always fails with ErrNoEmbeddings.
func (NullEmbedder) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrNoEmbeddings
}

// Dimensions returns 0.
func (NullEmbedder) Dimensions() int { return 0 }

// Model returns "none".
func (NullEmbedder) Model() string { return "none" }

// NewEmbeddingProvider returns the provider selected by cfg.
func NewEmbeddingProvider(cfg EmbeddingConfig) EmbeddingProvider {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return NullEmbedder{}
	default:
		return NewOpenAIEmbedder(cfg)
	}
}
