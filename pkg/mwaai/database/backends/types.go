// Package backends provides database backend implementations.
package backends

import (
	"fmt"
	"math"
	"strings"
)

// VectorConfig configures vector search capabilities for database backends.
type VectorConfig struct {
	// Enabled activates vector search support
	Enabled bool

	// Dimensions of the embedding vectors (default: 1536 for OpenAI embeddings)
	Dimensions int

	// IndexType specifies the pgvector index algorithm: "hnsw" or "ivfflat"
	IndexType string
}

// Effective returns a copy with defaults applied for zero fields.
func (c VectorConfig) Effective() VectorConfig {
	out := c
	if out.Dimensions == 0 {
		out.Dimensions = 1536
	}
	if out.IndexType == "" {
		out.IndexType = "hnsw"
	}
	return out
}

// SearchResult represents a single vector search result with score and metadata.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// vectorToPgArray converts a float32 slice to the pgvector text format.
func vectorToPgArray(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, f := range v {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%f", f))
	}
	sb.WriteString("]")
	return sb.String()
}
