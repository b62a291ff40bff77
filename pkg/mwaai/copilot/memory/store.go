// Package memory implements the per-user similarity store used by the
// remember-and-recall tool: records are embedded and kept in a vector
// collection named after the user.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// DefaultNamespace holds records that have no user key.
const DefaultNamespace = "__default__"

// Record is an entry of the similarity store.
type Record struct {
	ID                 string
	Text               string
	Timestamp          string
	FileContentSummary string
}

// Fields returns the record as a flat map, dropping empty optional fields.
func (r Record) Fields() map[string]any {
	fields := map[string]any{
		"_id":  r.ID,
		"text": r.Text,
	}
	if r.Timestamp != "" {
		fields["timestamp"] = r.Timestamp
	}
	if r.FileContentSummary != "" {
		fields["file_content_summary"] = r.FileContentSummary
	}
	return fields
}

// Hit is a search result.
type Hit struct {
	Fields map[string]any `json:"fields"`
	Score  float64        `json:"score"`
}

// SimilarityStore upserts records and finds similar ones per namespace.
type SimilarityStore interface {
	Upsert(ctx context.Context, namespace string, rec Record) error
	Search(ctx context.Context, namespace, text string, topK int) ([]Hit, error)
}

// VectorMemory is a SimilarityStore over a database vector store.
type VectorMemory struct {
	embedder EmbeddingProvider
	vectors  database.VectorStore
}

// NewVectorMemory creates a similarity store. vectors may be nil when the
// backend has no vector support; every call then fails.
func NewVectorMemory(embedder EmbeddingProvider, vectors database.VectorStore) *VectorMemory {
	if embedder == nil {
		embedder = NullEmbedder{}
	}
	return &VectorMemory{embedder: embedder, vectors: vectors}
}

// Upsert embeds the record text and stores it under namespace.
func (m *VectorMemory) Upsert(ctx context.Context, namespace string, rec Record) error {
	if m.vectors == nil {
		return fmt.Errorf("vector store unavailable")
	}
	vec, err := m.embedOne(ctx, rec.Text)
	if err != nil {
		return err
	}
	if err := m.vectors.Insert(ctx, ns(namespace), rec.ID, vec, rec.Fields(), rec.Text); err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.ID, err)
	}
	return nil
}

// Search returns up to topK records most similar to text, best first.
func (m *VectorMemory) Search(ctx context.Context, namespace, text string, topK int) ([]Hit, error) {
	if m.vectors == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	vec, err := m.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	results, err := m.vectors.Search(ctx, ns(namespace), vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns(namespace), err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		fields := r.Metadata
		if fields == nil {
			fields = map[string]any{"_id": r.ID, "text": r.Text}
		}
		hits = append(hits, Hit{Fields: fields, Score: r.Score})
	}
	return hits, nil
}

func (m *VectorMemory) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed: empty vector")
	}
	return vecs[0], nil
}

func ns(namespace string) string {
	if strings.TrimSpace(namespace) == "" {
		return DefaultNamespace
	}
	return namespace
}
