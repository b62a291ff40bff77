package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// keywordEmbedder maps texts onto a tiny fixed vocabulary.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vocab := []string{"pizza", "weather", "dentist"}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(vocab)+1)
		v[len(vocab)] = 0.01
		for j, w := range vocab {
			if strings.Contains(strings.ToLower(t), w) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func (keywordEmbedder) Dimensions() int { return 4 }
func (keywordEmbedder) Model() string   { return "keywords" }

func openVectors(t *testing.T) database.VectorStore {
	t.Helper()
	cfg := database.DefaultHubConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "mem.db")
	backend, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend.Vector
}

func TestVectorMemory_UpsertSearch(t *testing.T) {
	t.Parallel()

	m := NewVectorMemory(keywordEmbedder{}, openVectors(t))
	ctx := context.Background()

	records := []Record{
		{ID: "1", Text: "I love pizza", Timestamp: "2025-06-27 12:00:00 UTC"},
		{ID: "2", Text: "dentist on friday", FileContentSummary: "appointment card"},
		{ID: "3", Text: "pizza with friends"},
	}
	for _, r := range records {
		if err := m.Upsert(ctx, "alice", r); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	m.Upsert(ctx, "bob", Record{ID: "4", Text: "pizza"})

	hits, err := m.Search(ctx, "alice", "pizza tonight", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected alice's 3 records, got %d", len(hits))
	}
	if id := hits[0].Fields["_id"]; id != "1" && id != "3" {
		t.Errorf("best hit should be a pizza record, got %v", id)
	}
	if hits[0].Score < hits[2].Score {
		t.Error("hits not ordered by score")
	}

	for _, h := range hits {
		if h.Fields["_id"] == "2" && h.Fields["file_content_summary"] != "appointment card" {
			t.Errorf("metadata lost: %v", h.Fields)
		}
		if h.Fields["_id"] == "3" {
			if _, ok := h.Fields["timestamp"]; ok {
				t.Errorf("empty timestamp should be dropped: %v", h.Fields)
			}
		}
	}
}

func TestVectorMemory_DefaultNamespace(t *testing.T) {
	t.Parallel()

	m := NewVectorMemory(keywordEmbedder{}, openVectors(t))
	ctx := context.Background()
	m.Upsert(ctx, "", Record{ID: "x", Text: "weather"})

	hits, err := m.Search(ctx, DefaultNamespace, "weather", 10)
	if err != nil || len(hits) != 1 {
		t.Errorf("record without key should land in %s: %v, %v", DefaultNamespace, hits, err)
	}
}

func TestVectorMemory_NoEmbeddings(t *testing.T) {
	t.Parallel()

	m := NewVectorMemory(nil, openVectors(t))
	err := m.Upsert(context.Background(), "a", Record{ID: "1", Text: "t"})
	if !errors.Is(err, ErrNoEmbeddings) {
		t.Errorf("expected ErrNoEmbeddings, got %v", err)
	}
	if _, err := NewVectorMemory(keywordEmbedder{}, nil).Search(context.Background(), "a", "t", 1); err == nil {
		t.Error("expected error without vector store")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" || r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		// Reply out of order to exercise index sorting.
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(EmbeddingConfig{BaseURL: srv.URL, APIKey: "test-key"})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not in input order: %v", vecs)
	}

	bad := NewOpenAIEmbedder(EmbeddingConfig{BaseURL: srv.URL, APIKey: "wrong"})
	if _, err := bad.Embed(context.Background(), []string{"a"}); err == nil {
		t.Error("expected error on 401")
	}
}
