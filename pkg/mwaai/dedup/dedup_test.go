package dedup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "message_ids"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	cfg := database.DefaultHubConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "dedup.db")
	backend, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("database.Open failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	return map[string]Store{"file": fs, "sql": NewSQLStore(backend)}
}

func TestStore_SeenAndClaim(t *testing.T) {
	t.Parallel()

	for name, s := range newStores(t) {
		ctx := context.Background()

		seen, err := s.Seen(ctx, "5511999", "wamid.1")
		if err != nil || seen {
			t.Fatalf("%s: fresh id seen=%v err=%v", name, seen, err)
		}
		first, err := s.Claim(ctx, "5511999", "wamid.1")
		if err != nil || !first {
			t.Fatalf("%s: first claim = %v, %v", name, first, err)
		}
		second, err := s.Claim(ctx, "5511999", "wamid.1")
		if err != nil || second {
			t.Errorf("%s: second claim = %v, %v; want false", name, second, err)
		}
		if seen, _ := s.Seen(ctx, "5511999", "wamid.1"); !seen {
			t.Errorf("%s: expected id to be seen after Claim", name)
		}
		if seen, _ := s.Seen(ctx, "5511888", "wamid.1"); seen {
			t.Errorf("%s: ids must be scoped per sender", name)
		}
	}
}

func TestStore_ConcurrentClaimsSucceedOnce(t *testing.T) {
	t.Parallel()

	for name, s := range newStores(t) {
		ctx := context.Background()
		const workers = 8

		var (
			wg      sync.WaitGroup
			claimed atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Claim(ctx, "555", "wamid.1")
				if err != nil {
					t.Errorf("%s: Claim failed: %v", name, err)
					return
				}
				if ok {
					claimed.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := claimed.Load(); got != 1 {
			t.Errorf("%s: %d successful claims for one id, want 1", name, got)
		}
	}
}

func TestFileStore_CorruptFileReadsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "alice.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if seen, err := s.Seen(ctx, "alice", "m1"); err != nil || seen {
		t.Fatalf("corrupt file: seen=%v err=%v", seen, err)
	}
	if ok, err := s.Claim(ctx, "alice", "m1"); err != nil || !ok {
		t.Fatalf("Claim over corrupt file = %v, %v", ok, err)
	}
	if seen, _ := s.Seen(ctx, "alice", "m1"); !seen {
		t.Error("expected id after rewrite")
	}
}
