// Package dedup remembers which inbound message ids have been processed so a
// redelivered webhook does not trigger a second reply.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// Store tracks processed message ids per sender.
type Store interface {
	// Seen reports whether messageID from sender was already marked.
	Seen(ctx context.Context, sender, messageID string) (bool, error)

	// Claim marks messageID from sender and reports whether this call was
	// the first to do so. Concurrent claims of one id succeed exactly once.
	Claim(ctx context.Context, sender, messageID string) (bool, error)
}

// ---------- File store ----------

// FileStore keeps one JSON array of ids per sender.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating message id directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Seen reports whether messageID is in sender's set. A corrupt file reads as empty.
func (s *FileStore) Seen(ctx context.Context, sender, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.load(sender)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, messageID), nil
}

// Claim adds messageID to sender's set under the store lock.
func (s *FileStore) Claim(ctx context.Context, sender, messageID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.load(sender)
	if err != nil {
		return false, err
	}
	if slices.Contains(ids, messageID) {
		return false, nil
	}
	ids = append(ids, messageID)

	data, err := json.Marshal(ids)
	if err != nil {
		return false, fmt.Errorf("marshaling message ids: %w", err)
	}
	path := s.path(sender)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return false, fmt.Errorf("writing message ids for %q: %w", sender, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("replacing message ids for %q: %w", sender, err)
	}
	return true, nil
}

func (s *FileStore) load(sender string) ([]string, error) {
	data, err := os.ReadFile(s.path(sender))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading message ids for %q: %w", sender, err)
	}
	var ids []string
	if json.Unmarshal(data, &ids) != nil {
		return nil, nil
	}
	return ids, nil
}

func (s *FileStore) path(sender string) string {
	return filepath.Join(s.dir, database.SafeFileName(sender)+".json")
}

// ---------- SQL store ----------

// SQLStore keeps processed ids in the "message_ids" table.
type SQLStore struct {
	backend *database.Backend
}

// NewSQLStore creates a SQL-backed store.
func NewSQLStore(backend *database.Backend) *SQLStore {
	return &SQLStore{backend: backend}
}

// Seen reports whether the pair is present.
func (s *SQLStore) Seen(ctx context.Context, sender, messageID string) (bool, error) {
	var n int
	err := s.backend.DB.QueryRowContext(ctx,
		s.backend.Rebind("SELECT COUNT(*) FROM message_ids WHERE sender = ? AND message_id = ?"),
		sender, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check message id %q: %w", messageID, err)
	}
	return n > 0, nil
}

// Claim inserts the pair. The row count tells whether it was new.
func (s *SQLStore) Claim(ctx context.Context, sender, messageID string) (bool, error) {
	res, err := s.backend.DB.ExecContext(ctx, s.backend.Rebind(`
		INSERT INTO message_ids (sender, message_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT (sender, message_id) DO NOTHING`),
		sender, messageID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, fmt.Errorf("claim message id %q: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim message id %q: %w", messageID, err)
	}
	return n == 1, nil
}
