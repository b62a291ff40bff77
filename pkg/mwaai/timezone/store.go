// Package timezone persists the UTC offset chosen by each user.
//
// Records map a user key (the sender's phone number) to an offset string
// such as "UTC-3" or "UTC+0". The store does not validate offsets; the
// scheduling tools do that when they read them back.
package timezone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// ErrNotFound is returned by Get when no offset is stored for the key.
var ErrNotFound = errors.New("timezone not found")

// Store maps user keys to UTC offset strings.
type Store interface {
	// Set stores offset for key, replacing any previous value.
	Set(ctx context.Context, key, offset string) error

	// Get returns the offset for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
}

// record is the on-disk layout of a single user's timezone.
type record struct {
	Timezone string `json:"timezone"`
}

// FileStore keeps one JSON document per key under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating timezone directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Set writes the record through a temp file so readers never see a partial write.
func (s *FileStore) Set(ctx context.Context, key, offset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(record{Timezone: offset})
	if err != nil {
		return fmt.Errorf("marshaling timezone: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing timezone for %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing timezone for %q: %w", key, err)
	}
	return nil
}

// Get reads the record for key.
func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("reading timezone for %q: %w", key, err)
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return "", fmt.Errorf("parsing timezone for %q: %w", key, err)
	}
	if r.Timezone == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return r.Timezone, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, database.SafeFileName(key)+".json")
}
