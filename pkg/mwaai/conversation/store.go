package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// Options configures a Store.
type Options struct {
	// SystemPrompt seeds histories that lack a system turn.
	SystemPrompt string

	// MaxBytes bounds the serialized history (default: DefaultMaxBytes).
	MaxBytes int

	Logger *slog.Logger
}

// blobStore persists one serialized history per key.
type blobStore interface {
	read(ctx context.Context, key string) ([]byte, error)
	write(ctx context.Context, key string, data []byte) error
	remove(ctx context.Context, key string) error
}

// errNoBlob reports an absent history.
var errNoBlob = errors.New("no history")

// Store loads and saves conversation histories. Mutations of one key are
// serialized; different keys proceed independently.
type Store struct {
	blobs        blobStore
	systemPrompt string
	maxBytes     int
	logger       *slog.Logger

	mapMu sync.Mutex
	keyMu map[string]*keyLock
}

// keyLock is dropped from the map once nobody holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newStore(blobs blobStore, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Store{
		blobs:        blobs,
		systemPrompt: opts.SystemPrompt,
		maxBytes:     opts.MaxBytes,
		logger:       opts.Logger.With("component", "conversation"),
		keyMu:        make(map[string]*keyLock),
	}
}

// SetSystemPrompt replaces the prompt used to seed new histories.
func (s *Store) SetSystemPrompt(prompt string) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	s.systemPrompt = prompt
}

func (s *Store) prompt() string {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	return s.systemPrompt
}

// lock serializes work on key and returns the release func.
func (s *Store) lock(key string) func() {
	s.mapMu.Lock()
	l, ok := s.keyMu[key]
	if !ok {
		l = &keyLock{}
		s.keyMu[key] = l
	}
	l.refs++
	s.mapMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mapMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.keyMu, key)
		}
		s.mapMu.Unlock()
	}
}

// Load returns the stored history for key. Absent or corrupt data yields
// an empty history; corruption is logged, not returned.
func (s *Store) Load(ctx context.Context, key string) ([]Turn, error) {
	defer s.lock(key)()
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) ([]Turn, error) {
	data, err := s.blobs.read(ctx, key)
	if errors.Is(err, errNoBlob) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", key, err)
	}

	var history []Turn
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.Warn("conversation data is corrupt, starting fresh", "key", key, "error", err)
		return nil, nil
	}
	return history, nil
}

// AppendAndTrim appends turns to the stored history, enforces the system
// turn and the size bound, persists the result and returns it.
func (s *Store) AppendAndTrim(ctx context.Context, key string, turns ...Turn) ([]Turn, error) {
	defer s.lock(key)()

	history, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, key, append(history, turns...))
}

func (s *Store) save(ctx context.Context, key string, history []Turn) ([]Turn, error) {
	history = EnsureSystem(history, s.prompt())

	before := len(history)
	history, err := Trim(history, s.maxBytes)
	if err != nil {
		return nil, err
	}
	if evicted := before - len(history); evicted > 0 {
		s.logger.Info("conversation trimmed", "key", key, "evicted", evicted, "kept", len(history))
	}

	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation %q: %w", key, err)
	}
	if err := s.blobs.write(ctx, key, data); err != nil {
		return nil, fmt.Errorf("save conversation %q: %w", key, err)
	}
	return history, nil
}

// Reset deletes the stored history. Deleting an absent history is not an error.
func (s *Store) Reset(ctx context.Context, key string) error {
	defer s.lock(key)()

	if err := s.blobs.remove(ctx, key); err != nil {
		return fmt.Errorf("reset conversation %q: %w", key, err)
	}
	s.logger.Info("conversation reset", "key", key)
	return nil
}

// ---------- File backend ----------

// NewFileStore creates a Store keeping one JSON file per key in dir.
func NewFileStore(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating conversation directory: %w", err)
	}
	return newStore(fileBlobs{dir: dir}, opts), nil
}

type fileBlobs struct {
	dir string
}

func (f fileBlobs) path(key string) string {
	return filepath.Join(f.dir, database.SafeFileName(key)+".json")
}

func (f fileBlobs) read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoBlob
	}
	return data, err
}

func (f fileBlobs) write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.path(key)
	tmp, err := os.CreateTemp(f.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f fileBlobs) remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ---------- SQL backend ----------

// NewSQLStore creates a Store over the shared database "conversations" table.
func NewSQLStore(backend *database.Backend, opts Options) *Store {
	return newStore(sqlBlobs{backend: backend}, opts)
}

type sqlBlobs struct {
	backend *database.Backend
}

func (b sqlBlobs) read(ctx context.Context, key string) ([]byte, error) {
	var history string
	err := b.backend.DB.QueryRowContext(ctx,
		b.backend.Rebind("SELECT history FROM conversations WHERE key = ?"), key,
	).Scan(&history)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoBlob
	}
	if err != nil {
		return nil, err
	}
	return []byte(history), nil
}

func (b sqlBlobs) write(ctx context.Context, key string, data []byte) error {
	_, err := b.backend.DB.ExecContext(ctx, b.backend.Rebind(`
		INSERT INTO conversations (key, history, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET history = excluded.history, updated_at = excluded.updated_at`),
		key, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func (b sqlBlobs) remove(ctx context.Context, key string) error {
	_, err := b.backend.DB.ExecContext(ctx, b.backend.Rebind("DELETE FROM conversations WHERE key = ?"), key)
	return err
}
