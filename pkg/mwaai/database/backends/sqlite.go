package backends

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend wraps the SQLite database connection with additional functionality.
type SQLiteBackend struct {
	DB     *sql.DB
	Config SQLiteConfig

	// Migrator handles schema migrations
	Migrator *SQLiteMigrator

	// Health checker
	Health *SQLiteHealthChecker

	// Vector store (embeddings table, cosine ranking in process)
	Vector *SQLiteVectorStore
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/mwaai.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	// Ensure parent directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	// Immediate transactions take the write lock up front, so two
	// read-modify-write transactions never deadlock on lock upgrade.
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_txlock=immediate",
		config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	// Verify connectivity
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:       db,
		Config:   config,
		Migrator: NewSQLiteMigrator(db),
		Health:   NewSQLiteHealthChecker(db),
		Vector:   NewSQLiteVectorStore(db),
	}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

// SQLiteMigrator handles schema migrations for SQLite.
type SQLiteMigrator struct {
	db *sql.DB
}

// NewSQLiteMigrator creates a new SQLite migrator.
func NewSQLiteMigrator(db *sql.DB) *SQLiteMigrator {
	return &SQLiteMigrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *SQLiteMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		// Table might not exist yet
		if err == sql.ErrNoRows || strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate applies migrations up to the target version.
func (m *SQLiteMigrator) Migrate(ctx context.Context, target int) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	// Run schema (idempotent via IF NOT EXISTS)
	if _, err := m.db.ExecContext(ctx, GetSQLiteSchema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current < SchemaVersion {
		_, err = m.db.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}

	return nil
}

// NeedsMigration returns true if schema is outdated.
func (m *SQLiteMigrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

// SQLiteHealthChecker monitors SQLite database health.
type SQLiteHealthChecker struct {
	db *sql.DB
}

// NewSQLiteHealthChecker creates a new health checker.
func NewSQLiteHealthChecker(db *sql.DB) *SQLiteHealthChecker {
	return &SQLiteHealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *SQLiteHealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status.
func (h *SQLiteHealthChecker) Status(ctx context.Context) map[string]any {
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return map[string]any{"healthy": false, "error": err.Error()}
	}
	latency := time.Since(start)

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		version = "unknown"
	}

	stats := h.db.Stats()
	return map[string]any{
		"healthy":    true,
		"version":    version,
		"latency":    latency,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
	}
}

// SQLiteVectorStore keeps embeddings in the embeddings table and ranks them
// by cosine similarity in process. Collections are cached after first load.
type SQLiteVectorStore struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string][]vectorEntry
}

type vectorEntry struct {
	id       string
	vector   []float32
	metadata map[string]any
	text     string
}

// NewSQLiteVectorStore creates a vector store on top of an open database.
func NewSQLiteVectorStore(db *sql.DB) *SQLiteVectorStore {
	return &SQLiteVectorStore{
		db:    db,
		cache: make(map[string][]vectorEntry),
	}
}

// Insert adds or replaces a vector in the collection.
func (s *SQLiteVectorStore) Insert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any, text string) error {
	vecJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	metaJSON := []byte("{}")
	if metadata != nil {
		if metaJSON, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (id, collection, embedding, metadata, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collection = excluded.collection,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			text = excluded.text`,
		id, collection, string(vecJSON), string(metaJSON), text, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}

	s.mu.Lock()
	if entries, ok := s.cache[collection]; ok {
		// Copy on write: searches may still hold the previous slice.
		next := make([]vectorEntry, 0, len(entries)+1)
		for _, e := range entries {
			if e.id != id {
				next = append(next, e)
			}
		}
		s.cache[collection] = append(next, vectorEntry{id, vector, metadata, text})
	}
	s.mu.Unlock()
	return nil
}

// Search returns the k entries most similar to vector within the collection.
func (s *SQLiteVectorStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]SearchResult, error) {
	entries, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, SearchResult{
			ID:       e.id,
			Score:    cosineSimilarity(vector, e.vector),
			Metadata: e.metadata,
			Text:     e.text,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes a vector from the collection.
func (s *SQLiteVectorStore) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE collection = ? AND id = ?", collection, id); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, collection)
	s.mu.Unlock()
	return nil
}

func (s *SQLiteVectorStore) load(ctx context.Context, collection string) ([]vectorEntry, error) {
	s.mu.RLock()
	entries, ok := s.cache[collection]
	s.mu.RUnlock()
	if ok {
		return entries, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding, metadata, text FROM embeddings WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e vectorEntry
		var vecJSON, metaJSON string
		if err := rows.Scan(&e.id, &vecJSON, &metaJSON, &e.text); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(vecJSON), &e.vector); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(metaJSON), &e.metadata)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[collection] = entries
	s.mu.Unlock()
	return entries, nil
}

// SchemaVersion is the schema version written by both migrators.
const SchemaVersion = 1

// GetSQLiteSchema returns the SQLite schema DDL.
func GetSQLiteSchema() string {
	return `
-- Per-user UTC offsets
CREATE TABLE IF NOT EXISTS timezones (
    key        TEXT PRIMARY KEY,
    timezone   TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Scheduled deliveries, seq keeps arrival order
CREATE TABLE IF NOT EXISTS tasks (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    message     TEXT NOT NULL,
    due_time    TEXT NOT NULL,
    destination TEXT NOT NULL DEFAULT '',
    endpoint    TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

-- Deliveries that exhausted their retries
CREATE TABLE IF NOT EXISTS dead_letters (
    id          TEXT PRIMARY KEY,
    message     TEXT NOT NULL,
    due_time    TEXT NOT NULL,
    destination TEXT NOT NULL DEFAULT '',
    endpoint    TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT '',
    failed_at   TEXT NOT NULL
);

-- Conversation histories, one JSON document per key
CREATE TABLE IF NOT EXISTS conversations (
    key        TEXT PRIMARY KEY,
    history    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Processed inbound message ids
CREATE TABLE IF NOT EXISTS message_ids (
    sender     TEXT NOT NULL,
    message_id TEXT NOT NULL,
    seen_at    TEXT NOT NULL,
    PRIMARY KEY (sender, message_id)
);

-- Similarity store
CREATE TABLE IF NOT EXISTS embeddings (
    id         TEXT PRIMARY KEY,
    collection TEXT NOT NULL DEFAULT '__default__',
    embedding  TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    text       TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_collection ON embeddings(collection);
`
}
