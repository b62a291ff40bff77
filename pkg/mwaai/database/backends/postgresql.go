package backends

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLBackend wraps the PostgreSQL database connection.
type PostgreSQLBackend struct {
	DB     *sql.DB
	Config PostgreSQLConfig

	// Migrator handles schema migrations
	Migrator *PostgreSQLMigrator

	// Health checker
	Health *PostgreSQLHealthChecker

	// Vector store (pgvector), nil when disabled or unavailable
	Vector *PgVectorStore

	logger *slog.Logger
}

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Vector config
	Vector VectorConfig
}

// OpenPostgreSQL opens a PostgreSQL database connection through the pgx stdlib driver.
func OpenPostgreSQL(config PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 30 * time.Minute
	}
	if config.ConnMaxIdleTime == 0 {
		config.ConnMaxIdleTime = 5 * time.Minute
	}

	db, err := sql.Open("pgx", BuildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	backend := &PostgreSQLBackend{
		DB:       db,
		Config:   config,
		Migrator: NewPostgreSQLMigrator(db),
		Health:   NewPostgreSQLHealthChecker(db),
		logger:   logger,
	}

	if config.Vector.Enabled {
		vectorStore, err := NewPgVectorStore(ctx, db, config.Vector, logger)
		if err != nil {
			logger.Warn("pgvector initialization failed, vector search disabled", "error", err)
		} else {
			backend.Vector = vectorStore
			logger.Info("pgvector enabled", "dimensions", vectorStore.dimensions, "index", vectorStore.indexType)
		}
	}

	return backend, nil
}

// BuildPostgreSQLDSN builds the key/value connection string.
func BuildPostgreSQLDSN(config PostgreSQLConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}

// PostgreSQLMigrator handles schema migrations for PostgreSQL.
type PostgreSQLMigrator struct {
	db *sql.DB
}

// NewPostgreSQLMigrator creates a new PostgreSQL migrator.
func NewPostgreSQLMigrator(db *sql.DB) *PostgreSQLMigrator {
	return &PostgreSQLMigrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *PostgreSQLMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		// Table might not exist
		return 0, nil
	}
	return version, nil
}

// Migrate applies migrations up to the target version.
func (m *PostgreSQLMigrator) Migrate(ctx context.Context, target int) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if _, err := m.db.ExecContext(ctx, GetPostgreSQLSchema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	current, _ := m.CurrentVersion(ctx)
	if current < SchemaVersion {
		_, err = m.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING", SchemaVersion)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}

	return nil
}

// NeedsMigration returns true if schema is outdated.
func (m *PostgreSQLMigrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

// PostgreSQLHealthChecker monitors PostgreSQL database health.
type PostgreSQLHealthChecker struct {
	db *sql.DB
}

// NewPostgreSQLHealthChecker creates a new health checker.
func NewPostgreSQLHealthChecker(db *sql.DB) *PostgreSQLHealthChecker {
	return &PostgreSQLHealthChecker{db: db}
}

// Ping checks database connectivity.
func (h *PostgreSQLHealthChecker) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Status returns detailed health status.
func (h *PostgreSQLHealthChecker) Status(ctx context.Context) map[string]any {
	start := time.Now()
	err := h.db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		return map[string]any{
			"healthy": false,
			"error":   err.Error(),
			"latency": latency,
		}
	}

	var version string
	if err := h.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
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

// PgVectorStore implements vector operations using the pgvector extension.
type PgVectorStore struct {
	db         *sql.DB
	dimensions int
	indexType  string
	logger     *slog.Logger
}

// NewPgVectorStore creates a new pgvector store and its tables.
func NewPgVectorStore(ctx context.Context, db *sql.DB, config VectorConfig, logger *slog.Logger) (*PgVectorStore, error) {
	config = config.Effective()
	store := &PgVectorStore{
		db:         db,
		dimensions: config.Dimensions,
		indexType:  config.IndexType,
		logger:     logger,
	}

	if err := store.initTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PgVectorStore) initTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS vector_embeddings (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL DEFAULT '__default__',
			embedding vector(%d),
			metadata JSONB DEFAULT '{}',
			text TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`, s.dimensions)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create embeddings table: %w", err)
	}

	indexSQL := `
		CREATE INDEX IF NOT EXISTS vector_embeddings_idx
		ON vector_embeddings
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64);
	`
	if s.indexType == "ivfflat" {
		indexSQL = `
			CREATE INDEX IF NOT EXISTS vector_embeddings_idx
			ON vector_embeddings
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100);
		`
	}
	if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
		s.logger.Warn("vector index creation failed", "error", err)
	}

	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS vector_embeddings_collection_idx ON vector_embeddings(collection);"); err != nil {
		return fmt.Errorf("create collection index: %w", err)
	}
	return nil
}

// Insert adds or replaces a vector with metadata.
func (s *PgVectorStore) Insert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any, text string) error {
	metadataJSON := "{}"
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			metadataJSON = string(b)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_embeddings (id, collection, embedding, metadata, text, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			collection = EXCLUDED.collection,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			text = EXCLUDED.text,
			updated_at = NOW();
	`, id, collection, vectorToPgArray(vector), metadataJSON, text)
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return nil
}

// Search performs a cosine similarity search within a collection.
func (s *PgVectorStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, 1 - (embedding <=> $1) AS score, metadata, COALESCE(text, '')
		FROM vector_embeddings
		WHERE collection = $2
		ORDER BY embedding <=> $1
		LIMIT $3;
	`, vectorToPgArray(vector), collection, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var metadataJSON string
		if err := rows.Scan(&r.ID, &r.Score, &metadataJSON, &r.Text); err != nil {
			continue
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			_ = json.Unmarshal([]byte(metadataJSON), &r.Metadata)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Delete removes a vector.
func (s *PgVectorStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM vector_embeddings WHERE collection = $1 AND id = $2", collection, id)
	return err
}

// GetPostgreSQLSchema returns the PostgreSQL schema DDL.
func GetPostgreSQLSchema() string {
	return `
CREATE TABLE IF NOT EXISTS timezones (
    key        TEXT PRIMARY KEY,
    timezone   TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    seq         BIGSERIAL PRIMARY KEY,
    id          TEXT NOT NULL UNIQUE,
    message     TEXT NOT NULL,
    due_time    TEXT NOT NULL,
    destination TEXT NOT NULL DEFAULT '',
    endpoint    TEXT NOT NULL DEFAULT '',
    attempts    INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

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

CREATE TABLE IF NOT EXISTS conversations (
    key        TEXT PRIMARY KEY,
    history    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_ids (
    sender     TEXT NOT NULL,
    message_id TEXT NOT NULL,
    seen_at    TEXT NOT NULL,
    PRIMARY KEY (sender, message_id)
);
`
}
