// Package database provides the storage layer shared by the assistant's
// stores: a single SQL backend (SQLite by default, PostgreSQL optionally)
// plus vector search on top of it.
package database

import (
	"context"
	"database/sql"
	"time"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Backend represents a database backend connection with all its capabilities.
type Backend struct {
	// Type indicates the database type
	Type BackendType

	// DB is the underlying database connection
	DB *sql.DB

	// Migrator handles schema migrations
	Migrator Migrator

	// Vector provides vector search capabilities (nil if not supported)
	Vector VectorStore

	// Health monitors database health
	Health HealthChecker

	close func() error
}

// VectorStore interface for vector similarity search operations.
// Implementations: pgvector (PostgreSQL), embeddings table + in-process cosine (SQLite).
type VectorStore interface {
	// Insert adds or replaces a vector with associated metadata in the collection.
	Insert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any, text string) error

	// Search performs a similarity search and returns the top k results.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]SearchResult, error)

	// Delete removes a vector from the collection.
	Delete(ctx context.Context, collection string, id string) error
}

// SearchResult represents a single vector search result with score and metadata.
type SearchResult struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// Migrator interface for database schema migrations.
type Migrator interface {
	// CurrentVersion returns the current schema version.
	CurrentVersion(ctx context.Context) (int, error)

	// Migrate applies migrations up to the target version.
	// If target is 0, migrates to the latest version.
	Migrate(ctx context.Context, target int) error

	// NeedsMigration returns true if the schema is outdated.
	NeedsMigration(ctx context.Context) (bool, error)
}

// HealthChecker interface for monitoring database health.
type HealthChecker interface {
	// Ping checks basic database connectivity.
	Ping(ctx context.Context) error

	// Status returns detailed health status.
	Status(ctx context.Context) HealthStatus
}

// HealthStatus represents the health state of a database backend.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Version string        `json:"version"`
	Error   string        `json:"error,omitempty"`

	OpenConnections int `json:"open_connections"`
	InUse           int `json:"in_use"`
	Idle            int `json:"idle"`
}
