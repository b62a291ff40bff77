package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database/backends"
)

// openSQLite creates a SQLite backend.
func openSQLite(cfg SQLiteConfig) (*Backend, error) {
	sqliteBackend, err := backends.OpenSQLite(backends.SQLiteConfig{
		Path:        cfg.Path,
		JournalMode: cfg.JournalMode,
		BusyTimeout: cfg.BusyTimeout,
		ForeignKeys: true,
	})
	if err != nil {
		return nil, err
	}

	return &Backend{
		Type:     BackendSQLite,
		DB:       sqliteBackend.DB,
		Migrator: sqliteBackend.Migrator,
		Vector:   &vectorWrapper{v: sqliteBackend.Vector},
		Health:   &healthWrapper{h: sqliteBackend.Health},
		close:    sqliteBackend.Close,
	}, nil
}

// openPostgreSQL creates a PostgreSQL backend.
func openPostgreSQL(cfg PostgreSQLConfig, logger *slog.Logger) (*Backend, error) {
	pgBackend, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Database:        cfg.Database,
		User:            cfg.User,
		Password:        cfg.Password,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Vector: backends.VectorConfig{
			Enabled:    cfg.Vector.Enabled,
			Dimensions: cfg.Vector.Dimensions,
			IndexType:  cfg.Vector.IndexType,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		Type:     BackendPostgreSQL,
		DB:       pgBackend.DB,
		Migrator: pgBackend.Migrator,
		Health:   &healthWrapper{h: pgBackend.Health},
		close:    pgBackend.Close,
	}
	if pgBackend.Vector != nil {
		b.Vector = &vectorWrapper{v: pgBackend.Vector}
	}
	return b, nil
}

// Wrapper types to adapt backends package types to database interfaces

type backendVectorStore interface {
	Insert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any, text string) error
	Search(ctx context.Context, collection string, vector []float32, k int) ([]backends.SearchResult, error)
	Delete(ctx context.Context, collection, id string) error
}

type vectorWrapper struct {
	v backendVectorStore
}

func (w *vectorWrapper) Insert(ctx context.Context, collection string, id string, vector []float32, metadata map[string]any, text string) error {
	return w.v.Insert(ctx, collection, id, vector, metadata, text)
}

func (w *vectorWrapper) Search(ctx context.Context, collection string, vector []float32, k int) ([]SearchResult, error) {
	results, err := w.v.Search(ctx, collection, vector, k)
	if err != nil {
		return nil, err
	}

	converted := make([]SearchResult, len(results))
	for i, r := range results {
		converted[i] = SearchResult{
			ID:       r.ID,
			Score:    r.Score,
			Metadata: r.Metadata,
			Text:     r.Text,
		}
	}
	return converted, nil
}

func (w *vectorWrapper) Delete(ctx context.Context, collection string, id string) error {
	return w.v.Delete(ctx, collection, id)
}

type backendHealthChecker interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) map[string]any
}

type healthWrapper struct {
	h backendHealthChecker
}

func (w *healthWrapper) Ping(ctx context.Context) error {
	return w.h.Ping(ctx)
}

func (w *healthWrapper) Status(ctx context.Context) HealthStatus {
	status := w.h.Status(ctx)
	return HealthStatus{
		Healthy:         extractBool(status, "healthy"),
		Version:         extractString(status, "version"),
		Error:           extractString(status, "error"),
		Latency:         extractDuration(status, "latency"),
		OpenConnections: extractInt(status, "open_conns"),
		InUse:           extractInt(status, "in_use"),
		Idle:            extractInt(status, "idle"),
	}
}

// Helper functions for extracting values from map[string]any

func extractBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func extractString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func extractInt(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func extractDuration(m map[string]any, key string) time.Duration {
	d, _ := m[key].(time.Duration)
	return d
}

func unsupported(t BackendType) error {
	return fmt.Errorf("unsupported backend type: %s", t)
}
