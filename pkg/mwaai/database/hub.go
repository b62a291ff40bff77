package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, config HubConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := config.Effective()

	var (
		backend *Backend
		err     error
	)
	switch cfg.Backend {
	case BackendSQLite:
		backend, err = openSQLite(cfg.SQLite)
	case BackendPostgreSQL:
		backend, err = openPostgreSQL(cfg.PostgreSQL, logger)
	default:
		return nil, unsupported(cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	if err := backend.Migrator.Migrate(ctx, 0); err != nil {
		backend.Close()
		return nil, fmt.Errorf("migrate %s backend: %w", cfg.Backend, err)
	}

	logger.Info("database backend ready",
		"type", backend.Type,
		"vector_support", backend.Vector != nil,
	)
	return backend, nil
}

// Rebind rewrites '?' placeholders into the backend's native form.
// Queries in this module never contain literal question marks.
func (b *Backend) Rebind(query string) string {
	if b.Type != BackendPostgreSQL {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	if b.close != nil {
		return b.close()
	}
	return b.DB.Close()
}
