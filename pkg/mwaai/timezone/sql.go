package timezone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// SQLStore keeps timezones in the shared database "timezones" table.
type SQLStore struct {
	backend *database.Backend
}

// NewSQLStore creates a SQL-backed store. The table is created by the
// database migrator.
func NewSQLStore(backend *database.Backend) *SQLStore {
	return &SQLStore{backend: backend}
}

// Set upserts the offset for key.
func (s *SQLStore) Set(ctx context.Context, key, offset string) error {
	_, err := s.backend.DB.ExecContext(ctx, s.backend.Rebind(`
		INSERT INTO timezones (key, timezone, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET timezone = excluded.timezone, updated_at = excluded.updated_at`),
		key, offset, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save timezone for %q: %w", key, err)
	}
	return nil
}

// Get returns the offset for key.
func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var offset string
	err := s.backend.DB.QueryRowContext(ctx,
		s.backend.Rebind("SELECT timezone FROM timezones WHERE key = ?"), key,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("load timezone for %q: %w", key, err)
	}
	return offset, nil
}
