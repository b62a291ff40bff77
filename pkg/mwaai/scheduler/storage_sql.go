package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

// SQLTaskStore persists tasks in the shared database "tasks" and
// "dead_letters" tables. Each mutation runs in its own transaction.
type SQLTaskStore struct {
	backend *database.Backend
}

// NewSQLTaskStore creates a SQL-backed task store. The tables are created
// by the database migrator.
func NewSQLTaskStore(backend *database.Backend) *SQLTaskStore {
	return &SQLTaskStore{backend: backend}
}

const taskColumns = `id, message, due_time, destination, endpoint, attempts, last_error, created_at`

// Append implements TaskStore.
func (s *SQLTaskStore) Append(ctx context.Context, task Task) (Task, error) {
	task = prepare(task)
	_, err := s.backend.DB.ExecContext(ctx, s.backend.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID,
		task.Message,
		FormatTime(task.DueTime),
		task.Destination,
		task.Endpoint,
		task.Attempts,
		task.LastError,
		FormatTime(task.CreatedAt),
	)
	if err != nil {
		return Task{}, fmt.Errorf("save task: %w", err)
	}
	return task, nil
}

// List implements TaskStore.
func (s *SQLTaskStore) List(ctx context.Context) ([]Task, error) {
	return listTasks(ctx, s.backend.DB)
}

// Remove implements TaskStore.
func (s *SQLTaskStore) Remove(ctx context.Context, task Task) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tasks, err := listTasks(ctx, tx)
		if err != nil {
			return err
		}
		i := indexOf(tasks, task)
		if i < 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.backend.Rebind("DELETE FROM tasks WHERE id = ?"), tasks[i].ID); err != nil {
			return fmt.Errorf("delete task %q: %w", tasks[i].ID, err)
		}
		found = true
		return nil
	})
	return found, err
}

// Oldest implements TaskStore. Selection happens in Go so rows with an
// unparsable due_time count as the minimum.
func (s *SQLTaskStore) Oldest(ctx context.Context) (*Task, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	i := oldest(tasks)
	if i < 0 {
		return nil, nil
	}
	t := tasks[i]
	return &t, nil
}

// Reschedule implements TaskStore.
func (s *SQLTaskStore) Reschedule(ctx context.Context, task Task, next time.Time, lastErr string) error {
	res, err := s.backend.DB.ExecContext(ctx, s.backend.Rebind(`
		UPDATE tasks SET due_time = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ?`),
		FormatTime(next), lastErr, task.ID,
	)
	if err != nil {
		return fmt.Errorf("reschedule task %q: %w", task.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

// DeadLetter implements TaskStore.
func (s *SQLTaskStore) DeadLetter(ctx context.Context, task Task, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.backend.Rebind("DELETE FROM tasks WHERE id = ?"), task.ID); err != nil {
			return fmt.Errorf("delete task %q: %w", task.ID, err)
		}
		_, err := tx.ExecContext(ctx, s.backend.Rebind(`
			INSERT INTO dead_letters
				(id, message, due_time, destination, endpoint, attempts, reason, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET reason = excluded.reason, failed_at = excluded.failed_at`),
			task.ID,
			task.Message,
			FormatTime(task.DueTime),
			task.Destination,
			task.Endpoint,
			task.Attempts,
			reason,
			FormatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("save dead letter %q: %w", task.ID, err)
		}
		return nil
	})
}

// DeadLetters implements TaskStore.
func (s *SQLTaskStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.backend.DB.QueryContext(ctx, `
		SELECT id, message, due_time, destination, endpoint, attempts, reason, failed_at
		FROM dead_letters ORDER BY failed_at`)
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d                 DeadLetter
			dueTime, failedAt string
		)
		if err := rows.Scan(
			&d.Task.ID, &d.Task.Message, &dueTime,
			&d.Task.Destination, &d.Task.Endpoint, &d.Task.Attempts,
			&d.Reason, &failedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Task.DueTime, _ = ParseTime(dueTime)
		d.FailedAt, _ = ParseTime(failedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLTaskStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.backend.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTasks(ctx context.Context, q queryer) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t                  Task
			dueTime, createdAt string
		)
		if err := rows.Scan(
			&t.ID, &t.Message, &dueTime, &t.Destination, &t.Endpoint,
			&t.Attempts, &t.LastError, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.DueTime, _ = ParseTime(dueTime)
		t.CreatedAt, _ = ParseTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
