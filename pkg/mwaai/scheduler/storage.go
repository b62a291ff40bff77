package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task to update is no longer stored.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore is the durable collection of scheduled deliveries.
// Every mutation is atomic relative to other mutations of the same store.
type TaskStore interface {
	// Append stores a task, keeping arrival order. It assigns ID and
	// CreatedAt when unset and returns the stored task.
	Append(ctx context.Context, task Task) (Task, error)

	// List returns all tasks in arrival order.
	List(ctx context.Context) ([]Task, error)

	// Remove deletes the first task equal to task. Reports whether one was found.
	Remove(ctx context.Context, task Task) (bool, error)

	// Oldest returns the task with the minimum due time, or nil when empty.
	Oldest(ctx context.Context) (*Task, error)

	// Reschedule moves a task to next, counting a failed attempt.
	Reschedule(ctx context.Context, task Task, next time.Time, lastErr string) error

	// DeadLetter removes a task and records it as undeliverable.
	DeadLetter(ctx context.Context, task Task, reason string) error

	// DeadLetters lists undeliverable tasks, oldest failure first.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
}

// prepare fills the bookkeeping fields of a new task.
func prepare(task Task) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if !task.DueTime.IsZero() {
		task.DueTime = task.DueTime.UTC()
	}
	return task
}

// FileTaskStore keeps tasks in a JSON list (tasks.json) and dead letters in
// a sibling file. Writes go through a temp file and rename.
type FileTaskStore struct {
	path     string
	deadPath string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewFileTaskStore creates a file-based task store at the given path.
// Creates the parent directory if it doesn't exist.
func NewFileTaskStore(path string, logger *slog.Logger) (*FileTaskStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &FileTaskStore{
		path:     path,
		deadPath: filepath.Join(dir, "dead_letters.json"),
		logger:   logger.With("component", "task-store"),
	}, nil
}

// Append implements TaskStore.
func (s *FileTaskStore) Append(ctx context.Context, task Task) (Task, error) {
	task = prepare(task)
	err := s.update(ctx, func(tasks []Task) ([]Task, error) {
		return append(tasks, task), nil
	})
	return task, err
}

// List implements TaskStore.
func (s *FileTaskStore) List(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTasks()
}

// Remove implements TaskStore.
func (s *FileTaskStore) Remove(ctx context.Context, task Task) (bool, error) {
	found := false
	err := s.update(ctx, func(tasks []Task) ([]Task, error) {
		i := indexOf(tasks, task)
		if i < 0 {
			return nil, errNoChange
		}
		found = true
		return append(tasks[:i], tasks[i+1:]...), nil
	})
	return found, err
}

// Oldest implements TaskStore.
func (s *FileTaskStore) Oldest(ctx context.Context) (*Task, error) {
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
func (s *FileTaskStore) Reschedule(ctx context.Context, task Task, next time.Time, lastErr string) error {
	return s.update(ctx, func(tasks []Task) ([]Task, error) {
		i := indexByID(tasks, task)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
		}
		tasks[i].DueTime = next.UTC()
		tasks[i].Attempts++
		tasks[i].LastError = lastErr
		return tasks, nil
	})
}

// DeadLetter implements TaskStore. The dead letter is written before the
// task is removed so a crash in between leaves a duplicate, never a loss.
func (s *FileTaskStore) DeadLetter(ctx context.Context, task Task, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.readTasks()
	if err != nil {
		return err
	}
	i := indexByID(tasks, task)
	if i >= 0 {
		task = tasks[i]
	}

	var dead []deadLetterJSON
	data, err := os.ReadFile(s.deadPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &dead); err != nil {
			s.logger.Warn("dead letter file is corrupt, starting over", "path", s.deadPath, "error", err)
			dead = nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading dead letters: %w", err)
	}
	dead = append(dead, deadLetterJSON{Task: task, Reason: reason, FailedAt: FormatTime(time.Now())})
	if err := writeJSON(s.deadPath, dead); err != nil {
		return fmt.Errorf("writing dead letters: %w", err)
	}

	if i < 0 {
		return nil
	}
	tasks = append(tasks[:i], tasks[i+1:]...)
	return writeJSON(s.path, tasks)
}

// DeadLetters implements TaskStore.
func (s *FileTaskStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.deadPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}
	var raw []deadLetterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, d := range raw {
		failedAt, _ := ParseTime(d.FailedAt)
		out = append(out, DeadLetter{Task: d.Task, Reason: d.Reason, FailedAt: failedAt})
	}
	return out, nil
}

type deadLetterJSON struct {
	Task     Task   `json:"task"`
	Reason   string `json:"reason"`
	FailedAt string `json:"failed_at"`
}

// errNoChange aborts an update without writing.
var errNoChange = errors.New("no change")

// update runs a read-modify-write cycle under the store lock.
func (s *FileTaskStore) update(ctx context.Context, fn func([]Task) ([]Task, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readTasks()
	if err != nil {
		return err
	}
	tasks, err := fn(current)
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return writeJSON(s.path, tasks)
}

// readTasks loads the task list (caller must hold mu). A missing file is
// empty; a corrupt file is logged and treated as empty. Any other read
// failure is returned so callers never overwrite tasks they could not read.
func (s *FileTaskStore) readTasks() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tasks file: %w", err)
	}

	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		s.logger.Warn("tasks file is corrupt, treating as empty", "path", s.path, "error", err)
		return nil, nil
	}
	return tasks, nil
}

// writeJSON atomically replaces path with the JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
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
