package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/database"
)

func newTaskStores(t *testing.T) map[string]TaskStore {
	t.Helper()

	fs, err := NewFileTaskStore(filepath.Join(t.TempDir(), "tasks.json"), nil)
	if err != nil {
		t.Fatalf("NewFileTaskStore: %v", err)
	}

	cfg := database.DefaultHubConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "tasks.db")
	backend, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	return map[string]TaskStore{
		"file":   fs,
		"sqlite": NewSQLTaskStore(backend),
	}
}

func at(hour int) time.Time {
	return time.Date(2025, 6, 27, hour, 0, 0, 0, time.UTC)
}

func TestTaskStore_OldestTracksMinimum(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, s := range newTaskStores(t) {
		if o, err := s.Oldest(ctx); err != nil || o != nil {
			t.Fatalf("%s: empty store Oldest = %v, %v", name, o, err)
		}

		t15 := Task{Message: "15", DueTime: at(15), Destination: "d", Endpoint: "e"}
		t09 := Task{Message: "09", DueTime: at(9), Destination: "d", Endpoint: "e"}
		t12 := Task{Message: "12", DueTime: at(12), Destination: "d", Endpoint: "e"}
		for _, task := range []Task{t15, t09, t12} {
			if _, err := s.Append(ctx, task); err != nil {
				t.Fatalf("%s: Append: %v", name, err)
			}
		}

		list, _ := s.List(ctx)
		if len(list) != 3 || list[0].Message != "15" || list[2].Message != "12" {
			t.Errorf("%s: List should keep arrival order, got %v", name, list)
		}

		steps := []struct {
			remove Task
			want   string
		}{
			{Task{}, "09"},
			{t09, "12"},
			{t12, "15"},
			{t15, ""},
		}
		for _, step := range steps {
			if step.remove.Message != "" {
				found, err := s.Remove(ctx, step.remove)
				if err != nil || !found {
					t.Fatalf("%s: Remove(%s) = %v, %v", name, step.remove.Message, found, err)
				}
			}
			o, err := s.Oldest(ctx)
			if err != nil {
				t.Fatalf("%s: Oldest: %v", name, err)
			}
			got := ""
			if o != nil {
				got = o.Message
			}
			if got != step.want {
				t.Errorf("%s: Oldest = %q, want %q", name, got, step.want)
			}
		}
	}
}

func TestTaskStore_RemoveFirstMatchOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, s := range newTaskStores(t) {
		dup := Task{Message: "dup", DueTime: at(10), Destination: "d", Endpoint: "e"}
		s.Append(ctx, dup)
		s.Append(ctx, dup)

		found, err := s.Remove(ctx, dup)
		if err != nil || !found {
			t.Fatalf("%s: Remove = %v, %v", name, found, err)
		}
		list, _ := s.List(ctx)
		if len(list) != 1 {
			t.Errorf("%s: expected one duplicate left, got %d", name, len(list))
		}

		found, _ = s.Remove(ctx, Task{Message: "absent"})
		if found {
			t.Errorf("%s: Remove of absent task reported found", name)
		}
	}
}

func TestTaskStore_RescheduleAndDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, s := range newTaskStores(t) {
		stored, err := s.Append(ctx, Task{Message: "retry me", DueTime: at(8), Destination: "d", Endpoint: "e"})
		if err != nil {
			t.Fatal(err)
		}
		if stored.ID == "" || stored.CreatedAt.IsZero() {
			t.Errorf("%s: Append should assign id and created_at: %+v", name, stored)
		}

		if err := s.Reschedule(ctx, stored, at(9), "timeout"); err != nil {
			t.Fatalf("%s: Reschedule: %v", name, err)
		}
		o, _ := s.Oldest(ctx)
		if o == nil || !o.DueTime.Equal(at(9)) || o.Attempts != 1 || o.LastError != "timeout" {
			t.Errorf("%s: unexpected rescheduled task %+v", name, o)
		}

		if err := s.Reschedule(ctx, Task{ID: "missing"}, at(9), ""); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("%s: expected ErrTaskNotFound, got %v", name, err)
		}

		if err := s.DeadLetter(ctx, *o, "gave up"); err != nil {
			t.Fatalf("%s: DeadLetter: %v", name, err)
		}
		if list, _ := s.List(ctx); len(list) != 0 {
			t.Errorf("%s: dead-lettered task still listed: %v", name, list)
		}
		dead, err := s.DeadLetters(ctx)
		if err != nil {
			t.Fatalf("%s: DeadLetters: %v", name, err)
		}
		if len(dead) != 1 || dead[0].Reason != "gave up" || dead[0].Task.Message != "retry me" {
			t.Errorf("%s: unexpected dead letters %+v", name, dead)
		}
	}
}

func TestTaskStore_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	for name, s := range newTaskStores(t) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				task := Task{Message: fmt.Sprintf("m%d", i), DueTime: at(i % 24), Destination: "d", Endpoint: "e"}
				if _, err := s.Append(ctx, task); err != nil {
					t.Errorf("%s: Append: %v", name, err)
				}
			}(i)
		}
		wg.Wait()

		list, _ := s.List(ctx)
		if len(list) != 20 {
			t.Errorf("%s: lost updates, got %d tasks", name, len(list))
		}
	}
}

func TestFileTaskStore_CorruptFileIsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.json")
	os.WriteFile(path, []byte("{not json"), 0o600)

	s, err := NewFileTaskStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	list, err := s.List(context.Background())
	if err != nil || len(list) != 0 {
		t.Errorf("corrupt file should load as empty, got %v, %v", list, err)
	}

	if _, err := s.Append(context.Background(), Task{Message: "fresh", DueTime: at(1)}); err != nil {
		t.Fatalf("Append after corruption: %v", err)
	}
	if list, _ := s.List(context.Background()); len(list) != 1 {
		t.Errorf("expected 1 task, got %d", len(list))
	}
}

func TestFileTaskStore_ReadFailureAbortsMutations(t *testing.T) {
	t.Parallel()

	// A directory at the tasks path makes every read fail with EISDIR.
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(path, "keep")
	os.WriteFile(keep, []byte("x"), 0o600)

	s, err := NewFileTaskStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := s.List(ctx); err == nil {
		t.Error("List should report the read failure")
	}
	if _, err := s.Append(ctx, Task{Message: "new", DueTime: at(1)}); err == nil {
		t.Error("Append should abort when the tasks file cannot be read")
	}
	if err := s.DeadLetter(ctx, Task{ID: "t1"}, "boom"); err == nil {
		t.Error("DeadLetter should abort when the tasks file cannot be read")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("existing data touched: %v", err)
	}
}
