package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, endpoint, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, to+":"+text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestScheduler(t *testing.T, sender *fakeSender, now time.Time) (*Scheduler, TaskStore) {
	t.Helper()
	store, err := NewFileTaskStore(filepath.Join(t.TempDir(), "tasks.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New(store, sender, Config{
		Interval:        50 * time.Millisecond,
		MaxAttempts:     3,
		RetryBackoff:    time.Minute,
		MaxRetryBackoff: 3 * time.Minute,
	}, nil)
	s.now = func() time.Time { return now }
	return s, store
}

func TestScheduler_DeliversPastLeavesFuture(t *testing.T) {
	t.Parallel()

	now := at(12)
	sender := &fakeSender{}
	s, store := newTestScheduler(t, sender, now)
	ctx := context.Background()

	store.Append(ctx, Task{Message: "future", DueTime: at(13), Destination: "alice", Endpoint: "1"})
	store.Append(ctx, Task{Message: "past", DueTime: at(11), Destination: "alice", Endpoint: "1"})
	store.Append(ctx, Task{Message: "now", DueTime: at(12), Destination: "bob", Endpoint: "1"})

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	got := sender.messages()
	if len(got) != 2 || got[0] != "alice:past" || got[1] != "bob:now" {
		t.Errorf("unexpected deliveries %v", got)
	}

	list, _ := store.List(ctx)
	if len(list) != 1 || list[0].Message != "future" {
		t.Errorf("future task should survive untouched, got %v", list)
	}
}

func TestScheduler_UnparsableTimeIsDue(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, store := newTestScheduler(t, sender, at(0))
	ctx := context.Background()

	store.Append(ctx, Task{Message: "legacy", Destination: "alice", Endpoint: "1"})
	if n, _ := s.RunOnce(ctx); n != 1 {
		t.Errorf("task with zero due time should be delivered, handled %d", n)
	}
}

func TestScheduler_FailedDeliveryRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	now := at(12)
	sender := &fakeSender{err: errors.New("network down")}
	s, store := newTestScheduler(t, sender, now)
	ctx := context.Background()

	store.Append(ctx, Task{Message: "flaky", DueTime: at(11), Destination: "alice", Endpoint: "1"})

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, delay := range wantDelays {
		if _, err := s.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		list, _ := store.List(ctx)
		if len(list) != 1 {
			t.Fatalf("cycle %d: task should be kept for retry, got %v", i, list)
		}
		if list[0].Attempts != i+1 || list[0].LastError != "network down" {
			t.Errorf("cycle %d: unexpected bookkeeping %+v", i, list[0])
		}
		if want := now.Add(delay); !list[0].DueTime.Equal(want) {
			t.Errorf("cycle %d: next attempt at %v, want %v", i, list[0].DueTime, want)
		}

		// Not due again until the backoff elapses.
		if n, _ := s.RunOnce(ctx); n != 0 {
			t.Errorf("cycle %d: retried before backoff elapsed", i)
		}
		now = list[0].DueTime
		s.now = func() time.Time { return now }
	}

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatalf("final cycle: %v", err)
	}
	if list, _ := store.List(ctx); len(list) != 0 {
		t.Errorf("task should be dead-lettered, still listed: %v", list)
	}
	dead, _ := store.DeadLetters(ctx)
	if len(dead) != 1 || dead[0].Task.Attempts != 3 || dead[0].Reason != "network down" {
		t.Errorf("unexpected dead letters %+v", dead)
	}
}

func TestScheduler_MissingDestinationDeadLetters(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	s, store := newTestScheduler(t, sender, at(12))
	ctx := context.Background()

	store.Append(ctx, Task{Message: "nowhere", DueTime: at(1), Endpoint: "1"})
	s.RunOnce(ctx)

	if len(sender.messages()) != 0 {
		t.Error("task without destination must not be sent")
	}
	if dead, _ := store.DeadLetters(ctx); len(dead) != 1 {
		t.Errorf("expected one dead letter, got %v", dead)
	}
}

func TestScheduler_Backoff(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, Config{RetryBackoff: time.Second, MaxRetryBackoff: 10 * time.Second}, nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	store, err := NewFileTaskStore(filepath.Join(t.TempDir(), "tasks.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	s := New(store, sender, Config{Interval: time.Second}, nil)

	ctx := context.Background()
	store.Append(ctx, Task{Message: "hello", DueTime: time.Now().Add(-time.Minute), Destination: "alice", Endpoint: "1"})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start should fail with ErrAlreadyStarted, got %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(sender.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if got := sender.messages(); len(got) != 1 || got[0] != "alice:hello" {
		t.Errorf("unexpected deliveries %v", got)
	}
	if s.Running() {
		t.Error("scheduler should not be running after Stop")
	}
	if err := s.Start(ctx); err != nil {
		t.Errorf("restart after Stop: %v", err)
	}
	s.Stop()
}
