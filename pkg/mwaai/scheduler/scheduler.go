// Package scheduler implements durable time-based message delivery.
//
// Tasks live in a TaskStore (JSON file or SQL). A single Scheduler polls the
// store on a fixed interval driven by robfig/cron, delivers every due task
// through a channels.Sender and removes it. Failed deliveries are retried
// with exponential backoff and moved to a dead-letter list once they run
// out of attempts. The Scheduler is the only component that removes tasks;
// the scheduling tools only append.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/mwaai/pkg/mwaai/channels"
	"github.com/jholhewres/mwaai/pkg/mwaai/metrics"
)

// ErrAlreadyStarted is returned by Start on a running scheduler.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Config holds scheduler settings.
type Config struct {
	// Storage selects the task backend: "file" (tasks.json) or "database".
	Storage string `yaml:"storage"`

	// Path is the tasks file for the file backend.
	Path string `yaml:"path"`

	// Interval between poll cycles (default: 10s).
	Interval time.Duration `yaml:"interval"`

	// DeliveryTimeout bounds a single send (default: 30s).
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// MaxAttempts is the number of failed sends before a task is
	// dead-lettered (default: 5).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the delay after the first failure, doubled on each
	// further failure (default: 30s).
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetryBackoff caps the retry delay (default: 30m).
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff"`

	// MaxPerCycle bounds deliveries in one cycle (default: 100).
	MaxPerCycle int `yaml:"max_per_cycle"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Storage:         "database",
		Path:            "./data/tasks.json",
		Interval:        10 * time.Second,
		DeliveryTimeout: 30 * time.Second,
		MaxAttempts:     5,
		RetryBackoff:    30 * time.Second,
		MaxRetryBackoff: 30 * time.Minute,
		MaxPerCycle:     100,
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c
	if out.Storage == "" {
		out.Storage = def.Storage
	}
	if out.Path == "" {
		out.Path = def.Path
	}
	if out.Interval <= 0 {
		out.Interval = def.Interval
	}
	if out.DeliveryTimeout <= 0 {
		out.DeliveryTimeout = def.DeliveryTimeout
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = def.RetryBackoff
	}
	if out.MaxRetryBackoff <= 0 {
		out.MaxRetryBackoff = def.MaxRetryBackoff
	}
	if out.MaxPerCycle <= 0 {
		out.MaxPerCycle = def.MaxPerCycle
	}
	return out
}

// Scheduler delivers due tasks from a TaskStore.
type Scheduler struct {
	store   TaskStore
	sender  channels.Sender
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	first  sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin polling.
func New(store TaskStore, sender channels.Sender, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		sender: sender,
		cfg:    cfg.Effective(),
		logger: logger.With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches Prometheus metrics.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Start begins polling. The first cycle runs immediately, then one every
// Interval. Cycles never overlap.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.logger}

	job := cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	).Then(cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("scheduler cycle failed", "error", err)
		}
	}))

	c := cron.New(cron.WithLogger(logger))
	c.Schedule(cron.Every(s.cfg.Interval), job)
	c.Start()

	s.first.Add(1)
	go func() {
		defer s.first.Done()
		job.Run()
	}()

	s.cron = c
	s.cancel = cancel

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"max_attempts", s.cfg.MaxAttempts,
	)
	return nil
}

// Stop halts polling and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}

	cancel()
	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.first.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RunOnce performs one poll cycle: while the oldest task is due, deliver
// it and remove it. Returns the number of tasks handled.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	handled := 0
	defer func() { s.metrics.RecordSchedulerCycle(s.now()) }()

	for handled < s.cfg.MaxPerCycle {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		task, err := s.store.Oldest(ctx)
		if err != nil {
			return handled, fmt.Errorf("poll: %w", err)
		}
		if task == nil || !task.Due(s.now()) {
			return handled, nil
		}

		if err := s.handle(ctx, *task); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

// handle delivers one due task and settles it in the store.
func (s *Scheduler) handle(ctx context.Context, task Task) error {
	log := s.logger.With("task", task.ID, "to", task.Destination)

	if task.Destination == "" || task.Endpoint == "" {
		log.Warn("task has no destination, dead-lettering")
		s.metrics.RecordDelivery(metrics.DeliveryDeadLetter)
		return s.store.DeadLetter(ctx, task, "missing destination or endpoint")
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	err := s.sender.Send(sendCtx, task.Endpoint, task.Destination, task.Message)
	cancel()

	if err == nil {
		found, rmErr := s.store.Remove(ctx, task)
		if rmErr != nil {
			return fmt.Errorf("remove delivered task %s: %w", task.ID, rmErr)
		}
		if !found {
			log.Warn("delivered task was already gone from the store")
		}
		s.metrics.RecordDelivery(metrics.DeliveryDelivered)
		log.Info("task delivered")
		return nil
	}

	// Shutting down: leave the task as it was.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	attempts := task.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		task.Attempts = attempts
		log.Error("task delivery failed, giving up", "attempts", attempts, "error", err)
		s.metrics.RecordDelivery(metrics.DeliveryDeadLetter)
		return s.store.DeadLetter(ctx, task, err.Error())
	}

	next := s.now().Add(s.backoff(task.Attempts))
	log.Warn("task delivery failed, retrying",
		"attempts", attempts,
		"next", next.Format(time.RFC3339),
		"error", err,
	)
	s.metrics.RecordDelivery(metrics.DeliveryRetry)
	return s.store.Reschedule(ctx, task, next, err.Error())
}

// backoff returns RetryBackoff * 2^attempts, capped at MaxRetryBackoff.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.MaxRetryBackoff {
			return s.cfg.MaxRetryBackoff
		}
	}
	return d
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
