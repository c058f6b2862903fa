// Package background runs best-effort work off the request path.
//
// Tasks are accepted into a bounded buffer and executed by a fixed set of
// workers. Submission never blocks: when the buffer is full the task is
// dropped and logged. Failures and panics are logged and counted, never
// returned to the submitter. Drain lets tests and shutdown wait for every
// accepted task to finish.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

const (
	// DefaultQueueSize is the buffer capacity used when none is configured.
	DefaultQueueSize = 256

	// DefaultWorkers is the worker count used when none is configured.
	DefaultWorkers = 2

	// DefaultTaskTimeout bounds a single task's context.
	DefaultTaskTimeout = 30 * time.Second
)

// Task outcome labels reported to the Observer.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPanic   = "panic"
	StatusDropped = "dropped"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Observer receives one call per task outcome.
type Observer interface {
	ObserveTask(name, status string, duration time.Duration)
}

// Config configures a Queue.
type Config struct {
	Size        int
	Workers     int
	TaskTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

type job struct {
	name string
	fn   Task
}

// Queue is a bounded background task queue.
type Queue struct {
	tasks    chan job
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	mu      sync.Mutex
	closed  bool
	pending int
	idle    chan struct{}

	workers sync.WaitGroup
}

// New creates a queue and starts its workers.
func New(cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		tasks:    make(chan job, cfg.Size),
		timeout:  cfg.TaskTimeout,
		logger:   cfg.Logger,
		observer: cfg.Observer,
	}

	q.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go q.work()
	}
	return q
}

// Submit schedules fn under name. It returns false when the task was dropped
// because the queue is full or closed.
func (q *Queue) Submit(name string, fn Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drop(name, "queue closed")
		return false
	}

	select {
	case q.tasks <- job{name: name, fn: fn}:
		q.pending++
		q.mu.Unlock()
		return true
	default:
		q.mu.Unlock()
		q.drop(name, "queue full")
		return false
	}
}

// Pending returns the number of accepted tasks that have not finished.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Drain blocks until every accepted task has finished or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining background queue: %w", ctx.Err())
	}
}

// Close stops accepting tasks, runs what is already queued, and waits for the
// workers to exit. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.workers.Wait()
	return nil
}

func (q *Queue) work() {
	defer q.workers.Done()
	for j := range q.tasks {
		q.run(j)
		q.finish()
	}
}

func (q *Queue) run(j job) {
	start := time.Now()
	status := StatusOK

	defer func() {
		if r := recover(); r != nil {
			status = StatusPanic
			q.logger.Error("background: task panicked",
				"task", j.name, "panic", r, "stack", string(debug.Stack()))
		}
		q.observe(j.name, status, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := j.fn(ctx); err != nil {
		status = StatusError
		q.logger.Warn("background: task failed", "task", j.name, "error", err)
	}
}

func (q *Queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending--
	if q.pending == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

func (q *Queue) drop(name, reason string) {
	q.logger.Warn("background: task dropped", "task", name, "reason", reason)
	q.observe(name, StatusDropped, 0)
}

func (q *Queue) observe(name, status string, d time.Duration) {
	if q.observer != nil {
		q.observer.ObserveTask(name, status, d)
	}
}
