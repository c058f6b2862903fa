package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is a named component with optional start and stop functions.
type Hook struct {
	Name    string
	OnStart func(context.Context) error
	OnStop  func(context.Context) error
}

// Lifecycle starts hooks in registration order and stops them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []Hook
	started int // number of hooks whose OnStart succeeded
	running bool
	logger  *slog.Logger
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// Append registers a hook. Hooks appended after Start are not started.
func (l *Lifecycle) Append(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// OnStop registers a stop-only hook.
func (l *Lifecycle) OnStop(name string, fn func(context.Context) error) {
	l.Append(Hook{Name: name, OnStop: fn})
}

// Start runs every OnStart in order. If one fails, the hooks already started
// are stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.OnStart != nil {
			if err := h.OnStart(ctx); err != nil {
				l.started = i
				l.stopStarted(ctx)
				return fmt.Errorf("starting %s: %w", h.Name, err)
			}
		}
		l.logger.Debug("lifecycle: started", "hook", h.Name)
	}

	l.started = len(l.hooks)
	l.running = true
	return nil
}

// Stop runs OnStop for every started hook in reverse order. Every hook is
// stopped even when an earlier one fails.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false
	return l.stopStarted(ctx)
}

func (l *Lifecycle) stopStarted(ctx context.Context) error {
	var errs []error
	for i := l.started - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.OnStop == nil {
			continue
		}
		if err := h.OnStop(ctx); err != nil {
			l.logger.Warn("lifecycle: stop failed", "hook", h.Name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.Name, err))
			continue
		}
		l.logger.Debug("lifecycle: stopped", "hook", h.Name)
	}
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
