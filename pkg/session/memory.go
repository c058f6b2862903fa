package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore implements Store using an in-memory map with idle expiration.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	removeMu sync.RWMutex
	onRemove []func(id string)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithTTL sets the idle timeout. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the wall clock, typically with a fake in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used by the sweep routine.
func WithLogger(logger *slog.Logger) Option {
	return func(s *MemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnRemove registers a callback invoked with the ID of every session removed
// by Sweep, Delete, or a lookup that found it expired. Callbacks run outside
// the store lock.
func (s *MemoryStore) OnRemove(fn func(id string)) {
	s.removeMu.Lock()
	defer s.removeMu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

// Create mints a new session and returns its ID.
func (s *MemoryStore) Create() (string, error) {
	id, err := generateID()
	if err != nil {
		return "", err
	}

	now := s.clock.Now()

	s.mu.Lock()
	s.sessions[id] = &Session{ID: id, CreatedAt: now, LastActivity: now}
	s.mu.Unlock()

	return id, nil
}

// Touch returns a copy of the session and refreshes LastActivity.
// Expired sessions are removed and reported as absent.
func (s *MemoryStore) Touch(id string) (Session, bool) {
	if id == "" {
		return Session{}, false
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, false
	}

	now := s.clock.Now()
	if s.expired(sess, now) {
		delete(s.sessions, id)
		s.mu.Unlock()
		s.notifyRemoved(id)
		return Session{}, false
	}

	sess.LastActivity = now
	out := *sess
	s.mu.Unlock()

	return out, true
}

// IsValid reports whether the session exists and has not expired.
func (s *MemoryStore) IsValid(id string) bool {
	_, ok := s.Touch(id)
	return ok
}

// Delete removes a session.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if existed {
		s.notifyRemoved(id)
	}
}

// Sweep removes every session idle for longer than the TTL.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	var removed []string
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.notifyRemoved(id)
	}
	return len(removed)
}

// Len returns the number of sessions currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweepRoutine starts a background goroutine that periodically removes
// expired sessions. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartSweepRoutine(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(interval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("session: swept expired sessions", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit.
// It is safe to call Close even if StartSweepRoutine was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	return nil
}

// expired reports whether sess has been idle for longer than the TTL.
// The session is still valid at exactly TTL.
func (s *MemoryStore) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.ttl
}

func (s *MemoryStore) notifyRemoved(id string) {
	s.removeMu.RLock()
	hooks := s.onRemove
	s.removeMu.RUnlock()

	for _, fn := range hooks {
		fn(id)
	}
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
