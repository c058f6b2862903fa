package transport

import "sync"

// stream is one open GET event stream.
type stream struct {
	done chan struct{}
	once sync.Once
}

func (s *stream) close() {
	s.once.Do(func() { close(s.done) })
}

// Streams tracks open event streams per session so they can be closed when
// the session ends.
type Streams struct {
	mu        sync.Mutex
	bySession map[string]map[*stream]struct{}
}

// NewStreams creates an empty registry.
func NewStreams() *Streams {
	return &Streams{bySession: make(map[string]map[*stream]struct{})}
}

func (s *Streams) open(sessionID string) *stream {
	st := &stream{done: make(chan struct{})}

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.bySession[sessionID]
	if !ok {
		set = make(map[*stream]struct{})
		s.bySession[sessionID] = set
	}
	set[st] = struct{}{}
	return st
}

func (s *Streams) release(sessionID string, st *stream) {
	st.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.bySession[sessionID]
	delete(set, st)
	if len(set) == 0 {
		delete(s.bySession, sessionID)
	}
}

// CloseSession ends every open stream of a session. It is safe to call for
// sessions with no streams and to call more than once.
func (s *Streams) CloseSession(sessionID string) {
	s.mu.Lock()
	set := s.bySession[sessionID]
	delete(s.bySession, sessionID)
	s.mu.Unlock()

	for st := range set {
		st.close()
	}
}

// CloseAll ends every open stream.
func (s *Streams) CloseAll() {
	s.mu.Lock()
	all := s.bySession
	s.bySession = make(map[string]map[*stream]struct{})
	s.mu.Unlock()

	for _, set := range all {
		for st := range set {
			st.close()
		}
	}
}

// Len returns the number of open streams.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.bySession {
		n += len(set)
	}
	return n
}
