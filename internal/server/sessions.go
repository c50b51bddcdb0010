package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/stevie-go/internal/conversation"
)

// defaultSessionTTL is how long an idle session survives when no TTL is
// configured.
const defaultSessionTTL = 30 * time.Minute

// session is one live conversation. mu serializes Ask calls so a State is
// never extended by two requests at once.
type session struct {
	mu    sync.Mutex
	asker Asker
	// lastSeen is guarded by sessionManager.mu.
	lastSeen time.Time
}

// sessionManager owns the live sessions and evicts idle ones.
type sessionManager struct {
	// mu protects sessions and every session's lastSeen.
	mu       sync.Mutex
	sessions map[string]*session
	factory  EngineFactory
	ttl      time.Duration
	log      *slog.Logger
	// onChange receives the session count after every create, delete and
	// eviction. May be nil.
	onChange func(n int)
	// now is replaced in tests.
	now func() time.Time
}

// newSessionManager constructs a sessionManager and starts the background
// eviction goroutine. The goroutine exits when the returned stop function is
// called.
func newSessionManager(factory EngineFactory, ttl time.Duration, log *slog.Logger, onChange func(int)) (*sessionManager, func()) {
	m := &sessionManager{
		sessions: make(map[string]*session),
		factory:  factory,
		ttl:      ttl,
		log:      log,
		onChange: onChange,
		now:      time.Now,
	}

	stopCh := make(chan struct{})
	go m.evictLoop(stopCh)

	return m, func() { close(stopCh) }
}

// create starts a new conversation and returns its session ID.
func (m *sessionManager) create(ctx context.Context) (string, *session, error) {
	state := conversation.NewState()
	asker, err := m.factory(ctx, state)
	if err != nil {
		return "", nil, fmt.Errorf("server: create session: %w", err)
	}
	s := &session{asker: asker}

	m.mu.Lock()
	s.lastSeen = m.now()
	m.sessions[state.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.changed(n)
	return state.ID(), s, nil
}

// get returns the session for id and marks it as seen.
func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if ok {
		s.lastSeen = m.now()
	}
	return s, ok
}

// remove deletes the session for id. It reports whether the session existed.
func (m *sessionManager) remove(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if ok {
		m.changed(n)
	}
	return ok
}

// len returns the number of live sessions.
func (m *sessionManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evictLoop removes idle sessions once a minute until stopCh is closed.
func (m *sessionManager) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if n := m.evict(); n > 0 {
				m.log.Info("sessions: evicted idle sessions", slog.Int("evicted", n))
			}
		}
	}
}

// evict removes sessions idle for longer than the TTL and returns how many
// were removed.
func (m *sessionManager) evict() int {
	m.mu.Lock()
	cutoff := m.now().Add(-m.ttl)
	evicted := 0
	for id, s := range m.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
			evicted++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if evicted > 0 {
		m.changed(n)
	}
	return evicted
}

func (m *sessionManager) changed(n int) {
	if m.onChange != nil {
		m.onChange(n)
	}
}
