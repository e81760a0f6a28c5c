package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/arbitration"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/relay"
)

// ErrInvalidID is returned for an empty context id.
var ErrInvalidID = errors.New("invalid context id")

// Deps are the collaborators shared by every session of a manager.
type Deps struct {
	Filter    URLFilter
	Extractor Extractor
	Estimator Estimator
	// Sinks builds the display sinks of a new context.
	Sinks func(id string) []relay.Sink
	// Broadcast publishes locally originated events to other contexts. Optional.
	Broadcast relay.Sender
	// QueueSize bounds pending broadcasts per context.
	QueueSize int
	// Debounce delays estimation after the last document mutation.
	Debounce time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// Restore loads a persisted event for a newly opened context. Optional.
	Restore func(ctx context.Context, id string) (snapshot.Event, bool)
}

// Manager is the registry of live execution contexts.
type Manager struct {
	deps   Deps
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	shutdown bool
}

// NewManager creates an empty registry.
func NewManager(deps Deps, logger *zap.Logger) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Debounce <= 0 {
		deps.Debounce = snapshot.MutationDebounce
	}
	return &Manager{
		deps:     deps,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the context for id, creating it on first use. A new context
// is seeded from Deps.Restore before it is returned.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, created, err := m.create(id)
	if err != nil || !created {
		return s, err
	}
	if m.deps.Restore != nil {
		if ev, ok := m.deps.Restore(ctx, id); ok {
			s.Restore(ev)
		}
	}
	return s, nil
}

func (m *Manager) create(id string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, false, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, false, nil
	}
	s := m.newSession(id)
	m.sessions[id] = s
	metrics.ContextsActive.Inc()
	m.logger.Info("Context opened", zap.String("context", id))
	return s, true, nil
}

// Lookup returns the context for id without creating it.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs returns the live context ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes and forgets the context for id. It reports whether one existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	metrics.ContextsActive.Dec()
	m.logger.Info("Context closed", zap.String("context", id))
	return true
}

// Dispatch delivers a broadcast event to every live context except its origin.
func (m *Manager) Dispatch(ctx context.Context, ev snapshot.Event) {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		if id != ev.Origin {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.Receive(ctx, ev)
	}
}

// Shutdown closes every context. Later Gets fail with ErrClosed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		metrics.ContextsActive.Dec()
	}
}

func (m *Manager) newSession(id string) *Session {
	logger := m.logger.With(zap.String("context", id))

	r := relay.New(id, logger)
	if m.deps.Sinks != nil {
		r.WithDisplay(m.deps.Sinks(id)...)
	}
	if m.deps.Broadcast != nil {
		r.WithBroadcast(m.deps.Broadcast, m.deps.QueueSize)
	}

	s := &Session{
		id:        id,
		relay:     r,
		filter:    m.deps.Filter,
		extractor: m.deps.Extractor,
		estimator: m.deps.Estimator,
		now:       m.deps.Now,
		logger:    logger,
	}
	s.engine = arbitration.New(s, logger)
	s.debouncer = NewDebouncer(m.deps.Debounce, s.estimate)
	return s
}
