package arbitration

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// Relay receives every accepted event exactly once.
type Relay interface {
	Publish(ctx context.Context, ev snapshot.Event)
}

// Engine owns the arbitration state of one execution context.
// Submissions are serialized: decide, mutate and relay happen under one
// lock, so events reach the relay in arrival order. Relay implementations
// must not call back into the engine.
type Engine struct {
	mu     sync.Mutex
	state  State
	window time.Duration
	relay  Relay
	logger *zap.Logger
}

// New creates an engine with the fixed trust window.
func New(relay Relay, logger *zap.Logger) *Engine {
	return &Engine{
		window: snapshot.TrustWindow,
		relay:  relay,
		logger: logger,
	}
}

// Submit arbitrates ev, using ev.At as the current time. Accepted events are
// relayed synchronously; rejected ones are dropped silently.
func (e *Engine) Submit(ctx context.Context, ev snapshot.Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, ok := Decide(e.state, ev.Source, ev.At, e.window)
	if !ok {
		metrics.SnapshotsTotal.WithLabelValues(string(ev.Source), "dropped").Inc()
		e.logger.Debug("Snapshot dropped",
			zap.String("source", string(ev.Source)),
			zap.String("origin", ev.Origin),
			zap.Int("total_tokens", ev.Data.Total()),
			zap.Duration("since_network", ev.At.Sub(e.state.LastAt)),
		)
		return false
	}

	e.state = next
	metrics.SnapshotsTotal.WithLabelValues(string(ev.Source), "accepted").Inc()
	e.relay.Publish(ctx, ev)
	return true
}

// WouldAccept reports whether a submission from source at now would be
// accepted, without changing state.
func (e *Engine) WouldAccept(source snapshot.Source, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := Decide(e.state, source, now, e.window)
	return ok
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Phase returns the phase at now.
func (e *Engine) Phase(now time.Time) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PhaseOf(e.state, now, e.window)
}
