// Package display keeps the latest accepted usage event per context and
// fans new events out to live subscribers (SSE clients).
package display

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 16

// Subscription receives the events of one context until cancelled.
type Subscription struct {
	C <-chan snapshot.Event

	ch     chan snapshot.Event
	hub    *Hub
	id     string
	closed bool
}

// Hub is the display sink of every context.
type Hub struct {
	buffer int
	logger *zap.Logger

	mu     sync.Mutex
	latest map[string]snapshot.Event
	subs   map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		logger: logger,
		latest: make(map[string]snapshot.Event),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Publish records ev as the latest of contextID and offers it to every
// subscriber. Subscribers with a full buffer miss the event.
func (h *Hub) Publish(_ context.Context, contextID string, ev snapshot.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest[contextID] = ev
	for sub := range h.subs[contextID] {
		select {
		case sub.ch <- ev:
		default:
			metrics.RelayFailuresTotal.WithLabelValues("display_slow_subscriber").Inc()
			h.logger.Debug("Display subscriber lagging, event skipped", zap.String("context", contextID))
		}
	}
	return nil
}

// Latest returns the last event published for contextID.
func (h *Hub) Latest(contextID string) (snapshot.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[contextID]
	return ev, ok
}

// Subscribe registers a subscriber for contextID. When a latest event
// exists it is delivered first.
func (h *Hub) Subscribe(contextID string) *Subscription {
	ch := make(chan snapshot.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, id: contextID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev, ok := h.latest[contextID]; ok {
		ch <- ev
	}
	set, ok := h.subs[contextID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[contextID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Cancel unregisters the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Forget drops the latest event of contextID and ends its subscriptions.
func (h *Hub) Forget(contextID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, contextID)
	for sub := range h.subs[contextID] {
		h.removeLocked(sub)
	}
}

// Subscribers returns the number of live subscribers of contextID.
func (h *Hub) Subscribers(contextID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[contextID])
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	set := h.subs[s.id]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.id)
	}
}
