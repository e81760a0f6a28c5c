// Package relay fans accepted usage events out to display and broadcast sinks.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

// DefaultQueueSize bounds pending broadcast sends per context.
const DefaultQueueSize = 64

// sendTimeout caps a single broadcast send.
const sendTimeout = 5 * time.Second

// Sink renders an accepted event. Called synchronously, in registration order.
type Sink interface {
	Deliver(ctx context.Context, ev snapshot.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev snapshot.Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, ev snapshot.Event) error { return f(ctx, ev) }

// Sender publishes an event to other execution contexts.
type Sender interface {
	Send(ctx context.Context, ev snapshot.Event) error
}

// Relay delivers events to display sinks and, for locally originated
// events, to the broadcast sender. Failures never reach the caller.
type Relay struct {
	origin  string
	display []Sink
	logger  *zap.Logger

	sender Sender
	queue  chan snapshot.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New creates a relay for the execution context identified by origin.
func New(origin string, logger *zap.Logger) *Relay {
	return &Relay{origin: origin, logger: logger}
}

// WithDisplay appends display sinks.
func (r *Relay) WithDisplay(sinks ...Sink) *Relay {
	r.display = append(r.display, sinks...)
	return r
}

// WithBroadcast enables cross-context broadcast through sender. Sends are
// queued (bounded by queueSize) and drained in order by one worker.
func (r *Relay) WithBroadcast(sender Sender, queueSize int) *Relay {
	if sender == nil {
		return r
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r.sender = sender
	r.queue = make(chan snapshot.Event, queueSize)
	r.done = make(chan struct{})
	go r.drain()
	return r
}

// Origin returns the execution context id this relay belongs to.
func (r *Relay) Origin() string { return r.origin }

// Publish delivers ev. Display sinks run first; the broadcast is skipped
// for events re-injected from another context.
func (r *Relay) Publish(ctx context.Context, ev snapshot.Event) {
	for i, sink := range r.display {
		if err := r.deliver(ctx, sink, ev); err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("display").Inc()
			r.logger.Warn("Display sink failed",
				zap.Int("sink", i),
				zap.String("origin", ev.Origin),
				zap.Error(err),
			)
		}
	}

	if r.sender == nil || ev.Origin != r.origin {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		metrics.RelayFailuresTotal.WithLabelValues("broadcast_overflow").Inc()
		r.logger.Warn("Broadcast queue full, dropping event",
			zap.String("origin", ev.Origin),
			zap.Int("total_tokens", ev.Data.Total()),
		)
	}
}

// Close stops accepting broadcasts and waits for queued ones to be sent.
func (r *Relay) Close() {
	if r.sender == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Relay) deliver(ctx context.Context, sink Sink, ev snapshot.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panic: %v", p)
		}
	}()
	return sink.Deliver(ctx, ev)
}

func (r *Relay) drain() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := r.send(ctx, ev)
		cancel()
		if err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("broadcast").Inc()
			r.logger.Warn("Broadcast failed",
				zap.String("origin", ev.Origin),
				zap.Error(err),
			)
		}
	}
}

func (r *Relay) send(ctx context.Context, ev snapshot.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sender panic: %v", p)
		}
	}()
	return r.sender.Send(ctx, ev)
}
