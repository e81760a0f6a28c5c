// Package broadcast relays accepted usage events between execution
// contexts, in process or across processes over Redis pub/sub.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("broadcast channel closed")

// Handler receives events sent by any context, including the sender's own.
type Handler func(ctx context.Context, ev snapshot.Event)

// Channel is a cross-context publish/subscribe channel.
type Channel interface {
	Send(ctx context.Context, ev snapshot.Event) error
	OnReceive(h Handler)
	Close()
}

// handlers is the subscriber list shared by both implementations.
type handlers struct {
	mu   sync.RWMutex
	list []Handler
}

func (h *handlers) add(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.list = append(h.list, fn)
}

func (h *handlers) dispatch(ctx context.Context, ev snapshot.Event) {
	h.mu.RLock()
	list := h.list
	h.mu.RUnlock()
	for _, fn := range list {
		fn(ctx, ev)
	}
}

// Memory delivers events synchronously to in-process handlers.
type Memory struct {
	handlers handlers

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates an in-process channel.
func NewMemory() *Memory {
	return &Memory{}
}

// Send delivers ev to every handler before returning.
func (m *Memory) Send(ctx context.Context, ev snapshot.Event) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	m.handlers.dispatch(ctx, ev)
	return nil
}

// OnReceive registers h.
func (m *Memory) OnReceive(h Handler) { m.handlers.add(h) }

// Close stops delivery.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
