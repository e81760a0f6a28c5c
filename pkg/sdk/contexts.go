package ctxmeter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ContextService feeds and reads one execution context.
type ContextService struct {
	id string
	c  *Client
}

// ID returns the context id.
func (s *ContextService) ID() string { return s.id }

// ObserveTraffic inspects one response body for a server-reported usage
// record.
func (s *ContextService) ObserveTraffic(ctx context.Context, url, body string) (res Observed, err error) {
	start := time.Now()
	defer func() { s.c.obs.observe("observe_traffic", s.id, start, err) }()

	if len(body) > s.c.maxBody {
		return Observed{}, fmt.Errorf("observe traffic: %d bytes: %w", len(body), ErrPayloadTooLarge)
	}
	sess, err := s.c.sessions.Get(ctx, s.id)
	if err != nil {
		return Observed{}, fmt.Errorf("observe traffic: %w", err)
	}
	r := sess.ObserveTraffic(ctx, url, func() (string, error) { return body, nil })
	return Observed{Matched: r.Matched, Accepted: r.Accepted}, nil
}

// UpdateDocument replaces the rendered conversation and schedules an
// estimate after the debounce period.
func (s *ContextService) UpdateDocument(ctx context.Context, html string) (err error) {
	start := time.Now()
	defer func() { s.c.obs.observe("update_document", s.id, start, err) }()

	sess, err := s.c.sessions.Get(ctx, s.id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if err = sess.UpdateDocument(html); err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// NotifyMutation restarts the debounce period without changing the document.
func (s *ContextService) NotifyMutation(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.c.obs.observe("notify_mutation", s.id, start, err) }()

	sess, err := s.c.sessions.Get(ctx, s.id)
	if err != nil {
		return fmt.Errorf("notify mutation: %w", err)
	}
	if err = sess.NotifyMutation(); err != nil {
		return fmt.Errorf("notify mutation: %w", err)
	}
	return nil
}

// Usage returns the latest accepted event. ErrNotFound means the context
// does not exist or has not accepted anything yet.
func (s *ContextService) Usage(_ context.Context) (u Usage, err error) {
	start := time.Now()
	defer func() { s.c.obs.observe("usage", s.id, start, err) }()

	sess, ok := s.c.sessions.Lookup(s.id)
	if !ok {
		return Usage{}, fmt.Errorf("context %q: %w", s.id, ErrNotFound)
	}
	ev, ok := sess.Current()
	if !ok {
		return Usage{}, fmt.Errorf("usage of context %q: %w", s.id, ErrNotFound)
	}
	return toUsage(ev, s.c.limit), nil
}

// Subscribe streams accepted events, starting with the latest one. C is
// closed after Cancel or when the context is closed.
func (s *ContextService) Subscribe() *Subscription {
	inner := s.c.hub.Subscribe(s.id)
	out := make(chan Usage, cap(inner.C))
	sub := &Subscription{C: out, done: make(chan struct{}), cancel: inner.Cancel}

	go func() {
		defer close(out)
		for ev := range inner.C {
			select {
			case out <- toUsage(ev, s.c.limit):
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}

// Close ends the context and forgets its persisted usage. It reports
// whether the context existed.
func (s *ContextService) Close(ctx context.Context) bool {
	start := time.Now()
	closed := s.c.sessions.Close(s.id)
	s.c.hub.Forget(s.id)
	if s.c.last != nil {
		_ = s.c.last.Delete(ctx, s.id)
	}
	s.c.obs.observe("close", s.id, start, nil)
	return closed
}

// Subscription receives the usage events of one context.
type Subscription struct {
	C <-chan Usage

	done   chan struct{}
	cancel func()
	once   sync.Once
}

// Cancel stops the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}
