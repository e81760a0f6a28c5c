// Package session implements an execution context: one arbitration engine
// fed by observed traffic and by debounced document estimates, with its
// accepted events relayed to display and broadcast sinks.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/arbitration"
	"github.com/kailas-cloud/ctxmeter/internal/usecase/relay"
)

// estimateTimeout caps one debounced estimation.
const estimateTimeout = 10 * time.Second

// ErrClosed is returned when a closed session receives input.
var ErrClosed = errors.New("session closed")

// BodyProvider yields the text of an observed response body.
type BodyProvider func() (string, error)

// URLFilter decides which traffic is inspected.
type URLFilter interface {
	Match(url string) bool
}

// Extractor parses usage records out of response bodies.
type Extractor interface {
	Extract(body string) (snapshot.Snapshot, bool)
}

// Estimator produces a fallback estimate from a document.
type Estimator interface {
	Estimate(ctx context.Context, html string) (snapshot.Snapshot, error)
}

// Session is one execution context.
type Session struct {
	id        string
	engine    *arbitration.Engine
	relay     *relay.Relay
	debouncer *Debouncer
	filter    URLFilter
	extractor Extractor
	estimator Estimator
	now       func() time.Time
	logger    *zap.Logger

	// run serializes estimations. gen counts document mutations; an
	// estimate is discarded when a newer mutation arrived while it ran.
	run sync.Mutex

	mu       sync.Mutex
	document string
	gen      uint64
	current  snapshot.Event
	hasEvent bool
	closed   bool
}

// Observed reports the outcome of one traffic observation.
type Observed struct {
	Matched  bool `json:"matched"`
	Accepted bool `json:"accepted"`
}

// ID returns the execution context id.
func (s *Session) ID() string { return s.id }

// ObserveTraffic inspects one response. Non-matching urls are ignored
// without reading the body. Read failures, missing records and panics are
// logged and swallowed.
func (s *Session) ObserveTraffic(ctx context.Context, url string, body BodyProvider) (res Observed) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Traffic observation panicked",
				zap.String("url", url),
				zap.Any("panic", p),
			)
		}
	}()

	if !s.filter.Match(url) {
		metrics.ExtractionsTotal.WithLabelValues("filtered").Inc()
		return res
	}
	res.Matched = true

	text, err := body()
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("read_error").Inc()
		s.logger.Debug("Response body unreadable", zap.String("url", url), zap.Error(err))
		return res
	}

	snap, ok := s.extractor.Extract(text)
	if !ok {
		return res
	}

	if s.isClosed() {
		return res
	}
	res.Accepted = s.engine.Submit(ctx, snapshot.NewEvent(snap, snapshot.SourceNetwork, s.id, s.now()))
	return res
}

// UpdateDocument replaces the latest document and schedules a re-estimate.
func (s *Session) UpdateDocument(html string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.document = html
	s.gen++
	s.mu.Unlock()

	s.debouncer.Trigger()
	return nil
}

// NotifyMutation schedules a re-estimate of the latest document.
func (s *Session) NotifyMutation() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	s.mu.Unlock()

	s.debouncer.Trigger()
	return nil
}

// Receive re-injects an event broadcast by another context. It is stamped
// with the local clock so the trust window is measured on one timeline.
func (s *Session) Receive(ctx context.Context, ev snapshot.Event) bool {
	if s.isClosed() || ev.Origin == s.id {
		return false
	}
	ev.At = s.now()
	return s.engine.Submit(ctx, ev)
}

// Current returns the latest accepted event.
func (s *Session) Current() (snapshot.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasEvent
}

// Restore seeds the current event (e.g. from persistence) without
// arbitration. It never overrides an event accepted in this process.
func (s *Session) Restore(ev snapshot.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasEvent {
		s.current, s.hasEvent = ev, true
	}
}

// Phase returns the arbitration phase now.
func (s *Session) Phase() arbitration.Phase {
	return s.engine.Phase(s.now())
}

// Close cancels pending estimation and drains queued broadcasts.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.debouncer.Stop()
	s.relay.Close()
}

// Publish records ev as current and hands it to the relay. The engine calls
// it while serialized.
func (s *Session) Publish(ctx context.Context, ev snapshot.Event) {
	s.mu.Lock()
	s.current, s.hasEvent = ev, true
	s.mu.Unlock()

	s.relay.Publish(ctx, ev)
}

func (s *Session) estimate() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	s.run.Lock()
	defer s.run.Unlock()

	if s.superseded(gen) {
		metrics.EstimatesTotal.WithLabelValues("superseded").Inc()
		return
	}

	now := s.now()
	if !s.engine.WouldAccept(snapshot.SourceFallbackEstimate, now) {
		metrics.EstimatesTotal.WithLabelValues("suppressed").Inc()
		return
	}

	s.mu.Lock()
	doc, closed := s.document, s.closed
	s.mu.Unlock()
	if closed || doc == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), estimateTimeout)
	defer cancel()

	snap, err := s.safeEstimate(ctx, doc)
	if err != nil {
		metrics.EstimatesTotal.WithLabelValues("error").Inc()
		s.logger.Warn("Document estimation failed", zap.Error(err))
		return
	}
	if snap.Total() == 0 {
		metrics.EstimatesTotal.WithLabelValues("empty").Inc()
		return
	}
	if s.superseded(gen) {
		metrics.EstimatesTotal.WithLabelValues("superseded").Inc()
		return
	}

	metrics.EstimatesTotal.WithLabelValues("submitted").Inc()
	s.engine.Submit(ctx, snapshot.NewEvent(snap, snapshot.SourceFallbackEstimate, s.id, s.now()))
}

func (s *Session) safeEstimate(ctx context.Context, doc string) (snap snapshot.Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("estimator panic: %v", p)
		}
	}()
	return s.estimator.Estimate(ctx, doc)
}

// superseded reports whether the document changed after generation gen.
func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
