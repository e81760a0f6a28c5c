// Package extract finds server-reported usage records in intercepted
// traffic bodies.
package extract

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
	"github.com/kailas-cloud/ctxmeter/internal/metrics"
)

var (
	// ErrNoUsageRecord signals that the body carries no usage record.
	// This is the common case for most traffic.
	ErrNoUsageRecord = errors.New("no usage record")
	// ErrMalformedUsageRecord signals that the last usage record could not be decoded.
	ErrMalformedUsageRecord = errors.New("malformed usage record")
)

// Extractor parses usage records out of traffic bodies. It keeps no state
// between calls.
type Extractor struct {
	dialects []Dialect
	logger   *zap.Logger
}

// New creates an extractor. With no dialects it uses Gemini.
func New(logger *zap.Logger, dialects ...Dialect) *Extractor {
	if len(dialects) == 0 {
		dialects = []Dialect{Gemini}
	}
	return &Extractor{dialects: dialects, logger: logger}
}

// Extract returns the most recent usage record in body. Misses and
// malformed records report false; they are never errors to the caller.
func (e *Extractor) Extract(body string) (snapshot.Snapshot, bool) {
	s, err := e.Parse(body)
	switch {
	case err == nil:
		metrics.ExtractionsTotal.WithLabelValues("hit").Inc()
		return s, true
	case errors.Is(err, ErrNoUsageRecord):
		metrics.ExtractionsTotal.WithLabelValues("miss").Inc()
		return snapshot.Snapshot{}, false
	default:
		metrics.ExtractionsTotal.WithLabelValues("malformed").Inc()
		e.logger.Warn("Discarding malformed usage record", zap.Error(err))
		return snapshot.Snapshot{}, false
	}
}

// Parse decodes only the last match of the first dialect that matches body.
// Earlier matches are superseded by later chunks of the same stream.
func (e *Extractor) Parse(body string) (snapshot.Snapshot, error) {
	for _, d := range e.dialects {
		matches := d.Pattern.FindAllStringSubmatch(body, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1][1]
		s, err := d.Decode([]byte(last))
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("%w (%s, %d matches): %w",
				ErrMalformedUsageRecord, d.Name, len(matches), err)
		}
		return s, nil
	}
	return snapshot.Snapshot{}, ErrNoUsageRecord
}
