package ctxmeter

import (
	"time"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/limits"
	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// Source values of Usage.Source.
const (
	SourceNetwork          = string(snapshot.SourceNetwork)
	SourceFallbackEstimate = string(snapshot.SourceFallbackEstimate)
)

// Usage is an accepted usage event graded against the client's plan.
type Usage struct {
	Prompt     int
	Candidates int
	Cached     int
	Total      int

	Source string // "network" or "fallback_estimate"
	Origin string // context that produced the event
	At     time.Time

	Percent   float64
	Level     string // "ok", "warning", "critical"
	Tier      string
	MaxTokens int
}

// Observed reports what one traffic observation did.
type Observed struct {
	Matched  bool // the URL passed the filter
	Accepted bool // a usage record was found and won arbitration
}

func toUsage(ev snapshot.Event, limit limits.Limit) Usage {
	total := ev.Data.Total()
	return Usage{
		Prompt:     ev.Data.Prompt(),
		Candidates: ev.Data.Candidates(),
		Cached:     ev.Data.Cached(),
		Total:      total,
		Source:     string(ev.Source),
		Origin:     ev.Origin,
		At:         ev.At,
		Percent:    limit.Percent(total),
		Level:      string(limit.Level(total)),
		Tier:       string(limit.Tier()),
		MaxTokens:  limit.MaxTokens(),
	}
}
