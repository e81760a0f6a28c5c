// Package snapshot defines the point-in-time usage measurement exchanged
// between estimators, the arbitration engine and the sinks.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fixed arbitration and estimation parameters.
const (
	// TrustWindow is how long a network-sourced snapshot suppresses fallback estimates.
	TrustWindow = 5000 * time.Millisecond
	// MutationDebounce is the trailing delay applied to DOM mutation bursts.
	MutationDebounce = 1000 * time.Millisecond
	// ImageTokenCost is the flat per-image prompt cost.
	ImageTokenCost = 258
	// VideoTokensPerSecond is the per-second prompt cost of embedded video.
	VideoTokensPerSecond = 263
	// DefaultVideoDuration is assumed when a video does not expose its duration.
	DefaultVideoDuration = 10 * time.Second
)

// Snapshot is an immutable token usage measurement.
type Snapshot struct {
	prompt     int
	candidates int
	cached     int
	total      int
}

// New creates a snapshot from raw counts. Negative counts clamp to zero.
// The total is kept as given: network totals may include accounting the
// other fields do not show.
func New(prompt, candidates, cached, total int) Snapshot {
	return Snapshot{
		prompt:     nonNegative(prompt),
		candidates: nonNegative(candidates),
		cached:     nonNegative(cached),
		total:      nonNegative(total),
	}
}

// Estimated creates an estimator-produced snapshot whose total is always
// prompt + candidates.
func Estimated(prompt, candidates int) Snapshot {
	p, c := nonNegative(prompt), nonNegative(candidates)
	return Snapshot{prompt: p, candidates: c, total: p + c}
}

// Prompt returns the prompt token count.
func (s Snapshot) Prompt() int { return s.prompt }

// Candidates returns the candidate (model output) token count.
func (s Snapshot) Candidates() int { return s.candidates }

// Cached returns the cached-content token count.
func (s Snapshot) Cached() int { return s.cached }

// Total returns the total token count.
func (s Snapshot) Total() int { return s.total }

// IsZero reports whether all counts are zero.
func (s Snapshot) IsZero() bool { return s == Snapshot{} }

func (s Snapshot) String() string {
	return fmt.Sprintf("prompt=%d candidates=%d cached=%d total=%d",
		s.prompt, s.candidates, s.cached, s.total)
}

// record is the wire form, named after the usage-accounting fields of the
// upstream API.
type record struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		PromptTokenCount:        s.prompt,
		CandidatesTokenCount:    s.candidates,
		CachedContentTokenCount: s.cached,
		TotalTokenCount:         s.total,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Missing fields default to zero.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	*s = New(r.PromptTokenCount, r.CandidatesTokenCount, r.CachedContentTokenCount, r.TotalTokenCount)
	return nil
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
