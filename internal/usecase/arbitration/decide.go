// Package arbitration decides which usage snapshot is authoritative when
// network records and fallback estimates compete.
//
// Network records always win. A fallback estimate is accepted only when no
// network record was accepted within the trust window, so the display does
// not flicker back to an estimate right after an authoritative value.
package arbitration

import (
	"time"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// Phase is the conceptual arbitration state.
type Phase string

// Arbitration phases.
const (
	// PhaseNetworkRecent means a network snapshot was accepted within the trust window.
	PhaseNetworkRecent Phase = "network_recent"
	// PhaseStale means no network snapshot was accepted within the trust window.
	PhaseStale Phase = "stale"
)

// State is the last accepted source and when it was accepted.
// The zero value means nothing has been accepted yet.
type State struct {
	LastSource snapshot.Source
	LastAt     time.Time
}

// Decide is the accept rule. It returns the next state and whether the
// input is accepted; a rejected input leaves the state untouched.
func Decide(s State, source snapshot.Source, now time.Time, window time.Duration) (State, bool) {
	switch source {
	case snapshot.SourceNetwork:
		return State{LastSource: source, LastAt: now}, true
	case snapshot.SourceFallbackEstimate:
		if s.LastSource == snapshot.SourceNetwork && now.Sub(s.LastAt) < window {
			return s, false
		}
		return State{LastSource: source, LastAt: now}, true
	default:
		return s, false
	}
}

// PhaseOf derives the phase of s at now.
func PhaseOf(s State, now time.Time, window time.Duration) Phase {
	if s.LastSource == snapshot.SourceNetwork && now.Sub(s.LastAt) < window {
		return PhaseNetworkRecent
	}
	return PhaseStale
}
