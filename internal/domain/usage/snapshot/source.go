package snapshot

import "fmt"

// Source tags where a snapshot came from.
type Source string

// Snapshot sources, from most to least trusted.
const (
	SourceNetwork          Source = "network"
	SourceFallbackEstimate Source = "fallback_estimate"
)

// Trust returns the rank of the source. Higher wins.
func (s Source) Trust() int {
	switch s {
	case SourceNetwork:
		return 2
	case SourceFallbackEstimate:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return s.Trust() > 0 }

// ParseSource converts a wire value into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown snapshot source %q", v)
	}
	return s, nil
}
