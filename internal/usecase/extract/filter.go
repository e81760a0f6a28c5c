package extract

import "strings"

// DefaultURLFilters select traffic worth inspecting by endpoint name.
var DefaultURLFilters = []string{"/batched", "/chat", "gemini", "google.com"}

// Filter is a URL allow-list of substrings.
type Filter struct {
	substrings []string
}

// NewFilter creates a filter. Empty substrings are ignored; a filter with
// no substrings matches nothing.
func NewFilter(substrings ...string) Filter {
	f := Filter{substrings: make([]string, 0, len(substrings))}
	for _, s := range substrings {
		if s != "" {
			f.substrings = append(f.substrings, s)
		}
	}
	return f
}

// Match reports whether url contains any allowed substring.
func (f Filter) Match(url string) bool {
	for _, s := range f.substrings {
		if strings.Contains(url, s) {
			return true
		}
	}
	return false
}
