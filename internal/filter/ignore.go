package filter

import "strings"

// IgnoreSet holds event types that are dropped before buffering. It is
// populated once and never mutated afterwards, so it is safe for concurrent use.
type IgnoreSet struct {
	types map[string]struct{}
}

// NewIgnoreSet builds the set from a comma-separated list. Entries are
// trimmed and empty entries are skipped.
func NewIgnoreSet(csv string) *IgnoreSet {
	set := &IgnoreSet{types: make(map[string]struct{})}
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set.types[name] = struct{}{}
		}
	}
	return set
}

// ShouldIgnore reports whether events of the given type must be dropped.
func (s *IgnoreSet) ShouldIgnore(eventType string) bool {
	if s == nil {
		return false
	}
	_, ok := s.types[eventType]
	return ok
}

// Len returns the number of ignored event types.
func (s *IgnoreSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.types)
}
