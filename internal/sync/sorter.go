package sync

import (
	"strings"
	"sync"
)

// SortField names a sortable change-history column.
type SortField string

const (
	SortTime    SortField = "time"
	SortSubject SortField = "subject_type"
	SortUser    SortField = "user"
	SortChange  SortField = "change_type"
)

type sortDirective struct {
	field     SortField
	ascending bool
}

// HistorySorter is an ordered, mutable list of sort directives over
// change-history queries. It may be shared by a UI session across
// requests, so mutators are synchronized.
type HistorySorter struct {
	mu         sync.Mutex
	directives []sortDirective
}

// NewHistorySorter returns a sorter with no directives.
func NewHistorySorter() *HistorySorter {
	return &HistorySorter{}
}

// AddSort makes field the primary sort key with the given direction.
// A field already present is moved to the front and its direction
// overwritten, never duplicated, the way a repeated column click works.
func (s *HistorySorter) AddSort(field SortField, ascending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]sortDirective, 0, len(s.directives)+1)
	kept = append(kept, sortDirective{field: field, ascending: ascending})
	for _, d := range s.directives {
		if d.field != field {
			kept = append(kept, d)
		}
	}
	s.directives = kept
}

// Len returns the number of distinct sort fields.
func (s *HistorySorter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.directives)
}

// Clear drops all directives.
func (s *HistorySorter) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directives = nil
}

// OrderBy renders the directives as a SQL ORDER BY clause, or "" when
// no directive is set.
func (s *HistorySorter) OrderBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.directives) == 0 {
		return ""
	}
	parts := make([]string, len(s.directives))
	for i, d := range s.directives {
		dir := "DESC"
		if d.ascending {
			dir = "ASC"
		}
		parts[i] = string(d.field) + " " + dir
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}
