// Package jobregistry holds the registry of tracked background jobs.
//
// The registry is an immutable snapshot (*State). Transitions are pure
// functions that return either the exact same pointer (nothing changed) or a
// new snapshot, so consumers can detect change by comparing pointers.
package jobregistry

import (
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// State is one snapshot of the job registry.
type State struct {
	jobs         map[string]JobRecord
	email        string
	notifEnabled bool
}

// NewState returns an empty registry.
func NewState() *State {
	return &State{jobs: make(map[string]JobRecord)}
}

// FromRecords builds a registry from previously persisted records.
func FromRecords(records []JobRecord, email string, notifEnabled bool) *State {
	s := &State{
		jobs:         make(map[string]JobRecord, len(records)),
		email:        email,
		notifEnabled: notifEnabled,
	}
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		s.jobs[r.ID] = r
	}
	return s
}

func (s *State) clone() *State {
	next := &State{
		jobs:         make(map[string]JobRecord, len(s.jobs)+1),
		email:        s.email,
		notifEnabled: s.notifEnabled,
	}
	for id, r := range s.jobs {
		next.jobs[id] = r
	}
	return next
}

func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.jobs)
}

func (s *State) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

func (s *State) NotifEnabled() bool {
	return s != nil && s.notifEnabled
}

// Job returns the record for id.
func (s *State) Job(id string) (JobRecord, bool) {
	if s == nil {
		return JobRecord{}, false
	}
	r, ok := s.jobs[id]
	return r, ok
}

// Jobs returns every record, newest first.
func (s *State) Jobs() []JobRecord {
	if s == nil {
		return nil
	}
	out := make([]JobRecord, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r)
	}
	sortNewestFirst(out)
	return out
}

// Monitored returns the jobs shown in the job history, newest first.
func (s *State) Monitored() []JobRecord {
	all := s.Jobs()
	out := all[:0]
	for _, r := range all {
		if r.Monitored {
			out = append(out, r)
		}
	}
	return out
}

// Select returns jobs whose ID or title matches the doublestar pattern.
// An empty pattern selects everything.
func (s *State) Select(pattern string) ([]JobRecord, error) {
	all := s.Jobs()
	if pattern == "" {
		return all, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	out := make([]JobRecord, 0, len(all))
	for _, r := range all {
		if matchAny(pattern, r.ID, r.Title) {
			out = append(out, r)
		}
	}
	return out, nil
}

func matchAny(pattern string, candidates ...string) bool {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if ok, _ := doublestar.Match(pattern, c); ok {
			return true
		}
	}
	return false
}

// Summary counts monitored jobs by category.
type Summary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Failed    int `json:"failed"`
	Succeeded int `json:"succeeded"`
	Archived  int `json:"archived"`
}

func (s *State) Summary() Summary {
	var sum Summary
	for _, r := range s.Monitored() {
		sum.Total++
		switch {
		case r.Phase.IsActive():
			sum.Active++
		case r.Phase.IsArchived():
			sum.Archived++
		case r.Phase.IsFail():
			sum.Failed++
		case r.Phase.IsSuccess():
			sum.Succeeded++
		}
	}
	return sum
}

func sortNewestFirst(records []JobRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].SortTime(), records[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].ID < records[j].ID
	})
}
