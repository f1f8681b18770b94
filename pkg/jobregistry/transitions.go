package jobregistry

import (
	"time"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/phase"
)

// StatusUpdate applies a raw status payload. See ApplyStatus.
func StatusUpdate(s *State, raw bgstatus.Payload, at time.Time) (*State, error) {
	return ApplyStatus(s, bgstatus.Transform(raw), at)
}

// ApplyStatus merges a normalized status into the record it names.
//
// Updates for job IDs the registry does not know are dropped and s is
// returned unchanged; jobs only enter the registry through JobAdd. A status
// without an ID is rejected with ErrMalformedPayload.
func ApplyStatus(s *State, st bgstatus.Status, at time.Time) (*State, error) {
	id := st.ID()
	if id == "" {
		return s, ErrMalformedPayload
	}
	cur, ok := s.jobs[id]
	if !ok {
		return s, nil
	}

	next := s.clone()
	next.jobs[id] = cur.merge(st, at)
	return next, nil
}

// JobAdd inserts or replaces the record for the status's job.
func JobAdd(s *State, st bgstatus.Status, at time.Time) (*State, error) {
	id := st.ID()
	if id == "" {
		return s, ErrMalformedPayload
	}

	rec := JobRecord{
		ProgressItems: st.ProgressItems,
		Fields:        st.Fields.Clone(),
		AddedAt:       at.UTC(),
		UpdatedAt:     at.UTC(),
		Revision:      1,
	}
	if rec.Fields == nil {
		rec.Fields = bgstatus.Payload{}
	}
	if prev, ok := s.jobs[id]; ok {
		rec.AddedAt = prev.AddedAt
		rec.Revision = prev.Revision + 1
		rec.DownloadState = prev.DownloadState
	}
	rec.refresh(at)

	next := s.clone()
	next.jobs[id] = rec
	return next, nil
}

// JobRemove deletes id. Removing an unknown id returns s itself.
func JobRemove(s *State, id string) *State {
	if _, ok := s.jobs[id]; !ok {
		return s
	}
	next := s.clone()
	delete(next.jobs, id)
	return next
}

// SetEmail sets the registry-wide notification email.
func SetEmail(s *State, email string) *State {
	next := s.clone()
	next.email = email
	return next
}

// SetInfo sets both registry-wide notification settings.
func SetInfo(s *State, email string, notifEnabled bool) *State {
	next := s.clone()
	next.email = email
	next.notifEnabled = notifEnabled
	return next
}

// PatchJob applies client-side field changes (archive, per-job
// notification). Unknown ids return s itself. Unlike ApplyStatus, a patch
// may set any phase and leaves ProgressItems alone.
func PatchJob(s *State, id string, patch bgstatus.Payload, at time.Time) *State {
	cur, ok := s.jobs[id]
	if !ok || len(patch) == 0 {
		return s
	}

	rec := cur
	rec.Fields = cur.Fields.Clone()
	if rec.Fields == nil {
		rec.Fields = bgstatus.Payload{}
	}
	for k, v := range patch {
		if k == bgstatus.KeyID {
			continue
		}
		rec.Fields[k] = v
	}
	rec.UpdatedAt = at.UTC()
	rec.Revision++
	rec.refresh(at)

	next := s.clone()
	next.jobs[id] = rec
	return next
}

// Archive moves a job to the client-only ARCHIVED phase.
func Archive(s *State, id string, at time.Time) *State {
	return PatchJob(s, id, bgstatus.Payload{bgstatus.KeyState: string(phase.Archived)}, at)
}

// SetDownloadState records the download state of result index for id.
func SetDownloadState(s *State, id string, index int, ds DownloadState, at time.Time) *State {
	cur, ok := s.jobs[id]
	if !ok {
		return s
	}
	if cur.DownloadState[index] == ds {
		return s
	}

	rec := cur
	rec.DownloadState = make(map[int]DownloadState, len(cur.DownloadState)+1)
	for k, v := range cur.DownloadState {
		rec.DownloadState[k] = v
	}
	rec.DownloadState[index] = ds
	rec.UpdatedAt = at.UTC()
	rec.Revision++

	next := s.clone()
	next.jobs[id] = rec
	return next
}

// ExpiryPolicy decides when finished jobs leave the registry.
// A zero duration disables that rule.
type ExpiryPolicy struct {
	// UnmonitoredGrace is how long a finished job hidden from the history
	// list is kept.
	UnmonitoredGrace time.Duration

	// MaxAge bounds how long any job is kept after it was added.
	MaxAge time.Duration
}

// DefaultExpiryPolicy keeps hidden finished jobs for an hour and everything
// else for two weeks.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		UnmonitoredGrace: time.Hour,
		MaxAge:           14 * 24 * time.Hour,
	}
}

// Expire removes jobs the policy no longer retains. It returns s itself when
// nothing expires.
func Expire(s *State, now time.Time, policy ExpiryPolicy) *State {
	var expired []string
	for id, r := range s.jobs {
		if policy.expired(r, now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return s
	}
	next := s.clone()
	for _, id := range expired {
		delete(next.jobs, id)
	}
	return next
}

func (p ExpiryPolicy) expired(r JobRecord, now time.Time) bool {
	if p.MaxAge > 0 && !r.AddedAt.IsZero() && now.Sub(r.AddedAt) >= p.MaxAge {
		return true
	}
	if p.UnmonitoredGrace > 0 && !r.Monitored && r.DoneAt != nil && now.Sub(*r.DoneAt) >= p.UnmonitoredGrace {
		return true
	}
	return false
}

// merge returns a copy of r with st applied: fields shallow-merged
// last-writer-wins, progress items replaced.
//
// Phases do not move backwards: an archived record keeps ARCHIVED, and a
// finished record ignores a report that it is active again.
func (r JobRecord) merge(st bgstatus.Status, at time.Time) JobRecord {
	fields := r.Fields.Clone()
	if fields == nil {
		fields = make(bgstatus.Payload, len(st.Fields))
	}
	for k, v := range st.Fields {
		if k == bgstatus.KeyState && r.holdsPhase(st.Phase()) {
			continue
		}
		fields[k] = v
	}

	next := r
	next.Fields = fields
	next.ProgressItems = st.ProgressItems
	next.UpdatedAt = at.UTC()
	next.Revision++
	next.refresh(at)
	return next
}

func (r JobRecord) holdsPhase(incoming phase.Phase) bool {
	if r.Phase.IsArchived() {
		return true
	}
	return r.Phase.IsDone() && incoming.IsActive()
}
