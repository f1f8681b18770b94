// Package phase defines the lifecycle phases of a background job and the
// predicates used to classify them.
//
// The category sets overlap on purpose: CANCELED is both done and failed,
// and NEW_DATA belongs to no category at all. Callers rely on the exact
// membership, so the sets below must not be "tidied".
package phase

import "strings"

// Phase is the lifecycle position of a background job.
//
// NOTE: These values are exchanged with the remote service and persisted in
// job.json. They are part of the stable wire and on-disk contract.
type Phase string

const (
	Waiting          Phase = "WAITING"
	Starting         Phase = "STARTING"
	Working          Phase = "WORKING"
	NewData          Phase = "NEW_DATA"
	UserAborted      Phase = "USER_ABORTED"
	Fail             Phase = "FAIL"
	Success          Phase = "SUCCESS"
	Canceled         Phase = "CANCELED"
	UnknownPackageID Phase = "UNKNOWN_PACKAGE_ID"

	// Archived is client-only. The remote service never reports it.
	Archived Phase = "ARCHIVED"
)

var known = []Phase{
	Waiting,
	Starting,
	Working,
	NewData,
	UserAborted,
	Fail,
	Success,
	Canceled,
	UnknownPackageID,
	Archived,
}

// Known returns every phase of the fixed enumeration.
func Known() []Phase {
	out := make([]Phase, len(known))
	copy(out, known)
	return out
}

// Parse normalizes a raw phase string. Unrecognized values are returned as-is
// (upper-cased) and classify as nothing.
func Parse(s string) Phase {
	return Phase(strings.ToUpper(strings.TrimSpace(s)))
}

// Valid reports whether p belongs to the fixed enumeration.
func (p Phase) Valid() bool {
	for _, k := range known {
		if p == k {
			return true
		}
	}
	return false
}

func (p Phase) String() string { return string(p) }

// IsActive reports whether the job is still queued or running.
func (p Phase) IsActive() bool {
	switch p {
	case Waiting, Working, Starting:
		return true
	}
	return false
}

// IsDone reports whether the remote service finished with the job.
func (p Phase) IsDone() bool {
	switch p {
	case UserAborted, Canceled, Fail, Success, UnknownPackageID:
		return true
	}
	return false
}

// IsFail reports whether the job ended without a usable result.
func (p Phase) IsFail() bool {
	switch p {
	case Fail, UserAborted, UnknownPackageID, Canceled:
		return true
	}
	return false
}

func (p Phase) IsSuccess() bool { return p == Success }

func (p Phase) IsArchived() bool { return p == Archived }

// Phased is anything that carries a current phase: job records, normalized
// statuses, events.
type Phased interface {
	CurrentPhase() Phase
}

func IsActive(v Phased) bool   { return v != nil && v.CurrentPhase().IsActive() }
func IsDone(v Phased) bool     { return v != nil && v.CurrentPhase().IsDone() }
func IsFail(v Phased) bool     { return v != nil && v.CurrentPhase().IsFail() }
func IsSuccess(v Phased) bool  { return v != nil && v.CurrentPhase().IsSuccess() }
func IsArchived(v Phased) bool { return v != nil && v.CurrentPhase().IsArchived() }

// Classification is the full predicate tuple for one phase.
type Classification struct {
	Active   bool `json:"active"`
	Done     bool `json:"done"`
	Fail     bool `json:"fail"`
	Success  bool `json:"success"`
	Archived bool `json:"archived"`
}

// Classify evaluates every predicate for p.
func Classify(p Phase) Classification {
	return Classification{
		Active:   p.IsActive(),
		Done:     p.IsDone(),
		Fail:     p.IsFail(),
		Success:  p.IsSuccess(),
		Archived: p.IsArchived(),
	}
}
