// Package dispatch owns the job registry and the ordered stream of actions
// that mutate it.
//
// A Store applies each dispatched Action through the registry transitions
// under a single lock, then notifies subscriptions in commit order. Watchers
// therefore always observe a registry that already contains the action they
// are handling.
package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/phase"
)

// Kind identifies an action type.
type Kind string

const (
	KindStatusUpdated Kind = "background.bgStatus"
	KindJobAdded      Kind = "background.bgJobAdd"
	KindJobRemoved    Kind = "background.bgJobRemove"
	KindEmailSet      Kind = "background.bgSetEmail"
	KindInfoSet       Kind = "background.bgSetInfo"
	KindJobPatched    Kind = "background.bgJobInfo"
	KindDownloadState Kind = "background.bgDownloadState"
	KindExpired       Kind = "background.bgExpire"
)

// ErrUnknownAction is returned for actions with an unrecognized Kind.
var ErrUnknownAction = errors.New("unknown action kind")

// Action is one registry event. Which fields are meaningful depends on Kind.
type Action struct {
	Kind  Kind
	JobID string

	// Status is set for KindStatusUpdated and KindJobAdded.
	Status bgstatus.Status

	// Patch is set for KindJobPatched.
	Patch bgstatus.Payload

	Email        string
	NotifEnabled bool

	ResultIndex int
	Download    jobregistry.DownloadState

	// At is the commit time; Dispatch fills it in when zero.
	At time.Time
}

func (a Action) CurrentPhase() phase.Phase { return a.Status.Phase() }

// StatusUpdated reports a raw status payload from the remote service.
func StatusUpdated(raw bgstatus.Payload) Action {
	return StatusUpdatedFrom(bgstatus.Transform(raw))
}

// StatusUpdatedFrom reports an already normalized status.
func StatusUpdatedFrom(st bgstatus.Status) Action {
	return Action{Kind: KindStatusUpdated, JobID: st.ID(), Status: st}
}

// JobAdded registers a job, or moves a watched job to background tracking.
func JobAdded(st bgstatus.Status) Action {
	return Action{Kind: KindJobAdded, JobID: st.ID(), Status: st}
}

func JobRemoved(id string) Action {
	return Action{Kind: KindJobRemoved, JobID: id}
}

func EmailSet(email string) Action {
	return Action{Kind: KindEmailSet, Email: email}
}

func InfoSet(email string, notifEnabled bool) Action {
	return Action{Kind: KindInfoSet, Email: email, NotifEnabled: notifEnabled}
}

func JobPatched(id string, patch bgstatus.Payload) Action {
	return Action{Kind: KindJobPatched, JobID: id, Patch: patch}
}

func DownloadStateSet(id string, index int, ds jobregistry.DownloadState) Action {
	return Action{Kind: KindDownloadState, JobID: id, ResultIndex: index, Download: ds}
}

func Expired(now time.Time) Action {
	return Action{Kind: KindExpired, At: now}
}

// Reduce applies a to s.
func Reduce(s *jobregistry.State, a Action, policy jobregistry.ExpiryPolicy) (*jobregistry.State, error) {
	switch a.Kind {
	case KindStatusUpdated:
		return jobregistry.ApplyStatus(s, a.Status, a.At)
	case KindJobAdded:
		return jobregistry.JobAdd(s, a.Status, a.At)
	case KindJobRemoved:
		return jobregistry.JobRemove(s, a.JobID), nil
	case KindEmailSet:
		return jobregistry.SetEmail(s, a.Email), nil
	case KindInfoSet:
		return jobregistry.SetInfo(s, a.Email, a.NotifEnabled), nil
	case KindJobPatched:
		return jobregistry.PatchJob(s, a.JobID, a.Patch, a.At), nil
	case KindDownloadState:
		return jobregistry.SetDownloadState(s, a.JobID, a.ResultIndex, a.Download, a.At), nil
	case KindExpired:
		return jobregistry.Expire(s, a.At, policy), nil
	}
	return s, fmt.Errorf("%w: %q", ErrUnknownAction, a.Kind)
}
