package jobregistry

import (
	"time"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/phase"
)

// DownloadState tracks a client-side download of one result artifact.
//
// NOTE: These values are persisted in job.json.
type DownloadState string

const (
	DownloadWorking DownloadState = "WORKING"
	DownloadDone    DownloadState = "DONE"
	DownloadFail    DownloadState = "FAIL"
)

// Result describes one artifact produced by a successful job.
type Result struct {
	Href string `json:"href" mapstructure:"href"`
	ID   string `json:"id,omitempty" mapstructure:"id"`
}

// JobRecord is the registry entry for one tracked job.
//
// Fields is authoritative: the typed attributes above it are decoded from the
// merged payload after every change. ProgressItems is replaced wholesale by
// each status update; DownloadState is client-only and survives updates.
//
// Records are values shared between registry snapshots. Treat them as
// immutable; transitions copy before changing anything.
type JobRecord struct {
	ID           string      `json:"id"`
	Phase        phase.Phase `json:"phase"`
	Type         string      `json:"type,omitempty"`
	Title        string      `json:"title,omitempty"`
	Email        string      `json:"email,omitempty"`
	NotifEnabled bool        `json:"notif_enabled,omitempty"`
	Monitored    bool        `json:"monitored"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	Results      []Result    `json:"results,omitempty"`

	ProgressItems []bgstatus.ProgressItem `json:"progress_items,omitempty"`
	DownloadState map[int]DownloadState   `json:"download_state,omitempty"`
	Fields        bgstatus.Payload        `json:"fields"`

	// DecodeError describes payload fields that could not be decoded into
	// the typed attributes; those attributes are left empty.
	DecodeError string `json:"decode_error,omitempty"`

	AddedAt   time.Time  `json:"added_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`

	// Revision increments on every change; persistence uses it to find dirty
	// records without deep comparison.
	Revision uint64 `json:"revision"`
}

func (r JobRecord) CurrentPhase() phase.Phase { return r.Phase }

// Status rebuilds the canonical status view of the record.
func (r JobRecord) Status() bgstatus.Status {
	return bgstatus.Status{
		ProgressItems: r.ProgressItems,
		Fields:        r.Fields.Clone(),
	}
}

// SortTime is the time used to order job listings: the reported start time
// when known, otherwise when the job was added.
func (r JobRecord) SortTime() time.Time {
	if r.StartTime != nil {
		return r.StartTime.UTC()
	}
	return r.AddedAt.UTC()
}
