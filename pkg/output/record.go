// Package output provides JSONL output for job tracking.
//
// Output is structured as typed record envelopes containing job events,
// errors, and summaries. Each line is a self-contained JSON object that
// can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: jobwatch.<type>.v<version>
const (
	// TypeEvent identifies job event records.
	TypeEvent = "jobwatch.event.v1"

	// TypeError identifies error records.
	TypeError = "jobwatch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "jobwatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "jobwatch.event.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the background job the record refers to.
	JobID string `json:"job_id"`

	// Source identifies the service the job runs on.
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Event names for EventRecord.
const (
	EventUpdated      = "UPDATED"
	EventCompleted    = "COMPLETED"
	EventBackgrounded = "BACKGROUNDED"
	EventAborted      = "ABORTED"
	EventTimeout      = "TIMEOUT"
)

// EventRecord is the data payload for a job status change.
type EventRecord struct {
	JobID         string                  `json:"job_id"`
	Event         string                  `json:"event"`
	Phase         string                  `json:"phase"`
	Title         string                  `json:"title,omitempty"`
	ProgressItems []bgstatus.ProgressItem `json:"progress_items,omitempty"`
	Messages      []string                `json:"messages,omitempty"`
	TotalBytes    int64                   `json:"total_bytes,omitempty"`
}

// NewEventRecord builds an event from a normalized status.
func NewEventRecord(event string, st bgstatus.Status) *EventRecord {
	return &EventRecord{
		JobID:         st.ID(),
		Event:         event,
		Phase:         string(st.Phase()),
		Title:         st.Fields.String(bgstatus.KeyTitle),
		ProgressItems: st.ProgressItems,
		Messages:      st.Messages(),
		TotalBytes:    st.TotalBytes(),
	}
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if known.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeRequestFailed = "REQUEST_FAILED"
	ErrCodeMalformed     = "MALFORMED_PAYLOAD"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeCanceled      = "CANCELED"
	ErrCodeInternal      = "INTERNAL"
)

// SummaryRecord is the data payload for the end of a tracked wait.
type SummaryRecord struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
	Phase   string `json:"phase,omitempty"`

	// Results lists result references of a successful job.
	Results []string `json:"results,omitempty"`

	// Duration is the time spent waiting.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Updates int64 `json:"updates"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
