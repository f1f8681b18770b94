// Package bgstatus normalizes status payloads reported by the remote
// analysis service for background jobs.
//
// A raw payload is a flat, string-keyed bag. Per-item progress arrives as
// numbered keys (PACKAGE_PROGRESS_<index> or PACKAGE_PROGRESS_<index>_<field>)
// which Transform folds into an ordered list of ProgressItems. Every other
// key passes through unchanged.
package bgstatus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/jobwatch/pkg/phase"
)

// Well-known payload keys.
const (
	KeyID           = "ID"
	KeyState        = "STATE"
	KeyType         = "TYPE"
	KeyTitle        = "TITLE"
	KeyEmail        = "EMAIL"
	KeySendNotif    = "SEND_NOTIF"
	KeyMonitored    = "MONITORED"
	KeyStartTime    = "START_TIME"
	KeyEndTime      = "END_TIME"
	KeyResults      = "RESULTS"
	KeyMessageBase  = "MESSAGE_"
	KeyMessageCount = "MESSAGE_CNT"
	KeyPackageCount = "PACKAGE_CNT"
	KeyTotalBytes   = "TOTAL_BYTES"
	KeyDataSource   = "DATA_SOURCE"

	// ProgressPrefix marks keys that carry per-item progress.
	ProgressPrefix = "PACKAGE_PROGRESS_"
)

// Payload is a flat status bag as received from the remote service.
type Payload map[string]any

// Clone returns a shallow copy of p. A nil payload clones to nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key rendered as a string, or "" when absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok {
		return ""
	}
	return asString(v)
}

// ProgressItem is one indexed sub-record of a multi-item job.
type ProgressItem struct {
	Index  int
	Fields map[string]any
}

// Int returns an integer field, or 0 when absent or not numeric.
func (pi ProgressItem) Int(field string) int64 {
	n, _ := asInt64(pi.Fields[field])
	return n
}

// MarshalJSON flattens the item to {"index": n, ...fields}.
func (pi ProgressItem) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(pi.Fields)+1)
	for k, v := range pi.Fields {
		flat[k] = v
	}
	flat["index"] = pi.Index
	return json.Marshal(flat)
}

func (pi *ProgressItem) UnmarshalJSON(b []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	idx, ok := asInt64(flat["index"])
	if !ok {
		return fmt.Errorf("progress item: missing index")
	}
	delete(flat, "index")
	pi.Index = int(idx)
	pi.Fields = flat
	return nil
}

// Status is the canonical form of a status payload.
type Status struct {
	// ProgressItems is sorted ascending by Index.
	ProgressItems []ProgressItem `json:"progressItems,omitempty"`

	// Fields holds every non-progress key under its original name.
	Fields Payload `json:"fields"`

	// Rejected lists progress-prefixed keys that did not parse.
	Rejected []string `json:"rejected,omitempty"`
}

func (s Status) ID() string { return s.Fields.String(KeyID) }

func (s Status) Phase() phase.Phase { return phase.Parse(s.Fields.String(KeyState)) }

func (s Status) CurrentPhase() phase.Phase { return s.Phase() }

// Messages returns MESSAGE_0..MESSAGE_<MESSAGE_CNT-1> in index order,
// skipping blanks. Only keys present in the payload are visited.
func (s Status) Messages() []string {
	cnt, _ := asInt64(s.Fields[KeyMessageCount])
	if cnt <= 0 {
		return nil
	}
	var idx []int64
	for key := range s.Fields {
		if key == KeyMessageCount || !strings.HasPrefix(key, KeyMessageBase) {
			continue
		}
		i, err := strconv.ParseInt(key[len(KeyMessageBase):], 10, 64)
		if err != nil || i < 0 || i >= cnt || key != KeyMessageBase+strconv.FormatInt(i, 10) {
			continue
		}
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	var out []string
	for _, i := range idx {
		if m := s.Fields.String(KeyMessageBase + strconv.FormatInt(i, 10)); m != "" {
			out = append(out, m)
		}
	}
	return out
}

// TotalBytes is the processed size when every item finished successfully,
// otherwise the size estimate reported in TOTAL_BYTES.
func (s Status) TotalBytes() int64 {
	if s.Phase().IsSuccess() && len(s.ProgressItems) > 0 {
		var total int64
		for _, it := range s.ProgressItems {
			total += it.Int("processedBytes")
		}
		if total > 0 {
			return total
		}
	}
	n, _ := asInt64(s.Fields[KeyTotalBytes])
	return n
}
