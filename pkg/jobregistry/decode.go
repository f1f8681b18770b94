package jobregistry

import (
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/phase"
)

// fieldView is the typed projection of a record's payload fields.
type fieldView struct {
	Type      string   `mapstructure:"TYPE"`
	Title     string   `mapstructure:"TITLE"`
	Email     string   `mapstructure:"EMAIL"`
	SendNotif bool     `mapstructure:"SEND_NOTIF"`
	Monitored *bool    `mapstructure:"MONITORED"`
	StartTime int64    `mapstructure:"START_TIME"`
	EndTime   int64    `mapstructure:"END_TIME"`
	Results   []Result `mapstructure:"RESULTS"`
}

// decodeFields projects payload fields onto fieldView. Decoding is weakly
// typed and partial: a malformed optional field is left at its zero value
// rather than failing the whole update, and the decode error is returned
// alongside.
func decodeFields(fields bgstatus.Payload) (fieldView, error) {
	var v fieldView
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &v,
	})
	if err != nil {
		return v, err
	}
	return v, dec.Decode(map[string]any(fields))
}

// refresh re-derives the typed attributes from Fields.
func (r *JobRecord) refresh(at time.Time) {
	v, err := decodeFields(r.Fields)
	r.DecodeError = ""
	if err != nil {
		r.DecodeError = err.Error()
	}

	r.ID = r.Fields.String(bgstatus.KeyID)
	r.Phase = phase.Parse(r.Fields.String(bgstatus.KeyState))
	r.Type = v.Type
	r.Title = v.Title
	r.Email = v.Email
	r.NotifEnabled = v.SendNotif
	r.Monitored = v.Monitored == nil || *v.Monitored
	r.StartTime = millisToTime(v.StartTime)
	r.EndTime = millisToTime(v.EndTime)
	r.Results = v.Results

	if r.DoneAt == nil && (r.Phase.IsDone() || r.Phase.IsArchived()) {
		t := at.UTC()
		r.DoneAt = &t
	}
}

func millisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
