// Package background implements the user-facing commands on the background
// job registry: cancel, remove, archive, notification settings and moving
// a foreground job to background tracking.
//
// Commands that the remote service must know about call it first and only
// update the registry once it accepted the change.
package background

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/phase"
	"github.com/3leaps/jobwatch/pkg/remote"
)

var (
	// ErrJobNotDone is returned when archiving a job that is still running.
	ErrJobNotDone = errors.New("background: job has not finished")

	// ErrEmailRequired is returned when enabling notification without an
	// address.
	ErrEmailRequired = errors.New("background: email is required to enable notification")
)

// Remote is the subset of the command client the controller needs.
type Remote interface {
	Cancel(ctx context.Context, jobID string) (bgstatus.Payload, error)
	Remove(ctx context.Context, jobID string) error
	AddToBackground(ctx context.Context, jobID string) (bgstatus.Payload, error)
	SetEmail(ctx context.Context, email string) error
	SetNotification(ctx context.Context, jobID string, enable bool, email string) error
}

// Store is the registry owner.
type Store interface {
	State() *jobregistry.State
	Dispatch(a dispatch.Action) error
}

// NotificationRequest toggles completion mail. An empty JobID applies to the
// registry as a whole.
type NotificationRequest struct {
	JobID  string `json:"job_id,omitempty"`
	Enable bool   `json:"enable"`
	Email  string `json:"email,omitempty"`
}

// Controller runs registry commands.
type Controller struct {
	remote Remote
	store  Store
	logger *zap.Logger
}

// NewController returns a Controller. logger may be nil.
func NewController(r Remote, s Store, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{remote: r, store: s, logger: logger}
}

// Job returns the record for id.
func (c *Controller) Job(id string) (jobregistry.JobRecord, error) {
	rec, ok := c.store.State().Job(id)
	if !ok {
		return rec, fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, id)
	}
	return rec, nil
}

// Summary counts registered jobs by classification.
func (c *Controller) Summary() jobregistry.Summary {
	return c.store.State().Summary()
}

// Monitored returns the jobs shown in the history list, newest first.
func (c *Controller) Monitored() []jobregistry.JobRecord {
	return c.store.State().Monitored()
}

// Cancel stops a job. When the service does not echo the new status the job
// is recorded as USER_ABORTED.
func (c *Controller) Cancel(ctx context.Context, id string) (bgstatus.Status, error) {
	if id == "" {
		return bgstatus.Status{}, jobregistry.ErrInvalidJobID
	}
	raw, err := c.remote.Cancel(ctx, id)
	if err != nil {
		return bgstatus.Status{}, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if raw == nil {
		raw = bgstatus.Payload{bgstatus.KeyState: string(phase.UserAborted)}
	}
	raw = withID(raw, id)

	st := bgstatus.Transform(raw)
	if err := c.store.Dispatch(dispatch.StatusUpdatedFrom(st)); err != nil {
		return st, err
	}
	c.logger.Info("Cancelled job", zap.String("job_id", id), zap.String("phase", string(st.Phase())))
	return st, nil
}

// Remove deletes a job remotely and from the registry. A job the service no
// longer knows is still removed locally.
func (c *Controller) Remove(ctx context.Context, id string) error {
	if id == "" {
		return jobregistry.ErrInvalidJobID
	}
	if err := c.remote.Remove(ctx, id); err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if err := c.store.Dispatch(dispatch.JobRemoved(id)); err != nil {
		return err
	}
	c.logger.Info("Removed job", zap.String("job_id", id))
	return nil
}

// Archive hides a finished job's result from the active view. It is
// client-side only.
func (c *Controller) Archive(id string) (jobregistry.JobRecord, error) {
	rec, err := c.Job(id)
	if err != nil {
		return rec, err
	}
	if rec.Phase.IsArchived() {
		return rec, nil
	}
	if !rec.Phase.IsDone() {
		return rec, fmt.Errorf("%w: %s is %s", ErrJobNotDone, id, rec.Phase)
	}

	patch := bgstatus.Payload{bgstatus.KeyState: string(phase.Archived)}
	if err := c.store.Dispatch(dispatch.JobPatched(id, patch)); err != nil {
		return rec, err
	}
	rec, _ = c.store.State().Job(id)
	return rec, nil
}

// SetEmail sets the notification address.
func (c *Controller) SetEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := c.remote.SetEmail(ctx, email); err != nil {
		return fmt.Errorf("set email: %w", err)
	}
	return c.store.Dispatch(dispatch.EmailSet(email))
}

// SetNotification toggles completion mail for one job, or registry-wide when
// req.JobID is empty. The registry address is used when req.Email is empty.
func (c *Controller) SetNotification(ctx context.Context, req NotificationRequest) error {
	state := c.store.State()
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = state.Email()
	}
	if req.Enable && email == "" {
		return ErrEmailRequired
	}

	if req.JobID == "" {
		return c.store.Dispatch(dispatch.InfoSet(email, req.Enable))
	}

	if _, ok := state.Job(req.JobID); !ok {
		return fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, req.JobID)
	}
	if err := c.remote.SetNotification(ctx, req.JobID, req.Enable, email); err != nil {
		return fmt.Errorf("set notification for %s: %w", req.JobID, err)
	}
	return c.store.Dispatch(dispatch.JobPatched(req.JobID, bgstatus.Payload{
		bgstatus.KeyEmail:     email,
		bgstatus.KeySendNotif: req.Enable,
	}))
}

// SendToBackground moves a foreground job to background tracking. Any
// tracker waiting on the job sees it as backgrounded.
func (c *Controller) SendToBackground(ctx context.Context, id string) (bgstatus.Status, error) {
	if id == "" {
		return bgstatus.Status{}, jobregistry.ErrInvalidJobID
	}
	raw, err := c.remote.AddToBackground(ctx, id)
	if err != nil {
		return bgstatus.Status{}, fmt.Errorf("send job %s to background: %w", id, err)
	}
	raw = withID(raw, id)
	raw[bgstatus.KeyMonitored] = true

	st := bgstatus.Transform(raw)
	if err := c.store.Dispatch(dispatch.JobAdded(st)); err != nil {
		return st, err
	}
	c.logger.Info("Job sent to background", zap.String("job_id", id))
	return st, nil
}

// withID returns a copy of raw that carries id.
func withID(raw bgstatus.Payload, id string) bgstatus.Payload {
	out := raw.Clone()
	if out == nil {
		out = bgstatus.Payload{}
	}
	if out.String(bgstatus.KeyID) == "" {
		out[bgstatus.KeyID] = id
	}
	return out
}
