// Package watch correlates registry actions with a single background job.
//
// Track registers a one-shot subscription for one job ID. The first
// finishing status fires OnComplete; the job being added to background
// tracking fires OnSentToBackground. Either way the subscription is removed
// before the callback runs, so no later action can fire a second callback.
package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/metrics"
)

var (
	// ErrMissingJobID is returned by Track when Options.JobID is empty.
	ErrMissingJobID = errors.New("watch: job ID is required")

	// ErrTimeout is reported to OnError when Options.Timeout elapses.
	ErrTimeout = errors.New("watch: timed out waiting for job")

	// ErrCanceled is reported to OnError when tracking is cancelled
	// externally.
	ErrCanceled = errors.New("watch: tracking cancelled")
)

// Outcome is the state of a Tracker.
type Outcome string

const (
	Watching     Outcome = "WATCHING"
	Completed    Outcome = "COMPLETED"
	Backgrounded Outcome = "BACKGROUNDED"
	Canceled     Outcome = "CANCELED"
	TimedOut     Outcome = "TIMED_OUT"
)

func (o Outcome) Terminal() bool { return o != Watching }

// Watcher is the action stream a Tracker subscribes to.
type Watcher interface {
	Watch(label string, kinds []dispatch.Kind, fn dispatch.Handler) *dispatch.Subscription
}

// Options configures one tracking registration.
type Options struct {
	JobID string

	// OnComplete receives the finishing status.
	OnComplete func(bgstatus.Status)

	// OnSentToBackground receives the status the job was added with.
	OnSentToBackground func(bgstatus.Status)

	// OnError, when set, is told about timeouts and external cancellation.
	OnError func(error)

	// Timeout bounds the wait. Zero waits indefinitely.
	Timeout time.Duration

	Logger *zap.Logger
}

// Tracker is the handle for one tracking registration.
type Tracker struct {
	jobID  string
	opts   Options
	sub    *dispatch.Subscription
	logger *zap.Logger

	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

// trackedKinds are the only actions a tracker reacts to.
var trackedKinds = []dispatch.Kind{dispatch.KindStatusUpdated, dispatch.KindJobAdded}

// Track starts watching opts.JobID. Cancelling ctx or calling
// Tracker.Cancel stops the watch without firing OnComplete or
// OnSentToBackground. Done closes after the firing callback has returned.
func Track(ctx context.Context, w Watcher, opts Options) (*Tracker, error) {
	if opts.JobID == "" {
		return nil, ErrMissingJobID
	}
	t := &Tracker{
		jobID:   opts.JobID,
		opts:    opts,
		logger:  opts.Logger,
		outcome: Watching,
		done:    make(chan struct{}),
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}

	t.sub = w.Watch("track "+opts.JobID, trackedKinds, t.handle)

	if ctx.Done() != nil || opts.Timeout > 0 {
		go t.supervise(ctx)
	}
	return t, nil
}

func (t *Tracker) handle(a dispatch.Action, sub *dispatch.Subscription) {
	if a.JobID != t.jobID {
		return
	}

	switch a.Kind {
	case dispatch.KindStatusUpdated:
		if !a.Status.Phase().IsDone() {
			return
		}
		if !sub.Cancel() {
			return
		}
		t.settle(Completed)
		defer close(t.done)
		t.logger.Debug("Job completed", zap.String("job_id", t.jobID), zap.String("phase", string(a.Status.Phase())))
		if t.opts.OnComplete != nil {
			t.opts.OnComplete(a.Status)
		}

	case dispatch.KindJobAdded:
		if !sub.Cancel() {
			return
		}
		t.settle(Backgrounded)
		defer close(t.done)
		t.logger.Debug("Job sent to background", zap.String("job_id", t.jobID))
		if t.opts.OnSentToBackground != nil {
			t.opts.OnSentToBackground(a.Status)
		}
	}
}

// supervise enforces the optional timeout and external cancellation.
func (t *Tracker) supervise(ctx context.Context) {
	var timeout <-chan time.Time
	if t.opts.Timeout > 0 {
		timer := time.NewTimer(t.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		t.abort(Canceled, ErrCanceled)
	case <-timeout:
		t.abort(TimedOut, ErrTimeout)
	}
}

func (t *Tracker) abort(o Outcome, err error) {
	if !t.sub.Cancel() {
		return
	}
	t.settle(o)
	defer close(t.done)
	t.logger.Debug("Stopped tracking job", zap.String("job_id", t.jobID), zap.String("outcome", string(o)))
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}

// settle records the outcome. Callers close done once the callback has
// returned, so Wait never reports a result the callback has not handled.
func (t *Tracker) settle(o Outcome) {
	t.mu.Lock()
	t.outcome = o
	t.mu.Unlock()
	metrics.IncTrackerOutcome(string(o))
}

// Cancel stops tracking. It is a no-op once the tracker has finished.
func (t *Tracker) Cancel() {
	t.abort(Canceled, ErrCanceled)
}

func (t *Tracker) JobID() string { return t.jobID }

// Outcome returns the current state of the tracker. It is already terminal
// while the firing callback runs.
func (t *Tracker) Outcome() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Done is closed once the tracker has finished and its callback returned.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Wait blocks until the tracker finishes or ctx ends.
func (t *Tracker) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.Outcome(), nil
	case <-ctx.Done():
		return t.Outcome(), ctx.Err()
	}
}
