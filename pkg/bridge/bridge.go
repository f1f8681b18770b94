// Package bridge joins a synchronous package request with asynchronous job
// tracking.
//
// SubmitAndTrack sends the request, and if the response already reports
// success the completion callback runs immediately. Otherwise the job is
// tracked until a later status update finishes it or it is moved to
// background tracking. An in-progress indicator is held for the whole wait.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/watch"
)

var (
	// ErrRequestFailed is returned when the package request produced no
	// status at all.
	ErrRequestFailed = errors.New("bridge: package request failed")

	// ErrMalformedPayload is returned when the response carries no job ID.
	ErrMalformedPayload = errors.New("bridge: status payload has no job ID")
)

// Indicator shows whether a request is in flight.
type Indicator interface {
	SetInProgress(bool)
}

// IndicatorFunc adapts a function to Indicator.
type IndicatorFunc func(bool)

func (f IndicatorFunc) SetInProgress(v bool) { f(v) }

type noIndicator struct{}

func (noIndicator) SetInProgress(bool) {}

// Submitter sends package requests.
type Submitter interface {
	SubmitPackage(ctx context.Context, req remote.PackageRequest) (bgstatus.Payload, error)
}

// Request is one submit-and-track call.
type Request struct {
	Package            remote.PackageRequest
	OnComplete         func(bgstatus.Status)
	OnSentToBackground func(bgstatus.Status)
	OnError            func(error)
	Timeout            time.Duration
}

// Bridge submits requests and registers trackers against a watcher.
type Bridge struct {
	submitter Submitter
	watcher   watch.Watcher
	indicator Indicator
	logger    *zap.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithIndicator(ind Indicator) Option {
	return func(b *Bridge) {
		if ind != nil {
			b.indicator = ind
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New returns a Bridge.
func New(s Submitter, w watch.Watcher, opts ...Option) *Bridge {
	b := &Bridge{
		submitter: s,
		watcher:   w,
		indicator: noIndicator{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubmitAndTrack submits req.Package and waits for the job to finish.
//
// The returned Tracker is nil when no tracking was needed (the response was
// already a success) or when the request failed.
func (b *Bridge) SubmitAndTrack(ctx context.Context, req Request) (*watch.Tracker, error) {
	b.indicator.SetInProgress(true)

	raw, err := b.submitter.SubmitPackage(ctx, req.Package)
	if err == nil && raw == nil {
		err = remote.ErrEmptyResponse
	}
	if err != nil {
		return nil, b.fail(req, fmt.Errorf("%w: %w", ErrRequestFailed, err))
	}

	st := bgstatus.Transform(raw)
	if st.ID() == "" {
		return nil, b.fail(req, ErrMalformedPayload)
	}

	if st.Phase().IsSuccess() {
		b.logger.Debug("Package request completed synchronously", zap.String("job_id", st.ID()))
		b.indicator.SetInProgress(false)
		if req.OnComplete != nil {
			req.OnComplete(st)
		}
		return nil, nil
	}

	b.logger.Debug("Tracking package job",
		zap.String("job_id", st.ID()),
		zap.String("phase", string(st.Phase())))

	tr, err := watch.Track(ctx, b.watcher, watch.Options{
		JobID: st.ID(),
		OnComplete: func(done bgstatus.Status) {
			b.indicator.SetInProgress(false)
			if req.OnComplete != nil {
				req.OnComplete(done)
			}
		},
		OnSentToBackground: func(added bgstatus.Status) {
			b.indicator.SetInProgress(false)
			if req.OnSentToBackground != nil {
				req.OnSentToBackground(added)
			}
		},
		OnError: func(err error) {
			b.indicator.SetInProgress(false)
			if req.OnError != nil {
				req.OnError(err)
			}
		},
		Timeout: req.Timeout,
		Logger:  b.logger,
	})
	if err != nil {
		return nil, b.fail(req, err)
	}
	return tr, nil
}

func (b *Bridge) fail(req Request, err error) error {
	b.indicator.SetInProgress(false)
	b.logger.Warn("Package request failed", zap.Error(err))
	if req.OnError != nil {
		req.OnError(err)
	}
	return err
}
