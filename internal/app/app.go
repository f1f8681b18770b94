// Package app assembles the jobwatch components around one registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/pkg/background"
	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/bridge"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/download"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/poller"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/watch"
)

// Remote is everything the app asks of the analysis service.
type Remote interface {
	background.Remote
	poller.StatusSource
	bridge.Submitter
}

// Option configures an App.
type Option func(*options)

type options struct {
	remote  Remote
	fetcher download.Fetcher
	now     func() time.Time
}

// WithRemote replaces the service client built from config.
func WithRemote(r Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithFetcher replaces the download fetcher built from config.
func WithFetcher(f download.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// App owns the registry and every component acting on it.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	disk       *jobregistry.Store
	store      *dispatch.Store
	remote     Remote
	poller     *poller.Poller
	controller *background.Controller
	downloader *download.Downloader
	bridge     *bridge.Bridge
	cleaner    *background.Cleaner

	// ctx bounds trackers started by Submit; it ends with Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New restores the registry from disk and wires the components. ctx is used
// for client setup only.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	jobsDir, err := cfg.JobsDir()
	if err != nil {
		return nil, err
	}
	disk := jobregistry.NewStore(jobsDir)
	initial, err := disk.Restore()
	if err != nil {
		return nil, fmt.Errorf("restore registry from %s: %w", jobsDir, err)
	}

	storeOpts := []dispatch.Option{
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithExpiryPolicy(cfg.Cleanup.ExpiryPolicy()),
	}
	if o.now != nil {
		storeOpts = append(storeOpts, dispatch.WithClock(o.now))
	}
	store := dispatch.NewStore(initial, storeOpts...)
	store.OnCommit(func(a dispatch.Action, prev, next *jobregistry.State) {
		if err := disk.Sync(prev, next); err != nil {
			logger.Warn("Failed to persist registry",
				zap.String("kind", string(a.Kind)),
				zap.String("job_id", a.JobID),
				zap.Error(err))
		}
	})

	rc := o.remote
	if rc == nil {
		rc, err = newRemote(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = newFetcher(ctx, cfg, logger)
	}

	cleaner, err := background.NewCleaner(store, cfg.Cleanup.Schedule, logger.Named("cleanup"))
	if err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:        cfg,
		logger:     logger,
		disk:       disk,
		store:      store,
		remote:     rc,
		controller: background.NewController(rc, store, logger.Named("background")),
		downloader: download.NewDownloader(store, fetcher, cfg.Download.Dir,
			download.WithBaseURL(cfg.Remote.URL),
			download.WithLogger(logger.Named("download"))),
		bridge:  bridge.New(rc, store, bridge.WithLogger(logger.Named("bridge"))),
		cleaner: cleaner,
		ctx:     appCtx,
		cancel:  cancel,
	}
	a.poller = poller.New(rc, store, poller.Config{
		Interval:          cfg.Poller.Interval,
		RequestsPerSecond: cfg.Poller.RequestsPerSecond,
		Concurrency:       cfg.Workers,
		Logger:            logger.Named("poller"),
	})

	logger.Debug("Registry restored",
		zap.String("jobs_dir", jobsDir),
		zap.Int("jobs", initial.Len()))
	return a, nil
}

func newRemote(cfg *config.Config, logger *zap.Logger) (Remote, error) {
	if cfg.Remote.URL == "" {
		return offlineRemote{}, nil
	}
	rcfg := remote.DefaultConfig(cfg.Remote.URL)
	rcfg.Token = cfg.Remote.Token
	if cfg.Remote.Timeout > 0 {
		rcfg.Timeout = cfg.Remote.Timeout
	}
	rcfg.RetryCount = cfg.Remote.RetryCount
	if cfg.Remote.RetryWait > 0 {
		rcfg.RetryWait = cfg.Remote.RetryWait
	}
	if cfg.Remote.RetryMaxWait > 0 {
		rcfg.RetryMaxWait = cfg.Remote.RetryMaxWait
	}
	rcfg.Logger = logger.Named("remote")
	return remote.New(rcfg)
}

// newFetcher routes http(s) results through resty and s3 results through the
// AWS SDK. S3 is skipped, with a warning, when its client cannot be built.
func newFetcher(ctx context.Context, cfg *config.Config, logger *zap.Logger) download.Fetcher {
	f := download.SchemeFetcher{}
	f.Register(download.NewHTTPFetcher(cfg.Download.Timeout, cfg.Remote.Token), "http", "https")

	s3f, err := download.NewS3Fetcher(ctx, cfg.Download.S3)
	if err != nil {
		logger.Warn("S3 downloads disabled", zap.Error(err))
		return f
	}
	f.Register(s3f, "s3")
	return f
}

// Store returns the registry owner.
func (a *App) Store() *dispatch.Store { return a.store }

// State returns the current registry snapshot.
func (a *App) State() *jobregistry.State { return a.store.State() }

func (a *App) Controller() *background.Controller { return a.controller }

func (a *App) Downloader() *download.Downloader { return a.downloader }

func (a *App) Poller() *poller.Poller { return a.poller }

// Remote returns the service client, or a stand-in that fails every call
// when no service URL is configured.
func (a *App) Remote() Remote { return a.remote }

// Watchers lists the registered action watchers.
func (a *App) Watchers() []dispatch.WatcherInfo { return a.store.Watchers() }

// PushStatus dispatches a status payload delivered by the service instead of
// polled from it.
func (a *App) PushStatus(raw bgstatus.Payload) error {
	return a.store.Dispatch(dispatch.StatusUpdated(raw))
}

// SubmitOptions configures Submit.
type SubmitOptions struct {
	// Timeout bounds the tracked wait. Zero uses tracking.timeout.
	Timeout time.Duration

	// Background hands the job to background tracking as soon as it is
	// accepted.
	Background bool

	// OnComplete, OnSentToBackground and OnError mirror watch.Options.
	OnComplete         func(bgstatus.Status)
	OnSentToBackground func(bgstatus.Status)
	OnError            func(error)
}

// Submission describes an accepted package request.
type Submission struct {
	JobID string

	// Status is the final status when the job finished synchronously.
	Status *bgstatus.Status

	// Tracker follows the job otherwise. It is nil for synchronous results.
	Tracker *watch.Tracker
}

// Submit sends req and tracks the job until it finishes, is sent to
// background, times out or the App closes. ctx bounds the submission itself;
// the tracked wait outlives it.
func (a *App) Submit(ctx context.Context, req remote.PackageRequest, opts SubmitOptions) (*Submission, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = a.cfg.Tracking.Timeout
	}

	trackCtx, cancel := context.WithCancel(a.ctx)
	stop := context.AfterFunc(ctx, cancel)

	var (
		mu       sync.Mutex
		finished *bgstatus.Status
	)
	tr, err := a.bridge.SubmitAndTrack(trackCtx, bridge.Request{
		Package: req,
		OnComplete: func(st bgstatus.Status) {
			mu.Lock()
			if finished == nil {
				finished = &st
			}
			mu.Unlock()
			if opts.OnComplete != nil {
				opts.OnComplete(st)
			}
		},
		OnSentToBackground: opts.OnSentToBackground,
		OnError:            opts.OnError,
		Timeout:            timeout,
	})
	stop()
	if err != nil {
		cancel()
		return nil, err
	}

	if tr == nil {
		cancel()
		mu.Lock()
		defer mu.Unlock()
		sub := &Submission{Status: finished}
		if finished != nil {
			sub.JobID = finished.ID()
		}
		return sub, nil
	}

	sub := &Submission{JobID: tr.JobID(), Tracker: tr}
	a.poller.Track(sub.JobID)
	go func() {
		<-tr.Done()
		a.poller.Untrack(sub.JobID)
		cancel()
	}()

	if opts.Background {
		if _, err := a.controller.SendToBackground(ctx, sub.JobID); err != nil {
			a.logger.Warn("Failed to send job to background",
				zap.String("job_id", sub.JobID),
				zap.Error(err))
			return sub, err
		}
	}
	return sub, nil
}

// Run drives the poller, the cleanup schedule and the stale-watcher monitor
// until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if err := a.cleaner.Start(); err != nil {
		return err
	}
	defer a.cleaner.Stop()

	stopStale := a.store.MonitorStale(ctx, a.cfg.Tracking.StaleInterval, a.cfg.Tracking.StaleThreshold)
	defer stopStale()

	a.logger.Info("Background tracking started",
		zap.Duration("poll_interval", a.cfg.Poller.Interval),
		zap.Time("next_cleanup", a.cleaner.Next()))
	return a.poller.Run(ctx)
}

// Close cancels outstanding trackers.
func (a *App) Close() {
	a.cancel()
}

// offlineRemote stands in for the service when no URL is configured so
// registry-only commands keep working.
type offlineRemote struct{}

func (offlineRemote) Cancel(context.Context, string) (bgstatus.Payload, error) {
	return nil, remote.ErrNotConfigured
}

func (offlineRemote) Remove(context.Context, string) error { return remote.ErrNotConfigured }

func (offlineRemote) AddToBackground(context.Context, string) (bgstatus.Payload, error) {
	return nil, remote.ErrNotConfigured
}

func (offlineRemote) SetEmail(context.Context, string) error { return remote.ErrNotConfigured }

func (offlineRemote) SetNotification(context.Context, string, bool, string) error {
	return remote.ErrNotConfigured
}

func (offlineRemote) Status(context.Context, string) (bgstatus.Payload, error) {
	return nil, remote.ErrNotConfigured
}

func (offlineRemote) SubmitPackage(context.Context, remote.PackageRequest) (bgstatus.Payload, error) {
	return nil, remote.ErrNotConfigured
}
