// Package poller refreshes job status from the remote service.
//
// Each cycle fetches the status of every active registered job, plus any IDs
// added with Track, and dispatches the result as a status update.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/phase"
	"github.com/3leaps/jobwatch/pkg/remote"
)

// StatusSource fetches the current status of one job.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (bgstatus.Payload, error)
}

// Dispatcher is the registry the poller reads from and writes to.
type Dispatcher interface {
	State() *jobregistry.State
	Dispatch(a dispatch.Action) error
}

// Config configures a Poller.
type Config struct {
	// Interval between cycles in Run.
	Interval time.Duration

	// RequestsPerSecond caps status requests. Zero means unlimited.
	RequestsPerSecond float64

	// Concurrency is the number of status requests in flight at once.
	Concurrency int

	Logger *zap.Logger
}

// DefaultConfig returns polling defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		RequestsPerSecond: 5,
		Concurrency:       4,
	}
}

// Poller periodically refreshes job status.
type Poller struct {
	source   StatusSource
	store    Dispatcher
	interval time.Duration
	workers  int
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu      sync.Mutex
	tracked map[string]struct{}

	// lastCycle is the unix nano time the last cycle finished.
	lastCycle atomic.Int64
}

// New returns a Poller.
func New(source StatusSource, store Dispatcher, cfg Config) *Poller {
	p := &Poller{
		source:   source,
		store:    store,
		interval: cfg.Interval,
		workers:  cfg.Concurrency,
		logger:   cfg.Logger,
		tracked:  make(map[string]struct{}),
	}
	if p.interval <= 0 {
		p.interval = DefaultConfig().Interval
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if cfg.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Track adds a job that is not in the registry, such as one being waited on
// in the foreground. It is dropped automatically once it reports done.
func (p *Poller) Track(jobID string) {
	if jobID == "" {
		return
	}
	p.mu.Lock()
	p.tracked[jobID] = struct{}{}
	p.mu.Unlock()
}

// Untrack removes a job added with Track.
func (p *Poller) Untrack(jobID string) {
	p.mu.Lock()
	delete(p.tracked, jobID)
	p.mu.Unlock()
}

// Targets returns the IDs the next cycle would poll, sorted.
func (p *Poller) Targets() []string {
	set := make(map[string]struct{})
	for _, r := range p.store.State().Jobs() {
		if r.Phase.IsActive() {
			set[r.ID] = struct{}{}
		}
	}
	p.mu.Lock()
	for id := range p.tracked {
		set[id] = struct{}{}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PollOnce runs one cycle and returns the number of jobs whose status was
// dispatched. Per-job failures are logged and skipped.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	sem := make(chan struct{}, p.workers)
	var (
		wg      sync.WaitGroup
		polled  atomic.Int64
		waitErr error
	)

	for _, id := range p.Targets() {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				waitErr = err
				break
			}
		}
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if p.pollJob(ctx, id) {
				polled.Add(1)
			}
		}(id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(polled.Load()), err
	}
	if waitErr == nil {
		p.lastCycle.Store(time.Now().UnixNano())
	}
	return int(polled.Load()), waitErr
}

// LastCycle returns when the last complete cycle finished, or the zero time
// before the first one.
func (p *Poller) LastCycle() time.Time {
	n := p.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Interval returns the time between cycles in Run.
func (p *Poller) Interval() time.Duration { return p.interval }

// pollJob fetches and dispatches one status. It reports whether a status
// was committed.
func (p *Poller) pollJob(ctx context.Context, id string) bool {
	raw, err := p.source.Status(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if !remote.IsNotFound(err) {
			p.logger.Warn("Status poll failed", zap.String("job_id", id), zap.Error(err))
			return false
		}
		raw = bgstatus.Payload{
			bgstatus.KeyID:    id,
			bgstatus.KeyState: string(phase.UnknownPackageID),
		}
	}
	if raw.String(bgstatus.KeyID) == "" {
		raw = raw.Clone()
		if raw == nil {
			raw = bgstatus.Payload{}
		}
		raw[bgstatus.KeyID] = id
	}

	st := bgstatus.Transform(raw)
	if err := p.store.Dispatch(dispatch.StatusUpdatedFrom(st)); err != nil {
		p.logger.Warn("Status dispatch rejected", zap.String("job_id", id), zap.Error(err))
		return false
	}
	if st.Phase().IsDone() {
		p.Untrack(id)
	}
	return true
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		n, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if n > 0 {
			p.logger.Debug("Polled job status", zap.Int("jobs", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
