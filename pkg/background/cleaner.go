package background

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/dispatch"
)

// DefaultCleanupSchedule runs expiry every ten minutes.
const DefaultCleanupSchedule = "@every 10m"

var scheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a schedule the Cleaner accepts.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return nil
}

// Cleaner periodically expires finished jobs from the registry. The expiry
// rules are the store's ExpiryPolicy.
type Cleaner struct {
	store  Store
	spec   string
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewCleaner returns a Cleaner for spec (DefaultCleanupSchedule when empty).
func NewCleaner(s Store, spec string, logger *zap.Logger) (*Cleaner, error) {
	if spec == "" {
		spec = DefaultCleanupSchedule
	}
	if err := ValidateSchedule(spec); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: s, spec: spec, now: time.Now, logger: logger}, nil
}

// RunOnce dispatches a single expiry pass and returns how many jobs it
// removed.
func (c *Cleaner) RunOnce() int {
	before := c.store.State().Len()
	if err := c.store.Dispatch(dispatch.Expired(c.now())); err != nil {
		c.logger.Warn("Expiry pass failed", zap.Error(err))
		return 0
	}
	removed := before - c.store.State().Len()
	if removed > 0 {
		c.logger.Info("Expired finished jobs", zap.Int("removed", removed))
	}
	return removed
}

// Start schedules expiry passes. Calling Start twice is a no-op.
func (c *Cleaner) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	cr := cron.New(cron.WithParser(scheduleParser))
	id, err := cr.AddFunc(c.spec, func() { c.RunOnce() })
	if err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	cr.Start()
	c.cron = cr
	c.entryID = id
	c.logger.Debug("Cleanup scheduler started", zap.String("schedule", c.spec))
	return nil
}

// Next returns the next scheduled run, or the zero time when not started.
func (c *Cleaner) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron == nil {
		return time.Time{}
	}
	return c.cron.Entry(c.entryID).Next
}

// Stop halts the schedule and waits for a running pass to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr != nil {
		ctx := cr.Stop()
		<-ctx.Done()
		c.logger.Debug("Cleanup scheduler stopped")
	}
}
