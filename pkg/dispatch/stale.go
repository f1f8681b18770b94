package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/metrics"
)

// StaleWatchers returns subscriptions registered for at least threshold.
func (s *Store) StaleWatchers(threshold time.Duration) []WatcherInfo {
	var out []WatcherInfo
	for _, w := range s.Watchers() {
		if w.Age >= threshold {
			out = append(out, w)
		}
	}
	return out
}

// MonitorStale periodically logs watchers that have waited longer than
// threshold. Watchers never time out on their own; this only makes a stuck
// wait visible. The returned func stops the monitor and waits for it.
func (s *Store) MonitorStale(ctx context.Context, interval, threshold time.Duration) func() {
	if interval <= 0 || threshold <= 0 {
		return func() {}
	}

	t := time.NewTicker(interval)
	stopCh := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C:
				s.reportStale(threshold)
			}
		}
	}()

	return func() {
		t.Stop()
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
		<-stopped
	}
}

func (s *Store) reportStale(threshold time.Duration) int {
	stale := s.StaleWatchers(threshold)
	metrics.SetWatchersStale(len(stale))
	for _, w := range stale {
		s.logger.Warn("Still watching",
			zap.String("watcher_id", w.ID),
			zap.String("label", w.Label),
			zap.Duration("age", w.Age))
	}
	return len(stale)
}
