package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/metrics"
)

// Handler receives actions matching a subscription. sub is the receiving
// subscription so a handler can cancel itself.
type Handler func(a Action, sub *Subscription)

// CommitHook observes every committed action with the snapshots around it.
type CommitHook func(a Action, prev, next *jobregistry.State)

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithExpiryPolicy(p jobregistry.ExpiryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock overrides the time source used to stamp actions and watchers.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type delivery struct {
	action Action
	prev   *jobregistry.State
	next   *jobregistry.State
}

// Store is the single owner of the job registry.
//
// Mutation is serialized by mu. Notification happens outside the lock from a
// FIFO queue drained by whichever Dispatch call found it idle, so handlers
// may dispatch further actions; those are delivered after the current one.
type Store struct {
	mu       sync.Mutex
	state    *jobregistry.State
	subs     []*Subscription
	hooks    []CommitHook
	queue    []delivery
	draining bool

	policy jobregistry.ExpiryPolicy
	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns a Store holding initial (an empty registry when nil).
func NewStore(initial *jobregistry.State, opts ...Option) *Store {
	if initial == nil {
		initial = jobregistry.NewState()
	}
	s := &Store{
		state:  initial,
		policy: jobregistry.DefaultExpiryPolicy(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current registry snapshot.
func (s *Store) State() *jobregistry.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch applies a and notifies subscribers. The new snapshot is visible
// through State when Dispatch returns. A rejected action (for example a
// status without a job ID) is not committed and not delivered.
func (s *Store) Dispatch(a Action) error {
	if a.At.IsZero() {
		a.At = s.now()
	}

	s.mu.Lock()
	prev := s.state
	next, err := Reduce(prev, a, s.policy)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("Rejected action",
			zap.String("kind", string(a.Kind)),
			zap.String("job_id", a.JobID),
			zap.Error(err))
		return err
	}
	s.state = next
	s.queue = append(s.queue, delivery{action: a, prev: prev, next: next})
	if s.draining {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	s.drain()
	return nil
}

func (s *Store) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		subs := append([]*Subscription(nil), s.subs...)
		hooks := append([]CommitHook(nil), s.hooks...)
		s.mu.Unlock()

		s.deliver(d, subs, hooks)
	}
}

func (s *Store) deliver(d delivery, subs []*Subscription, hooks []CommitHook) {
	a := d.action
	metrics.IncActions(string(a.Kind))
	if a.Kind == KindStatusUpdated && d.prev == d.next {
		metrics.IncStatusDropped()
		s.logger.Debug("Dropped status for unregistered job", zap.String("job_id", a.JobID))
	}
	if d.prev != d.next {
		metrics.SetJobsByPhase(countPhases(d.next))
		s.reportDecodeError(a.JobID, d.prev, d.next)
	}

	for _, h := range hooks {
		s.safeCall("commit hook", func() { h(a, d.prev, d.next) })
	}
	for _, sub := range subs {
		if !sub.Active() || !sub.matches(a.Kind) {
			continue
		}
		s.safeCall(sub.label, func() { sub.fn(a, sub) })
	}
}

// reportDecodeError logs payload fields of jobID that no longer decode. It
// stays quiet while the same error repeats.
func (s *Store) reportDecodeError(jobID string, prev, next *jobregistry.State) {
	if jobID == "" {
		return
	}
	rec, ok := next.Job(jobID)
	if !ok || rec.DecodeError == "" {
		return
	}
	if old, ok := prev.Job(jobID); ok && old.DecodeError == rec.DecodeError {
		return
	}
	s.logger.Warn("Job fields did not decode",
		zap.String("job_id", jobID),
		zap.String("error", rec.DecodeError))
}

// safeCall keeps a panicking handler from wedging the delivery queue.
func (s *Store) safeCall(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panicked",
				zap.String("handler", label),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// OnCommit registers a hook called for every committed action, before
// subscriptions.
func (s *Store) OnCommit(h CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Watch subscribes fn to actions of the given kinds (all kinds when empty).
func (s *Store) Watch(label string, kinds []Kind, fn Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		label:   label,
		kinds:   append([]Kind(nil), kinds...),
		fn:      fn,
		created: s.now(),
		store:   s,
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()

	metrics.SetWatchersActive(n)
	s.logger.Debug("Watcher registered", zap.String("watcher_id", sub.id), zap.String("label", label))
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	for i, cur := range s.subs {
		if cur == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			break
		}
	}
	n := len(s.subs)
	s.mu.Unlock()

	metrics.SetWatchersActive(n)
	s.logger.Debug("Watcher cancelled", zap.String("watcher_id", sub.id), zap.String("label", sub.label))
}

// WatcherCount returns the number of registered subscriptions.
func (s *Store) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// WatcherInfo describes one registered subscription.
type WatcherInfo struct {
	ID    string        `json:"id"`
	Label string        `json:"label"`
	Kinds []Kind        `json:"kinds,omitempty"`
	Since time.Time     `json:"since"`
	Age   time.Duration `json:"age_ns"`
}

// Watchers lists registered subscriptions, oldest first.
func (s *Store) Watchers() []WatcherInfo {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WatcherInfo, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, WatcherInfo{
			ID:    sub.id,
			Label: sub.label,
			Kinds: append([]Kind(nil), sub.kinds...),
			Since: sub.created,
			Age:   now.Sub(sub.created),
		})
	}
	return out
}

// Subscription is a registration against a Store's action stream.
type Subscription struct {
	id        string
	label     string
	kinds     []Kind
	fn        Handler
	created   time.Time
	store     *Store
	cancelled atomic.Bool
}

func (sub *Subscription) ID() string    { return sub.id }
func (sub *Subscription) Label() string { return sub.label }

// Active reports whether the subscription still receives actions.
func (sub *Subscription) Active() bool { return !sub.cancelled.Load() }

// Cancel removes the subscription. It is safe to call any number of times
// from any goroutine; only the first call returns true.
func (sub *Subscription) Cancel() bool {
	if !sub.cancelled.CompareAndSwap(false, true) {
		return false
	}
	sub.store.unsubscribe(sub)
	return true
}

func (sub *Subscription) matches(k Kind) bool {
	if len(sub.kinds) == 0 {
		return true
	}
	for _, want := range sub.kinds {
		if want == k {
			return true
		}
	}
	return false
}

func countPhases(s *jobregistry.State) map[string]int {
	counts := make(map[string]int)
	for _, r := range s.Jobs() {
		counts[string(r.Phase)]++
	}
	return counts
}
