package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glotline/glotline/internal/observe"
	"github.com/glotline/glotline/pkg/interp"
)

// Backoff parameters for subscription retries.
const (
	retryBase = 1 * time.Second
	retryCap  = 8 * time.Second
)

// backoffDelay returns the delay before retry number retryCount (zero-based):
// 1s, 2s, 4s, then capped at 8s.
func backoffDelay(retryCount int) time.Duration {
	d := retryBase << retryCount
	if d > retryCap || d <= 0 {
		return retryCap
	}
	return d
}

// Source opens change-feed subscriptions for a session. Implemented by the
// postgres store's LISTEN/NOTIFY feed.
type Source interface {
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// Subscription is one live change-feed stream. Events closes when the stream
// ends, after which Err reports the terminal error if the end was a failure.
type Subscription interface {
	Events() <-chan interp.Event
	Err() error
	Close() error
}

// HistoryLoader performs the initial bulk read applied before live events.
type HistoryLoader interface {
	History(ctx context.Context, sessionID string) ([]interp.Interpretation, error)
}

// Status is one lifecycle update surfaced to the viewer. Errors are state
// plus a message, never a hard failure: a live viewing session degrades
// gracefully instead of crashing.
type Status struct {
	State   interp.ConnectionStatus
	Message string
}

// SubscriberConfig holds the dependencies for a [Subscriber].
type SubscriberConfig struct {
	// Source opens the change-feed subscription.
	Source Source

	// History loads the initial snapshot.
	History HistoryLoader

	// SessionID scopes the subscription and the snapshot.
	SessionID string

	// after schedules the retry timer, replaceable in tests.
	after func(time.Duration, func()) *time.Timer
}

// Subscriber owns one consumer's view of a session: the initial snapshot,
// the live change-feed subscription, and the merged history. On subscription
// failure it retries with exponential backoff until told the session has
// ended. At most one live underlying subscription and at most one pending
// retry timer exist at any time.
//
// All exported methods are safe for concurrent use.
type Subscriber struct {
	cfg    SubscriberConfig
	merger *Merger

	mu    sync.Mutex
	state interp.ConnectionStatus
	sub   Subscription

	// gen is bumped on every teardown (Start, Stop, End). Connect attempts
	// and retry callbacks carry the generation they were created for and
	// back out if it has moved on, so a timer that fired concurrently with
	// Stop can never recreate a subscription afterwards.
	gen        int
	retryCount int
	retryTimer *time.Timer
	ended      bool

	updates  chan struct{}
	statuses chan Status
	endOne   sync.Once
}

// NewSubscriber creates a disconnected subscriber. Call [Subscriber.Start]
// to connect.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	if cfg.after == nil {
		cfg.after = time.AfterFunc
	}
	return &Subscriber{
		cfg:      cfg,
		merger:   NewMerger(),
		state:    interp.StatusDisconnected,
		updates:  make(chan struct{}, 1),
		statuses: make(chan Status, 16),
	}
}

// History returns the current merged history, ordered by sequence.
func (s *Subscriber) History() []interp.Interpretation { return s.merger.History() }

// Updates returns a coalesced change signal: one receive means the history
// changed at least once since the previous receive.
func (s *Subscriber) Updates() <-chan struct{} { return s.updates }

// StatusUpdates returns the stream of lifecycle updates. Delivery is
// best-effort: a slow reader misses intermediate states, never blocks the
// subscriber.
func (s *Subscriber) StatusUpdates() <-chan Status { return s.statuses }

// State returns the current lifecycle state.
func (s *Subscriber) State() interp.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the live subscription and loads the snapshot. Starting while a
// previous subscription is live tears that one down first, so at most one
// underlying subscription exists per subscriber. No-op after [Subscriber.End].
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.cancelRetryLocked()
	s.gen++
	gen := s.gen
	old := s.sub
	s.sub = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.connect(ctx, gen)
}

// Stop tears down the live subscription without marking the session ended.
// The pending retry timer, if any, is cancelled before the subscription
// handle is released so no retry can fire afterwards.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	s.cancelRetryLocked()
	s.gen++
	sub := s.sub
	s.sub = nil
	ended := s.ended
	s.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if !ended {
		s.setState(interp.StatusDisconnected, "")
	}
}

// End forces the terminal state: the subscription closes, any pending retry
// is cancelled, and no further reconnect ever occurs. Idempotent.
func (s *Subscriber) End() {
	s.endOne.Do(func() {
		s.mu.Lock()
		s.cancelRetryLocked()
		s.gen++
		sub := s.sub
		s.sub = nil
		s.ended = true
		s.mu.Unlock()

		if sub != nil {
			_ = sub.Close()
		}
		s.setState(interp.StatusEnded, "")
		slog.Info("subscription ended", "session_id", s.cfg.SessionID)
	})
}

// connect performs one subscribe-then-snapshot cycle for generation gen.
// The live subscription opens first: a row committed between the snapshot
// read and the feed registration still produces an event that way, buffered
// until the consume loop starts, and the merger's idempotent insert absorbs
// the rows present in both.
func (s *Subscriber) connect(ctx context.Context, gen int) {
	s.setState(interp.StatusConnecting, "")

	sub, err := s.cfg.Source.Subscribe(ctx, s.cfg.SessionID)
	if err != nil {
		s.fail(ctx, gen, err)
		return
	}

	rows, err := s.cfg.History.History(ctx, s.cfg.SessionID)
	if err != nil {
		_ = sub.Close()
		s.fail(ctx, gen, err)
		return
	}

	s.mu.Lock()
	if s.ended || s.gen != gen {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.sub = sub
	s.retryCount = 0
	s.mu.Unlock()

	s.merger.Load(rows)
	s.notify()

	s.setState(interp.StatusConnected, "")
	observe.DefaultMetrics().AddActiveSubscriptions(ctx, 1)
	go s.consume(ctx, sub, gen)
}

// consume applies live events until the subscription's channel closes, then
// decides whether the close was teardown or a failure that needs a retry.
func (s *Subscriber) consume(ctx context.Context, sub Subscription, gen int) {
	defer observe.DefaultMetrics().AddActiveSubscriptions(ctx, -1)

	for ev := range sub.Events() {
		s.merger.Apply(ev)
		s.notify()
	}

	s.mu.Lock()
	stale := s.gen != gen || s.sub != sub
	ended := s.ended
	if !stale {
		s.sub = nil
	}
	s.mu.Unlock()
	if stale || ended {
		return
	}

	if err := sub.Err(); err != nil {
		s.fail(ctx, gen, err)
	} else {
		s.setState(interp.StatusDisconnected, "")
	}
}

// fail surfaces err as the error state and schedules a single retry for
// generation gen. A second failure while a retry is pending does not add a
// second timer. The callback re-checks the generation under the mutex:
// cancelling a timer that has already fired is a no-op, so a callback racing
// Stop must back out on its own instead of reconnecting.
func (s *Subscriber) fail(ctx context.Context, gen int, err error) {
	s.mu.Lock()
	if s.ended || s.gen != gen || s.retryTimer != nil {
		s.mu.Unlock()
		return
	}
	delay := backoffDelay(s.retryCount)
	s.retryCount++
	s.retryTimer = s.cfg.after(delay, func() {
		s.mu.Lock()
		stale := s.ended || s.gen != gen
		if !stale {
			s.retryTimer = nil
		}
		s.mu.Unlock()
		if stale {
			return
		}
		observe.DefaultMetrics().SubscriptionRetries.Add(ctx, 1)
		s.connect(ctx, gen)
	})
	s.mu.Unlock()

	slog.Warn("subscription error, retry scheduled",
		"session_id", s.cfg.SessionID,
		"delay", delay,
		"err", err,
	)
	s.setState(interp.StatusError, err.Error())
}

// cancelRetryLocked stops a pending retry timer. Caller holds s.mu.
func (s *Subscriber) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// setState records the transition and emits a best-effort status update.
// After End, only the terminal transition itself is allowed through.
func (s *Subscriber) setState(st interp.ConnectionStatus, msg string) {
	s.mu.Lock()
	if s.ended && st != interp.StatusEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	select {
	case s.statuses <- Status{State: st, Message: msg}:
	default:
	}
}

// notify signals a history change without blocking.
func (s *Subscriber) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
