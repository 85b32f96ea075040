// Package fanout broadcasts appended job events to live subscribers.
// Each subscription is a bounded queue plus a resume cursor; the policy
// for a consumer that cannot keep up is drop-subscriber, never
// drop-message, so well-behaved consumers observe a lossless stream.
package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/store"
)

// Subscription close reasons.
const (
	ReasonJobTerminal  = "JOB_TERMINAL"
	ReasonSlowConsumer = "SLOW_CONSUMER"
	ReasonStoreError   = "STORAGE_ERROR"
	ReasonShutdown     = "SHUTDOWN"
	ReasonUnsubscribed = "UNSUBSCRIBED"
)

// DefaultQueueSize is the per-subscription outbound buffer.
const DefaultQueueSize = 256

// replayBatch is how many events the replay pump pulls per store read.
const replayBatch = 128

// Subscription is one live subscriber of a job's event stream.
//
// Consumers read Events until Done is closed, then drain whatever is
// still buffered and inspect Reason. Events is never closed.
type Subscription struct {
	jobID string

	ch     chan event.Event
	done   chan struct{}
	cancel chan struct{}

	closeOnce  sync.Once
	cancelOnce sync.Once

	mu     sync.Mutex
	reason string
}

// Events returns the subscriber's bounded event queue.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Done is closed when the subscription ends; see Reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription ended. Valid after Done is closed.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() string { return s.jobID }

// finish closes the done signal exactly once with the given reason.
func (s *Subscription) finish(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		metrics.ActiveSubscriptions.Dec()
	})
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// tryPush enqueues without blocking. Reports false on overflow.
func (s *Subscription) tryPush(ev event.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// jobSubs is the per-job subscriber set. Its mutex is the serialization
// point between append+broadcast and the replay→live registration
// handoff, so subscribers never see a gap or a duplicate.
type jobSubs struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Registry is the per-job subscriber registry and the single append
// path for job events: every append goes through Append so that the
// broadcast happens atomically with the store write.
type Registry struct {
	store     *store.Store
	queueSize int

	mu   sync.Mutex
	jobs map[string]*jobSubs
}

// NewRegistry creates a Registry over the event store.
// queueSize <= 0 selects DefaultQueueSize.
func NewRegistry(st *store.Store, queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		store:     st,
		queueSize: queueSize,
		jobs:      make(map[string]*jobSubs),
	}
}

func (r *Registry) jobFor(jobID string) *jobSubs {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		js = &jobSubs{subs: make(map[*Subscription]struct{})}
		r.jobs[jobID] = js
	}
	return js
}

// Append persists the event and pushes it to every live subscriber of
// the job, under the per-job lock. The appender never blocks on a slow
// subscriber: an overflowing queue evicts that subscription with
// SLOW_CONSUMER.
func (r *Registry) Append(ctx context.Context, ev event.Event, dedupeKey string) (event.Event, error) {
	js := r.jobFor(ev.JobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	stored, err := r.store.AppendEvent(ctx, ev, dedupeKey)
	if err != nil {
		return event.Event{}, err
	}

	for sub := range js.subs {
		if !sub.tryPush(stored) {
			delete(js.subs, sub)
			metrics.SlowConsumersTotal.Inc()
			slog.Warn("evicting slow subscriber",
				"job_id", ev.JobID,
				"seq", stored.Seq,
			)
			sub.finish(ReasonSlowConsumer)
			continue
		}
		if stored.Type == event.TypeJobFinished {
			delete(js.subs, sub)
			sub.finish(ReasonJobTerminal)
		}
	}
	return stored, nil
}

// Subscribe starts a subscription at the given cursor. Historical events
// are replayed from the store, then the subscription atomically joins
// the live broadcast. The initial cursor is validated synchronously:
// an expired cursor fails here with CURSOR_EXPIRED.
func (r *Registry) Subscribe(ctx context.Context, jobID string, cursor int64) (*Subscription, error) {
	// Validate the cursor before committing to a subscription.
	first, err := r.store.ReadRange(ctx, jobID, cursor, replayBatch)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		jobID:  jobID,
		ch:     make(chan event.Event, r.queueSize),
		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}
	metrics.ActiveSubscriptions.Inc()

	go r.pump(ctx, sub, first)
	return sub, nil
}

// pump replays history into the subscription, consumer-paced, then
// performs the replay→live handoff under the per-job lock.
func (r *Registry) pump(ctx context.Context, sub *Subscription, first store.Range) {
	cursor := first.NextCursor
	batch := first.Events
	hasMore := first.HasMore

	for {
		for _, ev := range batch {
			select {
			case sub.ch <- ev:
				cursor = ev.Seq
			case <-sub.cancel:
				return
			case <-ctx.Done():
				sub.finish(ReasonUnsubscribed)
				return
			}
			if ev.Type == event.TypeJobFinished {
				sub.finish(ReasonJobTerminal)
				return
			}
		}
		if !hasMore {
			break
		}
		rng, err := r.store.ReadRange(ctx, sub.jobID, cursor, replayBatch)
		if err != nil {
			slog.Warn("subscription replay read failed", "job_id", sub.jobID, "error", err)
			sub.finish(replayFailureReason(err))
			return
		}
		batch, hasMore = rng.Events, rng.HasMore
	}

	// Handoff: close the gap between the replay snapshot and the live
	// broadcast under the per-job lock, then register.
	js := r.jobFor(sub.jobID)
	js.mu.Lock()
	defer js.mu.Unlock()

	select {
	case <-sub.cancel:
		return
	default:
	}

	gap, err := r.store.ReadRange(ctx, sub.jobID, cursor, 0)
	if err != nil {
		slog.Warn("subscription gap read failed", "job_id", sub.jobID, "error", err)
		sub.finish(replayFailureReason(err))
		return
	}
	for _, ev := range gap.Events {
		if !sub.tryPush(ev) {
			metrics.SlowConsumersTotal.Inc()
			sub.finish(ReasonSlowConsumer)
			return
		}
		if ev.Type == event.TypeJobFinished {
			sub.finish(ReasonJobTerminal)
			return
		}
	}

	js.subs[sub] = struct{}{}
}

// replayFailureReason maps a mid-replay read failure to the close
// reason: a cursor that fell out of retention means the consumer was
// too slow; anything else is a storage fault.
func replayFailureReason(err error) string {
	if apperr.Is(err, apperr.CodeCursorExpired) {
		return ReasonSlowConsumer
	}
	return ReasonStoreError
}

// Unsubscribe detaches a subscription (client disconnect). Safe to call
// multiple times and after the subscription already ended.
func (r *Registry) Unsubscribe(sub *Subscription) {
	js := r.jobFor(sub.jobID)
	js.mu.Lock()
	delete(js.subs, sub)
	js.mu.Unlock()
	sub.finish(ReasonUnsubscribed)
}

// CloseAll ends every live subscription with the given reason. Used on
// daemon shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	jobs := make([]*jobSubs, 0, len(r.jobs))
	for _, js := range r.jobs {
		jobs = append(jobs, js)
	}
	r.mu.Unlock()

	for _, js := range jobs {
		js.mu.Lock()
		for sub := range js.subs {
			delete(js.subs, sub)
			sub.finish(reason)
		}
		js.mu.Unlock()
	}
}
