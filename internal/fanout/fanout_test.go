package fanout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/util/testutil"
)

func newRegistry(t *testing.T, queueSize int) *Registry {
	t.Helper()
	db, err := store.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return NewRegistry(store.New(db, 1000), queueSize)
}

func (r *Registry) subscriberCount(jobID string) int {
	js := r.jobFor(jobID)
	js.mu.Lock()
	defer js.mu.Unlock()
	return len(js.subs)
}

func delta(jobID string, n int) event.Event {
	return event.New(jobID, event.TypeAgentMessageDelta, event.AgentMessageDelta{
		ItemID: "i1",
		Delta:  "x",
	})
}

func waitRegistered(t *testing.T, r *Registry, jobID string) {
	t.Helper()
	testutil.RequireEventually(t, func() bool {
		return r.subscriberCount(jobID) == 1
	}, "subscription never registered")
}

func TestSubscribe_ReplayThenLive(t *testing.T) {
	r := newRegistry(t, 64)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := r.Append(ctx, delta("job_a", i), "")
		require.NoError(t, err)
	}

	sub, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)
	defer r.Unsubscribe(sub)
	waitRegistered(t, r, "job_a")

	for i := 5; i < 10; i++ {
		_, err := r.Append(ctx, delta("job_a", i), "")
		require.NoError(t, err)
	}

	// 10 events, strictly ordered by seq, no gaps, no duplicates.
	for i := int64(0); i < 10; i++ {
		ev := <-sub.Events()
		assert.Equal(t, i, ev.Seq)
	}
}

func TestSubscribe_CursorExpired(t *testing.T) {
	db, err := store.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	r := NewRegistry(store.New(db, 100), 16)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		_, err := r.Append(ctx, delta("job_a", i), "")
		require.NoError(t, err)
	}

	_, err = r.Subscribe(ctx, "job_a", -1)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeCursorExpired))
}

func TestSlowConsumer_EvictionAndLosslessResume(t *testing.T) {
	r := newRegistry(t, 4)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)
	waitRegistered(t, r, "job_a")

	// The subscriber does not read: the queue (4) overflows and the
	// subscription is evicted, never blocking the appender.
	for i := 0; i < 1000; i++ {
		_, err := r.Append(ctx, delta("job_a", i), "")
		require.NoError(t, err)
	}

	<-sub.Done()
	assert.Equal(t, ReasonSlowConsumer, sub.Reason())

	// Drain what made it into the queue before the eviction.
	cursor := int64(-1)
	for {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, cursor+1, ev.Seq)
			cursor = ev.Seq
			continue
		default:
		}
		break
	}
	assert.Equal(t, int64(3), cursor)

	// Resubscribing at the last observed cursor resumes losslessly
	// while the events are within retention.
	sub2, err := r.Subscribe(ctx, "job_a", cursor)
	require.NoError(t, err)
	defer r.Unsubscribe(sub2)

	for i := cursor + 1; i < 20; i++ {
		ev := <-sub2.Events()
		assert.Equal(t, i, ev.Seq)
	}
}

func TestJobFinished_ClosesSubscription(t *testing.T) {
	r := newRegistry(t, 16)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)
	waitRegistered(t, r, "job_a")

	_, err = r.Append(ctx, event.New("job_a", event.TypeJobState, event.JobState{State: store.JobDone}), "")
	require.NoError(t, err)
	_, err = r.Append(ctx, event.New("job_a", event.TypeJobFinished, event.JobState{State: store.JobDone}), "")
	require.NoError(t, err)

	<-sub.Done()
	assert.Equal(t, ReasonJobTerminal, sub.Reason())

	// The finished event itself is still delivered.
	var types []event.Type
	for {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
			continue
		default:
		}
		break
	}
	require.Len(t, types, 2)
	assert.Equal(t, event.TypeJobFinished, types[1])
}

func TestSubscribe_TerminalJobReplay(t *testing.T) {
	r := newRegistry(t, 16)
	ctx := context.Background()

	_, err := r.Append(ctx, delta("job_a", 0), "")
	require.NoError(t, err)
	_, err = r.Append(ctx, event.New("job_a", event.TypeJobFinished, event.JobState{State: store.JobDone}), "")
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.Equal(t, int64(0), ev.Seq)
	ev = <-sub.Events()
	assert.Equal(t, event.TypeJobFinished, ev.Type)

	<-sub.Done()
	assert.Equal(t, ReasonJobTerminal, sub.Reason())
	assert.Equal(t, 0, r.subscriberCount("job_a"))
}

func TestUnsubscribe(t *testing.T) {
	r := newRegistry(t, 16)
	ctx := context.Background()

	sub, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)
	waitRegistered(t, r, "job_a")

	r.Unsubscribe(sub)
	<-sub.Done()
	assert.Equal(t, ReasonUnsubscribed, sub.Reason())
	assert.Equal(t, 0, r.subscriberCount("job_a"))

	// Appends after detach don't panic and don't reach the subscriber.
	_, err = r.Append(ctx, delta("job_a", 0), "")
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	default:
	}
}

func TestCloseAll(t *testing.T) {
	r := newRegistry(t, 16)
	ctx := context.Background()

	sub1, err := r.Subscribe(ctx, "job_a", -1)
	require.NoError(t, err)
	sub2, err := r.Subscribe(ctx, "job_b", -1)
	require.NoError(t, err)
	waitRegistered(t, r, "job_a")
	waitRegistered(t, r, "job_b")

	r.CloseAll(ReasonShutdown)

	<-sub1.Done()
	<-sub2.Done()
	assert.Equal(t, ReasonShutdown, sub1.Reason())
	assert.Equal(t, ReasonShutdown, sub2.Reason())
}
