package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/store"
)

func openStore(t *testing.T, retention int) *store.Store {
	t.Helper()
	db, err := store.OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return store.New(db, retention)
}

func appendN(t *testing.T, st *store.Store, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.AppendEvent(context.Background(),
			event.New(jobID, event.TypeAgentMessageDelta, event.AgentMessageDelta{
				ItemID: "item_1",
				Delta:  "x",
			}), "")
		require.NoError(t, err)
	}
}

func TestAppendEvent_MonotonicSeq(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		ev, err := st.AppendEvent(ctx, event.New("job_a", event.TypeItemStarted, nil), "")
		require.NoError(t, err)
		assert.Equal(t, i, ev.Seq)
	}

	// A second job sequences independently.
	ev, err := st.AppendEvent(ctx, event.New("job_b", event.TypeItemStarted, nil), "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ev.Seq)
}

func TestAppendEvent_DedupeKey(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	first, err := st.AppendEvent(ctx, event.New("job_a", event.TypeItemCompleted, nil), "item-completed:i1")
	require.NoError(t, err)

	// Same key: no-op returning the original seq.
	second, err := st.AppendEvent(ctx, event.New("job_a", event.TypeItemCompleted, nil), "item-completed:i1")
	require.NoError(t, err)
	assert.Equal(t, first.Seq, second.Seq)

	rng, err := st.ReadRange(ctx, "job_a", -1, 0)
	require.NoError(t, err)
	assert.Len(t, rng.Events, 1)
}

func TestAppendEvent_TerminalGuard(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	_, err := st.AppendEvent(ctx, event.New("job_a", event.TypeJobState, event.JobState{State: store.JobDone}), "")
	require.NoError(t, err)
	_, err = st.AppendEvent(ctx, event.New("job_a", event.TypeJobFinished, event.JobState{State: store.JobDone}), "")
	require.NoError(t, err)

	// Nothing may follow job.finished.
	_, err = st.AppendEvent(ctx, event.New("job_a", event.TypeAgentMessageDelta, nil), "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeJobTerminal))

	// Not even a second job.finished.
	_, err = st.AppendEvent(ctx, event.New("job_a", event.TypeJobFinished, nil), "")
	assert.True(t, apperr.Is(err, apperr.CodeJobTerminal))
}

func TestReadRange_Paging(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()
	appendN(t, st, "job_a", 10)

	rng, err := st.ReadRange(ctx, "job_a", -1, 4)
	require.NoError(t, err)
	assert.Len(t, rng.Events, 4)
	assert.Equal(t, int64(3), rng.NextCursor)
	assert.True(t, rng.HasMore)

	rng, err = st.ReadRange(ctx, "job_a", rng.NextCursor, 100)
	require.NoError(t, err)
	assert.Len(t, rng.Events, 6)
	assert.Equal(t, int64(9), rng.NextCursor)
	assert.False(t, rng.HasMore)

	// Caught up: empty page, same cursor.
	rng, err = st.ReadRange(ctx, "job_a", 9, 10)
	require.NoError(t, err)
	assert.Empty(t, rng.Events)
	assert.Equal(t, int64(9), rng.NextCursor)
}

func TestReadRange_NoDuplicatesAcrossSplit(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()
	appendN(t, st, "job_a", 20)

	var seen []int64
	cursor := int64(-1)
	for {
		rng, err := st.ReadRange(ctx, "job_a", cursor, 7)
		require.NoError(t, err)
		for _, ev := range rng.Events {
			seen = append(seen, ev.Seq)
		}
		cursor = rng.NextCursor
		if !rng.HasMore {
			break
		}
	}

	require.Len(t, seen, 20)
	for i, seq := range seen {
		assert.Equal(t, int64(i), seq)
	}
}

func TestReadRange_CursorExpired(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()
	appendN(t, st, "job_a", 150)

	// Ring evicted the prefix: a fresh cursor can no longer start at 0.
	_, err := st.ReadRange(ctx, "job_a", -1, 10)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeCursorExpired))

	// A cursor inside the retained window still works.
	rng, err := st.ReadRange(ctx, "job_a", 120, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(121), rng.Events[0].Seq)

	// A cursor beyond lastSeq is bogus.
	_, err = st.ReadRange(ctx, "job_a", 500, 10)
	assert.True(t, apperr.Is(err, apperr.CodeCursorExpired))
}

func TestRingRetention(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()
	appendN(t, st, "job_a", 250)

	// Exactly the newest 100 events remain.
	rng, err := st.ReadRange(ctx, "job_a", 149, 0)
	require.NoError(t, err)
	assert.Len(t, rng.Events, 100)
	assert.Equal(t, int64(150), rng.Events[0].Seq)
	assert.Equal(t, int64(249), rng.Events[len(rng.Events)-1].Seq)

	_, err = st.ReadRange(ctx, "job_a", 148, 0)
	assert.True(t, apperr.Is(err, apperr.CodeCursorExpired))
}

func TestUpsertLoadJob(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	j := store.Job{
		JobID:     "job_a",
		ThreadID:  "thr_1",
		State:     store.JobQueued,
		CreatedAt: "2026-01-02T03:04:05.000Z",
		LastSeq:   -1,
	}
	require.NoError(t, st.UpsertJob(ctx, j))

	loaded, err := st.LoadJob(ctx, "job_a")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, store.JobQueued, loaded.State)

	j.State = store.JobFailed
	j.ErrorMessage = "boom"
	j.FinishedAt = "2026-01-02T03:05:00.000Z"
	require.NoError(t, st.UpsertJob(ctx, j))

	loaded, err = st.LoadJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, loaded.State)
	assert.Equal(t, "boom", loaded.ErrorMessage)

	missing, err := st.LoadJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBindTurn_Idempotent(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	require.NoError(t, st.UpsertJob(ctx, store.Job{
		JobID: "job_a", ThreadID: "thr_1", State: store.JobQueued,
		CreatedAt: "2026-01-02T03:04:05.000Z", LastSeq: -1,
	}))

	require.NoError(t, st.BindTurn(ctx, "job_a", "thr_1", "turn_1"))
	require.NoError(t, st.BindTurn(ctx, "job_a", "thr_1", "turn_1"))

	jobID, err := st.LookupJobByTurn(ctx, "thr_1", "turn_1")
	require.NoError(t, err)
	assert.Equal(t, "job_a", jobID)

	jobID, err = st.LookupJobByTurn(ctx, "thr_1", "turn_unknown")
	require.NoError(t, err)
	assert.Empty(t, jobID)

	loaded, err := st.LoadJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, "turn_1", loaded.TurnID)
}

func TestListNonTerminalJobs(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	for _, j := range []store.Job{
		{JobID: "job_run", ThreadID: "t1", State: store.JobRunning, CreatedAt: "2026-01-01T00:00:00.000Z", LastSeq: -1},
		{JobID: "job_done", ThreadID: "t1", State: store.JobDone, CreatedAt: "2026-01-01T00:00:01.000Z", LastSeq: -1},
		{JobID: "job_wait", ThreadID: "t2", State: store.JobWaitingApproval, CreatedAt: "2026-01-01T00:00:02.000Z", LastSeq: -1},
	} {
		require.NoError(t, st.UpsertJob(ctx, j))
	}

	open, err := st.ListNonTerminalJobs(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(open))
	for _, j := range open {
		ids = append(ids, j.JobID)
	}
	assert.ElementsMatch(t, []string{"job_run", "job_wait"}, ids)
}

func TestSweepTerminalJobs(t *testing.T) {
	st := openStore(t, 100)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, st.UpsertJob(ctx, store.Job{
		JobID: "job_old", ThreadID: "t1", TurnID: "turn_1", State: store.JobDone,
		CreatedAt: "2026-01-01T00:00:00.000Z",
		FinishedAt: old.UTC().Format("2006-01-02T15:04:05.000Z"),
		LastSeq:    -1,
	}))
	require.NoError(t, st.BindTurn(ctx, "job_old", "t1", "turn_1"))
	appendN(t, st, "job_old", 3)

	require.NoError(t, st.UpsertJob(ctx, store.Job{
		JobID: "job_new", ThreadID: "t1", State: store.JobDone,
		CreatedAt:  "2026-01-01T00:00:00.000Z",
		FinishedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		LastSeq:    -1,
	}))

	n, err := st.SweepTerminalJobs(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := st.LoadJob(ctx, "job_old")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := st.LoadJob(ctx, "job_new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestRestartReplay(t *testing.T) {
	// R3: reopen the same database file and read back every event.
	path := filepath.Join(t.TempDir(), "events.db")

	db, err := store.OpenDB(path)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db, 1000)
	appendN(t, st, "job_a", 42)
	require.NoError(t, db.Close())

	db2, err := store.OpenDB(path)
	require.NoError(t, err)
	defer func() { _ = db2.Close() }()
	require.NoError(t, store.Migrate(db2))
	st2 := store.New(db2, 1000)

	rng, err := st2.ReadRange(context.Background(), "job_a", -1, 0)
	require.NoError(t, err)
	require.Len(t, rng.Events, 42)
	for i, ev := range rng.Events {
		assert.Equal(t, int64(i), ev.Seq)
	}

	// The reopened store continues the sequence where the old one left off.
	ev, err := st2.AppendEvent(context.Background(), event.New("job_a", event.TypeItemCompleted, nil), "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.Seq)
}

func TestEvictJobTail(t *testing.T) {
	st := openStore(t, 1000)
	ctx := context.Background()
	appendN(t, st, "job_a", 300)

	require.NoError(t, st.EvictJobTail(ctx, "job_a", 100))

	rng, err := st.ReadRange(ctx, "job_a", 199, 0)
	require.NoError(t, err)
	assert.Len(t, rng.Events, 100)

	_, err = st.ReadRange(ctx, "job_a", 100, 0)
	assert.True(t, apperr.Is(err, apperr.CodeCursorExpired))
}
