// Package store implements the durable, append-only event log plus job
// snapshots and turn bindings, backed by an embedded SQLite database.
// Events are keyed (job_id, seq) with a strictly monotonic per-job seq;
// a per-job ring bounds retention.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// Job states. Terminal states are sticky: once reached, the snapshot
// never changes again.
const (
	JobQueued          = "QUEUED"
	JobRunning         = "RUNNING"
	JobWaitingApproval = "WAITING_APPROVAL"
	JobDone            = "DONE"
	JobFailed          = "FAILED"
	JobCancelled       = "CANCELLED"
)

// IsTerminalState reports whether a job state is terminal.
func IsTerminalState(s string) bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// DefaultRetention is the per-job event ring size when none is configured.
const DefaultRetention = 2000

// MinRetention is the smallest accepted ring size.
const MinRetention = 100

// tailCap bounds the in-memory hot tail kept per live job.
const tailCap = 64

// Job is the persisted snapshot of a job.
type Job struct {
	JobID        string `json:"jobId"`
	ThreadID     string `json:"threadId"`
	TurnID       string `json:"turnId,omitempty"`
	State        string `json:"state"`
	CreatedAt    string `json:"createdAt"`
	FinishedAt   string `json:"finishedAt,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	LastSeq      int64  `json:"lastSeq"`
}

// Range is the result of a cursor read.
type Range struct {
	Events     []event.Event `json:"events"`
	NextCursor int64         `json:"nextCursor"`
	HasMore    bool          `json:"hasMore"`
}

// Store is the durable event log. Writes to a given job are serialized
// by a per-job lock; reads are concurrent.
type Store struct {
	db        *sql.DB
	retention int

	mu   sync.Mutex
	jobs map[string]*jobTail
}

// jobTail is the write-through cache of a job's hot tail: seq bounds,
// terminal flag, and the most recent events.
type jobTail struct {
	mu       sync.Mutex
	loaded   bool
	lastSeq  int64 // -1 when the job has no events
	minSeq   int64 // lowest retained seq; meaningless when lastSeq == -1
	finished bool  // a job.finished event exists
	tail     []event.Event
}

// New creates a Store over an opened, migrated database.
// retention below MinRetention is clamped up.
func New(db *sql.DB, retention int) *Store {
	if retention < MinRetention {
		retention = MinRetention
	}
	return &Store{
		db:        db,
		retention: retention,
		jobs:      make(map[string]*jobTail),
	}
}

// Retention returns the configured per-job ring size.
func (s *Store) Retention() int { return s.retention }

func (s *Store) tailFor(jobID string) *jobTail {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, ok := s.jobs[jobID]
	if !ok {
		jt = &jobTail{lastSeq: -1}
		s.jobs[jobID] = jt
	}
	return jt
}

// load populates the tail metadata from the database. Caller holds jt.mu.
func (jt *jobTail) load(ctx context.Context, db *sql.DB, jobID string) error {
	if jt.loaded {
		return nil
	}

	var minSeq, maxSeq sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MIN(seq), MAX(seq) FROM events WHERE job_id = ?`, jobID,
	).Scan(&minSeq, &maxSeq)
	if err != nil {
		return fmt.Errorf("load seq bounds: %w", err)
	}
	if maxSeq.Valid {
		jt.lastSeq = maxSeq.Int64
		jt.minSeq = minSeq.Int64
	} else {
		jt.lastSeq = -1
		jt.minSeq = 0
	}

	var finished int
	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE job_id = ? AND type = ?)`,
		jobID, string(event.TypeJobFinished),
	).Scan(&finished)
	if err != nil {
		return fmt.Errorf("load finished flag: %w", err)
	}
	jt.finished = finished == 1
	jt.loaded = true
	return nil
}

// AppendEvent assigns the next seq for the event's job, persists the
// event, and returns it with Seq set. If dedupeKey is non-empty and an
// event with the same key was already appended for this job, the stored
// event's seq is returned and nothing is written.
//
// Fails with JOB_TERMINAL once a job.finished event exists, except when
// the new event is itself the first job.finished.
func (s *Store) AppendEvent(ctx context.Context, ev event.Event, dedupeKey string) (event.Event, error) {
	jt := s.tailFor(ev.JobID)
	jt.mu.Lock()
	defer jt.mu.Unlock()

	if err := jt.load(ctx, s.db, ev.JobID); err != nil {
		return event.Event{}, err
	}

	if jt.finished {
		return event.Event{}, apperr.New(apperr.CodeJobTerminal,
			"job %s already finished", ev.JobID)
	}

	if dedupeKey != "" {
		var seq int64
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM events WHERE job_id = ? AND dedupe_key = ?`,
			ev.JobID, dedupeKey,
		).Scan(&seq)
		switch {
		case err == nil:
			ev.Seq = seq
			return ev, nil
		case errors.Is(err, sql.ErrNoRows):
			// First append for this key.
		default:
			return event.Event{}, fmt.Errorf("dedupe lookup: %w", err)
		}
	}

	ev.Seq = jt.lastSeq + 1
	if ev.TS == "" {
		ev.TS = timefmt.Format(time.Now())
	}

	payload, compression := compress(ev.Payload)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (job_id, seq, type, ts, payload, compression, dedupe_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Seq, string(ev.Type), ev.TS, payload, compression, dedupeKey,
	)
	if err != nil {
		return event.Event{}, fmt.Errorf("insert event: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_seq = ? WHERE job_id = ?`, ev.Seq, ev.JobID,
	); err != nil {
		return event.Event{}, fmt.Errorf("update job last_seq: %w", err)
	}

	jt.lastSeq = ev.Seq
	if ev.Type == event.TypeJobFinished {
		jt.finished = true
	}

	jt.tail = append(jt.tail, ev)
	if len(jt.tail) > tailCap {
		jt.tail = jt.tail[len(jt.tail)-tailCap:]
	}

	// Ring retention: evict the oldest prefix once the job exceeds the
	// configured bound. Readers with cursors into the evicted prefix see
	// CURSOR_EXPIRED on their next read.
	if evictBefore := ev.Seq - int64(s.retention) + 1; evictBefore > jt.minSeq {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM events WHERE job_id = ? AND seq < ?`, ev.JobID, evictBefore,
		); err != nil {
			return event.Event{}, fmt.Errorf("evict ring prefix: %w", err)
		}
		jt.minSeq = evictBefore
	}
	if jt.lastSeq == 0 {
		jt.minSeq = 0
	}

	metrics.EventsAppendedTotal.Inc()
	return ev, nil
}

// ReadRange returns events with seq > afterCursor, up to limit
// (limit <= 0 means unbounded). A cursor is valid iff the event at
// afterCursor+1 is still retained, or the caller is caught up
// (afterCursor == lastSeq, including -1 on a fresh job); anything else
// returns CURSOR_EXPIRED.
func (s *Store) ReadRange(ctx context.Context, jobID string, afterCursor int64, limit int) (Range, error) {
	jt := s.tailFor(jobID)
	jt.mu.Lock()
	if err := jt.load(ctx, s.db, jobID); err != nil {
		jt.mu.Unlock()
		return Range{}, err
	}
	lastSeq, minSeq := jt.lastSeq, jt.minSeq
	var cached []event.Event
	if len(jt.tail) > 0 && afterCursor+1 >= jt.tail[0].Seq {
		cached = append(cached, jt.tail...)
	}
	jt.mu.Unlock()

	if afterCursor == lastSeq {
		return Range{Events: nil, NextCursor: afterCursor, HasMore: false}, nil
	}
	if afterCursor > lastSeq || afterCursor+1 < minSeq {
		return Range{}, apperr.New(apperr.CodeCursorExpired,
			"cursor %d out of range for job %s", afterCursor, jobID)
	}

	// Hot-tail hit: the requested range is entirely in the write-through
	// cache, no database read needed.
	if cached != nil {
		events := make([]event.Event, 0, len(cached))
		for _, ev := range cached {
			if ev.Seq > afterCursor {
				events = append(events, ev)
			}
		}
		hasMore := false
		if limit > 0 && len(events) > limit {
			events = events[:limit]
			hasMore = true
		}
		next := afterCursor
		if len(events) > 0 {
			next = events[len(events)-1].Seq
		}
		return Range{Events: events, NextCursor: next, HasMore: hasMore}, nil
	}

	query := `SELECT seq, type, ts, payload, compression FROM events
	          WHERE job_id = ? AND seq > ? ORDER BY seq`
	args := []any{jobID, afterCursor}
	if limit > 0 {
		// Fetch one extra row to learn whether more remain.
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Range{}, fmt.Errorf("read range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var (
			ev          event.Event
			typ         string
			payload     []byte
			compression int64
		)
		if err := rows.Scan(&ev.Seq, &typ, &ev.TS, &payload, &compression); err != nil {
			return Range{}, fmt.Errorf("scan event: %w", err)
		}
		raw, err := decompress(payload, compression)
		if err != nil {
			return Range{}, err
		}
		ev.Type = event.Type(typ)
		ev.JobID = jobID
		ev.Payload = raw
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return Range{}, fmt.Errorf("read range: %w", err)
	}

	hasMore := false
	if limit > 0 && len(events) > limit {
		events = events[:limit]
		hasMore = true
	}

	next := afterCursor
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	return Range{Events: events, NextCursor: next, HasMore: hasMore}, nil
}

// UpsertJob persists a job snapshot. Called on every state transition.
func (s *Store) UpsertJob(ctx context.Context, j Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   turn_id = excluded.turn_id,
		   state = excluded.state,
		   finished_at = excluded.finished_at,
		   error_message = excluded.error_message`,
		j.JobID, j.ThreadID, nullable(j.TurnID), j.State, j.CreatedAt,
		nullable(j.FinishedAt), nullable(j.ErrorMessage), j.LastSeq,
	)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

// LoadJob returns the snapshot for jobID, or nil if unknown.
func (s *Store) LoadJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq
		 FROM jobs WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return j, nil
}

// ListJobsByThread returns the thread's job snapshots, newest first.
func (s *Store) ListJobsByThread(ctx context.Context, threadID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq
		 FROM jobs WHERE thread_id = ? ORDER BY created_at DESC, job_id DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

// ListNonTerminalJobs returns every job not in a terminal state. Used by
// startup recovery to fail jobs orphaned by a crash.
func (s *Store) ListNonTerminalJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, thread_id, turn_id, state, created_at, finished_at, error_message, last_seq
		 FROM jobs WHERE state NOT IN (?, ?, ?)`,
		JobDone, JobFailed, JobCancelled)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

// BindTurn records the late (threadId, turnId) → jobId binding.
// Idempotent: rebinding the same turn is a no-op.
func (s *Store) BindTurn(ctx context.Context, jobID, threadID, turnID string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO turn_bindings (thread_id, turn_id, job_id) VALUES (?, ?, ?)`,
		threadID, turnID, jobID,
	); err != nil {
		return fmt.Errorf("bind turn: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET turn_id = ? WHERE job_id = ? AND turn_id IS NULL`,
		turnID, jobID,
	); err != nil {
		return fmt.Errorf("bind turn job update: %w", err)
	}
	return nil
}

// LookupJobByTurn returns the jobId bound to (threadId, turnId), or ""
// if no binding exists.
func (s *Store) LookupJobByTurn(ctx context.Context, threadID, turnID string) (string, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id FROM turn_bindings WHERE thread_id = ? AND turn_id = ?`,
		threadID, turnID,
	).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup turn binding: %w", err)
	}
	return jobID, nil
}

// EvictJobTail drops all but the newest keepLastN events of a job.
// Opportunistic retention GC; keepLastN below MinRetention is clamped.
func (s *Store) EvictJobTail(ctx context.Context, jobID string, keepLastN int) error {
	if keepLastN < MinRetention {
		keepLastN = MinRetention
	}
	jt := s.tailFor(jobID)
	jt.mu.Lock()
	defer jt.mu.Unlock()
	if err := jt.load(ctx, s.db, jobID); err != nil {
		return err
	}
	evictBefore := jt.lastSeq - int64(keepLastN) + 1
	if evictBefore <= jt.minSeq {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE job_id = ? AND seq < ?`, jobID, evictBefore,
	); err != nil {
		return fmt.Errorf("evict job tail: %w", err)
	}
	jt.minSeq = evictBefore
	return nil
}

// SweepTerminalJobs fully evicts terminal jobs whose finished_at is
// older than cutoff: events, turn bindings, and the job row itself.
// Returns the number of jobs removed.
func (s *Store) SweepTerminalJobs(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, thread_id, turn_id FROM jobs
		 WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		JobDone, JobFailed, JobCancelled, timefmt.Format(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep query: %w", err)
	}
	type victim struct{ jobID, threadID, turnID string }
	var victims []victim
	for rows.Next() {
		var v victim
		var turnID sql.NullString
		if err := rows.Scan(&v.jobID, &v.threadID, &turnID); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("sweep scan: %w", err)
		}
		v.turnID = turnID.String
		victims = append(victims, v)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sweep rows: %w", err)
	}

	for _, v := range victims {
		jt := s.tailFor(v.jobID)
		jt.mu.Lock()
		_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE job_id = ?`, v.jobID)
		if err == nil {
			_, err = s.db.ExecContext(ctx,
				`DELETE FROM turn_bindings WHERE thread_id = ? AND job_id = ?`,
				v.threadID, v.jobID)
		}
		if err == nil {
			_, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, v.jobID)
		}
		jt.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("sweep job %s: %w", v.jobID, err)
		}
		s.mu.Lock()
		delete(s.jobs, v.jobID)
		s.mu.Unlock()
	}
	return len(victims), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var turnID, finishedAt, errorMsg sql.NullString
	if err := row.Scan(&j.JobID, &j.ThreadID, &turnID, &j.State,
		&j.CreatedAt, &finishedAt, &errorMsg, &j.LastSeq); err != nil {
		return nil, err
	}
	j.TurnID = turnID.String
	j.FinishedAt = finishedAt.String
	j.ErrorMessage = errorMsg.String
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
