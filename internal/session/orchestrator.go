// Package session implements the orchestration engine: thread, job and
// approval state machines, translation of client intents into agent
// requests, sequencing of agent notifications into the event store, and
// fan-out to live subscribers.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/fanout"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// Gateway is the slice of the agent client the orchestrator consumes.
type Gateway interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Alive() bool
}

// Options tunes orchestrator behavior.
type Options struct {
	// CancelGrace bounds how long cancelJob waits for the agent to
	// confirm an interrupt before forcing a local CANCELLED transition.
	CancelGrace time.Duration

	// OrphanWindow bounds how long notifications for an unbound
	// (threadId, turnId) are buffered before being dropped.
	OrphanWindow time.Duration

	// TerminalTTL is how long terminal jobs are retained before the
	// age-based sweep evicts them entirely. Zero disables the sweep.
	TerminalTTL time.Duration

	// SweepInterval is how often the terminal sweep runs.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.CancelGrace <= 0 {
		o.CancelGrace = 10 * time.Second
	}
	if o.OrphanWindow <= 0 {
		o.OrphanWindow = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
	return o
}

// job is the runtime state of one turn. Its mutex serializes state
// transitions; the append+broadcast itself is serialized per job by the
// fan-out registry.
type job struct {
	mu   sync.Mutex
	snap store.Job

	// graceCancel stops the pending cancel-grace timer, if any.
	graceCancel context.CancelFunc
}

// orphanKey identifies notifications awaiting a turn binding.
type orphanKey struct {
	threadID string
	turnID   string
}

type orphanBuf struct {
	notifications []agent.Notification
	expires       time.Time
}

// Orchestrator is the process-wide state machine hub.
type Orchestrator struct {
	store *store.Store
	gw    Gateway
	reg   *fanout.Registry
	opts  Options

	mu             sync.Mutex
	threads        map[string]*Thread
	jobs           map[string]*job
	activeByThread map[string]string    // threadID → non-terminal jobID
	pendingTurns   map[string]string    // threadID → jobID awaiting its turnId
	approvals      map[string]*Approval // jobID → pending approval
	orphans        map[orphanKey]*orphanBuf

	wg sync.WaitGroup
}

// New wires the orchestrator. Exactly one Orchestrator exists per
// process; the store, gateway and registry are injected at construction.
func New(st *store.Store, gw Gateway, reg *fanout.Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		store:          st,
		gw:             gw,
		reg:            reg,
		opts:           opts.withDefaults(),
		threads:        make(map[string]*Thread),
		jobs:           make(map[string]*job),
		activeByThread: make(map[string]string),
		pendingTurns:   make(map[string]string),
		approvals:      make(map[string]*Approval),
		orphans:        make(map[orphanKey]*orphanBuf),
	}
}

// Recover drives jobs left non-terminal by a crash to FAILED before the
// listener opens, so restart replay observes complete logs.
func (o *Orchestrator) Recover(ctx context.Context) error {
	orphaned, err := o.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return err
	}
	for _, snap := range orphaned {
		slog.Warn("failing job orphaned by restart",
			"job_id", snap.JobID,
			"thread_id", snap.ThreadID,
			"state", snap.State,
		)
		j := &job{snap: snap}
		o.mu.Lock()
		o.jobs[snap.JobID] = j
		o.mu.Unlock()
		metrics.RunningJobs.Inc()
		o.transition(ctx, j, store.JobFailed, "process restarted mid-turn")
	}
	return nil
}

// Run consumes the gateway notification stream and operates the
// background janitors. Blocks until ctx is cancelled and the stream is
// drained or closed.
func (o *Orchestrator) Run(ctx context.Context, notifications <-chan agent.Notification) {
	o.wg.Add(1)
	go o.janitor(ctx)
	defer o.wg.Wait()

	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			o.handleNotification(ctx, n)
		case <-ctx.Done():
			// Drain whatever the gateway already queued so approvals
			// and terminal transitions are not lost mid-shutdown.
			for {
				select {
				case n, ok := <-notifications:
					if !ok {
						return
					}
					o.handleNotification(ctx, n)
				default:
					return
				}
			}
		}
	}
}

// janitor expires orphan-notification buffers and sweeps old terminal
// jobs out of the store.
func (o *Orchestrator) janitor(ctx context.Context) {
	defer o.wg.Done()

	orphanTick := time.NewTicker(time.Second)
	defer orphanTick.Stop()

	var sweepC <-chan time.Time
	if o.opts.TerminalTTL > 0 {
		sweep := time.NewTicker(o.opts.SweepInterval)
		defer sweep.Stop()
		sweepC = sweep.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-orphanTick.C:
			o.expireOrphans(now)
		case <-sweepC:
			cutoff := time.Now().Add(-o.opts.TerminalTTL)
			n, err := o.store.SweepTerminalJobs(ctx, cutoff)
			if err != nil {
				slog.Warn("terminal job sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("swept terminal jobs", "count", n)
			}
		}
	}
}

func (o *Orchestrator) expireOrphans(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, buf := range o.orphans {
		if now.After(buf.expires) {
			slog.Warn("dropping orphan notifications",
				"thread_id", key.threadID,
				"turn_id", key.turnID,
				"count", len(buf.notifications),
			)
			delete(o.orphans, key)
		}
	}
}

// Shutdown drives every non-terminal job to FAILED (subscribers observe
// the terminal events in-stream) and closes remaining subscriptions.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.failLiveJobs(ctx, "worker shutting down")
	o.reg.CloseAll(fanout.ReasonShutdown)
}

// lookupJob returns the runtime job, loading a snapshot-only stub for
// jobs that predate this process. Nil when the job is unknown.
func (o *Orchestrator) lookupJob(ctx context.Context, jobID string) (*job, error) {
	o.mu.Lock()
	j, ok := o.jobs[jobID]
	o.mu.Unlock()
	if ok {
		return j, nil
	}

	snap, err := o.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStorageError, err, "load job %s", jobID)
	}
	if snap == nil {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.jobs[jobID]; ok {
		return existing, nil
	}
	j = &job{snap: *snap}
	o.jobs[jobID] = j
	return j, nil
}

// jobByTurn resolves the runtime job bound to (threadId, turnId):
// in-memory binding first, then the store's turn_bindings table.
func (o *Orchestrator) jobByTurn(ctx context.Context, threadID, turnID string) (*job, error) {
	o.mu.Lock()
	candidates := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		candidates = append(candidates, j)
	}
	o.mu.Unlock()
	for _, j := range candidates {
		j.mu.Lock()
		match := j.snap.ThreadID == threadID && j.snap.TurnID == turnID
		j.mu.Unlock()
		if match {
			return j, nil
		}
	}

	jobID, err := o.store.LookupJobByTurn(ctx, threadID, turnID)
	if err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, nil
	}
	return o.lookupJob(ctx, jobID)
}

// transition moves a job to newState, appending exactly one job.state
// event and, for terminal states, exactly one job.finished event.
// Transitions on an already-terminal job are dropped.
func (o *Orchestrator) transition(ctx context.Context, j *job, newState, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o.transitionLocked(ctx, j, newState, errMsg)
}

func (o *Orchestrator) transitionLocked(ctx context.Context, j *job, newState, errMsg string) {
	if store.IsTerminalState(j.snap.State) {
		return
	}
	if j.snap.State == newState {
		return
	}

	j.snap.State = newState
	if errMsg != "" {
		j.snap.ErrorMessage = errMsg
	}
	terminal := store.IsTerminalState(newState)
	if terminal {
		j.snap.FinishedAt = timefmt.Format(time.Now())
		if j.graceCancel != nil {
			j.graceCancel()
			j.graceCancel = nil
		}
	}

	o.appendLocked(ctx, j, event.New(j.snap.JobID, event.TypeJobState, event.JobState{
		State:        newState,
		ErrorMessage: errMsg,
	}), "")

	if terminal {
		// A pending approval can never be answered once its job is
		// terminal; resolve it as cancelled so every approval.required
		// is paired with an approval.resolved.
		o.resolveDanglingApproval(ctx, j)

		o.appendLocked(ctx, j, event.New(j.snap.JobID, event.TypeJobFinished, event.JobState{
			State:        newState,
			ErrorMessage: j.snap.ErrorMessage,
		}), "")

		o.mu.Lock()
		if o.activeByThread[j.snap.ThreadID] == j.snap.JobID {
			delete(o.activeByThread, j.snap.ThreadID)
		}
		delete(o.pendingTurns, j.snap.ThreadID)
		o.mu.Unlock()
		metrics.RunningJobs.Dec()

		o.touchThread(j.snap.ThreadID)
	}

	if err := o.store.UpsertJob(ctx, j.snap); err != nil {
		slog.Error("persist job snapshot failed",
			"job_id", j.snap.JobID,
			"state", newState,
			"error", err,
		)
	}
}

// appendLocked appends an event for the job through the fan-out
// registry. A storage failure on a non-terminal job drives the job to
// FAILED with STORAGE_ERROR. Caller holds j.mu.
func (o *Orchestrator) appendLocked(ctx context.Context, j *job, ev event.Event, dedupeKey string) {
	stored, err := o.reg.Append(ctx, ev, dedupeKey)
	if err != nil {
		if apperr.Is(err, apperr.CodeJobTerminal) {
			// Late event racing a terminal transition; dropped per I2.
			slog.Debug("dropping event for terminal job",
				"job_id", j.snap.JobID, "type", string(ev.Type))
			return
		}
		slog.Error("event append failed",
			"job_id", j.snap.JobID,
			"type", string(ev.Type),
			"error", err,
		)
		if !store.IsTerminalState(j.snap.State) && ev.Type != event.TypeJobState && ev.Type != event.TypeJobFinished {
			o.transitionLocked(ctx, j, store.JobFailed, "STORAGE_ERROR: "+err.Error())
		}
		return
	}
	j.snap.LastSeq = stored.Seq
}

// append locks the job and appends; used for item/delta events arriving
// from the notification pump.
func (o *Orchestrator) append(ctx context.Context, j *job, ev event.Event, dedupeKey string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if store.IsTerminalState(j.snap.State) {
		return
	}
	o.appendLocked(ctx, j, ev, dedupeKey)
}
