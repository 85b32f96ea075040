package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/fanout"
	"github.com/coderelay/coderelay/internal/id"
	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// TurnRequest carries the client parameters for starting a turn.
type TurnRequest struct {
	Text           string            `json:"text"`
	Input          []json.RawMessage `json:"input,omitempty"`
	ApprovalPolicy string            `json:"approvalPolicy,omitempty"`
	Sandbox        string            `json:"sandbox,omitempty"`
	Model          string            `json:"model,omitempty"`
}

// StartTurn allocates a job for a new turn on the thread and issues
// sendUserMessage to the agent. Returns the jobId immediately; the
// event stream is consumed separately via SubscribeJob/ListEvents.
// At most one non-terminal job may exist per thread.
func (o *Orchestrator) StartTurn(ctx context.Context, threadID string, req TurnRequest) (string, error) {
	if req.Text == "" && len(req.Input) == 0 {
		return "", apperr.New(apperr.CodeInvalidArgument, "text is required")
	}
	if req.ApprovalPolicy != "" && !validApprovalPolicy(req.ApprovalPolicy) {
		return "", apperr.New(apperr.CodeInvalidArgument, "unknown approvalPolicy %q", req.ApprovalPolicy)
	}
	if req.Sandbox != "" && !validSandbox(req.Sandbox) {
		return "", apperr.New(apperr.CodeInvalidArgument, "unknown sandbox %q", req.Sandbox)
	}
	if !o.gw.Alive() {
		return "", apperr.New(apperr.CodeAgentUnavailable, "agent not running")
	}

	o.mu.Lock()
	t, ok := o.threads[threadID]
	if !ok {
		o.mu.Unlock()
		return "", apperr.New(apperr.CodeNotFound, "unknown thread %s", threadID)
	}
	if t.Archived {
		o.mu.Unlock()
		return "", apperr.New(apperr.CodeInvalidArgument, "thread %s is archived", threadID)
	}
	if liveID, busy := o.activeByThread[threadID]; busy {
		o.mu.Unlock()
		return "", apperr.New(apperr.CodeThreadBusy, "thread %s already runs job %s", threadID, liveID)
	}

	jobID := id.NewJobID()
	j := &job{snap: store.Job{
		JobID:     jobID,
		ThreadID:  threadID,
		State:     store.JobQueued,
		CreatedAt: timefmt.Format(time.Now()),
		LastSeq:   -1,
	}}
	o.jobs[jobID] = j
	o.activeByThread[threadID] = jobID
	o.pendingTurns[threadID] = jobID
	o.mu.Unlock()

	metrics.RunningJobs.Inc()
	if err := o.store.UpsertJob(ctx, j.snap); err != nil {
		o.transition(ctx, j, store.JobFailed, "STORAGE_ERROR: "+err.Error())
		return "", apperr.Wrap(apperr.CodeStorageError, err, "persist job")
	}

	params := map[string]any{
		"threadId": threadID,
	}
	if req.Text != "" {
		params["text"] = req.Text
	}
	if len(req.Input) > 0 {
		params["input"] = req.Input
	}
	if req.ApprovalPolicy != "" {
		params["approvalPolicy"] = req.ApprovalPolicy
	}
	if req.Sandbox != "" {
		params["sandbox"] = req.Sandbox
	}
	if req.Model != "" {
		params["model"] = req.Model
	}

	// The agent ack carries the turnId; whichever of the ack or the
	// first turn/started notification arrives first establishes the
	// binding. Failures land in-stream as a FAILED transition.
	go func() {
		raw, err := o.gw.Call(context.WithoutCancel(ctx), agent.MethodSendUserMessage, params)
		if err != nil {
			slog.Warn("sendUserMessage failed",
				"job_id", jobID,
				"thread_id", threadID,
				"error", err,
			)
			o.transition(context.WithoutCancel(ctx), j, store.JobFailed, err.Error())
			return
		}
		var result struct {
			TurnID string `json:"turnId"`
		}
		_ = json.Unmarshal(raw, &result)
		bg := context.WithoutCancel(ctx)
		if result.TurnID != "" {
			o.bindTurn(bg, j, threadID, result.TurnID)
		}
		o.transition(bg, j, store.JobRunning, "")
	}()

	return jobID, nil
}

// bindTurn records the late turnId binding for a job and flushes
// any notifications buffered for that turn. Idempotent.
func (o *Orchestrator) bindTurn(ctx context.Context, j *job, threadID, turnID string) {
	j.mu.Lock()
	already := j.snap.TurnID != ""
	if !already {
		j.snap.TurnID = turnID
	}
	jobID := j.snap.JobID
	j.mu.Unlock()

	if already {
		return
	}

	if err := o.store.BindTurn(ctx, jobID, threadID, turnID); err != nil {
		slog.Error("persist turn binding failed",
			"job_id", jobID,
			"turn_id", turnID,
			"error", err,
		)
	}

	o.mu.Lock()
	if o.pendingTurns[threadID] == jobID {
		delete(o.pendingTurns, threadID)
	}
	buffered := o.orphans[orphanKey{threadID, turnID}]
	delete(o.orphans, orphanKey{threadID, turnID})
	o.mu.Unlock()

	if buffered != nil {
		for _, n := range buffered.notifications {
			o.dispatchTurnNotification(ctx, j, n)
		}
	}
}

// CancelJob interrupts the job's turn. If the agent does not confirm a
// terminal turn status within the grace window, the job is forced to
// CANCELLED locally and late agent notifications are dropped.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	j, err := o.lookupJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return apperr.New(apperr.CodeNotFound, "unknown job %s", jobID)
	}

	j.mu.Lock()
	if store.IsTerminalState(j.snap.State) {
		j.mu.Unlock()
		return apperr.New(apperr.CodeJobTerminal, "job %s is %s", jobID, j.snap.State)
	}
	threadID, turnID := j.snap.ThreadID, j.snap.TurnID
	j.mu.Unlock()

	// No turn bound yet: nothing to interrupt upstream.
	if turnID == "" {
		o.transition(ctx, j, store.JobCancelled, "")
		return nil
	}

	graceCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.mu.Lock()
	if j.graceCancel != nil {
		j.graceCancel()
	}
	j.graceCancel = cancel
	j.mu.Unlock()

	go func() {
		_, err := o.gw.Call(graceCtx, agent.MethodInterruptTurn, map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
		})
		if err != nil && graceCtx.Err() == nil {
			slog.Warn("interruptTurn failed", "job_id", jobID, "error", err)
		}
	}()

	go func() {
		select {
		case <-graceCtx.Done():
		case <-time.After(o.opts.CancelGrace):
			slog.Warn("agent did not confirm interrupt, forcing cancel",
				"job_id", jobID,
				"grace", o.opts.CancelGrace,
			)
			o.transition(context.WithoutCancel(graceCtx), j, store.JobCancelled, "")
		}
	}()

	return nil
}

// GetJob returns the job snapshot.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	j, err := o.lookupJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, apperr.New(apperr.CodeNotFound, "unknown job %s", jobID)
	}
	j.mu.Lock()
	snap := j.snap
	j.mu.Unlock()
	return &snap, nil
}

// ListEvents is the non-streaming cursor read used for bootstrap before
// SSE.
func (o *Orchestrator) ListEvents(ctx context.Context, jobID string, cursor int64, limit int) (store.Range, error) {
	j, err := o.lookupJob(ctx, jobID)
	if err != nil {
		return store.Range{}, err
	}
	if j == nil {
		return store.Range{}, apperr.New(apperr.CodeNotFound, "unknown job %s", jobID)
	}
	return o.store.ReadRange(ctx, jobID, cursor, limit)
}

// SubscribeJob attaches a live subscription at the given cursor.
func (o *Orchestrator) SubscribeJob(ctx context.Context, jobID string, cursor int64) (*fanout.Subscription, error) {
	j, err := o.lookupJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, apperr.New(apperr.CodeNotFound, "unknown job %s", jobID)
	}
	return o.reg.Subscribe(ctx, jobID, cursor)
}

// Unsubscribe detaches a subscription on client disconnect.
func (o *Orchestrator) Unsubscribe(sub *fanout.Subscription) {
	o.reg.Unsubscribe(sub)
}

// ListThreadJobs returns the persisted job snapshots of a thread,
// newest first.
func (o *Orchestrator) ListThreadJobs(ctx context.Context, threadID string) ([]store.Job, error) {
	if o.Thread(threadID) == nil {
		return nil, apperr.New(apperr.CodeNotFound, "unknown thread %s", threadID)
	}
	return o.store.ListJobsByThread(ctx, threadID)
}
