package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/store"
)

// turnScope is the correlation envelope every turn-scoped notification
// carries. Only these fields are decoded; payloads are re-emitted
// verbatim.
type turnScope struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Status   string `json:"status"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

func (o *Orchestrator) handleNotification(ctx context.Context, n agent.Notification) {
	switch n.Method {
	case agent.NotifyDisconnected:
		o.failLiveJobs(ctx, "AGENT_DISCONNECTED: agent process exited")
		return

	case agent.MethodExecCommandApproval, agent.MethodApplyPatchApproval:
		o.handleApprovalRequest(ctx, n)
		return

	case agent.MethodThreadStarted:
		o.handleThreadStarted(ctx, n)
		return

	case agent.MethodError:
		o.handleError(ctx, n)
		return
	}

	var scope turnScope
	_ = json.Unmarshal(n.Params, &scope)
	if scope.ThreadID == "" || scope.TurnID == "" {
		slog.Debug("dropping notification without turn scope", "method", n.Method)
		return
	}

	if n.Method == agent.MethodTurnStarted {
		o.handleTurnStarted(ctx, scope)
		return
	}

	j, err := o.jobByTurn(ctx, scope.ThreadID, scope.TurnID)
	if err != nil {
		slog.Error("notification correlation failed", "method", n.Method, "error", err)
		return
	}
	if j == nil {
		o.bufferOrphan(scope.ThreadID, scope.TurnID, n)
		return
	}
	o.dispatchTurnNotification(ctx, j, n)
}

// handleTurnStarted establishes the late turn binding: the thread's
// pending job (if any) adopts the turnId, whichever of the RPC ack or
// this notification arrives first (§ correlation of late turn binding).
func (o *Orchestrator) handleTurnStarted(ctx context.Context, scope turnScope) {
	o.mu.Lock()
	jobID, pending := o.pendingTurns[scope.ThreadID]
	o.mu.Unlock()

	if pending {
		j, err := o.lookupJob(ctx, jobID)
		if err != nil || j == nil {
			slog.Error("pending turn lookup failed", "job_id", jobID, "error", err)
			return
		}
		o.bindTurn(ctx, j, scope.ThreadID, scope.TurnID)
		o.transition(ctx, j, store.JobRunning, "")
		return
	}

	// Duplicate turn/started for an already-bound turn.
	j, err := o.jobByTurn(ctx, scope.ThreadID, scope.TurnID)
	if err == nil && j != nil {
		o.transition(ctx, j, store.JobRunning, "")
		return
	}
	slog.Debug("turn/started for unknown thread",
		"thread_id", scope.ThreadID,
		"turn_id", scope.TurnID,
	)
}

func (o *Orchestrator) handleThreadStarted(ctx context.Context, n agent.Notification) {
	var scope turnScope
	_ = json.Unmarshal(n.Params, &scope)
	if scope.ThreadID == "" {
		return
	}
	o.registerThread(scope.ThreadID)

	// Informational event for the thread's in-flight job, if any.
	o.mu.Lock()
	jobID, pending := o.pendingTurns[scope.ThreadID]
	if !pending {
		jobID = o.activeByThread[scope.ThreadID]
	}
	o.mu.Unlock()
	if jobID == "" {
		return
	}
	j, err := o.lookupJob(ctx, jobID)
	if err != nil || j == nil {
		return
	}
	o.append(ctx, j, event.New(jobID, event.TypeThreadStarted, event.ThreadStarted{
		ThreadID: scope.ThreadID,
	}), "thread-started:"+scope.ThreadID+":"+jobID)
}

// handleError routes soft error notifications: turn-scoped errors are
// appended to the job's stream; unscoped errors are logged only.
func (o *Orchestrator) handleError(ctx context.Context, n agent.Notification) {
	var scope turnScope
	_ = json.Unmarshal(n.Params, &scope)

	msg := scope.Error.Message
	if msg == "" {
		msg = scope.ErrorMessage
	}

	if scope.ThreadID == "" || scope.TurnID == "" {
		slog.Warn("agent error without turn scope", "message", msg)
		return
	}

	j, err := o.jobByTurn(ctx, scope.ThreadID, scope.TurnID)
	if err != nil || j == nil {
		o.bufferOrphan(scope.ThreadID, scope.TurnID, n)
		return
	}
	o.append(ctx, j, event.New(j.snap.JobID, event.TypeError, event.ErrorPayload{
		Message: msg,
	}), "")
}

// dispatchTurnNotification appends the event for a turn-scoped
// notification and drives the job state machine.
func (o *Orchestrator) dispatchTurnNotification(ctx context.Context, j *job, n agent.Notification) {
	j.mu.Lock()
	jobID := j.snap.JobID
	j.mu.Unlock()

	var scope turnScope
	_ = json.Unmarshal(n.Params, &scope)

	switch n.Method {
	case agent.MethodExecCommandApproval, agent.MethodApplyPatchApproval:
		// Flushed from the orphan buffer after a late binding.
		kind := KindCommandExecution
		if n.Method == agent.MethodApplyPatchApproval {
			kind = KindApplyPatch
		}
		var ids struct {
			ApprovalID string `json:"approvalId"`
			CallID     string `json:"callId"`
		}
		_ = json.Unmarshal(n.Params, &ids)
		o.handleApprovalBound(ctx, j, kind, ids.ApprovalID, ids.CallID, n)

	case agent.MethodTurnCompleted:
		var errMsg string
		state := ""
		switch scope.Status {
		case "completed":
			state = store.JobDone
		case "failed":
			state = store.JobFailed
			errMsg = scope.Error.Message
			if errMsg == "" {
				errMsg = scope.ErrorMessage
			}
			if errMsg == "" {
				errMsg = "turn failed"
			}
		case "interrupted":
			state = store.JobCancelled
		default:
			slog.Warn("turn/completed with unknown status",
				"job_id", jobID,
				"status", scope.Status,
			)
			return
		}
		o.transition(ctx, j, state, errMsg)

	case agent.MethodItemStarted:
		o.append(ctx, j, rawEvent(jobID, event.TypeItemStarted, n.Params), itemKey("item-started", scope.ItemID))

	case agent.MethodItemCompleted:
		o.append(ctx, j, rawEvent(jobID, event.TypeItemCompleted, n.Params), itemKey("item-completed", scope.ItemID))

	case agent.MethodAgentMessageDelta:
		o.append(ctx, j, rawEvent(jobID, event.TypeAgentMessageDelta, n.Params), "")

	case agent.MethodCommandOutputDelta:
		o.append(ctx, j, rawEvent(jobID, event.TypeCommandOutputDelta, n.Params), "")

	case agent.MethodFileChangeDelta:
		o.append(ctx, j, rawEvent(jobID, event.TypeFileChangeOutputDelta, n.Params), "")

	case agent.MethodError:
		msg := scope.Error.Message
		if msg == "" {
			msg = scope.ErrorMessage
		}
		o.append(ctx, j, event.New(jobID, event.TypeError, event.ErrorPayload{Message: msg}), "")

	default:
		slog.Debug("unhandled turn notification", "method", n.Method)
	}
}

// failLiveJobs drives every non-terminal job to FAILED. Used when the
// agent subprocess dies and on shutdown.
func (o *Orchestrator) failLiveJobs(ctx context.Context, msg string) {
	o.mu.Lock()
	live := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		live = append(live, j)
	}
	o.mu.Unlock()

	for _, j := range live {
		o.transition(ctx, j, store.JobFailed, msg)
	}
}

// bufferOrphan holds a notification for a not-yet-bound turn for up to
// the orphan window; expired buffers are logged and dropped.
func (o *Orchestrator) bufferOrphan(threadID, turnID string, n agent.Notification) {
	key := orphanKey{threadID, turnID}
	o.mu.Lock()
	defer o.mu.Unlock()
	buf, ok := o.orphans[key]
	if !ok {
		buf = &orphanBuf{expires: time.Now().Add(o.opts.OrphanWindow)}
		o.orphans[key] = buf
	}
	buf.notifications = append(buf.notifications, n)
}

// rawEvent wraps notification params verbatim as an event payload,
// preserving fields the core does not model.
func rawEvent(jobID string, typ event.Type, params json.RawMessage) event.Event {
	ev := event.New(jobID, typ, nil)
	if len(params) > 0 {
		ev.Payload = params
	}
	return ev
}

func itemKey(prefix, itemID string) string {
	if itemID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", prefix, itemID)
}
