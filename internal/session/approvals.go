package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/id"
	"github.com/coderelay/coderelay/internal/store"
)

// Approval kinds.
const (
	KindCommandExecution = "command_execution"
	KindApplyPatch       = "apply_patch"
)

// Client-facing approval decisions.
const (
	DecisionAccept              = "accept"
	DecisionAcceptForSession    = "accept_for_session"
	DecisionDecline             = "decline"
	DecisionCancel              = "cancel"
	DecisionAcceptWithAmendment = "accept_with_execpolicy_amendment"
)

// Approval states.
const (
	ApprovalPending  = "PENDING"
	ApprovalResolved = "RESOLVED"
)

// Approval is a synchronous gate raised by the agent before a sensitive
// action. At most one PENDING approval exists per job.
type Approval struct {
	ApprovalID string          `json:"approvalId"`
	JobID      string          `json:"jobId"`
	ThreadID   string          `json:"threadId"`
	Kind       string          `json:"kind"`
	Request    json.RawMessage `json:"request"`
	State      string          `json:"state"`
	Decision   string          `json:"decision,omitempty"`

	reply func(result any) error
}

// mapDecision translates a client decision into the upstream reply
// value and reports whether the job resumes RUNNING (true) or goes
// CANCELLED (false).
func mapDecision(kind, decision string, amendment []string) (upstream any, resume bool, err error) {
	switch decision {
	case DecisionAccept:
		return "accept", true, nil
	case DecisionAcceptForSession:
		return "acceptForSession", true, nil
	case DecisionDecline:
		return "decline", false, nil
	case DecisionCancel:
		return "cancel", false, nil
	case DecisionAcceptWithAmendment:
		if kind != KindCommandExecution {
			return nil, false, apperr.New(apperr.CodeInvalidDecisionForKind,
				"%s is only valid for %s approvals", decision, KindCommandExecution)
		}
		if len(amendment) == 0 {
			return nil, false, apperr.New(apperr.CodeInvalidExecPolicyAmendment,
				"execPolicyAmendment must be non-empty")
		}
		for _, tok := range amendment {
			if tok == "" {
				return nil, false, apperr.New(apperr.CodeInvalidExecPolicyAmendment,
					"execPolicyAmendment tokens must be non-empty")
			}
		}
		return map[string]any{
			"acceptWithExecpolicyAmendment": map[string]any{
				"execpolicy_amendment": amendment,
			},
		}, true, nil
	default:
		return nil, false, apperr.New(apperr.CodeInvalidDecision, "unknown decision %q", decision)
	}
}

// ResolveApproval answers a pending approval with the client's
// decision: the upstream request is replied to, an approval.resolved
// event is appended, and the job either resumes RUNNING or goes
// CANCELLED.
func (o *Orchestrator) ResolveApproval(ctx context.Context, jobID, approvalID, decision string, amendment []string) error {
	j, err := o.lookupJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j == nil {
		return apperr.New(apperr.CodeNotFound, "unknown job %s", jobID)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if store.IsTerminalState(j.snap.State) {
		return apperr.New(apperr.CodeJobTerminal, "job %s is %s", jobID, j.snap.State)
	}

	o.mu.Lock()
	ap := o.approvals[jobID]
	o.mu.Unlock()
	if ap == nil {
		return apperr.New(apperr.CodeNotFound, "job %s has no pending approval", jobID)
	}
	if ap.ApprovalID != approvalID {
		return apperr.New(apperr.CodeNotFound, "unknown approval %s for job %s", approvalID, jobID)
	}

	upstream, resume, err := mapDecision(ap.Kind, decision, amendment)
	if err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.approvals, jobID)
	o.mu.Unlock()
	ap.State = ApprovalResolved
	ap.Decision = decision

	if err := ap.reply(upstream); err != nil {
		// The subprocess may have died; the disconnect path takes the
		// job down separately.
		slog.Warn("approval reply failed",
			"job_id", jobID,
			"approval_id", approvalID,
			"error", err,
		)
	}

	o.appendLocked(ctx, j, event.New(jobID, event.TypeApprovalResolved, event.ApprovalResolved{
		ApprovalID: approvalID,
		Decision:   decision,
	}), "approval-resolved:"+approvalID)

	if resume {
		o.transitionLocked(ctx, j, store.JobRunning, "")
	} else {
		o.transitionLocked(ctx, j, store.JobCancelled, "")
	}
	return nil
}

// PendingApproval returns the job's pending approval, or nil.
func (o *Orchestrator) PendingApproval(jobID string) *Approval {
	o.mu.Lock()
	defer o.mu.Unlock()
	ap := o.approvals[jobID]
	if ap == nil {
		return nil
	}
	c := *ap
	return &c
}

// handleApprovalRequest processes a server-initiated approval request
// from the gateway. The reply handle must be answered eventually; jobs
// gate on the approval until then.
func (o *Orchestrator) handleApprovalRequest(ctx context.Context, n agent.Notification) {
	kind := KindCommandExecution
	if n.Method == agent.MethodApplyPatchApproval {
		kind = KindApplyPatch
	}

	var params struct {
		ThreadID   string `json:"threadId"`
		TurnID     string `json:"turnId"`
		ApprovalID string `json:"approvalId"`
		CallID     string `json:"callId"`
	}
	_ = json.Unmarshal(n.Params, &params)

	j, err := o.jobByTurn(ctx, params.ThreadID, params.TurnID)
	if err != nil {
		slog.Error("approval correlation failed", "error", err)
	}
	if j == nil {
		// Not bound yet: keep the request in the orphan buffer so the
		// binding can flush it; decline outright for turns we will
		// never know.
		o.mu.Lock()
		_, pending := o.pendingTurns[params.ThreadID]
		o.mu.Unlock()
		if pending {
			o.bufferOrphan(params.ThreadID, params.TurnID, n)
			return
		}
		slog.Warn("declining approval for unknown turn",
			"thread_id", params.ThreadID,
			"turn_id", params.TurnID,
		)
		if err := n.Reply("decline"); err != nil {
			slog.Warn("approval decline reply failed", "error", err)
		}
		return
	}

	o.handleApprovalBound(ctx, j, kind, params.ApprovalID, params.CallID, n)
}

func (o *Orchestrator) handleApprovalBound(ctx context.Context, j *job, kind, approvalID, callID string, n agent.Notification) {
	j.mu.Lock()
	defer j.mu.Unlock()

	jobID := j.snap.JobID
	if store.IsTerminalState(j.snap.State) {
		// The turn already ended locally (forced cancel); refuse.
		if err := n.Reply("decline"); err != nil {
			slog.Warn("approval decline reply failed", "job_id", jobID, "error", err)
		}
		return
	}

	o.mu.Lock()
	existing := o.approvals[jobID]
	o.mu.Unlock()
	if existing != nil {
		// One pending approval per job; a second concurrent request is
		// refused rather than queued.
		slog.Warn("refusing second approval while one is pending",
			"job_id", jobID,
			"pending_approval_id", existing.ApprovalID,
		)
		if err := n.Reply("decline"); err != nil {
			slog.Warn("approval decline reply failed", "job_id", jobID, "error", err)
		}
		return
	}

	if approvalID == "" {
		approvalID = callID
	}
	if approvalID == "" {
		approvalID = "appr_" + id.Generate()
	}

	ap := &Approval{
		ApprovalID: approvalID,
		JobID:      jobID,
		ThreadID:   j.snap.ThreadID,
		Kind:       kind,
		Request:    n.Params,
		State:      ApprovalPending,
		reply:      n.Reply,
	}
	o.mu.Lock()
	o.approvals[jobID] = ap
	o.mu.Unlock()

	o.appendLocked(ctx, j, event.New(jobID, event.TypeApprovalRequired, event.ApprovalRequired{
		ApprovalID: approvalID,
		Kind:       kind,
		Request:    n.Params,
	}), "approval-required:"+approvalID)

	o.transitionLocked(ctx, j, store.JobWaitingApproval, "")
}

// resolveDanglingApproval pairs a job's pending approval with a cancel
// resolution when the job reaches a terminal state without the client
// answering. Caller holds j.mu.
func (o *Orchestrator) resolveDanglingApproval(ctx context.Context, j *job) {
	jobID := j.snap.JobID
	o.mu.Lock()
	ap := o.approvals[jobID]
	delete(o.approvals, jobID)
	o.mu.Unlock()
	if ap == nil {
		return
	}

	ap.State = ApprovalResolved
	ap.Decision = DecisionCancel
	if err := ap.reply("cancel"); err != nil {
		slog.Debug("dangling approval reply failed (agent likely gone)",
			"job_id", jobID, "error", err)
	}

	o.appendLocked(ctx, j, event.New(jobID, event.TypeApprovalResolved, event.ApprovalResolved{
		ApprovalID: ap.ApprovalID,
		Decision:   DecisionCancel,
	}), "approval-resolved:"+ap.ApprovalID)
}
