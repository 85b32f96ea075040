package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// Approval policies accepted for a thread.
const (
	PolicyUntrusted = "untrusted"
	PolicyOnFailure = "on-failure"
	PolicyOnRequest = "on-request"
	PolicyNever     = "never"
)

// Sandbox modes accepted for a thread.
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxFullAccess     = "danger-full-access"
)

// Thread is the local bookkeeping record for an agent-side thread.
type Thread struct {
	ThreadID       string `json:"threadId"`
	Name           string `json:"threadName,omitempty"`
	ProjectPath    string `json:"projectPath"`
	ApprovalPolicy string `json:"approvalPolicy"`
	SandboxMode    string `json:"sandbox"`
	Model          string `json:"model,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	Archived       bool   `json:"archived"`
	Active         bool   `json:"active"`
}

// CreateThreadRequest carries the client parameters for a new thread.
type CreateThreadRequest struct {
	ProjectPath    string `json:"projectPath"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	Model          string `json:"model,omitempty"`
	ThreadName     string `json:"threadName,omitempty"`
}

func validApprovalPolicy(p string) bool {
	switch p {
	case PolicyUntrusted, PolicyOnFailure, PolicyOnRequest, PolicyNever:
		return true
	}
	return false
}

func validSandbox(s string) bool {
	switch s {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFullAccess:
		return true
	}
	return false
}

// CreateThread issues newThread to the agent and registers the returned
// thread locally.
func (o *Orchestrator) CreateThread(ctx context.Context, req CreateThreadRequest) (*Thread, error) {
	if req.ProjectPath == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "projectPath is required")
	}
	if req.ApprovalPolicy == "" {
		req.ApprovalPolicy = PolicyOnRequest
	}
	if !validApprovalPolicy(req.ApprovalPolicy) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown approvalPolicy %q", req.ApprovalPolicy)
	}
	if req.Sandbox == "" {
		req.Sandbox = SandboxWorkspaceWrite
	}
	if !validSandbox(req.Sandbox) {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown sandbox %q", req.Sandbox)
	}

	params := map[string]any{
		"projectPath":    req.ProjectPath,
		"approvalPolicy": req.ApprovalPolicy,
		"sandbox":        req.Sandbox,
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	if req.ThreadName != "" {
		params["name"] = req.ThreadName
	}

	raw, err := o.gw.Call(ctx, agent.MethodNewThread, params)
	if err != nil {
		return nil, translateGatewayError(err, agent.MethodNewThread)
	}

	var result struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.ThreadID == "" {
		return nil, apperr.New(apperr.CodeStorageError, "newThread returned no threadId")
	}

	now := timefmt.Format(time.Now())
	t := &Thread{
		ThreadID:       result.ThreadID,
		Name:           req.ThreadName,
		ProjectPath:    req.ProjectPath,
		ApprovalPolicy: req.ApprovalPolicy,
		SandboxMode:    req.Sandbox,
		Model:          req.Model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	o.mu.Lock()
	o.threads[t.ThreadID] = t
	o.mu.Unlock()
	return t, nil
}

// ListThreads returns all known threads, newest first.
func (o *Orchestrator) ListThreads() []*Thread {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Thread, 0, len(o.threads))
	for _, t := range o.threads {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ThreadID > out[j].ThreadID
	})
	return out
}

// Thread returns the thread record, or nil if unknown.
func (o *Orchestrator) Thread(threadID string) *Thread {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.threads[threadID]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// ActivateThread marks a thread active (and all others inactive).
func (o *Orchestrator) ActivateThread(threadID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.threads[threadID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "unknown thread %s", threadID)
	}
	for _, other := range o.threads {
		other.Active = false
	}
	t.Active = true
	t.UpdatedAt = timefmt.Format(time.Now())
	return nil
}

// ArchiveThread marks a thread archived. Fails with THREAD_BUSY while
// the thread has a live job.
func (o *Orchestrator) ArchiveThread(threadID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.threads[threadID]
	if !ok {
		return apperr.New(apperr.CodeNotFound, "unknown thread %s", threadID)
	}
	if _, busy := o.activeByThread[threadID]; busy {
		return apperr.New(apperr.CodeThreadBusy, "thread %s has a live job", threadID)
	}
	t.Archived = true
	t.Active = false
	t.UpdatedAt = timefmt.Format(time.Now())
	return nil
}

// registerThread records a thread the agent announced (thread/started
// for a thread we did not create in this process, e.g. after restart).
func (o *Orchestrator) registerThread(threadID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.threads[threadID]; ok {
		return
	}
	now := timefmt.Format(time.Now())
	o.threads[threadID] = &Thread{
		ThreadID:       threadID,
		ApprovalPolicy: PolicyOnRequest,
		SandboxMode:    SandboxWorkspaceWrite,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// touchThread bumps a thread's updatedAt after turn activity.
func (o *Orchestrator) touchThread(threadID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.threads[threadID]; ok {
		t.UpdatedAt = timefmt.Format(time.Now())
	}
}

// translateGatewayError maps gateway failures onto the API taxonomy.
// Typed apperr values pass through; raw RPC errors become
// AGENT_UNAVAILABLE-class failures.
func translateGatewayError(err error, method string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(apperr.CodeAgentUnavailable, err, "%s failed", method)
}
