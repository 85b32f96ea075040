// Package event defines the event records emitted to job subscribers.
// Payloads are carried as raw JSON: the core decodes only the fields it
// acts on and preserves everything else verbatim when re-emitting.
package event

import (
	"encoding/json"
	"time"

	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// Type identifies the kind of job event.
type Type string

const (
	// Thread/job lifecycle.
	TypeThreadStarted Type = "thread.started"
	TypeJobState      Type = "job.state"
	TypeJobFinished   Type = "job.finished"

	// Chat/tool items.
	TypeItemStarted           Type = "item.started"
	TypeItemCompleted         Type = "item.completed"
	TypeAgentMessageDelta     Type = "item.agentMessage.delta"
	TypeCommandOutputDelta    Type = "item.commandExecution.outputDelta"
	TypeFileChangeOutputDelta Type = "item.fileChange.outputDelta"

	// Approvals.
	TypeApprovalRequired Type = "approval.required"
	TypeApprovalResolved Type = "approval.resolved"

	// Soft errors; do not imply a terminal state.
	TypeError Type = "error"
)

// Event is a single entry in a job's event log. Seq is strictly
// monotonic within a job, starting at 0.
type Event struct {
	Type    Type            `json:"type"`
	Seq     int64           `json:"seq"`
	JobID   string          `json:"jobId"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an event with the current timestamp and the payload
// marshaled to JSON. Seq is assigned by the store at append time.
func New(jobID string, typ Type, payload any) Event {
	raw, _ := json.Marshal(payload)
	if payload == nil {
		raw = []byte("{}")
	}
	return Event{
		Type:    typ,
		JobID:   jobID,
		TS:      timefmt.Format(time.Now()),
		Payload: raw,
	}
}

// JobState is the payload of job.state and job.finished events.
type JobState struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ThreadStarted is the payload of thread.started events.
type ThreadStarted struct {
	ThreadID string `json:"threadId"`
}

// AgentMessageDelta is the payload of item.agentMessage.delta events.
// Deltas for the same ItemID are ordered and concatenative.
type AgentMessageDelta struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

// OutputDelta is the payload of commandExecution/fileChange output
// delta events.
type OutputDelta struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

// ApprovalRequired is the payload of approval.required events. The
// kind-specific detail fields come through Request untouched so clients see
// exactly what the agent sent (command, cwd, diff summary, …).
type ApprovalRequired struct {
	ApprovalID string          `json:"approvalId"`
	Kind       string          `json:"kind"`
	Request    json.RawMessage `json:"request,omitempty"`
}

// ApprovalResolved is the payload of approval.resolved events.
type ApprovalResolved struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"`
}

// ErrorPayload is the payload of soft error events.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CompletedItem is the minimized item carried by history-replay
// item.completed events.
type CompletedItem struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
