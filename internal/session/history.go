package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coderelay/coderelay/internal/agent"
	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/event"
	"github.com/coderelay/coderelay/internal/id"
	"github.com/coderelay/coderelay/internal/store"
	"github.com/coderelay/coderelay/internal/util/timefmt"
)

// historyTurn is the slice of the agent's readThread snapshot the
// synthesis consumes.
type historyTurn struct {
	TurnID       string `json:"turnId"`
	ID           string `json:"id"`
	Status       string `json:"status"`
	StartedAt    string `json:"startedAt"`
	CompletedAt  string `json:"completedAt"`
	ErrorMessage string `json:"errorMessage"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error"`
	Items []historyItem `json:"items"`
}

type historyItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content"`
}

// ReadThreadHistory synthesizes a replayable event sequence from the
// agent's thread snapshot so reconnecting clients can reconstruct chat
// state identical to the live stream. The events are computed on
// demand, never persisted; the cursor is a plain offset into the
// flattened sequence.
func (o *Orchestrator) ReadThreadHistory(ctx context.Context, threadID string, cursor int64, limit int) (store.Range, error) {
	raw, err := o.gw.Call(ctx, agent.MethodReadThread, map[string]any{"threadId": threadID})
	if err != nil {
		return store.Range{}, translateGatewayError(err, agent.MethodReadThread)
	}

	var snapshot struct {
		Turns []historyTurn `json:"turns"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return store.Range{}, apperr.Wrap(apperr.CodeStorageError, err, "decode readThread result")
	}

	// The agent knows threads this process has never seen (restart);
	// make sure local bookkeeping follows.
	o.registerThread(threadID)

	events, err := o.synthesize(ctx, threadID, snapshot.Turns)
	if err != nil {
		return store.Range{}, err
	}

	total := int64(len(events))
	if cursor >= total && total > 0 {
		return store.Range{}, apperr.New(apperr.CodeCursorExpired,
			"history cursor %d beyond %d events", cursor, total)
	}
	if cursor >= total {
		return store.Range{NextCursor: cursor, HasMore: false}, nil
	}

	start := cursor + 1
	if start < 0 {
		start = 0
	}
	end := total
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}

	page := events[start:end]
	next := cursor
	if len(page) > 0 {
		next = end - 1
	}
	return store.Range{Events: page, NextCursor: next, HasMore: end < total}, nil
}

// synthesize flattens the thread's turns into the replay event
// sequence of §history replay: per turn, the chat items as
// item.completed, then the derived job.state (and job.finished when
// terminal), then a trailing error for failed turns. Seq starts at 0
// per (real or synthetic) job.
func (o *Orchestrator) synthesize(ctx context.Context, threadID string, turns []historyTurn) ([]event.Event, error) {
	var out []event.Event
	seqs := make(map[string]int64)

	emit := func(jobID string, typ event.Type, ts string, payload any) {
		ev := event.New(jobID, typ, payload)
		if ts != "" {
			ev.TS = ts
		}
		ev.Seq = seqs[jobID]
		seqs[jobID]++
		out = append(out, ev)
	}

	for _, turn := range turns {
		turnID := turn.TurnID
		if turnID == "" {
			turnID = turn.ID
		}
		if turnID == "" {
			continue
		}

		jobID, err := o.store.LookupJobByTurn(ctx, threadID, turnID)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeStorageError, err, "lookup turn binding")
		}
		if jobID == "" {
			jobID = id.HistoryJobID(threadID, turnID)
		}

		ts := turn.CompletedAt
		if ts == "" {
			ts = turn.StartedAt
		}
		if ts == "" {
			ts = timefmt.Format(time.Now())
		}

		for _, item := range turn.Items {
			if item.Type != "userMessage" && item.Type != "agentMessage" {
				continue
			}
			emit(jobID, event.TypeItemCompleted, ts, event.CompletedItem{
				ID:   item.ID,
				Type: item.Type,
				Text: itemText(item),
			})
		}

		state := deriveJobState(turn.Status)
		errMsg := turn.ErrorMessage
		if errMsg == "" && turn.Error != nil {
			errMsg = turn.Error.Message
		}

		statePayload := event.JobState{State: state}
		if state == store.JobFailed {
			statePayload.ErrorMessage = errMsg
		}
		emit(jobID, event.TypeJobState, ts, statePayload)
		if store.IsTerminalState(state) {
			emit(jobID, event.TypeJobFinished, ts, statePayload)
		}
		if turn.Status == "failed" && errMsg != "" {
			emit(jobID, event.TypeError, ts, event.ErrorPayload{Message: errMsg})
		}
	}
	return out, nil
}

// deriveJobState maps the agent's turn status onto job states.
func deriveJobState(status string) string {
	switch status {
	case "completed":
		return store.JobDone
	case "failed":
		return store.JobFailed
	case "interrupted":
		return store.JobCancelled
	case "inProgress":
		return store.JobRunning
	default:
		return store.JobRunning
	}
}

// itemText extracts display text from a history item: a plain text
// field, a content string, or a content array of text parts.
func itemText(item historyItem) string {
	if item.Text != "" {
		return item.Text
	}
	if len(item.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(item.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(item.Content, &parts); err == nil {
		var text string
		for _, p := range parts {
			text += p.Text
		}
		return text
	}
	return ""
}
