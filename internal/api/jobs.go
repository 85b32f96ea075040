package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coderelay/coderelay/internal/session"
)

type jobHandler struct {
	orch *session.Orchestrator
}

func (h *jobHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.GetJob(r.Context(), chi.URLParam(r, "jid"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Events negotiates between the bootstrap JSON read and the SSE stream:
// Accept: text/event-stream streams live; anything else returns one
// cursor page as {data, nextCursor, hasMore}.
func (h *jobHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jid")
	cursor, limit, err := cursorParams(r, 200)
	if err != nil {
		Error(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.stream(w, r, jobID, cursor)
		return
	}

	rng, err := h.orch.ListEvents(r.Context(), jobID, cursor, limit)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"data":       rng.Events,
		"nextCursor": rng.NextCursor,
		"hasMore":    rng.HasMore,
	})
}

type approveRequest struct {
	ApprovalID          string   `json:"approvalId"`
	Decision            string   `json:"decision"`
	ExecPolicyAmendment []string `json:"execPolicyAmendment,omitempty"`
}

func (h *jobHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.orch.ResolveApproval(r.Context(), chi.URLParam(r, "jid"),
		req.ApprovalID, req.Decision, req.ExecPolicyAmendment)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "resolved"})
}

func (h *jobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.CancelJob(r.Context(), chi.URLParam(r, "jid")); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
}
