package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/coderelay/coderelay/internal/apperr"
	"github.com/coderelay/coderelay/internal/session"
)

type threadHandler struct {
	orch *session.Orchestrator
}

func (h *threadHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req session.CreateThreadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := h.orch.CreateThread(r.Context(), req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, t)
}

func (h *threadHandler) List(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.orch.ListThreads())
}

func (h *threadHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ActivateThread(chi.URLParam(r, "tid")); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "active"})
}

func (h *threadHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ArchiveThread(chi.URLParam(r, "tid")); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "archived"})
}

func (h *threadHandler) StartTurn(w http.ResponseWriter, r *http.Request) {
	var req session.TurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jobID, err := h.orch.StartTurn(r.Context(), chi.URLParam(r, "tid"), req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{"jobId": jobID})
}

// History serves the synthesized thread replay with an offset cursor.
func (h *threadHandler) History(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := cursorParams(r, 200)
	if err != nil {
		Error(w, err)
		return
	}
	rng, err := h.orch.ReadThreadHistory(r.Context(), chi.URLParam(r, "tid"), cursor, limit)
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

func (h *threadHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.orch.ListThreadJobs(r.Context(), chi.URLParam(r, "tid"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, jobs)
}

// cursorParams parses the cursor (default -1) and limit query
// parameters.
func cursorParams(r *http.Request, defaultLimit int) (int64, int, error) {
	cursor := int64(-1)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < -1 {
			return 0, 0, apperr.New(apperr.CodeInvalidArgument, "invalid cursor %q", raw)
		}
		cursor = n
	}
	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, 0, apperr.New(apperr.CodeInvalidArgument, "invalid limit %q", raw)
		}
		limit = n
	}
	return cursor, limit, nil
}
