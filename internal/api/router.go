package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderelay/coderelay/internal/metrics"
	"github.com/coderelay/coderelay/internal/session"
)

// RouterConfig holds the dependencies for the HTTP router.
type RouterConfig struct {
	Orchestrator *session.Orchestrator

	// Token is the shared bearer token. Empty disables authentication.
	Token string
}

// NewRouter builds the fully configured Chi router. /health and
// /metrics are public; everything under /v1 requires the bearer token
// when one is configured.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(metrics.HTTPMiddleware)
	r.Use(middleware.Recoverer)

	threads := &threadHandler{orch: cfg.Orchestrator}
	jobs := &jobHandler{orch: cfg.Orchestrator}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"authEnabled": cfg.Token != "",
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Token))

		r.Post("/threads", threads.Create)
		r.Get("/threads", threads.List)
		r.Post("/threads/{tid}/activate", threads.Activate)
		r.Post("/threads/{tid}/archive", threads.Archive)
		r.Post("/threads/{tid}/turns", threads.StartTurn)
		r.Get("/threads/{tid}/events", threads.History)
		r.Get("/threads/{tid}/jobs", threads.Jobs)

		r.Get("/jobs/{jid}", jobs.Get)
		r.Get("/jobs/{jid}/events", jobs.Events)
		r.Post("/jobs/{jid}/approve", jobs.Approve)
		r.Post("/jobs/{jid}/cancel", jobs.Cancel)
	})

	return r
}
