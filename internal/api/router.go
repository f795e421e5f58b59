// Package api mounts the bearer-authenticated workflow/run/dead-letter/SSE
// handlers and the public HMAC-admitted webhook trigger route on a Server's
// APIRouter.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/oauth"
	"github.com/dsentr/dsentr/internal/store"
)

// Deps bundles everything the handlers need. Built once in internal/app and
// shared across every request.
type Deps struct {
	Store         *store.Store
	Bus           *eventbus.Bus
	OAuth         *oauth.Manager
	Logger        *slog.Logger
	WebhookSecret string
	DefaultQuota  int
}

// Handler groups the deps behind the handler methods.
type Handler struct {
	deps Deps
}

// New builds a Handler.
func New(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Mount registers every route on apiRouter. The webhook trigger route is
// public (it authenticates with its HMAC path token); everything else
// requires a bearer session.
func (h *Handler) Mount(apiRouter chi.Router) {
	apiRouter.Route("/workflows", func(r chi.Router) {
		auth := r.With(httpserver.RequireBearer)
		auth.Post("/", h.CreateWorkflow)
		auth.Get("/", h.ListWorkflows)

		r.Route("/{workflowID}", func(r chi.Router) {
			// Public trigger admission; token in the path replaces a session.
			r.Post("/trigger/{token}", h.TriggerWebhook)

			auth := r.With(httpserver.RequireBearer)
			auth.Get("/", h.GetWorkflow)
			auth.Put("/", h.UpdateWorkflow)
			auth.Delete("/", h.DeleteWorkflow)
			auth.Post("/concurrency", h.SetConcurrencyLimit)
			auth.Post("/egress-allowlist", h.SetEgressAllowlist)
			auth.Post("/webhook/config", h.SetWebhookConfig)
			auth.Post("/webhook/token/rotate", h.RotateWebhookToken)
			auth.Put("/schedule", h.UpsertSchedule)
			auth.Get("/schedule", h.GetSchedule)

			auth.Post("/runs", h.EnqueueRun)
			auth.Get("/runs", h.ListRuns)
			auth.Get("/runs/{runID}", h.GetRun)
			auth.Post("/runs/{runID}/cancel", h.CancelRun)
			auth.Post("/runs/{runID}/rerun", h.RerunRun)
			auth.Post("/runs/{runID}/rerun-from-failed", h.RerunFromFailed)
			auth.Get("/runs/{runID}/download", h.DownloadRun)

			auth.Get("/events", h.StreamEvents)

			auth.Get("/dead-letters", h.ListDeadLetters)
			auth.Get("/dead-letters/{deadLetterID}", h.GetDeadLetter)
			auth.Post("/dead-letters/{deadLetterID}/requeue", h.RequeueDeadLetter)

			auth.Get("/egress-block-events", h.ListEgressBlockEvents)
		})
	})

	apiRouter.Route("/oauth", func(r chi.Router) {
		auth := r.With(httpserver.RequireBearer)
		auth.Post("/tokens/{tokenID}/promote", h.PromoteOAuthToken)
		auth.Delete("/connections/{connectionID}", h.UnshareConnection)
	})
}
