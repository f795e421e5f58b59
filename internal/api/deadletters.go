package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/store"
)

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	dls, err := h.deps.Store.ListDeadLetters(r.Context(), wfID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list dead letters")
		return
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func deadLetterID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "deadLetterID"))
}

func (h *Handler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	dlID, err := deadLetterID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid dead letter id")
		return
	}
	dl, err := h.deps.Store.GetDeadLetter(r.Context(), dlID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "dead letter not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"dead_letter": dl})
}

// RequeueDeadLetter re-enqueues a dead-lettered run's frozen snapshot as a
// fresh run, then clears the dead letter record — the operator-initiated
// recovery path for a terminally failed run.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	dlID, err := deadLetterID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid dead letter id")
		return
	}
	dl, err := h.deps.Store.GetDeadLetter(r.Context(), dlID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "dead letter not found")
		return
	}
	wf, err := h.deps.Store.GetWorkflowByID(r.Context(), dl.WorkflowID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}

	periodStart := store.CurrentPeriodStart(time.Now())
	run, err := h.deps.Store.EnqueueRunWithQuota(r.Context(), dl.WorkflowID, id.UserID, wf.WorkspaceID, h.deps.DefaultQuota, periodStart, dl.Snapshot, 0, nil)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			httpserver.RespondError(w, http.StatusTooManyRequests, "workspace_run_limit", "workspace monthly run quota exceeded")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to requeue dead letter")
		return
	}
	if err := h.deps.Store.ClearDeadLetter(r.Context(), dlID, id.UserID); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to clear dead letter")
		return
	}

	if h.deps.Bus != nil {
		h.deps.Bus.Publish(r.Context(), dl.WorkflowID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"run": run})
}

// ListEgressBlockEvents lists the refused outbound calls recorded for a
// workflow, newest first.
func (h *Handler) ListEgressBlockEvents(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	events, err := h.deps.Store.ListEgressBlockEvents(r.Context(), wfID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list egress block events")
		return
	}
	if events == nil {
		events = []*store.EgressBlockEvent{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"egress_block_events": events})
}
