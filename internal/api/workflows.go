package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/scheduler"
	"github.com/dsentr/dsentr/internal/store"
	"github.com/dsentr/dsentr/internal/webhook"
)

type workflowRequest struct {
	Name        string    `json:"name" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	Data        graph.Raw `json:"data" validate:"required"`
}

func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())

	var req workflowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rawGraph, err := json.Marshal(req.Data)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}
	if _, err := graph.Parse(rawGraph, ""); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}

	wf := &store.Workflow{
		Owner:               id.UserID,
		WorkspaceID:         id.WorkspaceID,
		Name:                req.Name,
		Description:         req.Description,
		Graph:               rawGraph,
		HMACReplayWindowSec: webhook.MinReplayWindowSec,
		ConcurrencyLimit:    1,
		AutoDeadLetter:      true,
	}
	if err := h.deps.Store.CreateWorkflow(r.Context(), wf); err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "a workflow with this name already exists")
			return
		}
		h.deps.Logger.Error("creating workflow", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create workflow")
		return
	}
	httpserver.Respond(w, http.StatusCreated, map[string]any{"workflow": wf})
}

func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	workflows, err := h.deps.Store.ListWorkflows(r.Context(), id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list workflows")
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (h *Handler) workflowID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "workflowID"))
}

func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	wf, err := h.deps.Store.GetWorkflow(r.Context(), wfID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workflow": wf})
}

func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}

	var req workflowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rawGraph, err := json.Marshal(req.Data)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}
	if _, err := graph.Parse(rawGraph, ""); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}

	wf, err := h.deps.Store.UpdateWorkflow(r.Context(), wfID, id.UserID, req.Name, req.Description, rawGraph)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "a workflow with this name already exists")
			return
		}
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workflow": wf})
}

func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	if err := h.deps.Store.DeleteWorkflow(r.Context(), wfID, id.UserID); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

type setConcurrencyRequest struct {
	Limit int `json:"limit" validate:"required,min=1,max=1000"`
}

func (h *Handler) SetConcurrencyLimit(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	var req setConcurrencyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.deps.Store.SetConcurrencyLimit(r.Context(), wfID, id.UserID, req.Limit); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"limit": req.Limit})
}

type setEgressAllowlistRequest struct {
	Allowlist []string `json:"allowlist" validate:"required"`
}

func (h *Handler) SetEgressAllowlist(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	var req setEgressAllowlistRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.deps.Store.SetEgressAllowlist(r.Context(), wfID, id.UserID, req.Allowlist); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"allowlist": req.Allowlist})
}

type setWebhookConfigRequest struct {
	RequireHMAC     bool `json:"require_hmac"`
	ReplayWindowSec int  `json:"replay_window_sec" validate:"required,min=1"`
}

func (h *Handler) SetWebhookConfig(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	var req setWebhookConfigRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	window := webhook.ClampReplayWindow(req.ReplayWindowSec)
	if err := h.deps.Store.SetWebhookConfig(r.Context(), wfID, id.UserID, req.RequireHMAC, window); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"require_hmac": req.RequireHMAC, "replay_window_sec": window})
}

// RotateWebhookToken regenerates the workflow's webhook salt and returns the
// new public trigger URL.
func (h *Handler) RotateWebhookToken(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	salt, err := h.deps.Store.RotateWebhookSalt(r.Context(), wfID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	token := webhook.Token(h.deps.WebhookSecret, id.UserID, wfID, salt)
	httpserver.Respond(w, http.StatusOK, map[string]string{
		"url": "/api/workflows/" + wfID.String() + "/trigger/" + token,
	})
}

type upsertScheduleRequest struct {
	Type            string `json:"type" validate:"required,oneof=cron interval"`
	Expression      string `json:"expression"`
	IntervalSeconds int    `json:"interval_seconds"`
	Enabled         bool   `json:"enabled"`
}

func (h *Handler) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	if _, err := h.deps.Store.GetWorkflow(r.Context(), wfID, id.UserID); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}

	var req upsertScheduleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	cfg, err := json.Marshal(map[string]any{
		"type":             req.Type,
		"expression":       req.Expression,
		"interval_seconds": req.IntervalSeconds,
	})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "encoding schedule config")
		return
	}

	var nextRunAt *time.Time
	if req.Enabled {
		next, err := scheduler.ComputeNextFireTime(cfg, nil, time.Now())
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
			return
		}
		nextRunAt = &next
	}

	if err := h.deps.Store.UpsertSchedule(r.Context(), wfID, cfg, req.Enabled, nextRunAt); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to save schedule")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"next_run_at": nextRunAt})
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	if _, err := h.deps.Store.GetWorkflow(r.Context(), wfID, id.UserID); err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	sc, err := h.deps.Store.GetSchedule(r.Context(), wfID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no schedule configured")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"schedule": sc})
}
