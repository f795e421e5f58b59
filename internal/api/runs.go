package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/store"
)

type enqueueRunRequest struct {
	IdempotencyKey *string        `json:"idempotency_key"`
	Context        map[string]any `json:"context"`
	Priority       int            `json:"priority"`
}

type rerunRequest struct {
	IdempotencyKey  *string        `json:"idempotency_key"`
	Context         map[string]any `json:"context"`
	StartFromNodeID string         `json:"start_from_node_id"`
}

// buildSnapshot merges a workflow's graph with the run-specific extras the
// engine expects to find in a run's snapshot column.
func buildSnapshot(wf *store.Workflow, triggerContext map[string]any, startFromNode string, sourceRunID *uuid.UUID) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(wf.Graph, &obj); err != nil {
		return nil, err
	}
	if triggerContext == nil {
		triggerContext = map[string]any{}
	}
	obj["_trigger_context"] = triggerContext
	obj["_egress_allowlist"] = wf.EgressAllowlist
	if startFromNode != "" {
		obj["_start_from_node"] = startFromNode
	}
	if sourceRunID != nil {
		obj["_source_run_id"] = sourceRunID
	}
	return json.Marshal(obj)
}

func (h *Handler) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}

	var req enqueueRunRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	wf, err := h.deps.Store.GetWorkflow(r.Context(), wfID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}
	if _, err := graph.Parse(wf.Graph, ""); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}

	snapshot, err := buildSnapshot(wf, req.Context, "", nil)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "building run snapshot")
		return
	}

	h.enqueue(w, r, wf, id.UserID, snapshot, req.Priority, req.IdempotencyKey)
}

// enqueue performs the quota-checked insert and writes the 202 {run} response
// shared by manual enqueue, rerun, and dead-letter requeue.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, wf *store.Workflow, owner uuid.UUID, snapshot []byte, priority int, idempotencyKey *string) {
	periodStart := store.CurrentPeriodStart(time.Now())
	run, err := h.deps.Store.EnqueueRunWithQuota(r.Context(), wf.ID, owner, wf.WorkspaceID, h.deps.DefaultQuota, periodStart, snapshot, priority, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			httpserver.RespondError(w, http.StatusTooManyRequests, "workspace_run_limit", "workspace monthly run quota exceeded")
			return
		}
		h.deps.Logger.Error("enqueuing run", "workflow_id", wf.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue run")
		return
	}

	if h.deps.Bus != nil {
		h.deps.Bus.Publish(r.Context(), wf.ID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"run": run})
}

type runsPage struct {
	Runs    []*store.Run `json:"runs"`
	Page    int          `json:"page"`
	PerPage int          `json:"per_page"`
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	wfID, err := h.workflowID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid workflow id")
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	status := r.URL.Query().Get("status")

	runs, err := h.deps.Store.ListRuns(r.Context(), wfID, id.UserID, status, params.Offset, params.PerPage)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	httpserver.Respond(w, http.StatusOK, runsPage{Runs: runs, Page: params.Page, PerPage: params.PerPage})
}

func runID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "runID"))
}

// runInWorkflow loads a run scoped to both the caller and the workflow named
// in the path, so a valid run id can't be addressed through another
// workflow's URL.
func (h *Handler) runInWorkflow(r *http.Request, owner uuid.UUID) (*store.Run, error) {
	wfID, err := h.workflowID(r)
	if err != nil {
		return nil, err
	}
	rID, err := runID(r)
	if err != nil {
		return nil, err
	}
	run, err := h.deps.Store.GetRun(r.Context(), rID, owner)
	if err != nil {
		return nil, err
	}
	if run.WorkflowID != wfID {
		return nil, store.ErrNotFound
	}
	return run, nil
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	run, err := h.runInWorkflow(r, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	nodeRuns, err := h.deps.Store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load node runs")
		return
	}
	if nodeRuns == nil {
		nodeRuns = []*store.NodeRun{}
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"run": run, "node_runs": nodeRuns})
}

// DownloadRun serves the run and its node runs as a JSON attachment.
func (h *Handler) DownloadRun(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	run, err := h.runInWorkflow(r, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	nodeRuns, err := h.deps.Store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load node runs")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+run.ID.String()+".json"))
	httpserver.Respond(w, http.StatusOK, map[string]any{"run": run, "node_runs": nodeRuns})
}

func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	run, err := h.runInWorkflow(r, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}

	prior, err := h.deps.Store.CancelRun(r.Context(), run.ID, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel run")
		return
	}

	// A queued run never executed; give its quota slot back.
	if prior == store.RunQueued {
		wf, wfErr := h.deps.Store.GetWorkflowByID(r.Context(), run.WorkflowID)
		if wfErr == nil && wf.WorkspaceID != nil {
			periodStart := store.CurrentPeriodStart(run.CreatedAt)
			if relErr := h.deps.Store.ReleaseWorkspaceQuota(r.Context(), *wf.WorkspaceID, periodStart, false); relErr != nil {
				h.deps.Logger.Error("releasing quota after cancel", "run_id", run.ID, "error", relErr)
			}
		}
	}

	if h.deps.Bus != nil {
		h.deps.Bus.Publish(r.Context(), run.WorkflowID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"canceled": true})
}

func (h *Handler) RerunRun(w http.ResponseWriter, r *http.Request) {
	h.rerun(w, r, false)
}

func (h *Handler) RerunFromFailed(w http.ResponseWriter, r *http.Request) {
	h.rerun(w, r, true)
}

// rerun replays a prior run's snapshot, either from the start, from an
// explicitly named node, or (fromFailed) from the earliest failed node of
// the source run. Predecessor outputs for a mid-graph start are read from
// the source run's node_runs at execution time.
func (h *Handler) rerun(w http.ResponseWriter, r *http.Request, fromFailed bool) {
	id := httpserver.IdentityFromContext(r.Context())
	source, err := h.runInWorkflow(r, id.UserID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}

	var req rerunRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	wf, err := h.deps.Store.GetWorkflowByID(r.Context(), source.WorkflowID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "workflow not found")
		return
	}

	startFromNode := req.StartFromNodeID
	if fromFailed && startFromNode == "" {
		startFromNode, err = h.deps.Store.FirstFailedNode(r.Context(), source.ID)
		if err != nil {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "run has no failed node to resume from")
			return
		}
	}
	if startFromNode != "" {
		if _, err := graph.Parse(wf.Graph, startFromNode); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
			return
		}
	}

	triggerContext := req.Context
	if triggerContext == nil {
		var extras struct {
			TriggerContext map[string]any `json:"_trigger_context"`
		}
		_ = json.Unmarshal(source.Snapshot, &extras)
		triggerContext = extras.TriggerContext
	}

	var sourceRunID *uuid.UUID
	if startFromNode != "" {
		sourceRunID = &source.ID
	}
	snapshot, err := buildSnapshot(wf, triggerContext, startFromNode, sourceRunID)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "building rerun snapshot")
		return
	}

	h.enqueue(w, r, wf, id.UserID, snapshot, 0, req.IdempotencyKey)
}
