package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/httpserver"
	"github.com/dsentr/dsentr/internal/store"
	"github.com/dsentr/dsentr/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// TriggerWebhook admits a public (unauthenticated) trigger request: verify
// the path token against the owning workflow, optionally verify an HMAC
// payload signature and reject replays, then enqueue a run with the body as
// trigger context.
func (h *Handler) TriggerWebhook(w http.ResponseWriter, r *http.Request) {
	wfID, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid trigger url")
		return
	}
	token := chi.URLParam(r, "token")

	wf, err := h.deps.Store.GetWorkflowByID(r.Context(), wfID)
	if err != nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid trigger url")
		return
	}

	if !webhook.VerifyToken(h.deps.WebhookSecret, token, wf.Owner, wfID, wf.WebhookSalt) {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid trigger token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes+1))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "reading request body")
		return
	}
	if len(body) > maxWebhookBodyBytes {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "request body too large")
		return
	}

	if wf.RequireHMAC {
		ts, sig, ok := extractSignature(r, body)
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing signature")
			return
		}
		tsVal, err := webhook.ParseTimestamp(ts)
		if err != nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid timestamp")
			return
		}
		window := webhook.ClampReplayWindow(wf.HMACReplayWindowSec)
		if err := webhook.CheckReplayWindow(tsVal, time.Now(), window); err != nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "timestamp outside replay window")
			return
		}
		if !webhook.VerifySignature(h.deps.WebhookSecret, wf.Owner, wfID, wf.WebhookSalt, tsVal, body, sig) {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
			return
		}

		signature := webhook.Sign(h.deps.WebhookSecret, wf.Owner, wfID, wf.WebhookSalt, tsVal, body)
		inserted, err := h.deps.Store.TryRecordWebhookSignature(r.Context(), wfID, signature)
		if err != nil {
			h.deps.Logger.Error("recording webhook signature", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to admit webhook")
			return
		}
		if !inserted {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "replay detected")
			return
		}
	}

	if _, err := graph.Parse(wf.Graph, ""); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_graph", err.Error())
		return
	}

	var triggerContext map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &triggerContext); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "request body is not valid JSON")
			return
		}
	}

	snapshot, err := buildSnapshot(wf, triggerContext, "", nil)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "building run snapshot")
		return
	}

	periodStart := store.CurrentPeriodStart(time.Now())
	run, err := h.deps.Store.EnqueueRunWithQuota(r.Context(), wfID, wf.Owner, wf.WorkspaceID, h.deps.DefaultQuota, periodStart, snapshot, 0, nil)
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			httpserver.RespondError(w, http.StatusTooManyRequests, "workspace_run_limit", "workspace monthly run quota exceeded")
			return
		}
		h.deps.Logger.Error("enqueuing webhook run", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue run")
		return
	}

	if h.deps.Bus != nil {
		h.deps.Bus.Publish(r.Context(), wfID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"run": run})
}

// extractSignature reads ts/sig from the X-Dsentr-Ts/X-Dsentr-Sig headers,
// falling back to same-named fields in a JSON body.
func extractSignature(r *http.Request, body []byte) (ts, sig string, ok bool) {
	ts = r.Header.Get("X-Dsentr-Ts")
	sig = r.Header.Get("X-Dsentr-Sig")
	if ts != "" && sig != "" {
		return ts, sig, true
	}

	var fields struct {
		Ts  json.Number `json:"ts"`
		Sig string      `json:"sig"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", "", false
	}
	if ts == "" {
		ts = fields.Ts.String()
	}
	if sig == "" {
		sig = fields.Sig
	}
	if ts == "" || ts == "0" || sig == "" {
		return "", "", false
	}
	return ts, sig, true
}
