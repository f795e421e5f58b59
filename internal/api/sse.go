package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dsentr/dsentr/internal/httpserver"
)

// sseKeepaliveInterval is how often an idle stream emits a comment frame so
// proxies don't close the connection.
const sseKeepaliveInterval = 10 * time.Second

// StreamEvents serves Server-Sent Events for one workflow: run, node_runs,
// and tick events relayed from the event bus, plus a keepalive comment every
// 10s so idle proxies don't close the connection.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	if h.deps.Bus == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "unavailable", "event stream unavailable")
		return
	}

	sub := h.deps.Bus.Subscribe(r.Context(), wfID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := sub.Channel()
	ticker := time.NewTicker(sseKeepaliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(msg.Payload), msg.Payload)
			flusher.Flush()
		}
	}
}

// eventName extracts the "kind" field from a marshaled eventbus.Event so the
// SSE frame's event: line carries the stream's named event types, falling
// back to "run" if the payload can't be decoded (never expected in
// practice, since every publish goes through eventbus.Event).
func eventName(payload string) string {
	var env struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Kind == "" {
		return "run"
	}
	return env.Kind
}
