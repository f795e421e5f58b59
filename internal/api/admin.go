package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/httpserver"
)

// PromoteOAuthToken promotes a personal OAuth token into a shared workspace
// connection visible to every member of the workspace.
func (h *Handler) PromoteOAuthToken(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	if id.WorkspaceID == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "bearer token has no workspace")
		return
	}
	tokenID, err := uuid.Parse(chi.URLParam(r, "tokenID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid token id")
		return
	}

	conn, err := h.deps.OAuth.PromoteToWorkspace(r.Context(), *id.WorkspaceID, id.UserID, tokenID)
	if err != nil {
		h.deps.Logger.Error("promoting oauth token", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to promote token")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"connection": conn})
}

// UnshareConnection removes a workspace connection. Connections are deleted
// on unshare, revocation, or owner removal.
func (h *Handler) UnshareConnection(w http.ResponseWriter, r *http.Request) {
	id := httpserver.IdentityFromContext(r.Context())
	if id.WorkspaceID == nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "bearer token has no workspace")
		return
	}
	connectionID, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid connection id")
		return
	}

	if err := h.deps.OAuth.Unshare(r.Context(), *id.WorkspaceID, id.UserID, connectionID); err != nil {
		h.deps.Logger.Error("unsharing oauth connection", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to unshare connection")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"unshared": true})
}
