package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identity is the caller resolved from a bearer token: an owner id and an
// optional workspace id. Session/OIDC/API-key authentication itself lives
// upstream — a real deployment sits this behind whatever authenticator
// issues the bearer token; this middleware only trusts and decodes what it
// is handed.
type Identity struct {
	UserID      uuid.UUID
	WorkspaceID *uuid.UUID
}

type identityCtxKey struct{}

// RequireBearer resolves an Identity from the Authorization header and
// stores it in the request context, rejecting the request with 401 if the
// token is missing or malformed. The token is expected to be the caller's
// user id, optionally followed by ":<workspace-id>" — the shape an upstream
// session service would mint after its own authentication.
func RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if raw == "" {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		userPart, wsPart, _ := strings.Cut(raw, ":")
		userID, err := uuid.Parse(userPart)
		if err != nil {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}

		id := &Identity{UserID: userID}
		if wsPart != "" {
			wsID, err := uuid.Parse(wsPart)
			if err != nil {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
			id.WorkspaceID = &wsID
		}

		ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the Identity stored by RequireBearer, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}
