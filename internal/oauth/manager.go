// Package oauth manages encrypted personal OAuth tokens and the workspace
// connections promoted from them: refresh with per-token serialization,
// revocation handling, and propagation to shared copies.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dsentr/dsentr/internal/audit"
	"github.com/dsentr/dsentr/internal/store"
)

// ClientCredentials holds the client id/secret for one provider's app
// registration, used when exchanging a refresh token.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// Manager owns encrypted OAuth tokens and coordinates refresh.
type Manager struct {
	store       *store.Store
	audit       *audit.Writer
	sealer      *sealer
	httpClient  *http.Client
	credentials map[string]ClientCredentials
	group       singleflight.Group
}

// New builds a Manager. encryptionKey must decode to 32 bytes (hex or
// base64), matching OAUTH_TOKEN_ENCRYPTION_KEY.
func New(st *store.Store, aw *audit.Writer, encryptionKey string, credentials map[string]ClientCredentials) (*Manager, error) {
	s, err := newSealer(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("building oauth manager: %w", err)
	}
	return &Manager{
		store:       st,
		audit:       aw,
		sealer:      s,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		credentials: credentials,
	}, nil
}

// ErrConnectionRevoked is returned to callers that asked for a token that was
// just discovered to be revoked — the integration call must fail the node
// with the TokenRevoked classification.
var ErrConnectionRevoked = errors.New("oauth connection revoked")

// decryptedToken is a personal token with its secret fields in the clear,
// valid only for the duration of the caller's use.
type decryptedToken struct {
	ID           uuid.UUID
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountEmail string
}

// EnsureValid returns a usable access token for the given personal token id,
// refreshing it first if it expires within 60 seconds. Concurrent callers
// for the same token id collapse into a single refresh via singleflight —
// the in-process equivalent of the design note's keyed lock map.
func (m *Manager) EnsureValid(ctx context.Context, tokenID uuid.UUID) (*decryptedToken, error) {
	tok, err := m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("loading oauth token: %w", err)
	}

	if tok.ExpiresAt.After(time.Now().Add(60 * time.Second)) {
		return m.decrypt(tok)
	}

	v, err, _ := m.group.Do(tokenID.String(), func() (any, error) {
		return m.refreshOne(ctx, tokenID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*decryptedToken), nil
}

// refreshOne re-reads the token (another singleflight caller may have
// already refreshed it while this one waited) and refreshes if still needed.
func (m *Manager) refreshOne(ctx context.Context, tokenID uuid.UUID) (*decryptedToken, error) {
	tok, err := m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("re-reading oauth token before refresh: %w", err)
	}
	if tok.ExpiresAt.After(time.Now().Add(60 * time.Second)) {
		return m.decrypt(tok)
	}

	refreshToken, err := m.sealer.open(tok.EncRefresh)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}

	creds := m.credentials[tok.Provider]
	result, err := refresh(ctx, m.httpClient, tok.Provider, creds.ClientID, creds.ClientSecret, string(refreshToken))
	if err != nil {
		if errors.Is(err, ErrRevoked) {
			if revokeErr := m.handleRevocation(ctx, tok); revokeErr != nil {
				return nil, fmt.Errorf("%w; cleanup also failed: %v", ErrConnectionRevoked, revokeErr)
			}
			return nil, ErrConnectionRevoked
		}
		return nil, err
	}

	encAccess, err := m.sealer.seal([]byte(result.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("encrypting refreshed access token: %w", err)
	}
	encRefresh, err := m.sealer.seal([]byte(result.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("encrypting refreshed refresh token: %w", err)
	}

	if err := m.store.UpdateOAuthTokenSecrets(ctx, tok.ID, encAccess, encRefresh, result.ExpiresAt, tok.Metadata); err != nil {
		return nil, fmt.Errorf("persisting refreshed oauth token: %w", err)
	}

	if tok.Provider != ProviderSlack {
		if err := m.store.PropagateRefresh(ctx, tok.ID, encAccess, encRefresh, result.ExpiresAt); err != nil {
			return nil, fmt.Errorf("propagating refresh to workspace connections: %w", err)
		}
	}

	return &decryptedToken{
		ID:           tok.ID,
		Provider:     tok.Provider,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt,
		AccountEmail: tok.AccountEmail,
	}, nil
}

// handleRevocation deletes the personal token and marks every workspace
// connection sourced from it stale.
func (m *Manager) handleRevocation(ctx context.Context, tok *store.OAuthToken) error {
	if err := m.store.MarkConnectionsStale(ctx, tok.ID); err != nil {
		return fmt.Errorf("marking connections stale: %w", err)
	}
	if err := m.store.DeleteOAuthToken(ctx, tok.ID); err != nil {
		return fmt.Errorf("deleting revoked oauth token: %w", err)
	}
	return nil
}

func (m *Manager) decrypt(tok *store.OAuthToken) (*decryptedToken, error) {
	access, err := m.sealer.open(tok.EncAccess)
	if err != nil {
		return nil, fmt.Errorf("decrypting access token: %w", err)
	}
	refreshTok, err := m.sealer.open(tok.EncRefresh)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token: %w", err)
	}
	return &decryptedToken{
		ID:           tok.ID,
		Provider:     tok.Provider,
		AccessToken:  string(access),
		RefreshToken: string(refreshTok),
		ExpiresAt:    tok.ExpiresAt,
		AccountEmail: tok.AccountEmail,
	}, nil
}

// OAuthAccessToken returns a usable access token for a personal token id,
// parsed from the adapter contract's opaque connectionID string. It
// implements integrations.Secrets for the engine's node execution.
func (m *Manager) OAuthAccessToken(ctx context.Context, connectionID string) (string, error) {
	tokenID, err := uuid.Parse(connectionID)
	if err != nil {
		return "", fmt.Errorf("parsing oauth connection id: %w", err)
	}
	tok, err := m.EnsureValid(ctx, tokenID)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// PromoteToWorkspace copies a personal token into a new workspace connection,
// marks the source shared, and records one audit event.
func (m *Manager) PromoteToWorkspace(ctx context.Context, workspaceID, createdBy, tokenID uuid.UUID) (*store.WorkspaceConnection, error) {
	tok, err := m.store.GetOAuthToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("loading oauth token to promote: %w", err)
	}

	conn, err := m.store.PromoteToWorkspaceConnection(ctx, workspaceID, createdBy, tokenID, tok)
	if err != nil {
		return nil, fmt.Errorf("promoting oauth token to workspace connection: %w", err)
	}

	detail, _ := json.Marshal(map[string]string{"provider": tok.Provider})
	m.audit.Log(audit.Entry{
		WorkspaceID: workspaceID,
		UserID:      createdBy,
		Action:      "oauth_connection.promote",
		Resource:    "workspace_connection",
		ResourceID:  conn.ID,
		Detail:      detail,
	})

	return conn, nil
}

// Unshare deletes a single workspace connection, recording one audit event.
func (m *Manager) Unshare(ctx context.Context, workspaceID, actorID, connectionID uuid.UUID) error {
	if err := m.store.DeleteWorkspaceConnection(ctx, connectionID); err != nil {
		return fmt.Errorf("unsharing workspace connection: %w", err)
	}
	m.audit.Log(audit.Entry{
		WorkspaceID: workspaceID,
		UserID:      actorID,
		Action:      "oauth_connection.unshare",
		Resource:    "workspace_connection",
		ResourceID:  connectionID,
	})
	return nil
}

// PurgeMember deletes every workspace connection created by a departing
// member, and clears is_shared on the personal token when no other
// connections remain for the same owner+provider. One audit event is
// recorded per deleted connection.
func (m *Manager) PurgeMember(ctx context.Context, workspaceID, departingUserID uuid.UUID) error {
	conns, err := m.store.ConnectionsCreatedBy(ctx, departingUserID)
	if err != nil {
		return fmt.Errorf("listing connections created by departing member: %w", err)
	}

	for _, c := range conns {
		if err := m.store.DeleteWorkspaceConnection(ctx, c.ID); err != nil {
			return fmt.Errorf("deleting workspace connection %s: %w", c.ID, err)
		}
		m.audit.Log(audit.Entry{
			WorkspaceID: workspaceID,
			UserID:      departingUserID,
			Action:      "oauth_connection.purge",
			Resource:    "workspace_connection",
			ResourceID:  c.ID,
		})

		if c.SourceTokenID == nil {
			continue
		}
		remaining, err := m.store.CountConnectionsByOwnerProvider(ctx, departingUserID, c.Provider)
		if err != nil {
			return fmt.Errorf("counting remaining connections: %w", err)
		}
		if remaining == 0 {
			if err := m.store.MarkOAuthTokenShared(ctx, *c.SourceTokenID, false); err != nil {
				return fmt.Errorf("clearing is_shared after purge: %w", err)
			}
		}
	}

	return nil
}
