package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetOAuthToken loads a personal token by id. The read takes no row lock;
// concurrent refreshes of one token are serialized by the oauth manager.
func (s *Store) GetOAuthToken(ctx context.Context, id uuid.UUID) (*OAuthToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, provider, enc_access, enc_refresh, expires_at,
		       account_email, metadata, is_shared, updated_at
		FROM user_oauth_tokens WHERE id = $1`, id)
	return scanOAuthToken(row)
}

func scanOAuthToken(row pgx.Row) (*OAuthToken, error) {
	var t OAuthToken
	err := row.Scan(&t.ID, &t.UserID, &t.Provider, &t.EncAccess, &t.EncRefresh, &t.ExpiresAt,
		&t.AccountEmail, &t.Metadata, &t.IsShared, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning oauth token: %w", err)
	}
	return &t, nil
}

// UpdateOAuthTokenSecrets persists a refreshed token's encrypted fields.
func (s *Store) UpdateOAuthTokenSecrets(ctx context.Context, id uuid.UUID, encAccess, encRefresh []byte, expiresAt time.Time, metadata []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_oauth_tokens
		SET enc_access = $2, enc_refresh = $3, expires_at = $4, metadata = $5, updated_at = now()
		WHERE id = $1`, id, encAccess, encRefresh, expiresAt, metadata)
	if err != nil {
		return fmt.Errorf("updating oauth token secrets: %w", err)
	}
	return nil
}

// DeleteOAuthToken removes a personal token (revocation).
func (s *Store) DeleteOAuthToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM user_oauth_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting oauth token: %w", err)
	}
	return nil
}

// MarkOAuthTokenShared flips is_shared on a personal token.
func (s *Store) MarkOAuthTokenShared(ctx context.Context, id uuid.UUID, shared bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE user_oauth_tokens SET is_shared = $2, updated_at = now() WHERE id = $1`, id, shared)
	if err != nil {
		return fmt.Errorf("updating oauth token shared flag: %w", err)
	}
	return nil
}

// PromoteToWorkspaceConnection copies a personal token into a new workspace
// connection and marks the source token shared.
func (s *Store) PromoteToWorkspaceConnection(ctx context.Context, workspaceID, createdBy, sourceTokenID uuid.UUID, token *OAuthToken) (*WorkspaceConnection, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning promote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO workspace_connections
			(id, workspace_id, created_by, source_token_id, provider, enc_access, enc_refresh,
			 expires_at, account_email, stale, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, false, now())
		RETURNING id, workspace_id, created_by, source_token_id, provider, enc_access, enc_refresh,
		          expires_at, account_email, stale, updated_at`,
		workspaceID, createdBy, sourceTokenID, token.Provider, token.EncAccess, token.EncRefresh,
		token.ExpiresAt, token.AccountEmail)

	conn, err := scanWorkspaceConnection(row)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE user_oauth_tokens SET is_shared = true, updated_at = now() WHERE id = $1`, sourceTokenID); err != nil {
		return nil, fmt.Errorf("updating oauth token shared flag: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing promote tx: %w", err)
	}
	return conn, nil
}

func scanWorkspaceConnection(row pgx.Row) (*WorkspaceConnection, error) {
	var c WorkspaceConnection
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.CreatedBy, &c.SourceTokenID, &c.Provider,
		&c.EncAccess, &c.EncRefresh, &c.ExpiresAt, &c.AccountEmail, &c.Stale, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workspace connection: %w", err)
	}
	return &c, nil
}

// ConnectionsBySourceToken lists workspace connections sourced from a
// personal token, for refresh propagation.
func (s *Store) ConnectionsBySourceToken(ctx context.Context, sourceTokenID uuid.UUID) ([]*WorkspaceConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, created_by, source_token_id, provider, enc_access, enc_refresh,
		       expires_at, account_email, stale, updated_at
		FROM workspace_connections WHERE source_token_id = $1`, sourceTokenID)
	if err != nil {
		return nil, fmt.Errorf("listing connections by source token: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceConnection
	for rows.Next() {
		var c WorkspaceConnection
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.CreatedBy, &c.SourceTokenID, &c.Provider,
			&c.EncAccess, &c.EncRefresh, &c.ExpiresAt, &c.AccountEmail, &c.Stale, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace connection: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PropagateRefresh updates every workspace connection sourced from
// sourceTokenID with the refreshed encrypted secrets.
func (s *Store) PropagateRefresh(ctx context.Context, sourceTokenID uuid.UUID, encAccess, encRefresh []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workspace_connections
		SET enc_access = $2, enc_refresh = $3, expires_at = $4, updated_at = now()
		WHERE source_token_id = $1`, sourceTokenID, encAccess, encRefresh, expiresAt)
	if err != nil {
		return fmt.Errorf("propagating refresh to workspace connections: %w", err)
	}
	return nil
}

// MarkConnectionsStale flags every connection sourced from sourceTokenID as
// stale, called when the source token is revoked.
func (s *Store) MarkConnectionsStale(ctx context.Context, sourceTokenID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workspace_connections SET stale = true, updated_at = now()
		WHERE source_token_id = $1`, sourceTokenID)
	if err != nil {
		return fmt.Errorf("marking connections stale: %w", err)
	}
	return nil
}

// ConnectionsCreatedBy lists workspace connections a user created, for
// member-removal purge.
func (s *Store) ConnectionsCreatedBy(ctx context.Context, createdBy uuid.UUID) ([]*WorkspaceConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, created_by, source_token_id, provider, enc_access, enc_refresh,
		       expires_at, account_email, stale, updated_at
		FROM workspace_connections WHERE created_by = $1`, createdBy)
	if err != nil {
		return nil, fmt.Errorf("listing connections created by user: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceConnection
	for rows.Next() {
		var c WorkspaceConnection
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.CreatedBy, &c.SourceTokenID, &c.Provider,
			&c.EncAccess, &c.EncRefresh, &c.ExpiresAt, &c.AccountEmail, &c.Stale, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning workspace connection: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteWorkspaceConnection removes a single connection (unshare, purge).
func (s *Store) DeleteWorkspaceConnection(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workspace_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting workspace connection: %w", err)
	}
	return nil
}

// CountConnectionsByOwnerProvider counts remaining connections for an
// owner+provider pair, used to decide whether to clear is_shared after a purge.
func (s *Store) CountConnectionsByOwnerProvider(ctx context.Context, ownerTokenUserID uuid.UUID, provider string) (int, error) {
	var n int
	row := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM workspace_connections wc
		JOIN user_oauth_tokens t ON t.id = wc.source_token_id
		WHERE t.user_id = $1 AND t.provider = $2`, ownerTokenUserID, provider)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting connections: %w", err)
	}
	return n, nil
}
