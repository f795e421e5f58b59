package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const workflowColumns = `id, owner, workspace_id, name, description, graph, webhook_salt,
	require_hmac, hmac_replay_window_sec, egress_allowlist, concurrency_limit,
	auto_dead_letter, created_at, updated_at`

// CreateWorkflow inserts a new workflow owned by owner.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	w.WebhookSalt = uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflows
			(id, owner, workspace_id, name, description, graph, webhook_salt, require_hmac,
			 hmac_replay_window_sec, egress_allowlist, concurrency_limit,
			 auto_dead_letter, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING id, created_at, updated_at`,
		w.Owner, w.WorkspaceID, w.Name, w.Description, w.Graph, w.WebhookSalt, w.RequireHMAC,
		w.HMACReplayWindowSec, w.EgressAllowlist, w.ConcurrencyLimit, w.AutoDeadLetter,
	)
	if err := row.Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id, scoped to owner.
func (s *Store) GetWorkflow(ctx context.Context, id, owner uuid.UUID) (*Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows WHERE id = $1 AND owner = $2`, id, owner)
	return scanWorkflow(row)
}

// GetWorkflowByID loads a workflow by id only, used by unauthenticated
// webhook admission (which authenticates via the HMAC token instead).
func (s *Store) GetWorkflowByID(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows WHERE id = $1`, id)
	return scanWorkflow(row)
}

// ListWorkflows lists every workflow owned by owner, newest first.
func (s *Store) ListWorkflows(ctx context.Context, owner uuid.UUID) ([]*Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows WHERE owner = $1
		ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflowRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var w Workflow
	err := row.Scan(&w.ID, &w.Owner, &w.WorkspaceID, &w.Name, &w.Description, &w.Graph, &w.WebhookSalt,
		&w.RequireHMAC, &w.HMACReplayWindowSec, &w.EgressAllowlist, &w.ConcurrencyLimit,
		&w.AutoDeadLetter, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}
	return &w, nil
}

func scanWorkflowRows(rows pgx.Rows) (*Workflow, error) {
	var w Workflow
	err := rows.Scan(&w.ID, &w.Owner, &w.WorkspaceID, &w.Name, &w.Description, &w.Graph, &w.WebhookSalt,
		&w.RequireHMAC, &w.HMACReplayWindowSec, &w.EgressAllowlist, &w.ConcurrencyLimit,
		&w.AutoDeadLetter, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning workflow: %w", err)
	}
	return &w, nil
}

// UpdateWorkflow replaces the mutable fields of a workflow the caller owns.
func (s *Store) UpdateWorkflow(ctx context.Context, id, owner uuid.UUID, name, description string, graph []byte) (*Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE workflows SET name = $3, description = $4, graph = $5, updated_at = now()
		WHERE id = $1 AND owner = $2
		RETURNING `+workflowColumns,
		id, owner, name, description, graph)
	w, err := scanWorkflow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		}
		return nil, err
	}
	return w, nil
}

// DeleteWorkflow removes a workflow the caller owns; cascades to runs,
// node_runs, schedules, and dead letters via foreign key ON DELETE CASCADE.
func (s *Store) DeleteWorkflow(ctx context.Context, id, owner uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConcurrencyLimit updates the workflow's concurrency_limit (>= 1).
func (s *Store) SetConcurrencyLimit(ctx context.Context, id, owner uuid.UUID, limit int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET concurrency_limit = $3, updated_at = now() WHERE id = $1 AND owner = $2`,
		id, owner, limit)
	if err != nil {
		return fmt.Errorf("updating concurrency limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEgressAllowlist replaces the per-workflow egress allowlist.
func (s *Store) SetEgressAllowlist(ctx context.Context, id, owner uuid.UUID, allowlist []string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET egress_allowlist = $3, updated_at = now() WHERE id = $1 AND owner = $2`,
		id, owner, allowlist)
	if err != nil {
		return fmt.Errorf("updating egress allowlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWebhookConfig updates require_hmac and the clamped replay window.
func (s *Store) SetWebhookConfig(ctx context.Context, id, owner uuid.UUID, requireHMAC bool, replayWindowSec int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET require_hmac = $3, hmac_replay_window_sec = $4, updated_at = now()
		WHERE id = $1 AND owner = $2`,
		id, owner, requireHMAC, replayWindowSec)
	if err != nil {
		return fmt.Errorf("updating webhook config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateWebhookSalt regenerates the workflow's webhook_salt, invalidating the
// previous trigger token.
func (s *Store) RotateWebhookSalt(ctx context.Context, id, owner uuid.UUID) (uuid.UUID, error) {
	salt := uuid.New()
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET webhook_salt = $3, updated_at = now() WHERE id = $1 AND owner = $2`,
		id, owner, salt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("rotating webhook salt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrNotFound
	}
	return salt, nil
}
