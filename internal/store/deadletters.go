package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// InsertDeadLetter preserves a failed run's snapshot and cause for operator
// requeue. The source run row remains status=failed for history.
func (s *Store) InsertDeadLetter(ctx context.Context, workflowID, owner, sourceRunID uuid.UUID, reason string, snapshot []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_dead_letters (id, workflow_id, owner, source_run_id, reason, snapshot, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now())`,
		workflowID, owner, sourceRunID, reason, snapshot)
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters lists dead letters for a workflow the caller owns, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, workflowID, owner uuid.UUID) ([]*DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, owner, source_run_id, reason, snapshot, created_at
		FROM workflow_dead_letters
		WHERE workflow_id = $1 AND owner = $2
		ORDER BY created_at DESC`, workflowID, owner)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.WorkflowID, &dl.Owner, &dl.SourceRunID, &dl.Reason, &dl.Snapshot, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// GetDeadLetter loads a single dead letter the caller owns.
func (s *Store) GetDeadLetter(ctx context.Context, id, owner uuid.UUID) (*DeadLetter, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, owner, source_run_id, reason, snapshot, created_at
		FROM workflow_dead_letters WHERE id = $1 AND owner = $2`, id, owner)

	var dl DeadLetter
	if err := row.Scan(&dl.ID, &dl.WorkflowID, &dl.Owner, &dl.SourceRunID, &dl.Reason, &dl.Snapshot, &dl.CreatedAt); err != nil {
		return nil, fmt.Errorf("loading dead letter: %w", err)
	}
	return &dl, nil
}

// ClearDeadLetter removes a dead letter explicitly (e.g. after a successful requeue).
func (s *Store) ClearDeadLetter(ctx context.Context, id, owner uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_dead_letters WHERE id = $1 AND owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("clearing dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
