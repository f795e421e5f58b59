package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// EnqueueRun inserts a queued run for workflowID. If idempotencyKey is set
// and a run already exists for (workflow_id, idempotency_key), the existing
// run is returned instead of creating a duplicate.
func (s *Store) EnqueueRun(ctx context.Context, workflowID, owner uuid.UUID, snapshot []byte, priority int, idempotencyKey *string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_runs
			(id, workflow_id, owner, status, priority, idempotency_key, snapshot, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, 'queued', $3, $4, $5, now(), now())
		RETURNING id, workflow_id, owner, status, priority, idempotency_key, snapshot,
		          lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
		          started_at, finished_at, error`,
		workflowID, owner, priority, idempotencyKey, snapshot)

	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && idempotencyKey != nil {
		return s.getRunByIdempotencyKey(ctx, workflowID, *idempotencyKey)
	}
	return nil, err
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, workflowID uuid.UUID, key string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, owner, status, priority, idempotency_key, snapshot,
		       lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
		       started_at, finished_at, error
		FROM workflow_runs WHERE workflow_id = $1 AND idempotency_key = $2`, workflowID, key)
	return scanRun(row)
}

// LeaseRun atomically claims the highest-priority (oldest created_at as
// tiebreak) queued run whose workflow has fewer than concurrency_limit runs
// in {leased, running}, using SELECT ... FOR UPDATE SKIP LOCKED so multiple
// workers can poll concurrently without contending on the same candidate row.
func (s *Store) LeaseRun(ctx context.Context, workerID string, leaseSeconds int) (*Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning lease tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT r.id
		FROM workflow_runs r
		JOIN workflows w ON w.id = r.workflow_id
		WHERE r.status = 'queued'
		  AND (
		        SELECT count(*) FROM workflow_runs r2
		        WHERE r2.workflow_id = r.workflow_id AND r2.status IN ('leased', 'running')
		      ) < w.concurrency_limit
		ORDER BY r.priority DESC, r.created_at ASC
		FOR UPDATE OF r SKIP LOCKED
		LIMIT 1`)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting leasable run: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	leased := tx.QueryRow(ctx, `
		UPDATE workflow_runs
		SET status = 'leased', lease_owner = $2, lease_expires_at = $3, updated_at = now()
		WHERE id = $1
		RETURNING id, workflow_id, owner, status, priority, idempotency_key, snapshot,
		          lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
		          started_at, finished_at, error`,
		id, workerID, expiresAt)

	run, err := scanRun(leased)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing lease tx: %w", err)
	}
	return run, nil
}

// MarkRunning transitions a leased run to running, the first time the engine
// actually begins driving it.
func (s *Store) MarkRunning(ctx context.Context, runID uuid.UUID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status = 'leased'`, runID, workerID)
	if err != nil {
		return fmt.Errorf("marking run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RenewLease extends lease_expires_at for a run still held by workerID.
func (s *Store) RenewLease(ctx context.Context, runID uuid.UUID, workerID string, leaseSeconds int) error {
	expiresAt := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running')`,
		runID, workerID, expiresAt)
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CompleteRun transitions a run to a terminal status and clears lease fields.
// Only succeeds if the current status is {leased, running} and the lease is
// held by workerID.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, workerID string, status RunStatus, runErr *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $3, error = $4, lease_owner = NULL, lease_expires_at = NULL,
		    finished_at = now(), updated_at = now()
		WHERE id = $1 AND lease_owner = $2 AND status IN ('leased', 'running')`,
		runID, workerID, status, runErr)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CancelRun marks a queued or leased/running run canceled, returning the
// status the run held before the cancel so the caller can release a quota
// slot for a run that never executed. Idempotent: canceling an
// already-terminal run is a no-op returning its current (terminal) status.
func (s *Store) CancelRun(ctx context.Context, runID, owner uuid.UUID) (RunStatus, error) {
	var prior RunStatus
	row := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id, status FROM workflow_runs
			WHERE id = $1 AND owner = $2
			FOR UPDATE
		),
		updated AS (
			UPDATE workflow_runs r
			SET status = 'canceled', lease_owner = NULL, lease_expires_at = NULL,
			    finished_at = now(), updated_at = now()
			FROM target
			WHERE r.id = target.id AND target.status IN ('queued', 'leased', 'running')
		)
		SELECT status FROM target`, runID, owner)
	if err := row.Scan(&prior); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("canceling run: %w", err)
	}
	return prior, nil
}

// RecoverOrphans resets runs whose lease has expired back to queued,
// incrementing recovery_count, unless it now exceeds maxRecoveries — in
// which case the run is failed permanently with reason "lease_timeout".
// Returns the ids of runs recovered back to queued and, separately, the
// runs failed outright so the caller can dead-letter them.
func (s *Store) RecoverOrphans(ctx context.Context, maxRecoveries int) (recovered []uuid.UUID, failed []*Run, err error) {
	failReason := "lease_timeout"
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id FROM workflow_runs
			WHERE lease_expires_at IS NOT NULL AND lease_expires_at < now()
			  AND status IN ('leased', 'running')
			FOR UPDATE SKIP LOCKED
		),
		failed AS (
			UPDATE workflow_runs
			SET status = 'failed', error = $1, lease_owner = NULL, lease_expires_at = NULL,
			    finished_at = now(), updated_at = now()
			WHERE id IN (SELECT id FROM expired) AND recovery_count + 1 > $2
			RETURNING id, workflow_id, owner, snapshot
		),
		recovered AS (
			UPDATE workflow_runs
			SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL,
			    recovery_count = recovery_count + 1, updated_at = now()
			WHERE id IN (SELECT id FROM expired) AND id NOT IN (SELECT id FROM failed)
			RETURNING id
		)
		SELECT id, NULL::uuid, NULL::uuid, NULL::jsonb, false AS permanently_failed FROM recovered
		UNION ALL
		SELECT id, workflow_id, owner, snapshot, true FROM failed`, failReason, maxRecoveries)
	if err != nil {
		return nil, nil, fmt.Errorf("recovering orphans: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                uuid.UUID
			workflowID        *uuid.UUID
			owner             *uuid.UUID
			snapshot          []byte
			permanentlyFailed bool
		)
		if err := rows.Scan(&id, &workflowID, &owner, &snapshot, &permanentlyFailed); err != nil {
			return nil, nil, fmt.Errorf("scanning orphan recovery row: %w", err)
		}
		if permanentlyFailed {
			msg := failReason
			failed = append(failed, &Run{ID: id, WorkflowID: *workflowID, Owner: *owner, Snapshot: snapshot, Status: RunFailed, Error: &msg})
		} else {
			recovered = append(recovered, id)
		}
	}
	return recovered, failed, rows.Err()
}

// GetRun loads a run the caller owns.
func (s *Store) GetRun(ctx context.Context, id, owner uuid.UUID) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, owner, status, priority, idempotency_key, snapshot,
		       lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
		       started_at, finished_at, error
		FROM workflow_runs WHERE id = $1 AND owner = $2`, id, owner)
	return scanRun(row)
}

// ListRuns lists runs for a workflow, optionally filtered by status, newest
// first, with offset pagination.
func (s *Store) ListRuns(ctx context.Context, workflowID, owner uuid.UUID, status string, offset, limit int) ([]*Run, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, workflow_id, owner, status, priority, idempotency_key, snapshot,
			       lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
			       started_at, finished_at, error
			FROM workflow_runs
			WHERE workflow_id = $1 AND owner = $2 AND status = $3
			ORDER BY created_at DESC OFFSET $4 LIMIT $5`, workflowID, owner, status, offset, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, workflow_id, owner, status, priority, idempotency_key, snapshot,
			       lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
			       started_at, finished_at, error
			FROM workflow_runs
			WHERE workflow_id = $1 AND owner = $2
			ORDER BY created_at DESC OFFSET $3 LIMIT $4`, workflowID, owner, offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.WorkflowID, &r.Owner, &r.Status, &r.Priority, &r.IdempotencyKey,
		&r.Snapshot, &r.LeaseOwner, &r.LeaseExpiresAt, &r.RecoveryCount, &r.CreatedAt, &r.UpdatedAt,
		&r.StartedAt, &r.FinishedAt, &r.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return &r, nil
}

func scanRunRows(rows pgx.Rows) (*Run, error) {
	var r Run
	err := rows.Scan(&r.ID, &r.WorkflowID, &r.Owner, &r.Status, &r.Priority, &r.IdempotencyKey,
		&r.Snapshot, &r.LeaseOwner, &r.LeaseExpiresAt, &r.RecoveryCount, &r.CreatedAt, &r.UpdatedAt,
		&r.StartedAt, &r.FinishedAt, &r.Error)
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return &r, nil
}
