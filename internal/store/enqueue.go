package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// CurrentPeriodStart returns the first instant of the monthly billing cycle
// containing now, in UTC.
func CurrentPeriodStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EnqueueRunWithQuota enqueues a run, first incrementing the workspace's
// monthly quota counter in the same transaction when workspaceID is set, so
// a cap rejects the enqueue before any run row exists. A workflow with no
// workspace_id (a personal workflow) has no quota to enforce and is
// enqueued directly.
func (s *Store) EnqueueRunWithQuota(ctx context.Context, workflowID, owner uuid.UUID, workspaceID *uuid.UUID, maxRuns int, periodStart time.Time, snapshot []byte, priority int, idempotencyKey *string) (*Run, error) {
	if workspaceID == nil {
		return s.EnqueueRun(ctx, workflowID, owner, snapshot, priority, idempotencyKey)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var runCount, overageCount int
	row := tx.QueryRow(ctx, `
		INSERT INTO workspace_run_quota (workspace_id, period_start, run_count, overage_count)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (workspace_id, period_start) DO UPDATE
		SET run_count = workspace_run_quota.run_count + 1
		RETURNING run_count, overage_count`, *workspaceID, periodStart)
	if err := row.Scan(&runCount, &overageCount); err != nil {
		return nil, fmt.Errorf("incrementing workspace quota: %w", err)
	}

	if runCount > maxRuns {
		return nil, ErrQuotaExceeded
	}

	runRow := tx.QueryRow(ctx, `
		INSERT INTO workflow_runs
			(id, workflow_id, owner, status, priority, idempotency_key, snapshot, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, 'queued', $3, $4, $5, now(), now())
		RETURNING id, workflow_id, owner, status, priority, idempotency_key, snapshot,
		          lease_owner, lease_expires_at, recovery_count, created_at, updated_at,
		          started_at, finished_at, error`,
		workflowID, owner, priority, idempotencyKey, snapshot)

	run, err := scanRun(runRow)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && idempotencyKey != nil {
			// Duplicate idempotency key: roll back the quota increment (this
			// call never actually created a new run) and return the existing one.
			tx.Rollback(ctx)
			return s.getRunByIdempotencyKey(ctx, workflowID, *idempotencyKey)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing enqueue tx: %w", err)
	}
	return run, nil
}
