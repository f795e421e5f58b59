package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IncrementWorkspaceQuota atomically increments run_count for the billing
// period; if the new count exceeds maxRuns it also increments overage_count
// and reports overageIncremented=true exactly once per surplus run. The
// enqueue path uses EnqueueRunWithQuota, which performs the same increment
// inside the insert transaction; this standalone form serves admin tooling
// and tests that inspect or adjust the counters directly.
func (s *Store) IncrementWorkspaceQuota(ctx context.Context, workspaceID uuid.UUID, periodStart time.Time, maxRuns int) (LeaseResult, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO workspace_run_quota (workspace_id, period_start, run_count, overage_count)
		VALUES ($1, $2, 1, 0)
		ON CONFLICT (workspace_id, period_start) DO UPDATE
		SET run_count = workspace_run_quota.run_count + 1
		RETURNING run_count, overage_count`, workspaceID, periodStart)

	var result LeaseResult
	if err := row.Scan(&result.RunCount, &result.OverageCount); err != nil {
		return LeaseResult{}, fmt.Errorf("incrementing workspace quota: %w", err)
	}

	result.Allowed = result.RunCount <= maxRuns
	if !result.Allowed {
		if _, err := s.pool.Exec(ctx, `
			UPDATE workspace_run_quota SET overage_count = overage_count + 1
			WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart); err != nil {
			return LeaseResult{}, fmt.Errorf("incrementing overage count: %w", err)
		}
		result.OverageCount++
		result.OverageIncremented = true
	}

	return result, nil
}

// ReleaseWorkspaceQuota decrements run_count (and overage_count if the
// released run was itself an overage), used when a queued run is canceled
// before execution.
func (s *Store) ReleaseWorkspaceQuota(ctx context.Context, workspaceID uuid.UUID, periodStart time.Time, wasOverage bool) error {
	if wasOverage {
		_, err := s.pool.Exec(ctx, `
			UPDATE workspace_run_quota
			SET run_count = GREATEST(run_count - 1, 0), overage_count = GREATEST(overage_count - 1, 0)
			WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart)
		if err != nil {
			return fmt.Errorf("releasing overage quota: %w", err)
		}
		return nil
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE workspace_run_quota SET run_count = GREATEST(run_count - 1, 0)
		WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart)
	if err != nil {
		return fmt.Errorf("releasing quota: %w", err)
	}
	return nil
}

// GetWorkspaceQuota reads the current counters for a period without mutating them.
func (s *Store) GetWorkspaceQuota(ctx context.Context, workspaceID uuid.UUID, periodStart time.Time) (WorkspaceRunQuota, error) {
	q := WorkspaceRunQuota{WorkspaceID: workspaceID, PeriodStart: periodStart}
	row := s.pool.QueryRow(ctx, `
		SELECT run_count, overage_count FROM workspace_run_quota
		WHERE workspace_id = $1 AND period_start = $2`, workspaceID, periodStart)
	if err := row.Scan(&q.RunCount, &q.OverageCount); err != nil {
		return q, nil // no row yet means zero usage; not an error
	}
	return q, nil
}
