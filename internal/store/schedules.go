package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// UpsertSchedule creates or replaces the single schedule owned by workflowID.
func (s *Store) UpsertSchedule(ctx context.Context, workflowID uuid.UUID, config []byte, enabled bool, nextRunAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_schedules (workflow_id, config, enabled, next_run_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id) DO UPDATE
		SET config = $2, enabled = $3, next_run_at = $4`,
		workflowID, config, enabled, nextRunAt)
	if err != nil {
		return fmt.Errorf("upserting schedule: %w", err)
	}
	return nil
}

// DueSchedules loads every enabled schedule whose next_run_at <= now, in
// next_run_at order, and returns them alongside their owning workflow's
// owner id (needed to enqueue a run).
type DueSchedule struct {
	WorkflowID uuid.UUID
	Owner      uuid.UUID
	Config     []byte
	LastRunAt  *time.Time
	NextRunAt  time.Time
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]DueSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ws.workflow_id, w.owner, ws.config, ws.last_run_at, ws.next_run_at
		FROM workflow_schedules ws
		JOIN workflows w ON w.id = ws.workflow_id
		WHERE ws.enabled AND ws.next_run_at <= $1
		ORDER BY ws.next_run_at ASC
		FOR UPDATE OF ws SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("loading due schedules: %w", err)
	}
	defer rows.Close()

	var out []DueSchedule
	for rows.Next() {
		var d DueSchedule
		if err := rows.Scan(&d.WorkflowID, &d.Owner, &d.Config, &d.LastRunAt, &d.NextRunAt); err != nil {
			return nil, fmt.Errorf("scanning due schedule: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AdvanceSchedule records a completed tick: last_run_at = scheduledFor,
// next_run_at = next.
func (s *Store) AdvanceSchedule(ctx context.Context, workflowID uuid.UUID, scheduledFor, next time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_schedules SET last_run_at = $2, next_run_at = $3
		WHERE workflow_id = $1`, workflowID, scheduledFor, next)
	if err != nil {
		return fmt.Errorf("advancing schedule: %w", err)
	}
	return nil
}

// DisableSchedule is called when a schedule's config fails to parse.
func (s *Store) DisableSchedule(ctx context.Context, workflowID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_schedules SET enabled = false, next_run_at = NULL
		WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("disabling schedule: %w", err)
	}
	return nil
}

// GetSchedule loads the schedule for a workflow, if any.
func (s *Store) GetSchedule(ctx context.Context, workflowID uuid.UUID) (*Schedule, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT workflow_id, config, last_run_at, next_run_at, enabled
		FROM workflow_schedules WHERE workflow_id = $1`, workflowID)

	var sc Schedule
	err := row.Scan(&sc.WorkflowID, &sc.Config, &sc.LastRunAt, &sc.NextRunAt, &sc.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning schedule: %w", err)
	}
	return &sc, nil
}
