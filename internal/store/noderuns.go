package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// StartNodeRun inserts a pending→running node_run row for an attempt.
func (s *Store) StartNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_node_runs (run_id, node_id, attempt, status, started_at, updated_at)
		VALUES ($1, $2, $3, 'running', now(), now())
		ON CONFLICT (run_id, node_id, attempt) DO UPDATE
		SET status = 'running', started_at = now(), updated_at = now()`,
		runID, nodeID, attempt)
	if err != nil {
		return fmt.Errorf("starting node run: %w", err)
	}
	return nil
}

// FinishNodeRun records the terminal state of one node attempt.
func (s *Store) FinishNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, attempt int, status NodeRunStatus, output []byte, nodeErr *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_node_runs
		SET status = $4, output = $5, error = $6, finished_at = now(), updated_at = now()
		WHERE run_id = $1 AND node_id = $2 AND attempt = $3`,
		runID, nodeID, attempt, status, output, nodeErr)
	if err != nil {
		return fmt.Errorf("finishing node run: %w", err)
	}
	return nil
}

// SkipNodeRun records a node that was never reached because an ancestor
// branch failed or the run was canceled.
func (s *Store) SkipNodeRun(ctx context.Context, runID uuid.UUID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_node_runs (run_id, node_id, attempt, status, started_at, finished_at, updated_at)
		VALUES ($1, $2, 0, 'skipped', now(), now(), now())
		ON CONFLICT (run_id, node_id, attempt) DO NOTHING`,
		runID, nodeID)
	if err != nil {
		return fmt.Errorf("skipping node run: %w", err)
	}
	return nil
}

// ListNodeRuns returns every attempt recorded for a run, oldest first.
func (s *Store) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*NodeRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, node_id, attempt, status, started_at, finished_at, output, error, updated_at
		FROM workflow_node_runs WHERE run_id = $1
		ORDER BY started_at ASC NULLS FIRST, attempt ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing node runs: %w", err)
	}
	defer rows.Close()

	var out []*NodeRun
	for rows.Next() {
		var nr NodeRun
		if err := rows.Scan(&nr.RunID, &nr.NodeID, &nr.Attempt, &nr.Status, &nr.StartedAt,
			&nr.FinishedAt, &nr.Output, &nr.Error, &nr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning node run: %w", err)
		}
		out = append(out, &nr)
	}
	return out, rows.Err()
}

// FirstFailedNode returns the node id of the earliest failed attempt in a
// run, used by rerun-from-failed to pick the resume point.
func (s *Store) FirstFailedNode(ctx context.Context, runID uuid.UUID) (string, error) {
	var nodeID string
	row := s.pool.QueryRow(ctx, `
		SELECT node_id FROM workflow_node_runs
		WHERE run_id = $1 AND status = 'failed'
		ORDER BY started_at ASC NULLS LAST, attempt ASC
		LIMIT 1`, runID)
	if err := row.Scan(&nodeID); err != nil {
		return "", ErrNotFound
	}
	return nodeID, nil
}

// LatestNodeOutput returns the output of the most recent successful attempt
// for a node — used when resuming from _start_from_node, where predecessor
// outputs are pulled from the source run rather than re-executed.
func (s *Store) LatestNodeOutput(ctx context.Context, runID uuid.UUID, nodeID string) ([]byte, error) {
	var output []byte
	row := s.pool.QueryRow(ctx, `
		SELECT output FROM workflow_node_runs
		WHERE run_id = $1 AND node_id = $2 AND status = 'succeeded'
		ORDER BY attempt DESC LIMIT 1`, runID, nodeID)
	if err := row.Scan(&output); err != nil {
		return nil, fmt.Errorf("loading predecessor output: %w", err)
	}
	return output, nil
}
