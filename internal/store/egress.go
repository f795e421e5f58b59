package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordEgressBlock preserves one refused outbound call for operator
// review. Called by the engine alongside the node's terminal failure, never
// on the request hot path.
func (s *Store) RecordEgressBlock(ctx context.Context, workflowID, runID uuid.UUID, nodeID, host string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_egress_block_events (id, workflow_id, run_id, node_id, host, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, now())`,
		workflowID, runID, nodeID, host)
	if err != nil {
		return fmt.Errorf("recording egress block event: %w", err)
	}
	return nil
}

// ListEgressBlockEvents lists blocked egress attempts for a workflow the
// caller owns, newest first.
func (s *Store) ListEgressBlockEvents(ctx context.Context, workflowID, owner uuid.UUID) ([]*EgressBlockEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.workflow_id, e.run_id, e.node_id, e.host, e.created_at
		FROM workflow_egress_block_events e
		JOIN workflows w ON w.id = e.workflow_id
		WHERE e.workflow_id = $1 AND w.owner = $2
		ORDER BY e.created_at DESC`, workflowID, owner)
	if err != nil {
		return nil, fmt.Errorf("listing egress block events: %w", err)
	}
	defer rows.Close()

	var out []*EgressBlockEvent
	for rows.Next() {
		var ev EgressBlockEvent
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.RunID, &ev.NodeID, &ev.Host, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning egress block event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
