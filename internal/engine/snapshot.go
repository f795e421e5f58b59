package engine

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// snapshotExtras holds the run-specific fields frozen into a run's snapshot
// alongside the workflow's graph: the trigger payload, the egress
// allowlist in effect when the run was created, and — for a rerun starting
// mid-graph — the resume node and the run whose NodeRuns supply its
// predecessors' outputs.
type snapshotExtras struct {
	TriggerContext  map[string]any `json:"_trigger_context"`
	EgressAllowlist []string       `json:"_egress_allowlist"`
	StartFromNode   string         `json:"_start_from_node"`
	SourceRunID     *uuid.UUID     `json:"_source_run_id"`
}

func decodeSnapshotExtras(snapshot []byte) (snapshotExtras, error) {
	var extras snapshotExtras
	if err := json.Unmarshal(snapshot, &extras); err != nil {
		return extras, fmt.Errorf("decoding run snapshot extras: %w", err)
	}
	if extras.TriggerContext == nil {
		extras.TriggerContext = map[string]any{}
	}
	return extras, nil
}
