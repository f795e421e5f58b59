// Package eventbus fans out run/node_run/tick notifications across processes
// over Redis pub/sub, so the API process's SSE handler sees updates made by a
// separate worker process.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventKind names the SSE event types: run, node_runs, tick, error.
type EventKind string

const (
	EventRun       EventKind = "run"
	EventNodeRuns  EventKind = "node_runs"
	EventTick      EventKind = "tick"
	EventError     EventKind = "error"
)

// Event is the payload published for one workflow's channel.
type Event struct {
	Kind    EventKind       `json:"kind"`
	RunID   uuid.UUID       `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Bus wraps a Redis client for per-workflow pub/sub channels.
type Bus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New wraps an existing Redis client. The client is owned by the caller.
func New(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger}
}

func channelName(workflowID uuid.UUID) string {
	return fmt.Sprintf("dsentr:workflow:%s:events", workflowID)
}

// Publish broadcasts an event to every subscriber of workflowID's channel.
// Publish failures are logged, not returned: a dropped SSE notification must
// never fail the run or schedule tick that triggered it.
func (b *Bus) Publish(ctx context.Context, workflowID uuid.UUID, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshaling event bus payload", "error", err, "kind", ev.Kind)
		return
	}
	if err := b.rdb.Publish(ctx, channelName(workflowID), data).Err(); err != nil {
		b.logger.Error("publishing event", "error", err, "workflow_id", workflowID, "kind", ev.Kind)
	}
}

// Subscribe opens a subscription to workflowID's channel. The caller must
// close the returned *redis.PubSub when done.
func (b *Bus) Subscribe(ctx context.Context, workflowID uuid.UUID) *redis.PubSub {
	return b.rdb.Subscribe(ctx, channelName(workflowID))
}
