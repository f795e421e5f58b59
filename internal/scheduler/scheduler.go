// Package scheduler evaluates workflow schedules into fire times and
// enqueues runs when they come due.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/store"
)

// advisoryLockKey is an arbitrary fixed key for the cluster-singleton
// advisory lock, so at most one scheduler runs cluster-wide. A single
// constant is sufficient: this process runs exactly one scheduler.
const advisoryLockKey = 72175 // arbitrary; "dsentr-scheduler" key space

// Scheduler is the single goroutine per process that claims the cluster-wide
// advisory lock and ticks schedules due for firing.
type Scheduler struct {
	store        *store.Store
	pool         *pgxpool.Pool
	bus          *eventbus.Bus
	logger       *slog.Logger
	tickInterval time.Duration
	defaultQuota int

	// lockConn is the single pinned connection holding the session-scoped
	// advisory lock. Session advisory locks are tied to one backend
	// connection, so this must survive across ticks rather than being
	// reacquired from the pool each time — returning it to the pool between
	// calls would let a later tick observe the lock as unheld even though
	// this process still "holds" it from an earlier, now-pooled connection.
	lockConn *pgxpool.Conn
}

// New builds a Scheduler. tickInterval defaults to 5s.
func New(st *store.Store, pool *pgxpool.Pool, bus *eventbus.Bus, logger *slog.Logger, tickInterval time.Duration, defaultQuota int) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 5 * time.Second
	}
	return &Scheduler{
		store:        st,
		pool:         pool,
		bus:          bus,
		logger:       logger,
		tickInterval: tickInterval,
		defaultQuota: defaultQuota,
	}
}

// Run blocks, ticking until ctx is canceled. It first attempts to acquire
// the cluster-wide advisory lock; if another process already holds it, Run
// retries on every tick until it either acquires the lock or ctx ends, so a
// scheduler process that crashes is replaced without operator intervention.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "tick_interval", s.tickInterval)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	defer s.releaseLock(context.Background())

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.tryAcquireLock(ctx)
	if err != nil {
		s.logger.Error("scheduler: acquiring advisory lock", "error", err)
		return
	}
	if !acquired {
		return // another process is the active scheduler
	}

	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: loading due schedules", "error", err)
		return
	}

	for _, d := range due {
		s.fire(ctx, d, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, d store.DueSchedule, now time.Time) {
	scheduledFor := d.NextRunAt
	idempotencyKey := fmt.Sprintf("sched:%s:%d", d.WorkflowID, scheduledFor.Unix())

	wf, err := s.store.GetWorkflowByID(ctx, d.WorkflowID)
	if err != nil {
		s.logger.Error("scheduler: loading workflow", "workflow_id", d.WorkflowID, "error", err)
		return
	}

	snapshot, err := buildScheduledSnapshot(wf)
	if err != nil {
		s.logger.Error("scheduler: building snapshot", "workflow_id", d.WorkflowID, "error", err)
		return
	}

	periodStart := store.CurrentPeriodStart(now)
	run, err := s.store.EnqueueRunWithQuota(ctx, d.WorkflowID, d.Owner, wf.WorkspaceID, s.defaultQuota, periodStart, snapshot, 0, &idempotencyKey)
	if err != nil {
		s.logger.Error("scheduler: enqueuing run", "workflow_id", d.WorkflowID, "error", err)
		return
	}

	next, err := nextFireTime(d.Config, &d.NextRunAt, now)
	if err != nil {
		s.logger.Error("scheduler: computing next fire time, disabling schedule", "workflow_id", d.WorkflowID, "error", err)
		if derr := s.store.DisableSchedule(ctx, d.WorkflowID); derr != nil {
			s.logger.Error("scheduler: disabling schedule", "workflow_id", d.WorkflowID, "error", derr)
		}
		return
	}

	if err := s.store.AdvanceSchedule(ctx, d.WorkflowID, scheduledFor, next); err != nil {
		s.logger.Error("scheduler: advancing schedule", "workflow_id", d.WorkflowID, "error", err)
		return
	}

	s.logger.Info("scheduler: fired", "workflow_id", d.WorkflowID, "run_id", run.ID, "next_run_at", next)
	if s.bus != nil {
		s.bus.Publish(ctx, d.WorkflowID, eventbus.Event{Kind: eventbus.EventTick, RunID: run.ID})
	}
}

// buildScheduledSnapshot freezes the workflow's graph with an empty trigger
// context — a scheduled tick has no inbound payload the way a webhook or
// manual API call does.
func buildScheduledSnapshot(wf *store.Workflow) ([]byte, error) {
	extras := map[string]any{
		"_trigger_context": map[string]any{},
		"_egress_allowlist": wf.EgressAllowlist,
	}
	merged, err := mergeGraphAndExtras(wf.Graph, extras)
	if err != nil {
		return nil, fmt.Errorf("merging snapshot extras: %w", err)
	}
	return merged, nil
}

// mergeGraphAndExtras flattens the workflow's graph JSON object with the
// engine's reserved `_trigger_context`/`_egress_allowlist`/`_start_from_node`
// keys into a single snapshot object, matching the shape internal/engine's
// snapshot.go decodes.
func mergeGraphAndExtras(graph json.RawMessage, extras map[string]any) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(graph, &obj); err != nil {
		return nil, fmt.Errorf("decoding graph for snapshot merge: %w", err)
	}
	for k, v := range extras {
		obj[k] = v
	}
	return json.Marshal(obj)
}

func (s *Scheduler) tryAcquireLock(ctx context.Context) (bool, error) {
	if s.lockConn != nil {
		return true, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring connection for advisory lock: %w", err)
	}

	var ok bool
	row := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey)
	if err := row.Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	s.lockConn = conn // held, not released, for as long as this process is the active scheduler
	return true, nil
}

func (s *Scheduler) releaseLock(ctx context.Context) {
	if s.lockConn == nil {
		return
	}
	if _, err := s.lockConn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey); err != nil {
		s.logger.Error("scheduler: releasing advisory lock", "error", err)
	}
	s.lockConn.Release()
	s.lockConn = nil
}
