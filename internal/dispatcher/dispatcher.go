// Package dispatcher leases queued runs, drives the engine for each, renews
// the lease while the engine runs, and recovers orphaned runs left behind by
// a crashed worker.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/engine"
	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/store"
)

// Config holds the worker pool tunables.
type Config struct {
	WorkerCount      int
	LeaseSeconds     int
	PollInterval     time.Duration // base; ±25% jitter applied
	MaxRecoveries    int
	DrainDeadline    time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:   1,
		LeaseSeconds:  30,
		PollInterval:  250 * time.Millisecond,
		MaxRecoveries: 3,
		DrainDeadline: 30 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// Dispatcher owns the worker pool and orphan sweeper.
type Dispatcher struct {
	store  *store.Store
	engine *engine.Engine
	bus    *eventbus.Bus
	logger *slog.Logger
	cfg    Config

	wg sync.WaitGroup
}

// New builds a Dispatcher.
func New(st *store.Store, eng *engine.Engine, bus *eventbus.Bus, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	return &Dispatcher{store: st, engine: eng, bus: bus, logger: logger, cfg: cfg}
}

// Run starts the worker pool and the orphan sweeper; it blocks until ctx is
// canceled, then drains in-flight runs up to cfg.DrainDeadline before
// returning. A run still running when the deadline expires has its lease
// left to expire naturally so another worker recovers it — Run does not
// force-cancel those engine goroutines, it simply stops waiting.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "workers", d.cfg.WorkerCount, "lease_seconds", d.cfg.LeaseSeconds)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < d.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop(workerCtx, workerID)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(workerCtx)
	}()

	<-ctx.Done()
	d.logger.Info("dispatcher draining", "deadline", d.cfg.DrainDeadline)

	cancelWorkers() // stop accepting new leases

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained cleanly")
	case <-time.After(d.cfg.DrainDeadline):
		d.logger.Warn("dispatcher drain deadline exceeded; leaving in-flight leases to expire")
	}
	return nil
}

// workerLoop repeatedly leases a run, drives it, and loops. It sleeps with
// jitter between empty polls.
func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	d.logger.Info("worker started", "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("worker stopped", "worker_id", workerID)
			return
		default:
		}

		run, err := d.store.LeaseRun(ctx, workerID, d.cfg.LeaseSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("leasing run", "worker_id", workerID, "error", err)
			d.sleepWithJitter(ctx)
			continue
		}
		if run == nil {
			d.sleepWithJitter(ctx)
			continue
		}

		// Shutdown stops new leases but not a run already leased: the run's
		// context outlives ctx so Run can drain it up to DrainDeadline.
		d.driveRun(context.WithoutCancel(ctx), run, workerID)
	}
}

// driveRun renews the run's lease on a ticker while the engine runs it, and
// completes the run (or dead-letters it) once the engine returns.
func (d *Dispatcher) driveRun(parentCtx context.Context, run *store.Run, workerID string) {
	wf, err := d.store.GetWorkflowByID(parentCtx, run.WorkflowID)
	if err != nil {
		msg := fmt.Sprintf("loading workflow for run: %v", err)
		d.logger.Error("driveRun: loading workflow", "run_id", run.ID, "error", err)
		_ = d.store.CompleteRun(parentCtx, run.ID, workerID, store.RunFailed, &msg)
		return
	}

	runCtx, cancel := context.WithCancelCause(parentCtx)
	defer cancel(nil)

	renewerDone := make(chan struct{})
	go d.renewLeaseLoop(runCtx, cancel, run.ID, workerID, renewerDone)

	result := d.engine.Run(runCtx, run, wf, workerID)
	close(renewerDone)

	// CompleteRun failing means the lease was no longer ours — the run was
	// canceled by the user or recovered by the sweeper. Either way this
	// worker's verdict doesn't stand, so no dead letter is written from it.
	if err := d.store.CompleteRun(parentCtx, run.ID, workerID, result.Status, result.Error); err != nil {
		d.logger.Error("completing run", "run_id", run.ID, "status", result.Status, "error", err)
	} else if result.DeadLetterReason != "" {
		if err := d.store.InsertDeadLetter(parentCtx, run.WorkflowID, run.Owner, run.ID, result.DeadLetterReason, run.Snapshot); err != nil {
			d.logger.Error("inserting dead letter", "run_id", run.ID, "error", err)
		}
	}

	if d.bus != nil {
		d.bus.Publish(parentCtx, run.WorkflowID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
	}
}

// renewLeaseLoop renews the lease every leaseSeconds/3 until renewerDone
// closes (the engine returned) or renewal reports the lease was lost, in
// which case it cancels runCtx with store.ErrLeaseLost so the engine can
// tell lease loss apart from a user cancel or shutdown.
func (d *Dispatcher) renewLeaseLoop(ctx context.Context, cancel context.CancelCauseFunc, runID uuid.UUID, workerID string, done <-chan struct{}) {
	interval := time.Duration(d.cfg.LeaseSeconds) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.RenewLease(context.Background(), runID, workerID, d.cfg.LeaseSeconds); err != nil {
				if errors.Is(err, store.ErrLeaseLost) {
					d.logger.Warn("lease lost", "run_id", runID, "worker_id", workerID)
					cancel(store.ErrLeaseLost)
					return
				}
				d.logger.Error("renewing lease", "run_id", runID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) sleepWithJitter(ctx context.Context) {
	base := d.cfg.PollInterval
	jitter := time.Duration(rand.Int63n(int64(base) / 4)) // up to ±25%
	if rand.Intn(2) == 0 {
		jitter = -jitter
	}
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

// sweepLoop periodically recovers orphaned runs (expired leases) and
// publishes a run event for each so SSE subscribers see the requeue.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	recovered, failed, err := d.store.RecoverOrphans(ctx, d.cfg.MaxRecoveries)
	if err != nil {
		d.logger.Error("sweeping orphans", "error", err)
		return
	}
	for _, runID := range recovered {
		d.logger.Info("recovered orphaned run", "run_id", runID)
	}
	for _, run := range failed {
		d.logger.Warn("orphaned run exceeded max recoveries, failed permanently", "run_id", run.ID)
		wf, err := d.store.GetWorkflowByID(ctx, run.WorkflowID)
		if err != nil {
			d.logger.Error("loading workflow for dead letter", "run_id", run.ID, "error", err)
			continue
		}
		if !wf.AutoDeadLetter {
			continue
		}
		if err := d.store.InsertDeadLetter(ctx, run.WorkflowID, run.Owner, run.ID, "lease_timeout", run.Snapshot); err != nil {
			d.logger.Error("inserting dead letter for orphaned run", "run_id", run.ID, "error", err)
		}
		if d.bus != nil {
			d.bus.Publish(ctx, run.WorkflowID, eventbus.Event{Kind: eventbus.EventRun, RunID: run.ID})
		}
	}
}
