// Package engine drives one workflow run: graph traversal with conditional
// branches, parallel fan-out/fan-in, loop iteration, retries with backoff,
// per-node timeouts, cancellation, and node_run persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/eventbus"
	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/store"
	"github.com/dsentr/dsentr/internal/template"
)

// Deps are an Engine's fixed collaborators, shared across every run it drives.
type Deps struct {
	Store      *store.Store
	Registry   *integrations.Registry
	Secrets    integrations.Secrets
	HTTPClient *http.Client
	Bus        *eventbus.Bus // optional; node_run SSE notifications when set
	Logger     *slog.Logger
}

// Engine drives runs using a fixed set of Deps.
type Engine struct {
	deps Deps
}

// New builds an Engine.
func New(deps Deps) *Engine {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Engine{deps: deps}
}

// Result is what Run reports back to the dispatcher, which persists it via
// Store.CompleteRun.
type Result struct {
	Status          store.RunStatus
	Error           *string
	DeadLetterReason string // non-empty iff the run should be dead-lettered
}

// nodeFailure carries a node failure up through the traversal, classified
// for the run-level failure and dead-letter policy.
type nodeFailure struct {
	Message         string
	Infrastructural bool
	Canceled        bool
}

func (f *nodeFailure) Error() string { return f.Message }

// Run drives run to completion: it marks the run running, traverses the
// graph from the trigger (or the snapshot's resume node), and returns the
// terminal status. The caller (the dispatcher) is responsible for renewing
// the run's lease and for calling Store.CompleteRun with the result; Run
// itself never calls CompleteRun, so that the dispatcher can still act on a
// context canceled by lease loss after Run returns early.
//
// The dispatcher cancels ctx with context.WithCancelCause, passing
// store.ErrLeaseLost as the cause on lease loss; Run reads context.Cause(ctx)
// to tell that apart from a user cancel or process shutdown, since only the
// former is dead-letter eligible.
func (e *Engine) Run(ctx context.Context, run *store.Run, wf *store.Workflow, workerID string) Result {
	g, err := graph.Parse(run.Snapshot, "")
	extras, exErr := decodeSnapshotExtras(run.Snapshot)
	if err != nil || exErr != nil {
		msg := firstNonNil(err, exErr).Error()
		return Result{Status: store.RunFailed, Error: &msg}
	}
	if extras.StartFromNode != "" {
		g, err = graph.Parse(run.Snapshot, extras.StartFromNode)
		if err != nil {
			msg := err.Error()
			return Result{Status: store.RunFailed, Error: &msg}
		}
	}
	if len(g.Unreachable) > 0 {
		e.deps.Logger.Warn("ignoring unreachable nodes", "run_id", run.ID, "node_ids", g.Unreachable)
	}

	if err := e.deps.Store.MarkRunning(ctx, run.ID, workerID); err != nil {
		msg := fmt.Sprintf("marking run running: %v", err)
		result := Result{Status: store.RunFailed, Error: &msg}
		if errors.Is(err, store.ErrLeaseLost) && wf.AutoDeadLetter {
			result.DeadLetterReason = "infrastructural: lease lost before run started"
		}
		return result
	}

	egress := newAllowlistChecker(extras.EgressAllowlist)
	rs := newRunState(run.ID, wf.ID, g, egress)
	rootCtx := template.Context{}
	var startNode string

	if extras.StartFromNode == "" {
		startNode = g.TriggerNode
		output := map[string]any(extras.TriggerContext)
		if werr := e.writeTriggerNodeRun(ctx, run.ID, startNode, output); werr != nil {
			msg := werr.Error()
			return Result{Status: store.RunFailed, Error: &msg}
		}
		rs.markExecuted(startNode)
		rootCtx[startNode] = output
	} else {
		startNode = extras.StartFromNode
		if extras.SourceRunID != nil {
			for _, pred := range g.Predecessors(startNode) {
				out, err := e.deps.Store.LatestNodeOutput(ctx, *extras.SourceRunID, pred.From)
				if err != nil {
					continue // predecessor never produced output (e.g. a condition branch); leave context key absent
				}
				var parsed any
				_ = json.Unmarshal(out, &parsed)
				rootCtx[pred.From] = parsed
			}
		}
	}

	nf := e.execNode(ctx, rs, startNode, rootCtx)

	skipped := rs.unexecutedNodes()
	for _, id := range skipped {
		if err := e.deps.Store.SkipNodeRun(ctx, run.ID, id); err != nil {
			e.deps.Logger.Warn("marking node skipped", "run_id", run.ID, "node_id", id, "error", err)
		}
	}

	if nf == nil {
		return Result{Status: store.RunSucceeded}
	}

	if nf.Canceled || errors.Is(context.Cause(ctx), context.Canceled) {
		cause := context.Cause(ctx)
		if errors.Is(cause, store.ErrLeaseLost) {
			msg := "lease lost mid-run"
			result := Result{Status: store.RunFailed, Error: &msg}
			if wf.AutoDeadLetter {
				result.DeadLetterReason = "lease_timeout"
			}
			return result
		}
		return Result{Status: store.RunCanceled}
	}

	msg := nf.Message
	result := Result{Status: store.RunFailed, Error: &msg}
	if nf.Infrastructural && wf.AutoDeadLetter {
		result.DeadLetterReason = "infrastructural: " + msg
	}
	return result
}

func (e *Engine) writeTriggerNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, output map[string]any) error {
	if err := e.deps.Store.StartNodeRun(ctx, runID, nodeID, 0); err != nil {
		return fmt.Errorf("starting trigger node run: %w", err)
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encoding trigger context: %w", err)
	}
	if err := e.deps.Store.FinishNodeRun(ctx, runID, nodeID, 0, store.NodeRunSucceeded, raw, nil); err != nil {
		return fmt.Errorf("finishing trigger node run: %w", err)
	}
	return nil
}

// finishNode records one attempt's terminal state and notifies SSE
// subscribers that the run's node_runs changed.
func (e *Engine) finishNode(ctx context.Context, rs *runState, nodeID string, attempt int, status store.NodeRunStatus, output []byte, nodeErr *string) error {
	if err := e.deps.Store.FinishNodeRun(ctx, rs.runID, nodeID, attempt, status, output, nodeErr); err != nil {
		return err
	}
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(ctx, rs.workflowID, eventbus.Event{Kind: eventbus.EventNodeRuns, RunID: rs.runID})
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// isInfrastructural reports whether err represents an infrastructural
// failure per the dead-letter promotion criterion: an adapter error whose
// category is retryable transport, after retries were exhausted.
func isInfrastructural(err error) bool {
	var aerr *integrations.AdapterError
	if errors.As(err, &aerr) {
		return aerr.Category == integrations.CategoryTransport
	}
	return false
}
