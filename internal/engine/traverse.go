package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/integrations"
	"github.com/dsentr/dsentr/internal/store"
	"github.com/dsentr/dsentr/internal/template"
)

// execNode executes one node and, on success, continues traversal to its
// successors. localCtx is this branch's own context map: reads see every
// ancestor's output, writes are invisible to sibling branches until a merge
// node (or the end of the run) reconciles them.
func (e *Engine) execNode(ctx context.Context, rs *runState, nodeID string, localCtx template.Context) *nodeFailure {
	if rs.isActiveLoop(nodeID) {
		// The cyclic loop_body back-edge: this iteration is done. The engine
		// never walks the edge back into the loop node itself.
		return nil
	}
	select {
	case <-ctx.Done():
		return &nodeFailure{Message: "run canceled", Canceled: true}
	default:
	}

	node, ok := rs.g.Node(nodeID)
	if !ok {
		return &nodeFailure{Message: fmt.Sprintf("node %q not found", nodeID), Infrastructural: true}
	}
	rs.markExecuted(nodeID)

	switch node.Kind {
	case graph.KindAction:
		return e.execAction(ctx, rs, node, localCtx)
	case graph.KindCondition:
		return e.execCondition(ctx, rs, node, localCtx)
	case graph.KindLoop:
		return e.execLoop(ctx, rs, node, localCtx)
	case graph.KindDelay:
		return e.execDelay(ctx, rs, node, localCtx)
	case graph.KindMerge:
		return e.execMerge(ctx, rs, node, localCtx)
	default:
		// KindTrigger only ever appears as the traversal root, handled by
		// Run before execNode is ever called.
		return nil
	}
}

// continueTraversal advances past nodeID to its default-edge successors:
// none ends the branch, one continues sequentially, more than one fans out
// in parallel.
func (e *Engine) continueTraversal(ctx context.Context, rs *runState, nodeID string, localCtx template.Context) *nodeFailure {
	succs := rs.g.DefaultSuccessors(nodeID)
	switch len(succs) {
	case 0:
		return nil
	case 1:
		return e.dispatchSuccessor(ctx, rs, succs[0], localCtx)
	default:
		grp, gctx := errgroup.WithContext(ctx)
		for _, succ := range succs {
			succ := succ
			branchCtx := cloneContext(localCtx)
			grp.Go(func() error {
				if nf := e.dispatchSuccessor(gctx, rs, succ, branchCtx); nf != nil {
					return nf
				}
				return nil
			})
		}
		if err := grp.Wait(); err != nil {
			var nf *nodeFailure
			if errors.As(err, &nf) {
				return nf
			}
			return &nodeFailure{Message: err.Error(), Infrastructural: true}
		}
		return nil
	}
}

// dispatchSuccessor routes to the merge-barrier path when succ is a
// structural merge point (≥2 incoming default edges), else executes it
// directly.
func (e *Engine) dispatchSuccessor(ctx context.Context, rs *runState, succ graph.Node, localCtx template.Context) *nodeFailure {
	if rs.g.IsMerge(succ.ID) {
		return e.arriveAtMerge(ctx, rs, succ.ID, localCtx)
	}
	return e.execNode(ctx, rs, succ.ID, localCtx)
}

// arriveAtMerge records one branch's arrival at a merge node, deep-merging
// its local context into the barrier's combined context. Only the last
// arrival actually executes the merge node and continues traversal; earlier
// arrivals return immediately.
func (e *Engine) arriveAtMerge(ctx context.Context, rs *runState, mergeNodeID string, localCtx template.Context) *nodeFailure {
	b := rs.barrierFor(mergeNodeID)
	b.mu.Lock()
	if b.combined == nil {
		b.combined = cloneContext(localCtx)
	} else {
		deepMergeInto(b.combined, localCtx)
	}
	b.remaining--
	isLast := b.remaining <= 0
	combined := b.combined
	b.mu.Unlock()

	if !isLast {
		return nil
	}
	return e.execNode(ctx, rs, mergeNodeID, combined)
}

// execMerge persists the merge node's own (trivial) node_run and continues
// traversal — the actual reconciliation already happened in arriveAtMerge.
func (e *Engine) execMerge(ctx context.Context, rs *runState, node graph.Node, localCtx template.Context) *nodeFailure {
	attempt := rs.nextAttempt(node.ID)
	if err := e.deps.Store.StartNodeRun(ctx, rs.runID, node.ID, attempt); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("starting merge node run: %v", err), Infrastructural: true}
	}
	if err := e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunSucceeded, []byte("{}"), nil); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("finishing merge node run: %v", err), Infrastructural: true}
	}
	return e.continueTraversal(ctx, rs, node.ID, localCtx)
}

// execCondition evaluates the node's expression and follows the true/false edge.
func (e *Engine) execCondition(ctx context.Context, rs *runState, node graph.Node, localCtx template.Context) *nodeFailure {
	var data conditionData
	if err := json.Unmarshal(node.Data, &data); err != nil {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("decoding condition node: %v", err), false, false, localCtx)
	}

	result, err := template.EvalExpression(data.Expression, localCtx)
	if err != nil {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("evaluating condition: %v", err), false, false, localCtx)
	}

	attempt := rs.nextAttempt(node.ID)
	if serr := e.deps.Store.StartNodeRun(ctx, rs.runID, node.ID, attempt); serr != nil {
		return &nodeFailure{Message: fmt.Sprintf("starting condition node run: %v", serr), Infrastructural: true}
	}
	out, _ := json.Marshal(map[string]any{"result": result})
	if ferr := e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunSucceeded, out, nil); ferr != nil {
		return &nodeFailure{Message: fmt.Sprintf("finishing condition node run: %v", ferr), Infrastructural: true}
	}
	localCtx[node.ID] = map[string]any{"result": result}

	kind := graph.EdgeFalse
	if result {
		kind = graph.EdgeTrue
	}
	succs := rs.g.Successors(node.ID, kind)
	if len(succs) == 0 {
		return nil
	}
	return e.dispatchSuccessor(ctx, rs, succs[0], localCtx)
}

// execDelay suspends the branch for the node's configured duration, capped
// at the run-wide max, then continues.
func (e *Engine) execDelay(ctx context.Context, rs *runState, node graph.Node, localCtx template.Context) *nodeFailure {
	var data delayData
	_ = json.Unmarshal(node.Data, &data)
	ms := data.MS
	if ms > defaultMaxDelay {
		ms = defaultMaxDelay
	}
	if ms < 0 {
		ms = 0
	}

	attempt := rs.nextAttempt(node.ID)
	if err := e.deps.Store.StartNodeRun(ctx, rs.runID, node.ID, attempt); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("starting delay node run: %v", err), Infrastructural: true}
	}

	if !sleepCtx(ctx, msToDuration(ms)) {
		errMsg := "run canceled during delay"
		_ = e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunFailed, nil, &errMsg)
		return &nodeFailure{Message: errMsg, Canceled: true}
	}

	out, _ := json.Marshal(map[string]any{"delayed_ms": ms})
	if err := e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunSucceeded, out, nil); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("finishing delay node run: %v", err), Infrastructural: true}
	}
	localCtx[node.ID] = map[string]any{"delayed_ms": ms}
	return e.continueTraversal(ctx, rs, node.ID, localCtx)
}

// execAction dispatches to the registered adapter for the node's provider,
// retrying per the node's retry policy, then continues traversal.
func (e *Engine) execAction(ctx context.Context, rs *runState, node graph.Node, localCtx template.Context) *nodeFailure {
	var env actionEnvelope
	if err := json.Unmarshal(node.Data, &env); err != nil {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("decoding action node: %v", err), false, false, localCtx)
	}

	provider := env.Provider
	if provider == "" {
		provider = "http"
	}
	timeoutMs := env.Timeout
	if timeoutMs <= 0 {
		timeoutMs = defaultActionTimeoutMs
	}
	retry := env.Retry.withDefaults()

	adapter, err := e.resolveAdapter(provider, rs.egress)
	if err != nil {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("resolving adapter for %q: %v", provider, err), false, env.ContinueOnError, localCtx)
	}

	var (
		output  json.RawMessage
		lastErr error
	)
	attempt := 0
	for {
		runAttempt := rs.nextAttempt(node.ID)
		if err := e.deps.Store.StartNodeRun(ctx, rs.runID, node.ID, runAttempt); err != nil {
			return &nodeFailure{Message: fmt.Sprintf("starting action node run: %v", err), Infrastructural: true}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, msToDuration(timeoutMs))
		out, _, aerr := adapter.Perform(attemptCtx, node, localCtx, e.deps.Secrets, e.deps.HTTPClient)
		cancel()

		if aerr == nil {
			output = out
			lastErr = nil
			if err := e.finishNode(ctx, rs, node.ID, runAttempt, store.NodeRunSucceeded, output, nil); err != nil {
				return &nodeFailure{Message: fmt.Sprintf("finishing action node run: %v", err), Infrastructural: true}
			}
			break
		}

		lastErr = aerr
		errMsg := aerr.Error()
		var adapterErr *integrations.AdapterError
		retryable := errors.As(aerr, &adapterErr) && adapterErr.Retryable()

		if retryable && attempt+1 < retry.MaxAttempts {
			if err := e.finishNode(ctx, rs, node.ID, runAttempt, store.NodeRunFailed, nil, &errMsg); err != nil {
				return &nodeFailure{Message: fmt.Sprintf("finishing action node run: %v", err), Infrastructural: true}
			}
			if !sleepCtx(ctx, backoffDelay(retry, attempt)) {
				return &nodeFailure{Message: "run canceled during retry backoff", Canceled: true}
			}
			attempt++
			continue
		}

		if err := e.finishNode(ctx, rs, node.ID, runAttempt, store.NodeRunFailed, nil, &errMsg); err != nil {
			return &nodeFailure{Message: fmt.Sprintf("finishing action node run: %v", err), Infrastructural: true}
		}
		break
	}

	if lastErr != nil {
		var adapterErr *integrations.AdapterError
		if errors.As(lastErr, &adapterErr) && adapterErr.Category == integrations.CategoryPolicy {
			if err := e.deps.Store.RecordEgressBlock(ctx, rs.workflowID, rs.runID, node.ID, adapterErr.Host); err != nil {
				e.deps.Logger.Error("recording egress block event", "error", err)
			}
		}
		return e.finishFailedNode(ctx, rs, node.ID, lastErr.Error(), isInfrastructural(lastErr), env.ContinueOnError, localCtx)
	}

	var parsed any
	_ = json.Unmarshal(output, &parsed)
	localCtx[node.ID] = parsed
	return e.continueTraversal(ctx, rs, node.ID, localCtx)
}

// resolveAdapter returns the registered adapter for provider. The generic
// HTTP adapter is built fresh per run so its egress check reflects this
// run's workflow, rather than a single process-wide allowlist.
func (e *Engine) resolveAdapter(provider string, egress *allowlistChecker) (integrations.Adapter, error) {
	if provider == "http" {
		return &integrations.HTTPAdapter{Egress: egress}, nil
	}
	return e.deps.Registry.Lookup(provider)
}

// finishFailedNode applies the failure policy: a continueOnError node keeps
// traversal going with an error-shaped output; otherwise the failure
// propagates to fail the run.
func (e *Engine) finishFailedNode(ctx context.Context, rs *runState, nodeID, message string, infrastructural, continueOnError bool, localCtx template.Context) *nodeFailure {
	if continueOnError {
		localCtx[nodeID] = map[string]any{"error": message, "failed": true}
		return e.continueTraversal(ctx, rs, nodeID, localCtx)
	}
	return &nodeFailure{Message: message, Infrastructural: infrastructural}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// execLoop resolves the loop's item list and runs the loop_body successor
// once per item, up to data.Concurrency at a time, then follows loop_exit.
func (e *Engine) execLoop(ctx context.Context, rs *runState, node graph.Node, localCtx template.Context) *nodeFailure {
	var data loopData
	if err := json.Unmarshal(node.Data, &data); err != nil {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("decoding loop node: %v", err), false, false, localCtx)
	}

	itemsVal := template.Lookup(localCtx, data.Items)
	items, ok := itemsVal.([]any)
	if !ok {
		return e.finishFailedNode(ctx, rs, node.ID, fmt.Sprintf("loop items path %q did not resolve to a list", data.Items), false, false, localCtx)
	}

	bodySuccs := rs.g.Successors(node.ID, graph.EdgeLoopBody)
	if len(bodySuccs) != 1 {
		return &nodeFailure{Message: fmt.Sprintf("loop node %q: expected exactly one loop_body edge", node.ID), Infrastructural: true}
	}
	body := bodySuccs[0]

	concurrency := data.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	rs.enterLoop(node.ID)
	defer rs.exitLoop(node.ID)

	attempt := rs.nextAttempt(node.ID)
	if err := e.deps.Store.StartNodeRun(ctx, rs.runID, node.ID, attempt); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("starting loop node run: %v", err), Infrastructural: true}
	}

	results := make([]any, len(items))
	failures := make([]*nodeFailure, len(items))

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(concurrency)
	continueOnError := data.continueOnError()

	for i, item := range items {
		i, item := i, item
		grp.Go(func() error {
			iterCtx := cloneContext(localCtx)
			iterCtx["loop"] = map[string]any{"item": item, "index": i, "total": len(items)}
			if nf := e.execNode(gctx, rs, body.ID, iterCtx); nf != nil {
				failures[i] = nf
				results[i] = map[string]any{"error": nf.Message}
				if !continueOnError {
					return nf
				}
				return nil
			}
			results[i] = iterCtx[body.ID]
			return nil
		})
	}

	groupErr := grp.Wait()

	succeeded, failed := 0, 0
	var firstFailure *nodeFailure
	for _, nf := range failures {
		if nf != nil {
			failed++
			if firstFailure == nil {
				firstFailure = nf
			}
		} else {
			succeeded++
		}
	}

	out, _ := json.Marshal(map[string]any{
		"results":   results,
		"total":     len(items),
		"succeeded": succeeded,
		"failed":    failed,
	})

	if !continueOnError && groupErr != nil {
		errMsg := firstFailure.Message
		_ = e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunFailed, out, &errMsg)
		return &nodeFailure{Message: errMsg, Infrastructural: firstFailure.Infrastructural}
	}

	if err := e.finishNode(ctx, rs, node.ID, attempt, store.NodeRunSucceeded, out, nil); err != nil {
		return &nodeFailure{Message: fmt.Sprintf("finishing loop node run: %v", err), Infrastructural: true}
	}
	localCtx[node.ID] = map[string]any{"total": len(items), "succeeded": succeeded, "failed": failed}

	exitSuccs := rs.g.Successors(node.ID, graph.EdgeLoopExit)
	if len(exitSuccs) == 0 {
		return nil
	}
	return e.dispatchSuccessor(ctx, rs, exitSuccs[0], localCtx)
}
