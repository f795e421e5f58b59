package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dsentr/dsentr/internal/graph"
	"github.com/dsentr/dsentr/internal/template"
)

// mergeBarrier accumulates the branch-local contexts of every parallel
// branch arriving at a merge node, releasing the last arrival to continue
// traversal with the combined result.
type mergeBarrier struct {
	mu        sync.Mutex
	remaining int
	combined  template.Context
}

// runState is the mutable bookkeeping shared across one Run's traversal:
// merge barriers, the active-loop stack (for back-edge detection), and the
// set of nodes an attempt has already been started for (used to mark
// never-reached nodes "skipped" once the run finishes).
type runState struct {
	runID      uuid.UUID
	workflowID uuid.UUID
	g          *graph.Graph
	egress     *allowlistChecker

	mergeMu sync.Mutex
	merges  map[string]*mergeBarrier

	loopMu     sync.Mutex
	activeLoop map[string]int // loop node id -> nesting depth

	execMu   sync.Mutex
	executed map[string]bool

	attemptMu sync.Mutex
	attempts  map[string]int
}

func newRunState(runID, workflowID uuid.UUID, g *graph.Graph, egress *allowlistChecker) *runState {
	return &runState{
		runID:      runID,
		workflowID: workflowID,
		g:          g,
		egress:     egress,
		merges:     make(map[string]*mergeBarrier),
		activeLoop: make(map[string]int),
		executed:   make(map[string]bool),
		attempts:   make(map[string]int),
	}
}

// enterLoop/exitLoop mark a loop node active for the duration of one
// loop_body traversal, so execNode can recognize the cyclic back-edge
// (an edge whose target is the loop's own node id) and stop without
// re-entering the loop node.
func (rs *runState) enterLoop(nodeID string) {
	rs.loopMu.Lock()
	rs.activeLoop[nodeID]++
	rs.loopMu.Unlock()
}

func (rs *runState) exitLoop(nodeID string) {
	rs.loopMu.Lock()
	rs.activeLoop[nodeID]--
	if rs.activeLoop[nodeID] <= 0 {
		delete(rs.activeLoop, nodeID)
	}
	rs.loopMu.Unlock()
}

func (rs *runState) isActiveLoop(nodeID string) bool {
	rs.loopMu.Lock()
	defer rs.loopMu.Unlock()
	return rs.activeLoop[nodeID] > 0
}

// nextAttempt returns the next 0-indexed attempt number for nodeID and
// records it, so a node re-executed across branches (shouldn't normally
// happen, but loop iterations share a node id) gets distinct attempt rows.
func (rs *runState) nextAttempt(nodeID string) int {
	rs.attemptMu.Lock()
	defer rs.attemptMu.Unlock()
	n := rs.attempts[nodeID]
	rs.attempts[nodeID] = n + 1
	return n
}

func (rs *runState) markExecuted(nodeID string) {
	rs.execMu.Lock()
	rs.executed[nodeID] = true
	rs.execMu.Unlock()
}

func (rs *runState) wasExecuted(nodeID string) bool {
	rs.execMu.Lock()
	defer rs.execMu.Unlock()
	return rs.executed[nodeID]
}

// barrierFor returns the merge barrier for nodeID, creating it (sized by the
// node's incoming default-edge count) on first arrival.
func (rs *runState) barrierFor(nodeID string) *mergeBarrier {
	rs.mergeMu.Lock()
	defer rs.mergeMu.Unlock()
	if b, ok := rs.merges[nodeID]; ok {
		return b
	}
	count := 0
	for _, e := range rs.g.Predecessors(nodeID) {
		if e.Kind == graph.EdgeDefault {
			count++
		}
	}
	if count == 0 {
		count = 1
	}
	b := &mergeBarrier{remaining: count}
	rs.merges[nodeID] = b
	return b
}

// cloneContext makes a shallow top-level copy so a forked branch can write
// its own node-id keys without racing a sibling branch's map writes.
func cloneContext(ctx template.Context) template.Context {
	out := make(template.Context, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// deepMergeInto merges src into dst: nested objects recurse, everything
// else is last-writer-wins, matching the merge node's combination rule.
func deepMergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		existingMap, eok := existing.(map[string]any)
		srcMap, sok := v.(map[string]any)
		if eok && sok {
			deepMergeInto(existingMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// unexecutedNodes lists every node the traversal never started an attempt
// for (excluding structurally unreachable ones), so the caller can mark them
// skipped: a reader of node_runs can then tell "never got to it" apart from
// "ran and failed".
func (rs *runState) unexecutedNodes() []string {
	unreachable := make(map[string]bool, len(rs.g.Unreachable))
	for _, id := range rs.g.Unreachable {
		unreachable[id] = true
	}
	var skipped []string
	for _, n := range rs.g.AllNodes() {
		if unreachable[n.ID] || rs.wasExecuted(n.ID) {
			continue
		}
		skipped = append(skipped, n.ID)
	}
	return skipped
}
