package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaypoint/flowengine/graph"
)

// signalKind enumerates the messages the executor loop consumes. All run
// mutation happens on that loop, so workers, approval resolutions, and
// timer callbacks communicate exclusively through signals.
type signalKind int

const (
	sigNodeDone signalKind = iota
	sigApproval
	sigDelayFired
	sigCancel
)

type signal struct {
	kind     signalKind
	nodeID   string
	output   map[string]any
	err      error
	attempts int
	approved bool
	comment  string
	reason   string
}

// Run is one execution attempt of a workflow definition. It is created by
// Engine.StartRun and mutated only by the executor loop; once the run
// reaches a terminal state it no longer changes.
type Run struct {
	id       string
	def      *graph.Definition
	engine   *Engine
	vars     *Context
	signals  chan signal
	done     chan struct{}
	runCtx   context.Context
	cancelFn context.CancelFunc
	// detached runs are loop-node sub-executions: not registered with the
	// engine and not persisted.
	detached bool

	mu               sync.RWMutex
	state            RunState
	nodes            map[string]*NodeStatus
	startedAt        time.Time
	completedAt      *time.Time
	failure          error
	pendingApprovals map[string]bool
	pendingDelays    map[string]bool
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Definition returns the definition this run executes.
func (r *Run) Definition() *graph.Definition { return r.def }

// State returns the current run state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the failure that terminated the run, if any.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failure
}

// NodeStatus returns the status record for one node.
func (r *Run) NodeStatus(nodeID string) (NodeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodes[nodeID]
	if !ok {
		return NodeStatus{}, false
	}
	return *st, true
}

// NodeStatuses returns a copy of every node status record.
func (r *Run) NodeStatuses() map[string]NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]NodeStatus, len(r.nodes))
	for id, st := range r.nodes {
		out[id] = *st
	}
	return out
}

// Progress reports the fraction of nodes that reached a terminal state.
func (r *Run) Progress() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.nodes) == 0 {
		return 0
	}
	var resolved int
	for _, st := range r.nodes {
		if st.State.Terminal() {
			resolved++
		}
	}
	return float64(resolved) / float64(len(r.nodes))
}

// Variables returns a snapshot of the run context.
func (r *Run) Variables() map[string]any { return r.vars.Snapshot() }

// Wait blocks until the run reaches a terminal state or ctx is done, and
// returns the run failure (nil for a completed run).
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. Every non-terminal node is marked
// cancelled, in-flight delegated calls are aborted best-effort, and
// committed external side effects are not rolled back.
func (r *Run) Cancel(reason string) {
	r.send(signal{kind: sigCancel, reason: reason})
}

// Approve resolves an approval suspension on this run positively.
func (r *Run) Approve(nodeID, comment string) error {
	return r.resolveApproval(nodeID, true, comment)
}

// Reject resolves an approval suspension on this run negatively, failing
// the run with an approval-rejected error.
func (r *Run) Reject(nodeID, comment string) error {
	return r.resolveApproval(nodeID, false, comment)
}

// resolveApproval consumes the pending suspension exactly once; duplicate
// signals for an already-resolved node are rejected.
func (r *Run) resolveApproval(nodeID string, approved bool, comment string) error {
	r.mu.Lock()
	if !r.pendingApprovals[nodeID] {
		r.mu.Unlock()
		return NewError(CodeInvalidSignal,
			fmt.Sprintf("no pending approval for node %s", nodeID)).WithNode(nodeID)
	}
	delete(r.pendingApprovals, nodeID)
	// Gauge bookkeeping lives with the entry: decrementing on signal
	// consumption would leak a count when the run terminates in between.
	r.engine.metrics.suspended(-1)
	r.mu.Unlock()

	r.send(signal{kind: sigApproval, nodeID: nodeID, approved: approved, comment: comment})
	return nil
}

// fireDelay is the timer collaborator callback. A timer firing after the
// run resolved the node (cancellation) is a no-op.
func (r *Run) fireDelay(nodeID string) {
	r.mu.Lock()
	if !r.pendingDelays[nodeID] {
		r.mu.Unlock()
		return
	}
	delete(r.pendingDelays, nodeID)
	r.engine.metrics.suspended(-1)
	r.mu.Unlock()

	r.send(signal{kind: sigDelayFired, nodeID: nodeID})
}

// send delivers a signal unless the run already terminated.
func (r *Run) send(s signal) {
	select {
	case r.signals <- s:
	case <-r.done:
	}
}

// Snapshot captures the run for persistence or inspection.
func (r *Run) Snapshot() *RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make(map[string]*NodeStatus, len(r.nodes))
	for id, st := range r.nodes {
		copied := *st
		nodes[id] = &copied
	}
	snap := &RunSnapshot{
		RunID:        r.id,
		DefinitionID: r.def.ID,
		Version:      r.def.Version,
		State:        r.state,
		Nodes:        nodes,
		Context:      r.vars.Snapshot(),
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
	}
	if r.failure != nil {
		snap.Failure = r.failure.Error()
	}
	return snap
}
