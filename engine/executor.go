// Package engine executes validated workflow definitions: it schedules
// ready nodes onto a bounded worker pool, resolves conditional branches,
// suspends on approval and delay nodes without holding workers, bounds
// loops, retries delegated calls with exponential backoff, and publishes
// every status transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relaypoint/flowengine/expr"
	"github.com/relaypoint/flowengine/graph"
)

// Options wires an Engine to its collaborators. Zero values get working
// defaults: a nop logger, an in-process wall-clock timer, a fresh
// registry and tracker, no persistence, no metrics.
type Options struct {
	Config    Config
	Registry  *Registry
	Approvals ApprovalBroker
	Timer     Timer
	Store     RunStore
	Tracker   *StatusTracker
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Stats aggregates run counters across the engine lifetime.
type Stats struct {
	TotalRuns       int64
	Succeeded       int64
	Failed          int64
	Cancelled       int64
	Active          int64
	AverageDuration time.Duration
}

// Engine drives workflow runs to completion.
type Engine struct {
	cfg       Config
	registry  *Registry
	approvals ApprovalBroker
	timer     Timer
	store     RunStore
	tracker   *StatusTracker
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	validator *graph.Validator

	mu    sync.RWMutex
	runs  map[string]*Run
	stats Stats
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	timer := opts.Timer
	if timer == nil {
		timer = NewWallClockTimer()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewStatusTracker(logger)
	}
	return &Engine{
		cfg:       opts.Config.normalized(),
		registry:  registry,
		approvals: opts.Approvals,
		timer:     timer,
		store:     opts.Store,
		tracker:   tracker,
		metrics:   opts.Metrics,
		logger:    logger.With(zap.String("component", "engine")),
		tracer:    otel.Tracer("github.com/relaypoint/flowengine/engine"),
		validator: graph.NewValidator(),
		runs:      make(map[string]*Run),
	}
}

// Registry returns the node-type dispatch table.
func (e *Engine) Registry() *Registry { return e.registry }

// Tracker returns the status tracker for subscriptions.
func (e *Engine) Tracker() *StatusTracker { return e.tracker }

// StartRun validates the definition and submits it for execution. The run
// executes on its own goroutine and outlives ctx; ctx only scopes the
// submission itself. Validation is fail-closed: any violation blocks the
// run and every violation is reported.
func (e *Engine) StartRun(ctx context.Context, def *graph.Definition, initial map[string]any) (*Run, error) {
	if err := e.validator.Err(def); err != nil {
		return nil, NewError(CodeValidation, "definition failed validation").WithCause(err)
	}

	rn := e.newRun(context.Background(), def, initial, false, "")

	e.mu.Lock()
	e.runs[rn.id] = rn
	e.stats.TotalRuns++
	e.stats.Active++
	e.mu.Unlock()
	e.metrics.runStarted()

	e.logger.Info("run submitted",
		zap.String("run_id", rn.id),
		zap.String("workflow_id", def.ID),
		zap.Int("version", def.Version),
		zap.Int("nodes", len(def.Nodes)),
	)

	go e.runLoop(rn)
	return rn, nil
}

// Execute is StartRun followed by Wait: it blocks until the run reaches a
// terminal state and returns the final snapshot plus the run failure.
func (e *Engine) Execute(ctx context.Context, def *graph.Definition, initial map[string]any) (*RunSnapshot, error) {
	rn, err := e.StartRun(ctx, def, initial)
	if err != nil {
		return nil, err
	}
	if err := rn.Wait(ctx); err != nil {
		return rn.Snapshot(), err
	}
	return rn.Snapshot(), nil
}

// ResolveApproval delivers a human decision for a suspended approval
// node. It is idempotent per suspension: the second and later signals for
// the same node return an invalid-signal error and change nothing.
func (e *Engine) ResolveApproval(runID, nodeID string, approved bool, comment string) error {
	rn, ok := e.Run(runID)
	if !ok {
		return NewError(CodeInvalidSignal, fmt.Sprintf("run %s not found", runID))
	}
	return rn.resolveApproval(nodeID, approved, comment)
}

// Run returns a run by id.
func (e *Engine) Run(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rn, ok := e.runs[runID]
	return rn, ok
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// PruneRuns drops terminal runs that completed more than olderThan ago
// from the in-memory index and returns how many were removed. Persisted
// snapshots are unaffected.
func (e *Engine) PruneRuns(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	var pruned int
	for id, rn := range e.runs {
		rn.mu.RLock()
		terminal := rn.state.Terminal()
		completed := rn.completedAt
		rn.mu.RUnlock()
		if terminal && completed != nil && completed.Before(cutoff) {
			delete(e.runs, id)
			pruned++
		}
	}
	return pruned
}

// newRun builds the run skeleton: context seeded from declared variable
// defaults overlaid with the caller's initial values, one idle status per
// node.
func (e *Engine) newRun(base context.Context, def *graph.Definition, initial map[string]any, detached bool, id string) *Run {
	seed := make(map[string]any)
	for _, v := range def.Variables {
		if v.Default != nil {
			seed[v.Name] = v.Default
		}
	}
	for k, v := range initial {
		seed[k] = v
	}

	if id == "" {
		id = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(base)

	nodes := make(map[string]*NodeStatus, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = &NodeStatus{NodeID: n.ID, State: NodeIdle}
	}

	return &Run{
		id:               id,
		def:              def,
		engine:           e,
		vars:             NewContext(seed),
		signals:          make(chan signal, len(def.Nodes)+8),
		done:             make(chan struct{}),
		runCtx:           runCtx,
		cancelFn:         cancel,
		detached:         detached,
		state:            RunPending,
		nodes:            nodes,
		startedAt:        time.Now().UTC(),
		pendingApprovals: make(map[string]bool),
		pendingDelays:    make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Executor loop
// ---------------------------------------------------------------------------

// Edge resolution states. An edge is unresolved until its source node
// reaches a terminal state; it then becomes active (control flows across
// it) or inactive (branch not taken, or source skipped).
const (
	edgeUnresolved = iota
	edgeActive
	edgeInactive
)

// Node scheduling phases, local to the executor loop.
const (
	phaseIdle = iota
	phaseDispatched
	phaseSuspended
	phaseResolved
)

type execState struct {
	e         *Engine
	rn        *Run
	sem       *semaphore.Weighted
	edges     map[string]int
	phase     map[string]int
	remaining int
}

// runLoop is the single-threaded control loop that owns all run state
// mutation. Workers, approval resolutions, and timers only send signals.
func (e *Engine) runLoop(rn *Run) {
	concurrency := rn.def.Settings.Concurrency
	if concurrency <= 0 {
		concurrency = e.cfg.Concurrency
	}

	x := &execState{
		e:     e,
		rn:    rn,
		sem:   semaphore.NewWeighted(int64(concurrency)),
		edges: make(map[string]int, len(rn.def.Edges)),
		phase: make(map[string]int, len(rn.def.Nodes)),
	}
	x.remaining = len(rn.def.Nodes)

	rn.mu.Lock()
	rn.state = RunRunning
	rn.mu.Unlock()
	e.publishRun(rn, RunPending, RunRunning, "")

	x.advance()
	if x.checkDone() {
		return
	}

	for {
		select {
		case s := <-rn.signals:
			if x.handle(s) {
				return
			}
		case <-rn.runCtx.Done():
			x.finish(RunCancelled,
				NewError(CodeCancelled, "run context cancelled").WithCause(rn.runCtx.Err()))
			return
		}
	}
}

// handle processes one signal; it reports whether the run terminated.
func (x *execState) handle(s signal) bool {
	switch s.kind {
	case sigCancel:
		reason := s.reason
		if reason == "" {
			reason = "cancelled"
		}
		x.finish(RunCancelled, NewError(CodeCancelled, reason))
		return true

	case sigNodeDone:
		if x.phase[s.nodeID] != phaseDispatched {
			return false // stale signal after cancellation
		}
		if s.err != nil {
			return x.nodeFailed(s.nodeID, s.err, s.attempts)
		}
		x.completeNode(s.nodeID, s.output, s.attempts)

	case sigApproval:
		if x.phase[s.nodeID] != phaseSuspended {
			return false
		}
		// The node passes back through running before it settles, so
		// subscribers see waiting_approval -> running -> terminal.
		x.setNodeState(s.nodeID, NodeRunning, "", 0)
		if !s.approved {
			x.setNodeState(s.nodeID, NodeFailed, "approval rejected", 0)
			x.finish(RunFailed, NewError(CodeApprovalRejected,
				"approval rejected").WithNode(s.nodeID))
			return true
		}
		out := map[string]any{"approved": true}
		if s.comment != "" {
			out["comment"] = s.comment
		}
		x.completeNode(s.nodeID, out, 0)

	case sigDelayFired:
		if x.phase[s.nodeID] != phaseSuspended {
			return false
		}
		node, _ := x.rn.def.NodeByID(s.nodeID)
		x.completeNode(s.nodeID, map[string]any{
			"delayed_seconds": node.ConfigInt("duration_seconds"),
		}, 0)
	}

	x.advance()
	return x.checkDone()
}

// completeNode records a successful node: context writes happen here, on
// the loop, so parallel completions serialize by completion order.
func (x *execState) completeNode(nodeID string, output map[string]any, attempts int) {
	node, _ := x.rn.def.NodeByID(nodeID)
	x.applyOutputs(node, output)
	x.setNodeState(nodeID, NodeCompleted, "", attempts)
	x.resolveOutgoing(node, func(graph.Edge) bool { return true })
	x.phase[nodeID] = phaseResolved
	x.remaining--
}

// nodeFailed handles a delegated failure; it reports whether the run
// terminated.
func (x *execState) nodeFailed(nodeID string, err error, attempts int) bool {
	node, _ := x.rn.def.NodeByID(nodeID)
	x.setNodeState(nodeID, NodeFailed, err.Error(), attempts)

	if node.ConfigString("on_error") == graph.OnErrorContinue {
		x.e.logger.Warn("node failed, continuing past failure",
			zap.String("run_id", x.rn.id),
			zap.String("node_id", nodeID),
			zap.Error(err),
		)
		x.resolveOutgoing(node, func(graph.Edge) bool { return true })
		x.phase[nodeID] = phaseResolved
		x.remaining--
		x.advance()
		return x.checkDone()
	}

	x.finish(RunFailed, err)
	return true
}

// advance scans for nodes whose incoming edges are all resolved and
// either dispatches them (some edge active) or skips them (none active),
// repeating until a fixpoint so skip cascades settle.
func (x *execState) advance() {
	def := x.rn.def
	for changed := true; changed; {
		changed = false
		for i := range def.Nodes {
			n := &def.Nodes[i]
			if x.phase[n.ID] != phaseIdle {
				continue
			}
			allResolved := true
			anyActive := n.Type == graph.NodeStart
			for _, in := range def.Incoming(n.ID) {
				switch x.edges[in.ID] {
				case edgeUnresolved:
					allResolved = false
				case edgeActive:
					anyActive = true
				}
			}
			if !allResolved {
				continue
			}
			if anyActive {
				x.startNode(n)
			} else {
				x.skipNode(n)
			}
			changed = true
		}
	}
}

// startNode begins execution of a ready node according to its type.
func (x *execState) startNode(n *graph.Node) {
	switch n.Type {
	case graph.NodeStart, graph.NodeEnd:
		x.setNodeState(n.ID, NodeRunning, "", 0)
		x.completeNode(n.ID, nil, 0)

	case graph.NodeConditional:
		x.runConditional(n)

	case graph.NodeApproval:
		x.suspendApproval(n)

	case graph.NodeDelay:
		x.suspendDelay(n)

	default:
		// Delegated node types and loop nodes run on the worker pool.
		x.setNodeState(n.ID, NodeRunning, "", 0)
		x.phase[n.ID] = phaseDispatched
		x.dispatchWorker(n)
	}
}

// runConditional evaluates the node expression against the current
// context and activates exactly one outgoing edge.
func (x *execState) runConditional(n *graph.Node) {
	x.setNodeState(n.ID, NodeRunning, "", 0)

	result, err := expr.Eval(n.ConfigString("expression"), x.rn.vars.Snapshot())
	if err != nil {
		// A conditional that cannot be evaluated leaves both branches
		// undecided; continuing past it would deadlock the graph.
		failure := NewError(CodeNodeExecution, "condition evaluation failed").
			WithNode(n.ID).WithCause(err)
		x.setNodeState(n.ID, NodeFailed, failure.Error(), 0)
		x.finish(RunFailed, failure)
		return
	}

	x.applyOutputs(n, map[string]any{"result": result})
	x.setNodeState(n.ID, NodeCompleted, "", 0)
	x.resolveOutgoing(n, func(e graph.Edge) bool {
		return (e.Handle == graph.HandleTrue) == result
	})
	x.phase[n.ID] = phaseResolved
	x.remaining--
}

// suspendApproval parks the node in waiting_approval, persists the run so
// the suspension survives a restart, notifies the approval collaborator,
// and releases control without holding a worker.
func (x *execState) suspendApproval(n *graph.Node) {
	rn := x.rn
	x.setNodeState(n.ID, NodeWaitingApproval, "", 0)
	x.phase[n.ID] = phaseSuspended

	rn.mu.Lock()
	rn.pendingApprovals[n.ID] = true
	rn.mu.Unlock()

	x.e.metrics.suspended(1)
	x.e.saveSnapshot(rn)

	if x.e.approvals != nil {
		req := ApprovalRequest{
			RunID:  rn.id,
			NodeID: n.ID,
			Prompt: expr.Interpolate(n.ConfigString("prompt"), rn.vars.Snapshot()),
		}
		go func() {
			if err := x.e.approvals.OnSuspend(rn.runCtx, req); err != nil {
				x.e.logger.Error("approval collaborator notification failed",
					zap.String("run_id", rn.id),
					zap.String("node_id", req.NodeID),
					zap.Error(err),
				)
			}
		}()
	}
}

// suspendDelay schedules resumption with the timer collaborator and
// releases control. The node stays running but holds no worker.
func (x *execState) suspendDelay(n *graph.Node) {
	rn := x.rn
	x.setNodeState(n.ID, NodeRunning, "", 0)
	x.phase[n.ID] = phaseSuspended

	rn.mu.Lock()
	rn.pendingDelays[n.ID] = true
	rn.mu.Unlock()

	resumeAt := time.Now().Add(time.Duration(n.ConfigInt("duration_seconds")) * time.Second)
	x.e.metrics.suspended(1)
	x.e.saveSnapshot(rn)

	nodeID := n.ID
	x.e.timer.Schedule(rn.id, nodeID, resumeAt, func() { rn.fireDelay(nodeID) })
}

// skipNode resolves a node on an untaken branch and deactivates its
// outgoing edges so the skip cascades.
func (x *execState) skipNode(n *graph.Node) {
	x.setNodeState(n.ID, NodeSkipped, "", 0)
	x.resolveOutgoing(n, func(graph.Edge) bool { return false })
	x.phase[n.ID] = phaseResolved
	x.remaining--
}

func (x *execState) resolveOutgoing(n *graph.Node, activeFor func(graph.Edge) bool) {
	for _, out := range x.rn.def.Outgoing(n.ID) {
		if activeFor(out) {
			x.edges[out.ID] = edgeActive
		} else {
			x.edges[out.ID] = edgeInactive
		}
	}
}

// applyOutputs merges a node result into the run context under the
// node's declared output names. The key "*" maps the whole result.
func (x *execState) applyOutputs(n *graph.Node, output map[string]any) {
	if output == nil || len(n.Outputs) == 0 {
		return
	}
	for key, varName := range n.Outputs {
		if key == "*" {
			x.rn.vars.Set(varName, output)
			continue
		}
		if v, ok := output[key]; ok {
			x.rn.vars.Set(varName, v)
		}
	}
}

// dispatchWorker runs a delegated or loop node on the bounded pool and
// reports the outcome as a signal.
func (x *execState) dispatchWorker(n *graph.Node) {
	rn := x.rn
	e := x.e
	sem := x.sem
	node := *n

	go func() {
		if err := sem.Acquire(rn.runCtx, 1); err != nil {
			return // run cancelled before the node got a worker
		}
		defer sem.Release(1)

		var (
			out      map[string]any
			err      error
			attempts int
		)
		if node.Type == graph.NodeLoop {
			out, err = e.executeLoopNode(rn.runCtx, rn, &node)
			attempts = 1
		} else {
			out, attempts, err = e.invokeWithRetry(rn.runCtx, rn, &node)
		}
		rn.send(signal{kind: sigNodeDone, nodeID: node.ID, output: out, err: err, attempts: attempts})
	}()
}

// checkDone finishes the run when every node is resolved.
func (x *execState) checkDone() bool {
	if x.remaining > 0 {
		return false
	}
	x.finish(RunCompleted, nil)
	return true
}

// finish moves the run to a terminal state: cancels in-flight work, marks
// leftover nodes cancelled, persists, publishes, and updates counters.
func (x *execState) finish(state RunState, failure error) {
	rn := x.rn
	e := x.e

	rn.cancelFn()

	// Drop pending timers and mark everything non-terminal cancelled.
	rn.mu.Lock()
	for nodeID := range rn.pendingDelays {
		e.timer.Cancel(rn.id, nodeID)
		delete(rn.pendingDelays, nodeID)
		e.metrics.suspended(-1)
	}
	for nodeID := range rn.pendingApprovals {
		delete(rn.pendingApprovals, nodeID)
		e.metrics.suspended(-1)
	}
	rn.mu.Unlock()

	if state != RunCompleted {
		for id, st := range rn.NodeStatuses() {
			if !st.State.Terminal() {
				x.setNodeState(id, NodeCancelled, "", 0)
				x.phase[id] = phaseResolved
			}
		}
	}

	now := time.Now().UTC()
	rn.mu.Lock()
	prev := rn.state
	rn.state = state
	rn.completedAt = &now
	rn.failure = failure
	duration := now.Sub(rn.startedAt)
	rn.mu.Unlock()

	e.publishRun(rn, prev, state, reasonOf(failure))
	e.saveSnapshot(rn)
	if !rn.detached {
		e.recordFinished(state, duration)
		e.metrics.runFinished(state)
	}

	if failure != nil {
		e.logger.Warn("run finished",
			zap.String("run_id", rn.id),
			zap.String("state", string(state)),
			zap.Duration("duration", duration),
			zap.Error(failure),
		)
	} else {
		e.logger.Info("run finished",
			zap.String("run_id", rn.id),
			zap.String("state", string(state)),
			zap.Duration("duration", duration),
		)
	}

	close(rn.done)
}

// setNodeState updates one node record and publishes the transition.
func (x *execState) setNodeState(nodeID string, state NodeState, errMsg string, attempts int) {
	rn := x.rn
	now := time.Now().UTC()

	rn.mu.Lock()
	st := rn.nodes[nodeID]
	prev := st.State
	st.State = state
	if errMsg != "" {
		st.Error = errMsg
	}
	if attempts > 0 {
		st.Attempts = attempts
	}
	switch {
	case state == NodeRunning || state == NodeWaitingApproval:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	case state.Terminal():
		st.CompletedAt = &now
	}
	var duration time.Duration
	if st.StartedAt != nil && st.CompletedAt != nil {
		duration = st.CompletedAt.Sub(*st.StartedAt)
	}
	rn.mu.Unlock()

	if prev == state {
		return
	}

	x.e.tracker.Publish(Event{
		Kind:   EventNode,
		RunID:  rn.id,
		NodeID: nodeID,
		From:   string(prev),
		To:     string(state),
		Reason: errMsg,
	})
	if state.Terminal() {
		if node, ok := rn.def.NodeByID(nodeID); ok {
			x.e.metrics.nodeFinished(string(node.Type), state, duration)
		}
	}
}

func (e *Engine) publishRun(rn *Run, from, to RunState, reason string) {
	e.tracker.Publish(Event{
		Kind:   EventRun,
		RunID:  rn.id,
		From:   string(from),
		To:     string(to),
		Reason: reason,
	})
}

// saveSnapshot persists the run best-effort. Persistence failures are
// logged, not fatal: the in-memory run keeps executing.
func (e *Engine) saveSnapshot(rn *Run) {
	if e.store == nil || rn.detached {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.SaveRun(ctx, rn.Snapshot()); err != nil {
		e.logger.Error("run snapshot save failed",
			zap.String("run_id", rn.id),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordFinished(state RunState, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Active--
	switch state {
	case RunCompleted:
		e.stats.Succeeded++
		// Average duration covers successful runs only.
		n := e.stats.Succeeded
		e.stats.AverageDuration = time.Duration(
			(int64(e.stats.AverageDuration)*(n-1) + int64(d)) / n,
		)
	case RunFailed:
		e.stats.Failed++
	case RunCancelled:
		e.stats.Cancelled++
	}
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Delegated invocation
// ---------------------------------------------------------------------------

// resolveRetries returns the retry budget for a node: an explicit
// "retries" config wins; side-effecting types fall back to the engine
// default; everything else does not retry.
func (e *Engine) resolveRetries(n *graph.Node) int {
	if n.Config != nil {
		if _, ok := n.Config["retries"]; ok {
			return n.ConfigInt("retries")
		}
	}
	if n.Type.IsSideEffecting() {
		return e.cfg.Retry.MaxRetries
	}
	return 0
}

func (e *Engine) nodeTimeout(rn *Run, n *graph.Node) time.Duration {
	if secs := n.ConfigInt("timeout_seconds"); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs := rn.def.Settings.TimeoutSeconds; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return e.cfg.NodeTimeout
}

// invokeWithRetry runs a delegated node through its retry budget with
// exponential backoff. It returns the output, the number of attempts
// made, and the final error.
func (e *Engine) invokeWithRetry(ctx context.Context, rn *Run, n *graph.Node) (map[string]any, int, error) {
	inv, ok := e.registry.Lookup(n.Type)
	if !ok {
		return nil, 0, NewError(CodeNodeExecution,
			fmt.Sprintf("no invoker registered for type %q", n.Type)).WithNode(n.ID)
	}

	retries := e.resolveRetries(n)
	policy := e.cfg.Retry
	var lastErr error

	for attempt := 1; attempt <= retries+1; attempt++ {
		out, err := e.invokeOnce(ctx, rn, n, inv)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("node succeeded after retry",
					zap.String("run_id", rn.id),
					zap.String("node_id", n.ID),
					zap.Int("attempt", attempt),
				)
			}
			return out, attempt, nil
		}
		lastErr = err

		if attempt > retries || !IsRetryable(err) {
			return nil, attempt, lastErr
		}

		e.metrics.nodeRetried()
		e.logger.Debug("node failed, backing off before retry",
			zap.String("run_id", rn.id),
			zap.String("node_id", n.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", retries),
			zap.Error(err),
		)
		if sleepErr := policy.sleep(ctx, attempt); sleepErr != nil {
			return nil, attempt, NewError(CodeCancelled, "retry aborted").
				WithNode(n.ID).WithCause(sleepErr)
		}
	}
	return nil, retries + 1, lastErr
}

// invokeOnce performs a single delegated call: config interpolated
// against a fresh context snapshot, per-node timeout, one trace span.
func (e *Engine) invokeOnce(ctx context.Context, rn *Run, n *graph.Node, inv Invoker) (map[string]any, error) {
	vars := rn.vars.Snapshot()
	config := expr.InterpolateConfig(n.Config, vars)

	ctx, cancel := context.WithTimeout(ctx, e.nodeTimeout(rn, n))
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.run_id", rn.id),
			attribute.String("workflow.node_id", n.ID),
			attribute.String("workflow.node_type", string(n.Type)),
		))
	defer span.End()

	out, err := inv.Invoke(ctx, config, vars)
	if err == nil {
		return out, nil
	}
	span.RecordError(err)

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, NewError(CodeTimeout,
			fmt.Sprintf("delegated call exceeded %s", e.nodeTimeout(rn, n))).
			WithNode(n.ID).WithRetryable(true).WithCause(err)
	}
	if engErr, ok := err.(*Error); ok {
		if engErr.NodeID == "" {
			engErr.NodeID = n.ID
		}
		return nil, engErr
	}
	return nil, NewError(CodeNodeExecution, "delegated call failed").
		WithNode(n.ID).WithRetryable(true).WithCause(err)
}

// ---------------------------------------------------------------------------
// Loop nodes
// ---------------------------------------------------------------------------

// executeLoopNode re-executes the node's sub-graph per iteration. Each
// iteration runs on a child context seeded from the parent plus the
// accumulated loop outputs and a loop.iteration marker; only variables
// declared in the node's outputs merge back, applied once through the
// parent loop when the node completes.
func (e *Engine) executeLoopNode(ctx context.Context, rn *Run, n *graph.Node) (map[string]any, error) {
	iterations := n.ConfigInt("iterations")
	exitWhen := n.ConfigString("exit_when")

	ceiling := iterations
	if exitWhen != "" {
		ceiling = n.ConfigInt("max_iterations")
		if ceiling <= 0 {
			ceiling = e.cfg.MaxLoopIterations
		}
	}

	merged := rn.vars.Snapshot()
	result := make(map[string]any)
	var completedIters int

	for i := 1; i <= ceiling; i++ {
		seed := make(map[string]any, len(merged)+1)
		for k, v := range merged {
			seed[k] = v
		}
		seed["loop"] = map[string]any{"iteration": float64(i)}

		child := e.newRun(ctx, n.SubGraph, seed, true,
			fmt.Sprintf("%s.%s.%d", rn.id, n.ID, i))

		// Indexed while it executes so suspensions inside the sub-graph
		// can be resolved through Engine.ResolveApproval.
		e.mu.Lock()
		e.runs[child.id] = child
		e.mu.Unlock()
		e.runLoop(child)
		e.mu.Lock()
		delete(e.runs, child.id)
		e.mu.Unlock()

		if err := child.Err(); err != nil {
			return nil, NewError(CodeNodeExecution,
				fmt.Sprintf("loop iteration %d failed", i)).
				WithNode(n.ID).WithCause(err)
		}
		completedIters = i

		childVars := child.vars.Snapshot()
		for childKey := range n.Outputs {
			if childKey == "*" {
				continue
			}
			if v := expr.Lookup(childKey, childVars); v != nil {
				merged[childKey] = v
				result[childKey] = v
			}
		}

		if exitWhen != "" {
			satisfied, err := expr.Eval(exitWhen, merged)
			if err != nil {
				return nil, NewError(CodeNodeExecution, "loop exit condition failed").
					WithNode(n.ID).WithCause(err)
			}
			if satisfied {
				result["iterations"] = completedIters
				return result, nil
			}
		}
	}

	if exitWhen != "" {
		return nil, NewError(CodeLoopLimit,
			fmt.Sprintf("exit condition not satisfied within %d iterations", ceiling)).
			WithNode(n.ID)
	}
	result["iterations"] = completedIters
	return result, nil
}
