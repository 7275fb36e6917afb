package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeState is the lifecycle state of a single node within a run.
type NodeState string

const (
	NodeIdle            NodeState = "idle"
	NodeRunning         NodeState = "running"
	NodeCompleted       NodeState = "completed"
	NodeFailed          NodeState = "failed"
	NodeSkipped         NodeState = "skipped"
	NodeWaitingApproval NodeState = "waiting_approval"
	NodeCancelled       NodeState = "cancelled"
)

// Terminal reports whether the state is final for the node.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// RunState is the overall run lifecycle state.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// NodeStatus records one node's execution within a run.
type NodeStatus struct {
	NodeID      string     `json:"node_id"`
	State       NodeState  `json:"state"`
	Attempts    int        `json:"attempts,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EventKind distinguishes node transitions from run transitions.
type EventKind string

const (
	EventNode EventKind = "node"
	EventRun  EventKind = "run"
)

// Event is a discrete status transition published to subscribers.
type Event struct {
	Kind   EventKind `json:"kind"`
	RunID  string    `json:"run_id"`
	NodeID string    `json:"node_id,omitempty"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Subscriber receives status transition events. Callbacks run on the
// executor loop and must return promptly; slow consumers should hand the
// event off to their own goroutine.
type Subscriber func(Event)

// StatusTracker publishes node and run status transitions to subscribed
// collaborators (dashboards, notification services). It holds no
// persistence responsibility of its own.
type StatusTracker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Subscriber
	logger *zap.Logger
}

// NewStatusTracker creates a tracker. A nil logger is replaced with a nop.
func NewStatusTracker(logger *zap.Logger) *StatusTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusTracker{
		subs:   make(map[int]Subscriber),
		logger: logger.With(zap.String("component", "status_tracker")),
	}
}

// Subscribe registers a subscriber and returns an unsubscribe function.
func (t *StatusTracker) Subscribe(sub Subscriber) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = sub
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber. Delivery order across
// subscribers is unspecified.
func (t *StatusTracker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	t.logger.Debug("status transition",
		zap.String("kind", string(ev.Kind)),
		zap.String("run_id", ev.RunID),
		zap.String("node_id", ev.NodeID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
	)

	t.mu.RLock()
	subs := make([]Subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.RUnlock()

	for _, s := range subs {
		s(ev)
	}
}
