package engine

import (
	"context"
	"sync"
	"time"
)

// ApprovalRequest identifies a suspension awaiting a human decision.
type ApprovalRequest struct {
	RunID  string `json:"run_id"`
	NodeID string `json:"node_id"`
	// Prompt is the approval node's configured prompt, interpolated
	// against the run context.
	Prompt string `json:"prompt,omitempty"`
}

// ApprovalBroker is notified when a run suspends on an approval node. The
// decision comes back through Engine.ResolveApproval exactly once per
// suspension; duplicates are rejected as invalid signals.
type ApprovalBroker interface {
	OnSuspend(ctx context.Context, req ApprovalRequest) error
}

// ApprovalBrokerFunc adapts a function to ApprovalBroker.
type ApprovalBrokerFunc func(ctx context.Context, req ApprovalRequest) error

// OnSuspend implements ApprovalBroker.
func (f ApprovalBrokerFunc) OnSuspend(ctx context.Context, req ApprovalRequest) error {
	return f(ctx, req)
}

// Timer schedules delay-node resumption. Implementations call fire at or
// after resumeAt. Cancel drops a pending timer; firing after cancellation
// is tolerated by the engine.
type Timer interface {
	Schedule(runID, nodeID string, resumeAt time.Time, fire func())
	Cancel(runID, nodeID string)
}

// WallClockTimer is the built-in Timer backed by time.AfterFunc.
type WallClockTimer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWallClockTimer creates the default timer collaborator.
func NewWallClockTimer() *WallClockTimer {
	return &WallClockTimer{timers: make(map[string]*time.Timer)}
}

func timerKey(runID, nodeID string) string { return runID + "/" + nodeID }

// Schedule implements Timer.
func (t *WallClockTimer) Schedule(runID, nodeID string, resumeAt time.Time, fire func()) {
	key := timerKey(runID, nodeID)
	d := time.Until(resumeAt)
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.timers[key]; ok {
		prev.Stop()
	}
	t.timers[key] = time.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		fire()
	})
}

// Cancel implements Timer.
func (t *WallClockTimer) Cancel(runID, nodeID string) {
	key := timerKey(runID, nodeID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

// RunSnapshot is the persisted form of a run: enough to inspect a
// suspended or finished run, including the full context.
type RunSnapshot struct {
	RunID        string                 `json:"run_id"`
	DefinitionID string                 `json:"definition_id"`
	Version      int                    `json:"version"`
	State        RunState               `json:"state"`
	Nodes        map[string]*NodeStatus `json:"nodes"`
	Context      map[string]any         `json:"context"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Failure      string                 `json:"failure,omitempty"`
}

// RunStore is the persistence collaborator the engine writes run snapshots
// to: on every suspension (so approval and delay survive a restart) and on
// reaching a terminal state.
type RunStore interface {
	SaveRun(ctx context.Context, snap *RunSnapshot) error
}
