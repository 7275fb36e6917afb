package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/flowengine/engine"
	"github.com/relaypoint/flowengine/graph"
)

func sampleDefinition(t *testing.T, id string, version int) *graph.Definition {
	t.Helper()
	def := graph.NewDefinition(id, "Sample")
	def.Version = version
	require.NoError(t, def.AddNode(graph.Node{ID: "start", Type: graph.NodeStart}))
	require.NoError(t, def.AddNode(graph.Node{ID: "end", Type: graph.NodeEnd}))
	require.NoError(t, def.AddEdge(graph.Edge{ID: "e", Source: "start", Target: "end"}))
	return def
}

func sampleSnapshot(runID, defID string, state engine.RunState, completedAgo time.Duration) *engine.RunSnapshot {
	started := time.Now().UTC().Add(-completedAgo - time.Minute)
	snap := &engine.RunSnapshot{
		RunID:        runID,
		DefinitionID: defID,
		Version:      1,
		State:        state,
		Nodes: map[string]*engine.NodeStatus{
			"start": {NodeID: "start", State: engine.NodeCompleted},
		},
		Context:   map[string]any{"k": "v"},
		StartedAt: started,
	}
	if state.Terminal() {
		done := time.Now().UTC().Add(-completedAgo)
		snap.CompletedAt = &done
	}
	return snap
}

func TestMemoryDefinitionVersioning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveDefinition(ctx, sampleDefinition(t, "wf", 1)))
	require.NoError(t, m.SaveDefinition(ctx, sampleDefinition(t, "wf", 2)))

	// Published versions are immutable.
	err := m.SaveDefinition(ctx, sampleDefinition(t, "wf", 1))
	assert.ErrorIs(t, err, ErrVersionExists)

	got, err := m.GetDefinition(ctx, "wf", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	latest, err := m.LatestDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	versions, err := m.ListVersions(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	_, err = m.GetDefinition(ctx, "wf", 9)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.LatestDefinition(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRunArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunCompleted, time.Hour)))
	require.NoError(t, m.SaveRun(ctx, sampleSnapshot("r2", "wf", engine.RunRunning, 0)))
	require.NoError(t, m.SaveRun(ctx, sampleSnapshot("r3", "other", engine.RunFailed, time.Minute)))

	got, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, got.State)

	runs, err := m.ListRuns(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID, "most recent first")

	// Only terminal runs past the cutoff are pruned.
	deleted, err := m.DeleteRunsBefore(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetRun(ctx, "r2")
	assert.NoError(t, err)
}
