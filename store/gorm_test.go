package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaypoint/flowengine/engine"
)

func gormStore(t *testing.T) *Gorm {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	g, err := NewGorm(db)
	require.NoError(t, err)
	return g
}

func TestGormDefinitionWriteOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := gormStore(t)

	require.NoError(t, g.SaveDefinition(ctx, sampleDefinition(t, "wf", 1)))
	require.NoError(t, g.SaveDefinition(ctx, sampleDefinition(t, "wf", 2)))

	err := g.SaveDefinition(ctx, sampleDefinition(t, "wf", 2))
	assert.ErrorIs(t, err, ErrVersionExists)

	got, err := g.GetDefinition(ctx, "wf", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Len(t, got.Nodes, 2)

	latest, err := g.LatestDefinition(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	versions, err := g.ListVersions(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	_, err = g.GetDefinition(ctx, "wf", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.LatestDefinition(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.ListVersions(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormRunArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := gormStore(t)

	// A run is checkpointed mid-flight, then finishes: the terminal
	// snapshot replaces the suspension checkpoint.
	require.NoError(t, g.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunRunning, 0)))
	require.NoError(t, g.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunCompleted, time.Minute)))
	require.NoError(t, g.SaveRun(ctx, sampleSnapshot("r2", "wf", engine.RunFailed, 2*time.Hour)))
	require.NoError(t, g.SaveRun(ctx, sampleSnapshot("r3", "other", engine.RunCompleted, time.Minute)))

	got, err := g.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, got.State)
	assert.Equal(t, "v", got.Context["k"])

	runs, err := g.ListRuns(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r1", runs[0].RunID, "most recent first")

	deleted, err := g.DeleteRunsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = g.GetRun(ctx, "r2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
