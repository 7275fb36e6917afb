package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/flowengine/engine"
)

func redisStore(t *testing.T, opts ...RedisOption) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, opts...)
}

func TestRedisSaveAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := redisStore(t)

	snap := sampleSnapshot("r1", "wf", engine.RunCompleted, time.Hour)
	require.NoError(t, r.SaveRun(ctx, snap))

	got, err := r.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.DefinitionID)
	assert.Equal(t, engine.RunCompleted, got.State)
	assert.Equal(t, "v", got.Context["k"])
	require.Contains(t, got.Nodes, "start")
	assert.Equal(t, engine.NodeCompleted, got.Nodes["start"].State)

	_, err = r.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisSaveIsLastWriteWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := redisStore(t)

	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunRunning, 0)))
	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunCompleted, time.Second)))

	got, err := r.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.RunCompleted, got.State)

	runs, err := r.ListRuns(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, runs, 1, "re-saving must not duplicate the index entry")
}

func TestRedisListRunsOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := redisStore(t)

	older := sampleSnapshot("old", "wf", engine.RunCompleted, 2*time.Hour)
	newer := sampleSnapshot("new", "wf", engine.RunCompleted, time.Minute)
	require.NoError(t, r.SaveRun(ctx, older))
	require.NoError(t, r.SaveRun(ctx, newer))
	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("other", "wf2", engine.RunCompleted, time.Minute)))

	runs, err := r.ListRuns(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "old", runs[1].RunID)
}

func TestRedisDeleteRunsBefore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := redisStore(t)

	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("stale", "wf", engine.RunCompleted, 2*time.Hour)))
	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("fresh", "wf", engine.RunCompleted, time.Minute)))
	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("live", "wf", engine.RunRunning, 0)))

	deleted, err := r.DeleteRunsBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = r.GetRun(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := r.ListRuns(ctx, "wf")
	require.NoError(t, err)
	assert.Len(t, runs, 2, "the pruned run leaves the listing too")
}

func TestRedisKeyPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client, WithPrefix("acme:"))
	require.NoError(t, r.SaveRun(ctx, sampleSnapshot("r1", "wf", engine.RunCompleted, time.Minute)))

	assert.True(t, mr.Exists("acme:run:r1"))
	assert.False(t, mr.Exists("flowengine:run:r1"))
}
