package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/flowengine/engine"
)

// Redis archives run snapshots in Redis. Snapshots live under
// <prefix>run:<id>; two sorted sets index them for listing (by start
// time, per definition) and pruning (by completion time).
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ RunStore = (*Redis)(nil)

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix overrides the default "flowengine:" key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires snapshot keys after d. Index entries are cleaned up
// lazily by DeleteRunsBefore.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "flowengine:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) runKey(runID string) string { return r.prefix + "run:" + runID }

func (r *Redis) defIndex(definitionID string) string {
	return r.prefix + "runs-by-def:" + definitionID
}

func (r *Redis) completedIndex() string { return r.prefix + "runs-completed" }

func (r *Redis) SaveRun(ctx context.Context, snap *engine.RunSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", snap.RunID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.runKey(snap.RunID), payload, r.ttl)
	pipe.ZAdd(ctx, r.defIndex(snap.DefinitionID), redis.Z{
		Score:  float64(snap.StartedAt.UnixMilli()),
		Member: snap.RunID,
	})
	if snap.State.Terminal() && snap.CompletedAt != nil {
		pipe.ZAdd(ctx, r.completedIndex(), redis.Z{
			Score:  float64(snap.CompletedAt.UnixMilli()),
			Member: snap.RunID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", snap.RunID, err)
	}
	return nil
}

func (r *Redis) GetRun(ctx context.Context, runID string) (*engine.RunSnapshot, error) {
	payload, err := r.client.Get(ctx, r.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var snap engine.RunSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &snap, nil
}

func (r *Redis) ListRuns(ctx context.Context, definitionID string) ([]*engine.RunSnapshot, error) {
	ids, err := r.client.ZRevRange(ctx, r.defIndex(definitionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", definitionID, err)
	}
	out := make([]*engine.RunSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := r.GetRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // key expired, index entry is stale
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *Redis) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	max := fmt.Sprintf("%d", cutoff.UnixMilli())
	ids, err := r.client.ZRangeByScore(ctx, r.completedIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan completed runs: %w", err)
	}

	var deleted int
	for _, id := range ids {
		snap, err := r.GetRun(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return deleted, err
		}

		pipe := r.client.TxPipeline()
		pipe.Del(ctx, r.runKey(id))
		pipe.ZRem(ctx, r.completedIndex(), id)
		if snap != nil {
			pipe.ZRem(ctx, r.defIndex(snap.DefinitionID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("delete run %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}
