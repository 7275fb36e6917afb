package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaypoint/flowengine/engine"
	"github.com/relaypoint/flowengine/graph"
)

// Memory is an in-process store for tests and single-node deployments.
// The zero value is not usable; construct with NewMemory.
type Memory struct {
	mu   sync.RWMutex
	defs map[string]map[int]*graph.Definition
	runs map[string]*engine.RunSnapshot
}

var (
	_ DefinitionStore = (*Memory)(nil)
	_ RunStore        = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		defs: make(map[string]map[int]*graph.Definition),
		runs: make(map[string]*engine.RunSnapshot),
	}
}

func (m *Memory) SaveDefinition(_ context.Context, def *graph.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.defs[def.ID]
	if versions == nil {
		versions = make(map[int]*graph.Definition)
		m.defs[def.ID] = versions
	}
	if _, ok := versions[def.Version]; ok {
		return ErrVersionExists
	}
	versions[def.Version] = def
	return nil
}

func (m *Memory) GetDefinition(_ context.Context, id string, version int) (*graph.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[id][version]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

func (m *Memory) LatestDefinition(_ context.Context, id string) (*graph.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.defs[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	latest := -1
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return versions[latest], nil
}

func (m *Memory) ListVersions(_ context.Context, id string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.defs[id]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

func (m *Memory) SaveRun(_ context.Context, snap *engine.RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[snap.RunID] = snap
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*engine.RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (m *Memory) ListRuns(_ context.Context, definitionID string) ([]*engine.RunSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*engine.RunSnapshot
	for _, snap := range m.runs {
		if snap.DefinitionID == definitionID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int
	for id, snap := range m.runs {
		if snap.State.Terminal() && snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			deleted++
		}
	}
	return deleted, nil
}
