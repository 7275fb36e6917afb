// Package store persists workflow definitions and run snapshots.
// Definitions are write-once per (id, version): published versions are
// immutable, edits go through graph.Definition.NextVersion. Run snapshots
// are last-write-wins, keyed by run id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaypoint/flowengine/engine"
	"github.com/relaypoint/flowengine/graph"
)

var (
	// ErrNotFound reports a missing definition, version, or run.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionExists reports an attempt to overwrite a published
	// definition version.
	ErrVersionExists = errors.New("store: definition version already exists")
)

// DefinitionStore keeps versioned workflow definitions.
type DefinitionStore interface {
	// SaveDefinition publishes one version. It fails with
	// ErrVersionExists when (ID, Version) was published before.
	SaveDefinition(ctx context.Context, def *graph.Definition) error

	// GetDefinition loads one published version.
	GetDefinition(ctx context.Context, id string, version int) (*graph.Definition, error)

	// LatestDefinition loads the highest published version.
	LatestDefinition(ctx context.Context, id string) (*graph.Definition, error)

	// ListVersions returns the published versions in ascending order.
	ListVersions(ctx context.Context, id string) ([]int, error)
}

// RunStore archives run snapshots. It satisfies engine.RunStore so an
// Engine can checkpoint suspensions and terminal states directly.
type RunStore interface {
	engine.RunStore

	// GetRun loads the latest snapshot of a run.
	GetRun(ctx context.Context, runID string) (*engine.RunSnapshot, error)

	// ListRuns returns the snapshots recorded for one definition,
	// most recent first.
	ListRuns(ctx context.Context, definitionID string) ([]*engine.RunSnapshot, error)

	// DeleteRunsBefore drops snapshots of terminal runs that completed
	// before the cutoff and returns how many were removed.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error)
}
