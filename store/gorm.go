package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relaypoint/flowengine/engine"
	"github.com/relaypoint/flowengine/graph"
)

// definitionRecord is one published definition version. The document
// column holds the canonical JSON form; the unique index enforces the
// write-once rule at the database level.
type definitionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	WorkflowID  string    `gorm:"size:191;uniqueIndex:idx_workflow_version;not null"`
	Version     int       `gorm:"uniqueIndex:idx_workflow_version;not null"`
	Name        string    `gorm:"size:255"`
	Document    []byte    `gorm:"type:blob;not null"`
	PublishedAt time.Time `gorm:"autoCreateTime"`
}

func (definitionRecord) TableName() string { return "workflow_definitions" }

// runRecord is the latest snapshot of one run.
type runRecord struct {
	RunID        string     `gorm:"primaryKey;size:191"`
	DefinitionID string     `gorm:"size:191;index"`
	Version      int        `gorm:"not null"`
	State        string     `gorm:"size:32;index"`
	Document     []byte     `gorm:"type:blob;not null"`
	StartedAt    time.Time  `gorm:"index"`
	CompletedAt  *time.Time `gorm:"index"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime"`
}

func (runRecord) TableName() string { return "workflow_runs" }

// Gorm persists definitions and run snapshots through a GORM-managed
// relational database.
type Gorm struct {
	db *gorm.DB
}

var (
	_ DefinitionStore = (*Gorm)(nil)
	_ RunStore        = (*Gorm)(nil)
)

// NewGorm migrates the schema and returns the store.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if err := db.AutoMigrate(&definitionRecord{}, &runRecord{}); err != nil {
		return nil, fmt.Errorf("migrate workflow schema: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) SaveDefinition(ctx context.Context, def *graph.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode definition %s: %w", def.ID, err)
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&definitionRecord{}).
			Where("workflow_id = ? AND version = ?", def.ID, def.Version).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrVersionExists
		}
		return tx.Create(&definitionRecord{
			WorkflowID: def.ID,
			Version:    def.Version,
			Name:       def.Name,
			Document:   doc,
		}).Error
	})
}

func (g *Gorm) GetDefinition(ctx context.Context, id string, version int) (*graph.Definition, error) {
	var rec definitionRecord
	err := g.db.WithContext(ctx).
		Where("workflow_id = ? AND version = ?", id, version).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load definition %s v%d: %w", id, version, err)
	}
	return decodeDefinition(rec.Document)
}

func (g *Gorm) LatestDefinition(ctx context.Context, id string) (*graph.Definition, error) {
	var rec definitionRecord
	err := g.db.WithContext(ctx).
		Where("workflow_id = ?", id).
		Order("version DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load latest definition %s: %w", id, err)
	}
	return decodeDefinition(rec.Document)
}

func (g *Gorm) ListVersions(ctx context.Context, id string) ([]int, error) {
	var versions []int
	err := g.db.WithContext(ctx).
		Model(&definitionRecord{}).
		Where("workflow_id = ?", id).
		Order("version ASC").
		Pluck("version", &versions).Error
	if err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", id, err)
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

func decodeDefinition(doc []byte) (*graph.Definition, error) {
	var def graph.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("decode definition document: %w", err)
	}
	return &def, nil
}

func (g *Gorm) SaveRun(ctx context.Context, snap *engine.RunSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", snap.RunID, err)
	}
	rec := runRecord{
		RunID:        snap.RunID,
		DefinitionID: snap.DefinitionID,
		Version:      snap.Version,
		State:        string(snap.State),
		Document:     doc,
		StartedAt:    snap.StartedAt,
		CompletedAt:  snap.CompletedAt,
	}
	return g.db.WithContext(ctx).Save(&rec).Error
}

func (g *Gorm) GetRun(ctx context.Context, runID string) (*engine.RunSnapshot, error) {
	var rec runRecord
	err := g.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decodeRun(rec.Document)
}

func (g *Gorm) ListRuns(ctx context.Context, definitionID string) ([]*engine.RunSnapshot, error) {
	var recs []runRecord
	err := g.db.WithContext(ctx).
		Where("definition_id = ?", definitionID).
		Order("started_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", definitionID, err)
	}
	out := make([]*engine.RunSnapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := decodeRun(rec.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (g *Gorm) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res := g.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ? AND state IN ?",
			cutoff, []string{
				string(engine.RunCompleted),
				string(engine.RunFailed),
				string(engine.RunCancelled),
			}).
		Delete(&runRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune runs: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func decodeRun(doc []byte) (*engine.RunSnapshot, error) {
	var snap engine.RunSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, fmt.Errorf("decode run document: %w", err)
	}
	return &snap, nil
}
