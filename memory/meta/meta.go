// Package meta implements Athena's Meta Layer (C8): per-memory
// usefulness/access tracking and the attention top-W working-memory
// projection.
package meta

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// Weights are the working-memory compound-score coefficients w1/w2/w3
// from spec §4.7/§9 (exposed as configuration, per the spec's decision
// on the open question of their exact values).
type Weights struct {
	Importance float64
	Usefulness float64
	Recency    float64
	HalfLife   time.Duration
}

// DefaultWeights matches config.DefaultWorkingMemoryConfig (w1=0.5,
// w2=0.3, w3=0.2).
func DefaultWeights() Weights {
	return Weights{Importance: 0.5, Usefulness: 0.3, Recency: 0.2, HalfLife: time.Hour}
}

// Memory is the meta layer, backed by the durable store.
type Memory struct {
	store   *store.Store
	weights Weights
	limit   int
	logger  *zap.Logger
}

// New constructs a meta Memory. limit <= 0 uses the spec default W=7.
func New(s *store.Store, weights Weights, limit int, logger *zap.Logger) *Memory {
	if limit <= 0 {
		limit = 7
	}
	if weights.HalfLife <= 0 {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, weights: weights, limit: limit, logger: logger.With(zap.String("memory", "meta"))}
}

// RecordAccess applies spec §4.7's feedback update: every access bumps
// access_count; a useful access also bumps useful_count;
// usefulness_score is recomputed with Laplace smoothing
// ((useful_count+1)/(access_count+1)) so a first access never reports
// a degenerate 0: a first non-useful access scores 0.5, a first useful
// one 1.0.
func (m *Memory) RecordAccess(ctx context.Context, ref types.MemoryRef, useful bool) error {
	n, err := store.ParseID(ref.ID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse memory id")
	}

	var row store.MetaQualityRow
	err = m.store.Pool.DB().WithContext(ctx).
		Where("memory_id = ? AND layer = ?", n, string(ref.Layer)).First(&row).Error
	if err != nil {
		row = store.MetaQualityRow{MemoryID: n, Layer: string(ref.Layer), Confidence: 1}
	}

	row.AccessCount++
	if useful {
		row.UsefulCount++
	}
	row.UsefulnessScore = float64(row.UsefulCount+1) / float64(row.AccessCount+1)
	row.LastAccessed = time.Now().UTC()

	err = m.store.Pool.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "memory_id"}, {Name: "layer"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_count", "useful_count", "usefulness_score", "last_accessed",
		}),
	}).Create(&row).Error
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "record access")
	}
	return nil
}

// GetQuality fetches the quality record for a single memory.
func (m *Memory) GetQuality(ctx context.Context, ref types.MemoryRef) (types.MemoryQuality, error) {
	n, err := store.ParseID(ref.ID)
	if err != nil {
		return types.MemoryQuality{}, errs.Wrap(errs.Invalid, err, "parse memory id")
	}
	var row store.MetaQualityRow
	if err := m.store.Pool.DB().WithContext(ctx).
		Where("memory_id = ? AND layer = ?", n, string(ref.Layer)).First(&row).Error; err != nil {
		return types.MemoryQuality{}, errs.Wrap(errs.NotFound, err, "quality record not found")
	}
	return toQuality(ref, row), nil
}

// Candidate is a scoring input for working-memory projection: a memory
// ref with its layer-specific importance signal (Event.Importance or
// Fact.Confidence) and last-touched time.
type Candidate struct {
	Ref          types.MemoryRef
	Importance   float64
	LastAccessed time.Time
}

// ProjectionEntry is one scored member of a working-memory projection.
type ProjectionEntry struct {
	Ref   types.MemoryRef
	Score float64
}

// Projection is the result of Project: the top-W memories plus a
// cognitive-load pressure hint.
type Projection struct {
	Entries  []ProjectionEntry
	Pressure bool
}

// Project computes the top-W working-memory projection over candidates
// using the compound score w1*importance + w2*usefulness + w3*recency,
// per spec §4.7. It is a pure function of the inputs given — no hidden
// state — and is meant to be recomputed on insert and on heartbeat
// ticks by the caller.
func (m *Memory) Project(ctx context.Context, candidates []Candidate) (Projection, error) {
	scored := make([]ProjectionEntry, 0, len(candidates))
	now := time.Now().UTC()
	for _, c := range candidates {
		usefulness, err := m.usefulnessFor(ctx, c.Ref)
		if err != nil {
			return Projection{}, err
		}
		recency := recencyScore(now, c.LastAccessed, m.weights.HalfLife)
		score := m.weights.Importance*c.Importance + m.weights.Usefulness*usefulness + m.weights.Recency*recency
		scored = append(scored, ProjectionEntry{Ref: c.Ref, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Ref.ID < scored[j].Ref.ID
	})

	if len(scored) > m.limit {
		scored = scored[:m.limit]
	}

	used := float64(len(scored)) / float64(m.limit)
	return Projection{Entries: scored, Pressure: used >= 0.9}, nil
}

func (m *Memory) usefulnessFor(ctx context.Context, ref types.MemoryRef) (float64, error) {
	q, err := m.GetQuality(ctx, ref)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return 0.5, nil
		}
		return 0, err
	}
	return q.UsefulnessScore, nil
}

// recencyScore is the teacher's exponential decay:
// exp(-ln2/halfLife * age), reused here and in memory/semantic for
// recency_boost per SPEC_FULL's decision to share one decay curve.
func recencyScore(now, lastAccessed time.Time, halfLife time.Duration) float64 {
	if lastAccessed.IsZero() || halfLife <= 0 {
		return 0
	}
	age := now.Sub(lastAccessed)
	if age < 0 {
		age = 0
	}
	lambda := math.Ln2 / halfLife.Seconds()
	return math.Exp(-lambda * age.Seconds())
}

func toQuality(ref types.MemoryRef, r store.MetaQualityRow) types.MemoryQuality {
	return types.MemoryQuality{
		MemoryRef:         ref,
		ProjectScope:      types.ProjectScope(r.ProjectScope),
		AccessCount:       r.AccessCount,
		UsefulCount:       r.UsefulCount,
		UsefulnessScore:   r.UsefulnessScore,
		Confidence:        r.Confidence,
		EmbeddingDegraded: r.EmbeddingDegraded,
		LastAccessed:      r.LastAccessed,
	}
}
