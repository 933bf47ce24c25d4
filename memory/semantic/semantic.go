// Package semantic implements Athena's Semantic Layer (C4): facts with
// hybrid vector+lexical search, confidence, and topics.
package semantic

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

const layerName = "semantic"

// Mode selects a Search retrieval mode.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeLexical Mode = "lexical"
	ModeHybrid  Mode = "hybrid"
)

// Weights for the hybrid score: score = alpha*norm(vec_sim) +
// (1-alpha)*norm(lex_score) + beta*recency_boost(last_accessed).
type Weights struct {
	Alpha           float64
	Beta            float64
	RecencyHalfLife time.Duration
}

// DefaultWeights matches spec §4.6: alpha=0.7, beta=0.1, half-life 30d.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.7, Beta: 0.1, RecencyHalfLife: 30 * 24 * time.Hour}
}

// Memory is the semantic layer, backed by the durable store and an
// optional embedding service.
type Memory struct {
	store    *store.Store
	embedder *embedding.Service
	weights  Weights
	logger   *zap.Logger
}

// New constructs a semantic Memory with the given hybrid-score weights.
// A zero Weights uses DefaultWeights.
func New(s *store.Store, embedder *embedding.Service, weights Weights, logger *zap.Logger) *Memory {
	if weights.Alpha == 0 && weights.Beta == 0 && weights.RecencyHalfLife == 0 {
		weights = DefaultWeights()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, embedder: embedder, weights: weights, logger: logger.With(zap.String("memory", "semantic"))}
}

// HasEmbedder reports whether this Memory can produce query/document
// vectors. Callers that only make sense with a vector signal (e.g. the
// retrieval pipeline's hyde strategy) use this to decide whether to
// degrade to a lexical-only path instead.
func (m *Memory) HasEmbedder() bool {
	return m.embedder != nil
}

// StoreInput is the caller-supplied payload for Store.
type StoreInput struct {
	ProjectScope types.ProjectScope
	SourceAgent  types.SourceAgent
	Content      string
	Topics       []string
	// Confidence in [0,1]; defaults to 0.5 when zero-valued.
	Confidence  float64
	DerivedFrom []types.ID
}

// Store inserts a new fact, best-effort embeds it, and returns its ID.
func (m *Memory) Store(ctx context.Context, in StoreInput) (types.ID, error) {
	confidence := in.Confidence
	if confidence == 0 {
		confidence = 0.5
	}

	var vec []float32
	degraded := true
	if m.embedder != nil {
		v, wasDegraded, err := m.embedder.TryEmbed(ctx, in.Content)
		if err != nil {
			return "", err
		}
		vec, degraded = v, wasDegraded
	}

	derived := make([]int64, 0, len(in.DerivedFrom))
	for _, id := range in.DerivedFrom {
		n, err := store.ParseID(id)
		if err != nil {
			return "", errs.Wrap(errs.Invalid, err, "parse derived_from id")
		}
		derived = append(derived, n)
	}

	id := m.store.NextID()
	now := time.Now().UTC()
	row := store.FactRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		SourceAgent:  string(in.SourceAgent),
		Content:      in.Content,
		Topics:       store.StringSlice(in.Topics),
		Confidence:   confidence,
		DerivedFrom:  store.Int64Slice(derived),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(vec) > 0 {
		row.Embedding = store.Vector(vec)
	}

	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "store fact")
	}
	if err := m.store.RecordMetaQuality(ctx, id, layerName, string(in.ProjectScope), degraded); err != nil {
		m.logger.Warn("record meta quality failed", zap.Error(err))
	}
	return store.IDString(id), nil
}

// Get fetches a single fact by ID.
func (m *Memory) Get(ctx context.Context, id types.ID) (types.Fact, error) {
	n, err := store.ParseID(id)
	if err != nil {
		return types.Fact{}, errs.Wrap(errs.Invalid, err, "parse fact id")
	}
	var row store.FactRow
	if err := m.store.Pool.DB().WithContext(ctx).First(&row, n).Error; err != nil {
		return types.Fact{}, errs.Wrap(errs.NotFound, err, "fact not found")
	}
	return toFact(row), nil
}

// UpdateConfidence overwrites a fact's confidence, e.g. after a
// consolidation validator pass revises it.
func (m *Memory) UpdateConfidence(ctx context.Context, factID types.ID, confidence float64) error {
	id, err := store.ParseID(factID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse fact id")
	}
	if confidence < 0 || confidence > 1 {
		return errs.New(errs.Invalid, "confidence must be in [0,1]")
	}
	res := m.store.Pool.DB().WithContext(ctx).
		Model(&store.FactRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"confidence": confidence, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errs.Wrap(errs.StoreUnavailable, res.Error, "update fact confidence")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, "fact not found")
	}
	return nil
}

// Scored pairs a Fact with the score it was ranked by.
type Scored struct {
	Fact  types.Fact
	Score float64
}

// Search performs vector-only, lexical-only, or hybrid retrieval over a
// project's facts, per spec §4.6.
func (m *Memory) Search(ctx context.Context, projectScope types.ProjectScope, query string, mode Mode, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 10
	}
	if mode == "" {
		mode = ModeHybrid
	}

	var rows []store.FactRow
	if err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "search facts")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if mode != ModeLexical && m.embedder != nil {
		if v, err := m.embedder.Embed(ctx, query); err == nil {
			queryVec = v
		} else if mode == ModeVector {
			return nil, err
		}
	}

	queryTokens := tokenize(query)
	docs := make([][]string, len(rows))
	docLens := make([]float64, len(rows))
	docFreqIdx := make(map[string]int)
	var totalLen float64
	for i, r := range rows {
		toks := tokenize(r.Content + " " + joinStrings(r.Topics))
		docs[i] = toks
		docLens[i] = float64(len(toks))
		totalLen += docLens[i]
		seen := make(map[string]bool)
		for _, t := range toks {
			if !seen[t] {
				docFreqIdx[t]++
				seen[t] = true
			}
		}
	}
	avgDocLen := totalLen / float64(len(rows))
	if avgDocLen == 0 {
		avgDocLen = 1
	}
	docFreq := func(term string) int { return docFreqIdx[term] }

	vecSims := make([]float64, len(rows))
	lexScores := make([]float64, len(rows))
	for i, r := range rows {
		if len(queryVec) > 0 && len(r.Embedding) > 0 {
			vecSims[i] = cosineSimilarity(queryVec, []float32(r.Embedding))
		}
		lexScores[i] = bm25(queryTokens, docs[i], avgDocLen, len(rows), docFreq)
	}

	normVec := normalize(vecSims)
	normLex := normalize(lexScores)

	out := make([]Scored, len(rows))
	for i, r := range rows {
		var score float64
		switch mode {
		case ModeVector:
			score = normVec[i]
		case ModeLexical:
			score = normLex[i]
		default:
			recency := recencyBoost(r.UpdatedAt, m.weights.RecencyHalfLife)
			score = m.weights.Alpha*normVec[i] + (1-m.weights.Alpha)*normLex[i] + m.weights.Beta*recency
		}
		out[i] = Scored{Fact: toFact(r), Score: score}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Fact.Confidence != out[j].Fact.Confidence {
			return out[i].Fact.Confidence > out[j].Fact.Confidence
		}
		return out[i].Fact.ID < out[j].Fact.ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// recencyBoost is an exponentially decaying function of age with the
// given half-life; 1.0 at age 0, 0.5 at one half-life.
func recencyBoost(lastAccessed time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	age := time.Since(lastAccessed)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalize min-max scales values to [0,1]; an all-equal input maps to
// all-zero (no signal to rank by).
func normalize(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		return out
	}
	min, max := vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return out
	}
	for i, v := range vals {
		out[i] = (v - min) / (max - min)
	}
	return out
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func toFact(r store.FactRow) types.Fact {
	derived := make([]types.ID, len(r.DerivedFrom))
	for i, id := range r.DerivedFrom {
		derived[i] = store.IDString(id)
	}
	return types.Fact{
		ID:           store.IDString(r.ID),
		ProjectScope: types.ProjectScope(r.ProjectScope),
		SourceAgent:  types.SourceAgent(r.SourceAgent),
		Content:      r.Content,
		Topics:       []string(r.Topics),
		Confidence:   r.Confidence,
		Embedding:    []float32(r.Embedding),
		DerivedFrom:  derived,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
