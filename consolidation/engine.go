// Package consolidation implements Athena's dual-process Consolidation
// Engine (C11): an always-on System 1 clustering pass over recent
// episodic events, gated by a conditional System 2 validator for
// high-uncertainty clusters, emitting Facts/Procedures/Relations in
// one transaction per accepted cluster.
package consolidation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/internal/events"
	"github.com/shawkridge/athena/internal/metrics"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// Engine runs consolidation cycles, one project at a time, per spec
// §4.10's scheduling rule ("at most one consolidation per project at a
// time; a second request is queued or rejected").
type Engine struct {
	store     *store.Store
	embedder  *embedding.Service
	validator Validator
	cfg       config.ConsolidationConfig
	metrics   *metrics.Collector
	logger    *zap.Logger
	hub       *events.Hub

	mu   sync.Mutex
	busy map[types.ProjectScope]bool
}

// SetHub attaches the typed event stream spec §9 describes; Run
// publishes on_consolidation_finished when it attaches one. Optional.
func (e *Engine) SetHub(h *events.Hub) {
	e.hub = h
}

// New constructs a consolidation Engine. validator may be nil, in
// which case HeuristicValidator stands in for an LLM judge.
func New(s *store.Store, embedder *embedding.Service, validator Validator, cfg config.ConsolidationConfig, m *metrics.Collector, logger *zap.Logger) *Engine {
	if validator == nil {
		validator = HeuristicValidator{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     s,
		embedder:  embedder,
		validator: validator,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.With(zap.String("component", "consolidation")),
		busy:      make(map[types.ProjectScope]bool),
	}
}

// RunOptions overrides the configured profile/window for one Run call.
type RunOptions struct {
	Profile     string
	WindowSize  int
	WindowSince *time.Time
	// RejectIfBusy returns errs.ConsolidationBusy immediately on a conflict
	// instead of the default queued (blocking) behavior.
	RejectIfBusy bool
}

// Report summarizes one consolidation cycle's outcome.
type Report struct {
	RunID             types.ID
	ClustersFound     int
	ClustersAccepted  int
	FactsEmitted      int
	ProceduresEmitted int
	RelationsEmitted  int
	CompressionRatio  float64
	RecallEstimate    float64
	Consistency       float64
	Density           float64
	Accepted          bool
	Cancelled         bool
}

// Run executes one consolidation cycle for projectScope. Only one Run
// may be in flight per project; a second concurrent call blocks until
// the first finishes (queued behavior) unless opts.RejectIfBusy is set,
// in which case it returns errs.ConsolidationBusy immediately.
func (e *Engine) Run(ctx context.Context, projectScope types.ProjectScope, opts RunOptions) (Report, error) {
	if !e.acquire(projectScope, opts.RejectIfBusy) {
		return Report{}, errs.New(errs.ConsolidationBusy, "consolidation already running for project")
	}
	defer e.release(projectScope)

	profileName := opts.Profile
	if profileName == "" {
		profileName = e.cfg.Profile
	}
	profile := config.ConsolidationProfile(profileName)

	runID := e.store.NextID()
	startedAt := time.Now().UTC()
	runRow := store.ConsolidationRunRow{
		ID:           runID,
		ProjectScope: string(projectScope),
		StartedAt:    startedAt,
		Profile:      profileName,
	}
	if err := e.store.Pool.DB().WithContext(ctx).Create(&runRow).Error; err != nil {
		return Report{}, errs.Wrap(errs.StoreUnavailable, err, "create consolidation run")
	}

	candidates, err := e.candidateEvents(ctx, projectScope, opts)
	if err != nil {
		return Report{}, err
	}

	rpt := Report{RunID: store.IDString(runID)}
	if len(candidates) == 0 {
		rpt.Accepted = true
		e.finish(ctx, runID, rpt, true)
		e.publishFinished(projectScope, rpt)
		return rpt, nil
	}

	clusters := clusterEvents(candidates, profile.MinClusterSize, 0.35)
	rpt.ClustersFound = len(clusters)

	// Pass 1: judge every cluster and project the metrics that decide
	// acceptance WITHOUT writing anything. recall_estimate/consistency
	// must be known before a single Fact/Procedure/Relation is emitted,
	// since a rejected run must leave no trace (spec §8 invariant 6) —
	// committing per-cluster as we went and only flipping a flag on
	// rejection would leave earlier clusters' writes stranded.
	type judged struct {
		cluster Cluster
		verdict ValidatorVerdict
	}
	var accepted []judged
	var totalEventsIn int
	var tracedEventsOut int
	var consistentFacts int

	for _, cl := range clusters {
		select {
		case <-ctx.Done():
			rpt.Cancelled = true
			e.finish(ctx, runID, rpt, false)
			e.publishFinished(projectScope, rpt)
			return rpt, ctx.Err()
		default:
		}

		totalEventsIn += len(cl.Events)

		verdict, ok := e.judge(ctx, cl, profile)
		if !ok {
			continue // demoted to pending review, not emitted
		}

		accepted = append(accepted, judged{cluster: cl, verdict: verdict})
		tracedEventsOut += len(cl.Events)
		if !verdict.Contradicts {
			consistentFacts++
		}
	}

	rpt.CompressionRatio = ratio(float64(len(accepted)), float64(totalEventsIn))
	rpt.RecallEstimate = ratio(float64(tracedEventsOut), float64(totalEventsIn))
	rpt.Consistency = ratio(float64(consistentFacts), float64(len(accepted)))
	rpt.Density = ratio(float64(totalEventsIn), float64(len(clusters)))
	rpt.Accepted = rpt.RecallEstimate >= e.cfg.RecallMin && rpt.Consistency >= e.cfg.ConsistencyMin

	// Pass 2: only a run that clears both thresholds actually writes.
	if rpt.Accepted {
		for _, j := range accepted {
			emitted, emitErr := e.emitCluster(ctx, projectScope, j.cluster, j.verdict)
			if emitErr != nil {
				e.logger.Warn("emit cluster failed", zap.Error(emitErr))
				continue
			}
			rpt.ClustersAccepted++
			rpt.FactsEmitted++
			if emitted.procedureID != "" {
				rpt.ProceduresEmitted++
			}
			rpt.RelationsEmitted += emitted.relationCount
		}
	}

	e.finish(ctx, runID, rpt, rpt.Accepted)
	e.recordMetrics(projectScope, rpt)
	e.publishFinished(projectScope, rpt)
	return rpt, nil
}

// publishFinished emits on_consolidation_finished (spec §9) for rpt.
// No-op if no Hub is attached.
func (e *Engine) publishFinished(projectScope types.ProjectScope, rpt Report) {
	e.hub.PublishConsolidationFinished(events.ConsolidationFinished{
		RunID:        rpt.RunID,
		ProjectScope: projectScope,
		Accepted:     rpt.Accepted,
		FactsEmitted: rpt.FactsEmitted,
		FinishedAt:   time.Now().UTC(),
	})
}

// acquire marks projectScope busy, queueing (blocking) by default, or
// failing fast when rejectIfBusy is set.
func (e *Engine) acquire(projectScope types.ProjectScope, rejectIfBusy bool) bool {
	for {
		e.mu.Lock()
		if !e.busy[projectScope] {
			e.busy[projectScope] = true
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()
		if rejectIfBusy {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (e *Engine) release(projectScope types.ProjectScope) {
	e.mu.Lock()
	delete(e.busy, projectScope)
	e.mu.Unlock()
}

func (e *Engine) candidateEvents(ctx context.Context, projectScope types.ProjectScope, opts RunOptions) ([]types.Event, error) {
	cutoff := time.Now().UTC().Add(-e.cfg.MinEventAge)
	windowSize := opts.WindowSize
	if windowSize <= 0 {
		windowSize = e.cfg.WindowSize
	}
	since := opts.WindowSince
	if since == nil {
		t := time.Now().UTC().Add(-e.cfg.WindowDuration)
		since = &t
	}

	var rows []store.EventRow
	q := e.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND tombstone = ? AND consolidated_at IS NULL AND created_at <= ? AND created_at >= ?",
			string(projectScope), false, cutoff, *since).
		Order("created_at ASC")
	if windowSize > 0 {
		q = q.Limit(windowSize)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "load consolidation candidates")
	}

	out := make([]types.Event, len(rows))
	for i, r := range rows {
		out[i] = types.Event{
			ID:           store.IDString(r.ID),
			ProjectScope: types.ProjectScope(r.ProjectScope),
			SourceAgent:  types.SourceAgent(r.SourceAgent),
			SessionID:    r.SessionID,
			Content:      r.Content,
			Tags:         []string(r.Tags),
			Importance:   r.Importance,
			Embedding:    []float32(r.Embedding),
			CreatedAt:    r.CreatedAt,
		}
	}
	return out, nil
}

// judge applies System 2 only when a cluster's uncertainty exceeds the
// profile threshold; otherwise System 1's own summary is trusted
// directly (spec §4.10's "uncertainty > θ_u" gate).
func (e *Engine) judge(ctx context.Context, cl Cluster, profile config.ConsolidationProfileParams) (ValidatorVerdict, bool) {
	if profile.MetricsOnly {
		return ValidatorVerdict{}, false
	}

	ex := exemplar(cl.Events)
	if cl.Uncertainty <= profile.UncertaintyThreshold || !profile.System2Enabled {
		derivation := DerivationFact
		if looksLikeWorkflow(cl.Events) {
			derivation = DerivationProcedure
		}
		return ValidatorVerdict{
			Coherent:   true,
			Statement:  ex.Content,
			Derivation: derivation,
			Confidence: 1 - cl.Uncertainty,
		}, true
	}

	contents := make([]string, len(cl.Events))
	for i, ev := range cl.Events {
		contents[i] = ev.Content
	}
	candidate := ClusterCandidate{Events: contents, Exemplar: ex.Content, Uncertainty: cl.Uncertainty}

	ctx2, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	verdict, err := e.validator.Validate(ctx2, candidate)
	if err != nil || !verdict.Coherent {
		e.logger.Info("cluster demoted to pending review", zap.Error(err))
		return ValidatorVerdict{}, false
	}
	return verdict, true
}

type emission struct {
	factID        types.ID
	procedureID   types.ID
	relationCount int
}

// emitCluster creates one Fact, optionally one Procedure, and zero or
// more Relations for an accepted cluster, all inside one transaction,
// and marks the member events consolidated (spec §4.10's per-cluster
// emission transaction).
func (e *Engine) emitCluster(ctx context.Context, projectScope types.ProjectScope, cl Cluster, verdict ValidatorVerdict) (emission, error) {
	var out emission
	now := time.Now().UTC()

	eventIDs := make([]int64, len(cl.Events))
	for i, ev := range cl.Events {
		n, err := store.ParseID(ev.ID)
		if err != nil {
			return out, errs.Wrap(errs.Invalid, err, "parse event id")
		}
		eventIDs[i] = n
	}

	var factVec []float32
	degraded := true
	if e.embedder != nil {
		v, wasDegraded, err := e.embedder.TryEmbed(ctx, verdict.Statement)
		if err == nil {
			factVec, degraded = v, wasDegraded
		}
	}

	err := e.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		factID := e.store.NextID()
		factRow := store.FactRow{
			ID:           factID,
			ProjectScope: string(projectScope),
			SourceAgent:  string(cl.Events[0].SourceAgent),
			Content:      verdict.Statement,
			Topics:       store.StringSlice(commonTags(cl.Events)),
			Confidence:   verdict.Confidence,
			DerivedFrom:  store.Int64Slice(eventIDs),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if len(factVec) > 0 {
			factRow.Embedding = store.Vector(factVec)
		}
		if err := tx.Create(&factRow).Error; err != nil {
			return errs.Wrap(errs.StoreUnavailable, err, "emit fact")
		}
		out.factID = store.IDString(factID)

		if err := upsertMetaQualityTx(tx, factID, "semantic", string(projectScope), degraded); err != nil {
			return err
		}

		if verdict.Derivation == DerivationProcedure && looksLikeWorkflow(cl.Events) {
			steps := workflowSteps(cl.Events)
			stepsJSON := make(store.JSONArray, len(steps))
			for i, s := range steps {
				stepsJSON[i] = map[string]any{"order": s.Order, "description": s.Description}
			}
			procID := e.store.NextID()
			procRow := store.ProcedureRow{
				ID:           procID,
				ProjectScope: string(projectScope),
				SourceAgent:  string(cl.Events[0].SourceAgent),
				Name:         truncate(verdict.Statement, 80),
				Description:  verdict.Statement,
				Steps:        stepsJSON,
				CreatedBy:    string(types.ProcedureOriginLearned),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Create(&procRow).Error; err != nil {
				return errs.Wrap(errs.StoreUnavailable, err, "emit procedure")
			}
			out.procedureID = store.IDString(procID)
			if err := upsertMetaQualityTx(tx, procID, "procedural", string(projectScope), true); err != nil {
				return err
			}
		}

		relCount, err := e.emitRelationsTx(tx, projectScope, cl.Events)
		if err != nil {
			return err
		}
		out.relationCount = relCount

		if err := tx.Model(&store.EventRow{}).
			Where("id IN ?", eventIDs).
			Update("consolidated_at", now).Error; err != nil {
			return errs.Wrap(errs.StoreUnavailable, err, "mark events consolidated")
		}
		return nil
	})
	if err != nil {
		return emission{}, err
	}
	return out, nil
}

// emitRelationsTx synthesizes Relations between co-occurring tags
// within a cluster, per spec §4.10 emission bullet (c): every tag of a
// co-occurring pair maps to a "tag"-typed Entity named after the tag,
// found or created here.
func (e *Engine) emitRelationsTx(tx *gorm.DB, projectScope types.ProjectScope, events []types.Event) (int, error) {
	pairs := coOccurringTagPairs(events)
	if len(pairs) == 0 {
		return 0, nil
	}
	from := minEventTime(events)
	count := 0
	for pair, strength := range pairs {
		srcID, err := e.upsertEntityTx(tx, projectScope, pair[0])
		if err != nil {
			return count, err
		}
		dstID, err := e.upsertEntityTx(tx, projectScope, pair[1])
		if err != nil {
			return count, err
		}
		rel := store.RelationRow{
			ID:           e.store.NextID(),
			ProjectScope: string(projectScope),
			Src:          srcID,
			Dst:          dstID,
			Type:         "co_occurs_with",
			Strength:     strength,
			ValidFrom:    &from,
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.Create(&rel).Error; err != nil {
			return count, errs.Wrap(errs.StoreUnavailable, err, "emit relation")
		}
		count++
	}
	return count, nil
}

// upsertEntityTx finds or creates a "tag"-typed Entity by name within
// an in-flight transaction, mirroring memory/graph's UpsertEntity merge
// rule but scoped to the caller's tx rather than opening its own.
func (e *Engine) upsertEntityTx(tx *gorm.DB, projectScope types.ProjectScope, name string) (int64, error) {
	var existing store.EntityRow
	err := tx.Where("project_scope = ? AND name = ? AND type = ?", string(projectScope), name, "tag").First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	now := time.Now().UTC()
	row := store.EntityRow{
		ID:           e.store.NextID(),
		ProjectScope: string(projectScope),
		Name:         name,
		Type:         "tag",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, err, "upsert entity")
	}
	return row.ID, nil
}

func commonTags(events []types.Event) []string {
	counts := make(map[string]int)
	for _, ev := range events {
		for _, t := range uniqueSorted(ev.Tags) {
			counts[t]++
		}
	}
	var out []string
	for t, c := range counts {
		if c*2 >= len(events) {
			out = append(out, t)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func (e *Engine) finish(ctx context.Context, runID int64, rpt Report, accepted bool) {
	now := time.Now().UTC()
	metricsJSON := store.JSONValue(map[string]any{
		"clusters_found":     rpt.ClustersFound,
		"clusters_accepted":  rpt.ClustersAccepted,
		"facts_emitted":      rpt.FactsEmitted,
		"procedures_emitted": rpt.ProceduresEmitted,
		"relations_emitted":  rpt.RelationsEmitted,
		"compression_ratio":  rpt.CompressionRatio,
		"recall_estimate":    rpt.RecallEstimate,
		"consistency":        rpt.Consistency,
		"density":            rpt.Density,
		"cancelled":          rpt.Cancelled,
	})
	if err := e.store.Pool.DB().WithContext(ctx).Model(&store.ConsolidationRunRow{}).
		Where("id = ?", runID).
		Updates(map[string]any{"finished_at": now, "accepted": accepted, "metrics": metricsJSON}).Error; err != nil {
		e.logger.Warn("finalize consolidation run failed", zap.Error(err))
	}
}

func (e *Engine) recordMetrics(projectScope types.ProjectScope, rpt Report) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordConsolidationRun(string(projectScope), rpt.Accepted, rpt.CompressionRatio, rpt.RecallEstimate, rpt.Consistency, rpt.Density)
}

func upsertMetaQualityTx(tx *gorm.DB, memoryID int64, layer, projectScope string, degraded bool) error {
	now := time.Now().UTC()
	row := store.MetaQualityRow{
		MemoryID:          memoryID,
		Layer:             layer,
		ProjectScope:      projectScope,
		AccessCount:       0,
		UsefulCount:       0,
		UsefulnessScore:   0.5,
		Confidence:        1,
		EmbeddingDegraded: degraded,
		LastAccessed:      now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "record meta quality")
	}
	return nil
}
