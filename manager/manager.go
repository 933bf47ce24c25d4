// Package manager implements Athena's Unified Manager (C9): the single
// entry point for every read and write. It routes writes to the correct
// layer, fans reads out across layers for a typed Query, assembles
// working-memory projections, and enforces per-project scoping.
//
// Grounded on the teacher's agent/memory.go MemoryManager split
// (MemoryWriter/MemoryReader composed into one facade interface): this
// package keeps that shape but widens it from one backing store to six
// cooperating layers plus cross-layer coordination.
package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/internal/events"
	"github.com/shawkridge/athena/internal/metrics"
	"github.com/shawkridge/athena/memory/episodic"
	"github.com/shawkridge/athena/memory/graph"
	"github.com/shawkridge/athena/memory/meta"
	"github.com/shawkridge/athena/memory/procedural"
	"github.com/shawkridge/athena/memory/prospective"
	"github.com/shawkridge/athena/memory/semantic"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// tracerName matches the teacher's convention of one otel.Tracer per
// component, named by its full import path.
const tracerName = "github.com/shawkridge/athena/manager"

// Manager composes the six cooperating memory layers behind one facade.
type Manager struct {
	Episodic    *episodic.Memory
	Semantic    *semantic.Memory
	Procedural  *procedural.Memory
	Prospective *prospective.Memory
	Graph       *graph.Memory
	Meta        *meta.Memory

	triggers *prospective.Evaluator
	hub      *events.Hub

	cfg     config.Config
	metrics *metrics.Collector
	tracer  oteltrace.Tracer
	logger  *zap.Logger
	auth    *Authenticator
}

// SetHub attaches the typed event stream spec §9 describes
// (on_event_recorded/on_task_completed/on_consolidation_finished).
// Optional: a Manager with no Hub attached simply never publishes.
func (mg *Manager) SetHub(h *events.Hub) {
	mg.hub = h
}

// New constructs a Manager wiring every layer to the same store and
// embedding service, per spec §4.8. It fails only if cfg.JWT.PublicKey is
// malformed — every other dependency is assumed already validated by its
// own constructor.
func New(s *store.Store, embedder *embedding.Service, cfg config.Config, m *metrics.Collector, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth, err := NewAuthenticator(cfg.JWT, logger)
	if err != nil {
		return nil, err
	}
	metaWeights := meta.Weights{
		Importance: cfg.WorkingMemory.ImportanceWeight,
		Usefulness: cfg.WorkingMemory.UsefulnessWeight,
		Recency:    cfg.WorkingMemory.RecencyWeight,
		HalfLife:   time.Hour,
	}
	semWeights := semantic.Weights{
		Alpha:           cfg.Retrieval.HybridAlpha,
		Beta:            cfg.Retrieval.RecencyBoostWeight,
		RecencyHalfLife: cfg.Retrieval.RecencyHalflife,
	}
	prospectiveMem := prospective.New(s, cfg.Prospective.StaleHeartbeat, logger)
	return &Manager{
		Episodic:    episodic.New(s, embedder, logger),
		Semantic:    semantic.New(s, embedder, semWeights, logger),
		Procedural:  procedural.New(s, logger),
		Prospective: prospectiveMem,
		Graph:       graph.New(s, logger),
		Meta:        meta.New(s, metaWeights, cfg.WorkingMemory.Limit, logger),
		triggers:    prospective.NewEvaluator(prospectiveMem, logger),
		cfg:         cfg,
		metrics:     m,
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With(zap.String("component", "manager")),
		auth:        auth,
	}, nil
}

// Close releases resources the Manager owns beyond its layers' shared
// store, currently just the trigger-fire worker pool.
func (mg *Manager) Close() {
	mg.triggers.Close()
}

// =============================================================================
// Write API (spec §6)
// =============================================================================

// RecordEvent routes to the episodic layer.
func (mg *Manager) RecordEvent(ctx context.Context, in episodic.RecordInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.RecordEvent")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Episodic.Record(ctx, in)
	if err == nil {
		mg.hub.PublishEventRecorded(events.EventRecorded{ID: id, ProjectScope: in.ProjectScope, RecordedAt: time.Now().UTC()})
	}
	return id, endSpan(span, err)
}

// StoreFact routes to the semantic layer.
func (mg *Manager) StoreFact(ctx context.Context, in semantic.StoreInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.StoreFact")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Semantic.Store(ctx, in)
	return id, endSpan(span, err)
}

// UpsertProcedure routes to the procedural layer.
func (mg *Manager) UpsertProcedure(ctx context.Context, in procedural.ExtractInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.UpsertProcedure")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Procedural.Extract(ctx, in)
	return id, endSpan(span, err)
}

// RecordProcedureOutcome routes to the procedural layer's EMA update.
func (mg *Manager) RecordProcedureOutcome(ctx context.Context, procID types.ID, success bool) error {
	ctx, span := mg.tracer.Start(ctx, "manager.RecordProcedureOutcome")
	defer span.End()
	return endSpan(span, mg.Procedural.RecordOutcome(ctx, procID, success))
}

// CreateTask routes to the prospective layer.
func (mg *Manager) CreateTask(ctx context.Context, in prospective.CreateTaskInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.CreateTask")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Prospective.CreateTask(ctx, in)
	return id, endSpan(span, err)
}

// UpdateTaskStatus routes to the prospective layer's FSM-checked
// transition. A transition into TaskCompleted also re-evaluates
// DEPENDENCY triggers for the task's project, since completing a task
// is the one event that can satisfy them, and publishes
// on_task_completed for any terminal status (completed, failed or
// cancelled).
func (mg *Manager) UpdateTaskStatus(ctx context.Context, taskID types.ID, status types.TaskStatus, result *string) error {
	ctx, span := mg.tracer.Start(ctx, "manager.UpdateTaskStatus")
	defer span.End()
	if err := mg.Prospective.UpdateStatus(ctx, taskID, status, result); err != nil {
		return endSpan(span, err)
	}
	if status.IsTerminal() {
		if task, err := mg.Prospective.Get(ctx, taskID); err == nil {
			if status == types.TaskCompleted {
				mg.triggers.EvaluateDependency(ctx, task.ProjectScope)
			}
			mg.hub.PublishTaskCompleted(events.TaskCompleted{
				ID: taskID, ProjectScope: task.ProjectScope, Status: status, FinishedAt: time.Now().UTC(),
			})
		}
	}
	return endSpan(span, nil)
}

// ClaimTask routes to the prospective layer's optimistic-CAS claim,
// collapsing it to the bool the external API promises: true on success,
// false (no error) on a lost race, error only for infrastructure failure.
func (mg *Manager) ClaimTask(ctx context.Context, taskID types.ID, agentID types.SourceAgent) (bool, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.ClaimTask")
	defer span.End()
	_, err := mg.Prospective.Claim(ctx, taskID, agentID)
	if err != nil {
		if errs.Is(err, errs.AlreadyClaimed) {
			return false, nil
		}
		return false, endSpan(span, err)
	}
	return true, nil
}

// UpsertEntity routes to the graph layer.
func (mg *Manager) UpsertEntity(ctx context.Context, in graph.UpsertEntityInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.UpsertEntity")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Graph.UpsertEntity(ctx, in)
	return id, endSpan(span, err)
}

// UpsertRelation routes to the graph layer.
func (mg *Manager) UpsertRelation(ctx context.Context, in graph.UpsertRelationInput) (types.ID, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.UpsertRelation")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, in.ProjectScope); err != nil {
		return "", endSpan(span, err)
	}
	id, err := mg.Graph.UpsertRelation(ctx, in)
	return id, endSpan(span, err)
}

// MarkUseful routes a usefulness signal to the meta layer (spec §4.7).
func (mg *Manager) MarkUseful(ctx context.Context, ref types.MemoryRef, useful bool) error {
	ctx, span := mg.tracer.Start(ctx, "manager.MarkUseful")
	defer span.End()
	return endSpan(span, mg.Meta.RecordAccess(ctx, ref, useful))
}

// =============================================================================
// Read API (spec §6)
// =============================================================================

// Query fans a typed query out to every requested layer concurrently
// (spec §4.8b), via errgroup per SPEC_FULL's x/sync binding. It returns
// raw, per-layer-scored candidates; the retrieval pipeline (C10) owns
// cross-layer re-ranking and token-budget compaction on top of this.
func (mg *Manager) Query(ctx context.Context, q types.Query) (types.QueryResult, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.Query",
		oteltrace.WithAttributes(attribute.String("project_scope", string(q.ProjectScope))))
	defer span.End()
	if err := mg.auth.RequireScope(ctx, q.ProjectScope); err != nil {
		return types.QueryResult{}, endSpan(span, err)
	}

	// k=0 is an explicit request for zero results, not "unset" — return
	// empty rather than falling back to the default (spec §8 boundary
	// behavior 13). A negative K is treated as unset and defaults to 10.
	// An empty query string returns an empty ranked list rather than an
	// error or an unfiltered dump of every record (boundary behavior 12).
	if q.K == 0 || strings.TrimSpace(q.Text) == "" {
		return types.QueryResult{}, endSpan(span, nil)
	}

	layers := q.Layers
	if len(layers) == 0 {
		layers = []types.Layer{types.LayerEpisodic, types.LayerSemantic, types.LayerProcedural, types.LayerGraph}
	}
	k := q.K
	if k < 0 {
		k = 10
	}

	var mu resultCollector
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range layers {
		layer := layer
		g.Go(func() error {
			refs, err := mg.queryLayer(gctx, layer, q, k)
			if err != nil {
				return err
			}
			mu.add(refs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.QueryResult{}, endSpan(span, err)
	}
	return types.QueryResult{Results: mu.drain()}, nil
}

func (mg *Manager) queryLayer(ctx context.Context, layer types.Layer, q types.Query, k int) ([]types.ScoredRef, error) {
	switch layer {
	case types.LayerEpisodic:
		events, err := mg.Episodic.Recall(ctx, q.ProjectScope, q.Text, episodic.RecallFilters{Tags: q.Tags, SessionID: q.SessionID}, k)
		if err != nil {
			return nil, err
		}
		out := make([]types.ScoredRef, len(events))
		for i, e := range events {
			out[i] = types.ScoredRef{
				Ref:          types.MemoryRef{ID: e.ID, Layer: types.LayerEpisodic},
				Score:        e.Importance,
				Layer:        types.LayerEpisodic,
				RationaleTag: "episodic_recall",
				Content:      e.Content,
			}
		}
		return out, nil

	case types.LayerSemantic:
		scored, err := mg.Semantic.Search(ctx, q.ProjectScope, q.Text, semantic.ModeHybrid, k)
		if err != nil {
			return nil, err
		}
		out := make([]types.ScoredRef, len(scored))
		for i, s := range scored {
			out[i] = types.ScoredRef{
				Ref:          types.MemoryRef{ID: s.Fact.ID, Layer: types.LayerSemantic},
				Score:        s.Score,
				Layer:        types.LayerSemantic,
				RationaleTag: "hybrid_search",
				Content:      s.Fact.Content,
			}
		}
		return out, nil

	case types.LayerProcedural:
		procs, err := mg.Procedural.Search(ctx, q.ProjectScope, q.Text, k)
		if err != nil {
			return nil, err
		}
		out := make([]types.ScoredRef, len(procs))
		for i, p := range procs {
			out[i] = types.ScoredRef{
				Ref:          types.MemoryRef{ID: p.ID, Layer: types.LayerProcedural},
				Score:        p.SuccessRate,
				Layer:        types.LayerProcedural,
				RationaleTag: "procedure_search",
				Content:      p.Name + ": " + p.Description,
			}
		}
		return out, nil

	case types.LayerGraph:
		var rows []types.Entity
		var err error
		if q.Text != "" {
			rows, err = mg.graphEntitySearch(ctx, q.ProjectScope, q.Text, k)
		}
		if err != nil {
			return nil, err
		}
		out := make([]types.ScoredRef, len(rows))
		for i, e := range rows {
			out[i] = types.ScoredRef{
				Ref:          types.MemoryRef{ID: e.ID, Layer: types.LayerGraph},
				Score:        1,
				Layer:        types.LayerGraph,
				RationaleTag: "entity_match",
				Content:      e.Name,
			}
		}
		return out, nil

	default:
		return nil, errs.Newf(errs.Invalid, "query layer %q not supported", layer)
	}
}

// graphEntitySearch is a lexical name match over entities — the graph
// layer has no embedding of its own (spec §4.6 puts vectors on Semantic),
// so fan-out queries it the same way the teacher's discovery registry
// does a plain substring match (agent/discovery/registry.go).
func (mg *Manager) graphEntitySearch(ctx context.Context, projectScope types.ProjectScope, text string, k int) ([]types.Entity, error) {
	return mg.Graph.SearchEntities(ctx, projectScope, text, k)
}

// Get fetches a single entity by its MemoryRef, dispatching to the
// owning layer. A MemoryRef carries no project_scope of its own — scope
// enforcement for by-ID lookups is an open question, tracked in
// DESIGN.md, rather than enforced here.
func (mg *Manager) Get(ctx context.Context, ref types.MemoryRef) (any, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.Get",
		oteltrace.WithAttributes(attribute.String("layer", string(ref.Layer))))
	defer span.End()

	var (
		out any
		err error
	)
	switch ref.Layer {
	case types.LayerSemantic:
		out, err = mg.Semantic.Get(ctx, ref.ID)
	case types.LayerProcedural:
		out, err = mg.Procedural.Get(ctx, ref.ID)
	case types.LayerProspective:
		out, err = mg.Prospective.Get(ctx, ref.ID)
	case types.LayerGraph:
		out, err = mg.Graph.GetEntity(ctx, ref.ID)
	default:
		err = errs.Newf(errs.Invalid, "get not supported for layer %q", ref.Layer)
	}
	return out, endSpan(span, err)
}

// WorkingMemory assembles the top-W projection (spec §4.8c) from each
// layer's recent activity and hands it to the meta layer's scorer. It
// also emits the cognitive-load pressure gauge (SPEC_FULL's prometheus
// binding for C9).
func (mg *Manager) WorkingMemory(ctx context.Context, projectScope types.ProjectScope) (meta.Projection, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.WorkingMemory")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, projectScope); err != nil {
		return meta.Projection{}, endSpan(span, err)
	}

	events, err := mg.Episodic.Recall(ctx, projectScope, "", episodic.RecallFilters{}, 50)
	if err != nil {
		return meta.Projection{}, endSpan(span, err)
	}
	facts, err := mg.Semantic.Search(ctx, projectScope, "", semantic.ModeLexical, 50)
	if err != nil {
		return meta.Projection{}, endSpan(span, err)
	}

	candidates := make([]meta.Candidate, 0, len(events)+len(facts))
	for _, e := range events {
		candidates = append(candidates, meta.Candidate{
			Ref:          types.MemoryRef{ID: e.ID, Layer: types.LayerEpisodic},
			Importance:   e.Importance,
			LastAccessed: e.UpdatedAt,
		})
	}
	for _, f := range facts {
		candidates = append(candidates, meta.Candidate{
			Ref:          types.MemoryRef{ID: f.Fact.ID, Layer: types.LayerSemantic},
			Importance:   f.Fact.Confidence,
			LastAccessed: f.Fact.UpdatedAt,
		})
	}

	projection, err := mg.Meta.Project(ctx, candidates)
	if err != nil {
		return meta.Projection{}, endSpan(span, err)
	}
	if mg.metrics != nil {
		mg.metrics.RecordWorkingMemoryPressure(string(projectScope), projection.Pressure)
	}
	return projection, endSpan(span, nil)
}

// Neighbors routes to the graph layer's BFS expansion.
func (mg *Manager) Neighbors(ctx context.Context, projectScope types.ProjectScope, entityID types.ID, maxHops int, atTime *time.Time) ([]types.Entity, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.Neighbors")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, projectScope); err != nil {
		return nil, endSpan(span, err)
	}
	out, err := mg.Graph.Neighbors(ctx, projectScope, entityID, maxHops, atTime)
	return out, endSpan(span, err)
}

// Timeline returns a session's chronological event log, or — when
// sessionID is empty — every event in [since, until].
func (mg *Manager) Timeline(ctx context.Context, projectScope types.ProjectScope, sessionID string, since, until time.Time) ([]types.Event, error) {
	ctx, span := mg.tracer.Start(ctx, "manager.Timeline")
	defer span.End()
	if err := mg.auth.RequireScope(ctx, projectScope); err != nil {
		return nil, endSpan(span, err)
	}
	if sessionID != "" {
		out, err := mg.Episodic.RecallBySession(ctx, projectScope, sessionID)
		return out, endSpan(span, err)
	}
	out, err := mg.Episodic.RecallByTime(ctx, projectScope, since, until)
	return out, endSpan(span, err)
}

// resultCollector gathers per-layer query results behind a mutex, since
// each layer's goroutine in Query's errgroup appends concurrently.
type resultCollector struct {
	mu      sync.Mutex
	results []types.ScoredRef
}

func (c *resultCollector) add(refs []types.ScoredRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, refs...)
}

func (c *resultCollector) drain() []types.ScoredRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.results
	c.results = nil
	return out
}

// endSpan records err on span (if any) and returns it unchanged, so call
// sites can do `return x, endSpan(span, err)`.
func endSpan(span oteltrace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
