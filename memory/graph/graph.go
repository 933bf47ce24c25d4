// Package graph implements Athena's Knowledge Graph layer (C7):
// entities, directional time-bounded relations, neighbor expansion, and
// community detection.
package graph

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// Memory is the graph layer, backed by the durable store.
type Memory struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a graph Memory.
func New(s *store.Store, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, logger: logger.With(zap.String("memory", "graph"))}
}

// UpsertEntityInput is the caller-supplied payload for UpsertEntity.
type UpsertEntityInput struct {
	ProjectScope types.ProjectScope
	Name         string
	Type         string
	Properties   map[string]any
}

// UpsertEntity inserts a new entity, or merges Properties into an
// existing one matched by (project_scope, name, type).
func (m *Memory) UpsertEntity(ctx context.Context, in UpsertEntityInput) (types.ID, error) {
	var existing store.EntityRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND name = ? AND type = ?", string(in.ProjectScope), in.Name, in.Type).
		First(&existing).Error
	now := time.Now().UTC()

	if err == nil {
		merged := map[string]any(existing.Properties)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range in.Properties {
			merged[k] = v
		}
		upd := m.store.Pool.DB().WithContext(ctx).Model(&store.EntityRow{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{"properties": store.JSONValue(merged), "updated_at": now})
		if upd.Error != nil {
			return "", errs.Wrap(errs.StoreUnavailable, upd.Error, "merge entity")
		}
		return store.IDString(existing.ID), nil
	}

	id := m.store.NextID()
	row := store.EntityRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		Name:         in.Name,
		Type:         in.Type,
		Properties:   store.JSONValue(in.Properties),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "create entity")
	}
	return store.IDString(id), nil
}

// GetEntity fetches a single entity by ID.
func (m *Memory) GetEntity(ctx context.Context, id types.ID) (types.Entity, error) {
	n, err := store.ParseID(id)
	if err != nil {
		return types.Entity{}, errs.Wrap(errs.Invalid, err, "parse entity id")
	}
	var row store.EntityRow
	if err := m.store.Pool.DB().WithContext(ctx).First(&row, n).Error; err != nil {
		return types.Entity{}, errs.Wrap(errs.NotFound, err, "entity not found")
	}
	return toEntity(row), nil
}

// UpsertRelationInput is the caller-supplied payload for UpsertRelation.
type UpsertRelationInput struct {
	ProjectScope types.ProjectScope
	SourceID     types.ID
	TargetID     types.ID
	Type         string
	Strength     float64
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	Context      string
}

// UpsertRelation inserts a directional relation between two entities.
// Per spec §4.1 invariant 4, when both bounds are set, ValidFrom must
// precede ValidUntil.
func (m *Memory) UpsertRelation(ctx context.Context, in UpsertRelationInput) (types.ID, error) {
	src, err := store.ParseID(in.SourceID)
	if err != nil {
		return "", errs.Wrap(errs.Invalid, err, "parse source id")
	}
	dst, err := store.ParseID(in.TargetID)
	if err != nil {
		return "", errs.Wrap(errs.Invalid, err, "parse target id")
	}
	if in.ValidFrom != nil && in.ValidUntil != nil && !in.ValidFrom.Before(*in.ValidUntil) {
		return "", errs.New(errs.Invalid, "valid_from must precede valid_until")
	}

	id := m.store.NextID()
	row := store.RelationRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		Src:          src,
		Dst:          dst,
		Type:         in.Type,
		Strength:     in.Strength,
		ValidFrom:    in.ValidFrom,
		ValidUntil:   in.ValidUntil,
		Context:      in.Context,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "create relation")
	}
	return store.IDString(id), nil
}

// CloseRelation sets ValidUntil on a relation, ending it without
// deleting it — per spec §4.1's lifecycle, relations are closed, not
// removed, unless their source event is soft-deleted.
func (m *Memory) CloseRelation(ctx context.Context, id types.ID, at time.Time) error {
	n, err := store.ParseID(id)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse relation id")
	}
	res := m.store.Pool.DB().WithContext(ctx).Model(&store.RelationRow{}).
		Where("id = ?", n).Update("valid_until", at)
	if res.Error != nil {
		return errs.Wrap(errs.StoreUnavailable, res.Error, "close relation")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, "relation not found")
	}
	return nil
}

// Neighbors performs max_hops breadth-first expansion from entityID,
// per spec §4.6. When atTime is non-nil, only relations whose
// [valid_from, valid_until) window contains atTime are traversed;
// atTime == nil means "now".
func (m *Memory) Neighbors(ctx context.Context, projectScope types.ProjectScope, entityID types.ID, maxHops int, atTime *time.Time) ([]types.Entity, error) {
	start, err := store.ParseID(entityID)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "parse entity id")
	}
	if maxHops <= 0 {
		maxHops = 1
	}
	at := time.Now().UTC()
	if atTime != nil {
		at = *atTime
	}

	var relations []store.RelationRow
	if err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Find(&relations).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "load relations")
	}

	adjacency := buildAdjacency(relations, at)
	visited := map[int64]bool{start: true}
	frontier := []int64{start}
	for hop := 0; hop < maxHops; hop++ {
		var next []int64
		for _, n := range frontier {
			for _, nb := range adjacency[n] {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	delete(visited, start)

	ids := make([]int64, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []store.EntityRow
	if err := m.store.Pool.DB().WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "load neighbor entities")
	}
	out := make([]types.Entity, len(rows))
	for i, r := range rows {
		out[i] = toEntity(r)
	}
	return out, nil
}

// SearchEntities performs a lexical name/type match over a project's
// entities — the graph layer's read path for the Manager's fan-out
// query (spec §4.8b), since entities have no embedding of their own.
func (m *Memory) SearchEntities(ctx context.Context, projectScope types.ProjectScope, query string, limit int) ([]types.Entity, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []store.EntityRow
	if err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "search entities")
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]types.Entity, 0, limit)
	for _, r := range rows {
		if needle != "" && !strings.Contains(strings.ToLower(r.Name), needle) && !strings.Contains(strings.ToLower(r.Type), needle) {
			continue
		}
		out = append(out, toEntity(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Relations returns every relation touching entityID, optionally
// filtered to a single relation type.
func (m *Memory) Relations(ctx context.Context, entityID types.ID, relationType string) ([]types.Relation, error) {
	n, err := store.ParseID(entityID)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "parse entity id")
	}
	q := m.store.Pool.DB().WithContext(ctx).Where("src = ? OR dst = ?", n, n)
	if relationType != "" {
		q = q.Where("type = ?", relationType)
	}
	var rows []store.RelationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "load relations")
	}
	out := make([]types.Relation, len(rows))
	for i, r := range rows {
		out[i] = toRelation(r)
	}
	return out, nil
}

// buildAdjacency builds an undirected adjacency list from the relations
// active at instant at, mirroring the teacher's in-memory outRels/inRels
// index but filtered by the time-bounded validity window.
func buildAdjacency(relations []store.RelationRow, at time.Time) map[int64][]int64 {
	adjacency := make(map[int64][]int64)
	for _, r := range relations {
		if r.ValidFrom != nil && at.Before(*r.ValidFrom) {
			continue
		}
		if r.ValidUntil != nil && !at.Before(*r.ValidUntil) {
			continue
		}
		adjacency[r.Src] = append(adjacency[r.Src], r.Dst)
		adjacency[r.Dst] = append(adjacency[r.Dst], r.Src)
	}
	return adjacency
}

func toEntity(r store.EntityRow) types.Entity {
	return types.Entity{
		ID:           store.IDString(r.ID),
		ProjectScope: types.ProjectScope(r.ProjectScope),
		Name:         r.Name,
		Type:         r.Type,
		Properties:   map[string]any(r.Properties),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toRelation(r store.RelationRow) types.Relation {
	return types.Relation{
		ID:           store.IDString(r.ID),
		ProjectScope: types.ProjectScope(r.ProjectScope),
		SourceID:     store.IDString(r.Src),
		TargetID:     store.IDString(r.Dst),
		Type:         r.Type,
		Strength:     r.Strength,
		ValidFrom:    r.ValidFrom,
		ValidUntil:   r.ValidUntil,
		Context:      r.Context,
		CreatedAt:    r.CreatedAt,
	}
}
