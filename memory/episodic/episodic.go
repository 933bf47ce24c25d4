// Package episodic implements Athena's Episodic Memory layer (C3): an
// append-only log of events scoped to a session, best-effort embedded
// at write time, recallable by query, session, or time range.
package episodic

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

const defaultImportance = 0.5

// layerName matches the meta_quality.layer discriminator for events.
const layerName = "episodic"

// Memory is the episodic layer, backed by the durable store and an
// optional embedding service.
type Memory struct {
	store    *store.Store
	embedder *embedding.Service
	logger   *zap.Logger
}

// New constructs an episodic Memory. embedder may be nil, in which case
// every record is written in degraded (lexical-only) mode.
func New(s *store.Store, embedder *embedding.Service, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, embedder: embedder, logger: logger.With(zap.String("memory", "episodic"))}
}

// RecordInput is the caller-supplied payload for Record.
type RecordInput struct {
	ProjectScope types.ProjectScope
	SourceAgent  types.SourceAgent
	SessionID    string
	Content      string
	Tags         []string
	// Importance in [0,1]; defaults to 0.5 when zero-valued (spec §4.3).
	Importance float64
}

// Record inserts a new event, best-effort embeds it, and returns its
// ID. Events are append-only: there is no update API, only soft_delete
// and new corrective events carrying a "corrects" tag.
func (m *Memory) Record(ctx context.Context, in RecordInput) (types.ID, error) {
	importance := in.Importance
	if importance == 0 {
		importance = defaultImportance
	}

	tags := normalizeTags(in.Tags)

	var vec []float32
	degraded := true
	if m.embedder != nil {
		v, wasDegraded, err := m.embedder.TryEmbed(ctx, in.Content)
		if err != nil {
			return "", err
		}
		vec, degraded = v, wasDegraded
	}

	id := m.store.NextID()
	row := store.EventRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		SessionID:    in.SessionID,
		SourceAgent:  string(in.SourceAgent),
		Ts:           time.Now().UTC(),
		Content:      in.Content,
		Tags:         store.StringSlice(tags),
		Importance:   importance,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if len(vec) > 0 {
		row.Embedding = store.Vector(vec)
	}

	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "record event")
	}

	if err := m.store.RecordMetaQuality(ctx, id, layerName, string(in.ProjectScope), degraded); err != nil {
		m.logger.Warn("record meta quality failed", zap.Error(err))
	}

	return store.IDString(id), nil
}

// RecallFilters narrows a Recall call.
type RecallFilters struct {
	Tags      []string
	SessionID string
}

// Recall performs a hybrid-ish lexical recall over events: vector
// similarity when the query embeds successfully, falling back to a
// substring/tag match when it doesn't. Semantic memory (C4) owns the
// full hybrid-ranking formula; this is episodic's simpler keyword path
// per spec §4.3.
func (m *Memory) Recall(ctx context.Context, projectScope types.ProjectScope, query string, filters RecallFilters, limit int) ([]types.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	if m.embedder != nil {
		if vec, err := m.embedder.Embed(ctx, query); err == nil {
			hits, serr := m.store.VectorSearch(ctx, "events", store.Vector(vec), limit, string(projectScope))
			if serr == nil && len(hits) > 0 {
				return m.loadByIDs(ctx, hitIDs(hits))
			}
		}
	}

	var rows []store.EventRow
	q := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND tombstone = ?", string(projectScope), false)
	if filters.SessionID != "" {
		q = q.Where("session_id = ?", filters.SessionID)
	}
	if err := q.Order("ts DESC").Limit(limit * 4).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "recall events")
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var out []types.Event
	for _, r := range rows {
		if needle != "" && !strings.Contains(strings.ToLower(r.Content), needle) && !tagsMatch(r.Tags, needle) {
			continue
		}
		if !tagsSubset(filters.Tags, r.Tags) {
			continue
		}
		out = append(out, toEvent(r))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RecallBySession returns every non-tombstoned event for a session, in
// chronological order — the timeline API of spec §5's read surface.
func (m *Memory) RecallBySession(ctx context.Context, projectScope types.ProjectScope, sessionID string) ([]types.Event, error) {
	var rows []store.EventRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND session_id = ? AND tombstone = ?", string(projectScope), sessionID, false).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "recall by session")
	}
	return toEvents(rows), nil
}

// RecallByTime returns non-tombstoned events in [since, until].
func (m *Memory) RecallByTime(ctx context.Context, projectScope types.ProjectScope, since, until time.Time) ([]types.Event, error) {
	var rows []store.EventRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND tombstone = ? AND ts BETWEEN ? AND ?", string(projectScope), false, since, until).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "recall by time")
	}
	return toEvents(rows), nil
}

// SoftDelete tombstones an event without physically removing it,
// matching spec §4.3's invariant that events are never mutated except
// for soft-delete and meta back-references.
func (m *Memory) SoftDelete(ctx context.Context, eventID types.ID) error {
	id, err := store.ParseID(eventID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse event id")
	}
	res := m.store.Pool.DB().WithContext(ctx).
		Model(&store.EventRow{}).
		Where("id = ?", id).
		Updates(map[string]any{"tombstone": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return errs.Wrap(errs.StoreUnavailable, res.Error, "soft delete event")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, "event not found")
	}
	return nil
}

func (m *Memory) loadByIDs(ctx context.Context, ids []int64) ([]types.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []store.EventRow
	if err := m.store.Pool.DB().WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "load events by id")
	}
	byID := make(map[int64]store.EventRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]types.Event, 0, len(ids))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, toEvent(r))
		}
	}
	return out, nil
}

func hitIDs(hits []store.VectorHit) []int64 {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func toEvent(r store.EventRow) types.Event {
	return types.Event{
		ID:           store.IDString(r.ID),
		ProjectScope: types.ProjectScope(r.ProjectScope),
		SourceAgent:  types.SourceAgent(r.SourceAgent),
		SessionID:    r.SessionID,
		Content:      r.Content,
		Tags:         []string(r.Tags),
		Importance:   r.Importance,
		Embedding:      []float32(r.Embedding),
		Tombstone:      r.Tombstone,
		ConsolidatedAt: r.ConsolidatedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toEvents(rows []store.EventRow) []types.Event {
	out := make([]types.Event, len(rows))
	for i, r := range rows {
		out[i] = toEvent(r)
	}
	return out
}

// normalizeTags trims, lowercases, and dedupes tags per spec §4.3.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func tagsMatch(tags []string, needle string) bool {
	for _, t := range tags {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}

func tagsSubset(want, have []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[strings.ToLower(strings.TrimSpace(w))] {
			return false
		}
	}
	return true
}
