// Package procedural implements Athena's Procedural Layer (C5): named
// reusable workflows tracked with a success-rate EMA.
package procedural

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

const layerName = "procedural"

// Memory is the procedural layer, backed by the durable store.
type Memory struct {
	store  *store.Store
	logger *zap.Logger
}

// New constructs a procedural Memory.
func New(s *store.Store, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, logger: logger.With(zap.String("memory", "procedural"))}
}

// ExtractInput is the caller-supplied payload for Extract.
type ExtractInput struct {
	ProjectScope types.ProjectScope
	SourceAgent  types.SourceAgent
	Name         string
	Description  string
	Steps        []types.ProcedureStep
	Category     types.ProcedureCategory
	CreatedBy    types.ProcedureOrigin
}

// Extract records a new named procedure.
func (m *Memory) Extract(ctx context.Context, in ExtractInput) (types.ID, error) {
	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = types.ProcedureOriginUser
	}

	steps := make(store.JSONArray, len(in.Steps))
	for i, s := range in.Steps {
		steps[i] = map[string]any{"order": s.Order, "description": s.Description, "params": s.Params}
	}

	id := m.store.NextID()
	now := time.Now().UTC()
	row := store.ProcedureRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		SourceAgent:  string(in.SourceAgent),
		Name:         in.Name,
		Description:  in.Description,
		Steps:        steps,
		Category:     string(in.Category),
		CreatedBy:    string(createdBy),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "extract procedure")
	}
	if err := m.store.RecordMetaQuality(ctx, id, layerName, string(in.ProjectScope), true); err != nil {
		m.logger.Warn("record meta quality failed", zap.Error(err))
	}
	return store.IDString(id), nil
}

// Get fetches a single procedure by ID.
func (m *Memory) Get(ctx context.Context, id types.ID) (types.Procedure, error) {
	n, err := store.ParseID(id)
	if err != nil {
		return types.Procedure{}, errs.Wrap(errs.Invalid, err, "parse procedure id")
	}
	var row store.ProcedureRow
	if err := m.store.Pool.DB().WithContext(ctx).First(&row, n).Error; err != nil {
		return types.Procedure{}, errs.Wrap(errs.NotFound, err, "procedure not found")
	}
	return toProcedure(row), nil
}

// List returns every procedure in a project, most-used (highest
// usage_count) first.
func (m *Memory) List(ctx context.Context, projectScope types.ProjectScope) ([]types.Procedure, error) {
	var rows []store.ProcedureRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Order("usage_count DESC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "list procedures")
	}
	return toProcedures(rows), nil
}

// Search ranks procedures by lexical match on name/description, ties
// broken by success_rate then recency, per spec §4.5.
func (m *Memory) Search(ctx context.Context, projectScope types.ProjectScope, query string, limit int) ([]types.Procedure, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []store.ProcedureRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "search procedures")
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	type scored struct {
		row   store.ProcedureRow
		match bool
	}
	matches := make([]scored, 0, len(rows))
	for _, r := range rows {
		match := needle == "" ||
			strings.Contains(strings.ToLower(r.Name), needle) ||
			strings.Contains(strings.ToLower(r.Description), needle)
		if match {
			matches = append(matches, scored{row: r})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i].row, matches[j].row
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		at, bt := lastUsedOrZero(a), lastUsedOrZero(b)
		return at.After(bt)
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]types.Procedure, len(matches))
	for i, s := range matches {
		out[i] = toProcedure(s.row)
	}
	return out, nil
}

// RecordOutcome applies the arithmetic EMA of spec §4.5:
//
//	new_success_rate = (old_success_rate*usage_count + (success?1:0)) / (usage_count+1)
//	usage_count += 1
//	last_used = now
func (m *Memory) RecordOutcome(ctx context.Context, id types.ID, success bool) error {
	n, err := store.ParseID(id)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse procedure id")
	}

	return m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var row store.ProcedureRow
		if err := tx.First(&row, n).Error; err != nil {
			return errs.Wrap(errs.NotFound, err, "procedure not found")
		}

		outcome := 0.0
		if success {
			outcome = 1.0
		}
		newRate := (row.SuccessRate*float64(row.UsageCount) + outcome) / float64(row.UsageCount+1)
		now := time.Now().UTC()

		return tx.Model(&store.ProcedureRow{}).
			Where("id = ?", n).
			Updates(map[string]any{
				"success_rate": newRate,
				"usage_count":  row.UsageCount + 1,
				"last_used":    now,
				"updated_at":   now,
			}).Error
	})
}

// Statistics summarizes the procedures in a project.
type Statistics struct {
	Count              int
	AverageSuccessRate float64
	TotalUsage         int
}

// Statistics returns aggregate procedure stats for a project.
func (m *Memory) Statistics(ctx context.Context, projectScope types.ProjectScope) (Statistics, error) {
	var rows []store.ProcedureRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ?", string(projectScope)).
		Find(&rows).Error
	if err != nil {
		return Statistics{}, errs.Wrap(errs.StoreUnavailable, err, "procedure statistics")
	}
	if len(rows) == 0 {
		return Statistics{}, nil
	}
	var sum float64
	var usage int
	for _, r := range rows {
		sum += r.SuccessRate
		usage += r.UsageCount
	}
	return Statistics{Count: len(rows), AverageSuccessRate: sum / float64(len(rows)), TotalUsage: usage}, nil
}

func lastUsedOrZero(r store.ProcedureRow) time.Time {
	if r.LastUsed == nil {
		return time.Time{}
	}
	return *r.LastUsed
}

func toProcedure(r store.ProcedureRow) types.Procedure {
	steps := make([]types.ProcedureStep, len(r.Steps))
	for i, s := range r.Steps {
		order, _ := s["order"].(int)
		if order == 0 {
			if f, ok := s["order"].(float64); ok {
				order = int(f)
			}
		}
		desc, _ := s["description"].(string)
		params, _ := s["params"].(map[string]any)
		steps[i] = types.ProcedureStep{Order: order, Description: desc, Params: params}
	}
	return types.Procedure{
		ID:           store.IDString(r.ID),
		ProjectScope: types.ProjectScope(r.ProjectScope),
		SourceAgent:  types.SourceAgent(r.SourceAgent),
		Name:         r.Name,
		Description:  r.Description,
		Steps:        steps,
		Category:     types.ProcedureCategory(r.Category),
		SuccessRate:  r.SuccessRate,
		UsageCount:   r.UsageCount,
		LastUsed:     r.LastUsed,
		CreatedBy:    types.ProcedureOrigin(r.CreatedBy),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toProcedures(rows []store.ProcedureRow) []types.Procedure {
	out := make([]types.Procedure, len(rows))
	for i, r := range rows {
		out[i] = toProcedure(r)
	}
	return out
}
