package prospective

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/internal/pool"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// RegisterTrigger persists a new trigger bound to a task.
func (m *Memory) RegisterTrigger(ctx context.Context, projectScope types.ProjectScope, kind types.TriggerKind, spec map[string]any, taskID types.ID) (types.ID, error) {
	n, err := store.ParseID(taskID)
	if err != nil {
		return "", errs.Wrap(errs.Invalid, err, "parse task id")
	}
	id := m.store.NextID()
	row := store.TriggerRow{
		ID:           id,
		ProjectScope: string(projectScope),
		Kind:         string(kind),
		Spec:         store.JSONValue(spec),
		TaskID:       n,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "register trigger")
	}
	return store.IDString(id), nil
}

// TriggersOfKind lists every trigger of a given kind in a project, for
// an evaluator clock to scan.
func (m *Memory) TriggersOfKind(ctx context.Context, projectScope types.ProjectScope, kind types.TriggerKind) ([]types.Trigger, error) {
	var rows []store.TriggerRow
	err := m.store.Pool.DB().WithContext(ctx).
		Where("project_scope = ? AND kind = ?", string(projectScope), string(kind)).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "list triggers")
	}
	out := make([]types.Trigger, len(rows))
	for i, r := range rows {
		out[i] = types.Trigger{
			ID:           store.IDString(r.ID),
			ProjectScope: types.ProjectScope(r.ProjectScope),
			Kind:         types.TriggerKind(r.Kind),
			Spec:         map[string]any(r.Spec),
			TaskID:       store.IDString(r.TaskID),
			CreatedAt:    r.CreatedAt,
		}
	}
	return out, nil
}

// Fire activates the trigger's task, promoting it to ready if it is
// still pending — a no-op for a task that's already running or
// terminal. A DEPENDENCY trigger additionally requires every entry in
// the task's own DependsOn to be completed first (the dependency graph
// still gates it); a TIME/EVENT/CONTEXT/FILE trigger promotes
// unconditionally, since its wake-up is independent of that graph.
//
// If the trigger's task no longer exists, the trigger is silently
// disabled (its row deleted) rather than left to fail the same lookup
// on every future evaluation tick — a stale trigger that always errors
// would otherwise log forever without ever being able to fire (spec
// §8 boundary behavior 15).
func (m *Memory) Fire(ctx context.Context, trigger types.Trigger) error {
	n, err := store.ParseID(trigger.TaskID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse trigger task id")
	}
	return m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var row store.TaskRow
		if err := tx.First(&row, n).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if triggerID, perr := store.ParseID(trigger.ID); perr == nil {
					tx.Delete(&store.TriggerRow{}, triggerID)
				}
				return nil
			}
			return errs.Wrap(errs.StoreUnavailable, err, "fire trigger: load task")
		}
		if types.TaskStatus(row.Status) != types.TaskPending {
			return nil
		}
		if trigger.Kind == types.TriggerDependency {
			for _, dep := range row.DependsOn {
				var depRow store.TaskRow
				if err := tx.Select("status").First(&depRow, dep).Error; err != nil {
					return errs.Wrap(errs.StoreUnavailable, err, "fire trigger: load dependency task")
				}
				if depRow.Status != string(types.TaskCompleted) {
					return nil
				}
			}
		}
		if err := tx.Model(&store.TaskRow{}).Where("id = ?", n).
			Updates(map[string]any{"status": string(types.TaskReady), "updated_at": time.Now().UTC()}).Error; err != nil {
			return errs.Wrap(errs.StoreUnavailable, err, "fire trigger")
		}
		return nil
	})
}

// Evaluator runs the three named clocks of spec §4.4: a wall-clock
// ticker for TIME triggers, and callable hooks for EVENT/DEPENDENCY/
// CONTEXT/FILE triggers driven by the manager's own ingest/state-change
// points. It owns no goroutines of its own beyond RunTimeClock and its
// bounded fire-worker pool — the manager wires the other clocks to its
// own hook points.
type Evaluator struct {
	memory *Memory
	logger *zap.Logger
	fire   *pool.GoroutinePool
}

// NewEvaluator constructs a trigger Evaluator over a prospective Memory.
// Firing a trigger is a single independent row update; a project with
// many satisfied triggers in one tick fires them concurrently through a
// bounded pool rather than serially or via one goroutine per trigger.
func NewEvaluator(m *Memory, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := pool.DefaultGoroutinePoolConfig()
	cfg.MaxWorkers = 16
	cfg.PanicHandler = func(r any) {
		logger.Error("trigger fire worker panicked", zap.Any("recover", r))
	}
	return &Evaluator{
		memory: m,
		logger: logger.With(zap.String("component", "trigger_evaluator")),
		fire:   pool.NewGoroutinePool(cfg),
	}
}

// Close shuts down the fire-worker pool, waiting for in-flight fires to
// finish. Safe to call once at engine shutdown.
func (e *Evaluator) Close() {
	e.fire.Close()
}

// RunTimeClock evaluates every TIME trigger in a project once per tick
// until ctx is cancelled. A TIME trigger's spec carries an "at" RFC3339
// timestamp or a "cron"-shaped recurrence is out of scope for this
// layer (see spec §9's non-goals around scheduling DSLs); only one-shot
// "at" triggers are evaluated here.
func (e *Evaluator) RunTimeClock(ctx context.Context, projectScope types.ProjectScope, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateTimeTriggers(ctx, projectScope)
		}
	}
}

func (e *Evaluator) evaluateTimeTriggers(ctx context.Context, projectScope types.ProjectScope) {
	triggers, err := e.memory.TriggersOfKind(ctx, projectScope, types.TriggerTime)
	if err != nil {
		e.logger.Warn("list time triggers failed", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	var wg sync.WaitGroup
	for _, t := range triggers {
		atStr, _ := t.Spec["at"].(string)
		if atStr == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, atStr)
		if err != nil || at.After(now) {
			continue
		}
		wg.Add(1)
		t := t
		go func() {
			defer wg.Done()
			if err := e.fire.SubmitWait(ctx, func(ctx context.Context) error {
				return e.memory.Fire(ctx, t)
			}); err != nil {
				e.logger.Warn("fire time trigger failed", zap.Error(err), zap.String("trigger_id", string(t.ID)))
			}
		}()
	}
	wg.Wait()
}

// EvaluateDependency re-checks DEPENDENCY triggers after a task
// completes; called from the manager's on-state-change hook.
func (e *Evaluator) EvaluateDependency(ctx context.Context, projectScope types.ProjectScope) {
	triggers, err := e.memory.TriggersOfKind(ctx, projectScope, types.TriggerDependency)
	if err != nil {
		e.logger.Warn("list dependency triggers failed", zap.Error(err))
		return
	}
	var wg sync.WaitGroup
	for _, t := range triggers {
		wg.Add(1)
		t := t
		go func() {
			defer wg.Done()
			if err := e.fire.SubmitWait(ctx, func(ctx context.Context) error {
				return e.memory.Fire(ctx, t)
			}); err != nil {
				e.logger.Warn("fire dependency trigger failed", zap.Error(err))
			}
		}()
	}
	wg.Wait()
}
