// Package prospective implements Athena's Prospective Layer (C6): the
// task FSM, optimistic-CAS claiming for multi-agent use, and the
// stale-heartbeat reaper. Trigger evaluation lives in triggers.go.
package prospective

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/types"
)

// DefaultStaleHeartbeat is T_stale from spec §4.4.
const DefaultStaleHeartbeat = 60 * time.Second

// Memory is the prospective layer, backed by the durable store.
type Memory struct {
	store          *store.Store
	staleHeartbeat time.Duration
	logger         *zap.Logger
}

// New constructs a prospective Memory. staleHeartbeat <= 0 uses
// DefaultStaleHeartbeat.
func New(s *store.Store, staleHeartbeat time.Duration, logger *zap.Logger) *Memory {
	if staleHeartbeat <= 0 {
		staleHeartbeat = DefaultStaleHeartbeat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{store: s, staleHeartbeat: staleHeartbeat, logger: logger.With(zap.String("memory", "prospective"))}
}

// CreateTaskInput is the caller-supplied payload for CreateTask.
type CreateTaskInput struct {
	ProjectScope types.ProjectScope
	GoalID       *types.ID
	Title        string
	Description  string
	Priority     int
	DependsOn    []types.ID
}

// CreateTask inserts a new task. It starts pending, or ready
// immediately if it has no dependencies.
func (m *Memory) CreateTask(ctx context.Context, in CreateTaskInput) (types.ID, error) {
	var goalID *int64
	if in.GoalID != nil {
		n, err := store.ParseID(*in.GoalID)
		if err != nil {
			return "", errs.Wrap(errs.Invalid, err, "parse goal id")
		}
		goalID = &n
	}

	deps := make([]int64, 0, len(in.DependsOn))
	for _, id := range in.DependsOn {
		n, err := store.ParseID(id)
		if err != nil {
			return "", errs.Wrap(errs.Invalid, err, "parse depends_on id")
		}
		deps = append(deps, n)
	}

	status := types.TaskPending
	if len(deps) == 0 {
		status = types.TaskReady
	}

	id := m.store.NextID()
	now := time.Now().UTC()
	row := store.TaskRow{
		ID:           id,
		ProjectScope: string(in.ProjectScope),
		GoalID:       goalID,
		Title:        in.Title,
		Description:  in.Description,
		Priority:     in.Priority,
		Status:       string(status),
		Phase:        1,
		DependsOn:    store.Int64Slice(deps),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Pool.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return "", errs.Wrap(errs.StoreUnavailable, err, "create task")
	}
	return store.IDString(id), nil
}

// Get fetches a task by ID.
func (m *Memory) Get(ctx context.Context, id types.ID) (types.Task, error) {
	n, err := store.ParseID(id)
	if err != nil {
		return types.Task{}, errs.Wrap(errs.Invalid, err, "parse task id")
	}
	var row store.TaskRow
	if err := m.store.Pool.DB().WithContext(ctx).First(&row, n).Error; err != nil {
		return types.Task{}, errs.Wrap(errs.NotFound, err, "task not found")
	}
	return toTask(row), nil
}

// Claim attempts the optimistic-CAS claim of spec §4.4: the task must
// be ready (or pending with no deps) and unowned; on success it moves
// to in_progress, records the owner and claimed_at, and increments
// claim_version. Exactly one concurrent claimer succeeds; all others
// get errs.AlreadyClaimed.
func (m *Memory) Claim(ctx context.Context, taskID types.ID, owner types.SourceAgent) (types.Task, error) {
	n, err := store.ParseID(taskID)
	if err != nil {
		return types.Task{}, errs.Wrap(errs.Invalid, err, "parse task id")
	}

	var claimed types.Task
	txErr := m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()
		var current store.TaskRow
		if err := tx.Select("status", "depends_on").First(&current, n).Error; err == nil &&
			types.TaskStatus(current.Status) == types.TaskPending && len(current.DependsOn) > 0 {
			return errs.New(errs.AlreadyClaimed, "task already claimed or not claimable")
		}
		res := tx.Model(&store.TaskRow{}).
			Where("id = ? AND owner_agent_id IS NULL AND status IN ?", n, []string{string(types.TaskReady), string(types.TaskPending)}).
			Updates(map[string]any{
				"status":         string(types.TaskInProgress),
				"owner_agent_id": string(owner),
				"claimed_at":     now,
				"last_heartbeat": now,
				"claim_version":  gorm.Expr("claim_version + 1"),
				"updated_at":     now,
			})
		if res.Error != nil {
			return errs.Wrap(errs.StoreUnavailable, res.Error, "claim task")
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.AlreadyClaimed, "task already claimed or not claimable")
		}

		var row store.TaskRow
		if err := tx.First(&row, n).Error; err != nil {
			return errs.Wrap(errs.StoreUnavailable, err, "reload claimed task")
		}
		claimed = toTask(row)
		return nil
	})
	if txErr != nil {
		return types.Task{}, txErr
	}
	return claimed, nil
}

// Heartbeat refreshes last_heartbeat for a task its owner still holds.
func (m *Memory) Heartbeat(ctx context.Context, taskID types.ID, owner types.SourceAgent) error {
	n, err := store.ParseID(taskID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse task id")
	}
	res := m.store.Pool.DB().WithContext(ctx).
		Model(&store.TaskRow{}).
		Where("id = ? AND owner_agent_id = ? AND status = ?", n, string(owner), string(types.TaskInProgress)).
		Update("last_heartbeat", time.Now().UTC())
	if res.Error != nil {
		return errs.Wrap(errs.StoreUnavailable, res.Error, "heartbeat task")
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.NotFound, "task not owned or not in progress")
	}
	return nil
}

// Complete transitions a claimed task to completed (or failed, when
// success is false) and unblocks dependents whose depends_on are now
// all completed.
func (m *Memory) Complete(ctx context.Context, taskID types.ID, success bool, result string) error {
	n, err := store.ParseID(taskID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse task id")
	}
	status := types.TaskCompleted
	if !success {
		status = types.TaskFailed
	}
	return m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&store.TaskRow{}).
			Where("id = ?", n).
			Updates(map[string]any{"status": string(status), "result": result, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return errs.Wrap(errs.StoreUnavailable, res.Error, "complete task")
		}
		if status != types.TaskCompleted {
			return nil
		}
		return promoteReadyTasksLocked(tx, n)
	})
}

// taskTransitions enumerates the FSM's legal moves (spec §4.4); a status
// not present as a key, or a target not in its slice, is rejected.
var taskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending:    {types.TaskPlanning, types.TaskReady, types.TaskCancelled},
	types.TaskPlanning:   {types.TaskReady, types.TaskBlocked, types.TaskCancelled},
	types.TaskReady:      {types.TaskInProgress, types.TaskBlocked, types.TaskCancelled},
	types.TaskInProgress: {types.TaskCompleted, types.TaskFailed, types.TaskBlocked, types.TaskCancelled},
	types.TaskBlocked:    {types.TaskReady, types.TaskInProgress, types.TaskCancelled},
}

func validTaskTransition(from, to types.TaskStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus applies the external update_task_status API (spec §6): an
// FSM-checked status transition, with an optional result payload. Unlike
// Claim/Complete it does not touch ownership, so it is the path for
// manager-initiated plan/block/cancel moves that don't represent a
// claimed-agent outcome.
func (m *Memory) UpdateStatus(ctx context.Context, taskID types.ID, status types.TaskStatus, result *string) error {
	n, err := store.ParseID(taskID)
	if err != nil {
		return errs.Wrap(errs.Invalid, err, "parse task id")
	}
	return m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var row store.TaskRow
		if err := tx.First(&row, n).Error; err != nil {
			return errs.Wrap(errs.NotFound, err, "task not found")
		}
		current := types.TaskStatus(row.Status)
		if !validTaskTransition(current, status) {
			return errs.Newf(errs.Invalid, "invalid task transition %s -> %s", current, status)
		}

		updates := map[string]any{"status": string(status), "updated_at": time.Now().UTC()}
		if result != nil {
			updates["result"] = *result
		}
		if err := tx.Model(&store.TaskRow{}).Where("id = ?", n).Updates(updates).Error; err != nil {
			return errs.Wrap(errs.StoreUnavailable, err, "update task status")
		}
		if status == types.TaskCompleted {
			return promoteReadyTasksLocked(tx, n)
		}
		return nil
	})
}

// promoteReadyTasksLocked promotes every pending task in the store whose
// depends_on all reference completed tasks (including completedID) to
// ready. A straightforward, correctness-first implementation over the
// small dependency graphs this layer expects — not an index-backed
// dependency resolver.
func promoteReadyTasksLocked(tx *gorm.DB, completedID int64) error {
	var pending []store.TaskRow
	if err := tx.Where("status = ?", string(types.TaskPending)).Find(&pending).Error; err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "load pending tasks")
	}
	for _, t := range pending {
		if len(t.DependsOn) == 0 {
			continue
		}
		allDone := true
		for _, dep := range t.DependsOn {
			var depRow store.TaskRow
			if err := tx.Select("status").First(&depRow, dep).Error; err != nil {
				return errs.Wrap(errs.StoreUnavailable, err, "load dependency task")
			}
			if depRow.Status != string(types.TaskCompleted) {
				allDone = false
				break
			}
		}
		if allDone {
			if err := tx.Model(&store.TaskRow{}).Where("id = ?", t.ID).
				Updates(map[string]any{"status": string(types.TaskReady), "updated_at": time.Now().UTC()}).Error; err != nil {
				return errs.Wrap(errs.StoreUnavailable, err, "promote ready task")
			}
		}
	}
	return nil
}

// ReapStale resets tasks whose heartbeat has lapsed beyond the
// configured threshold back to ready, clearing ownership and
// incrementing claim_version, per spec §4.4's failure semantics. It
// returns the IDs of preempted tasks.
func (m *Memory) ReapStale(ctx context.Context) ([]types.ID, error) {
	cutoff := time.Now().UTC().Add(-m.staleHeartbeat)

	var stale []store.TaskRow
	if err := m.store.Pool.DB().WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", string(types.TaskInProgress), cutoff).
		Find(&stale).Error; err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, err, "find stale tasks")
	}
	if len(stale) == 0 {
		return nil, nil
	}

	var preempted []types.ID
	err := m.store.Pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		for _, t := range stale {
			res := tx.Model(&store.TaskRow{}).
				Where("id = ? AND status = ? AND last_heartbeat < ?", t.ID, string(types.TaskInProgress), cutoff).
				Updates(map[string]any{
					"status":         string(types.TaskReady),
					"owner_agent_id": nil,
					"claimed_at":     nil,
					"claim_version":  gorm.Expr("claim_version + 1"),
					"updated_at":     time.Now().UTC(),
				})
			if res.Error != nil {
				return errs.Wrap(errs.StoreUnavailable, res.Error, "reap stale task")
			}
			if res.RowsAffected > 0 {
				preempted = append(preempted, store.IDString(t.ID))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return preempted, nil
}

func toTask(r store.TaskRow) types.Task {
	var goalID *types.ID
	if r.GoalID != nil {
		id := store.IDString(*r.GoalID)
		goalID = &id
	}
	var owner *types.SourceAgent
	if r.OwnerAgentID != nil {
		a := types.SourceAgent(*r.OwnerAgentID)
		owner = &a
	}
	deps := make([]types.ID, len(r.DependsOn))
	for i, d := range r.DependsOn {
		deps[i] = store.IDString(d)
	}
	return types.Task{
		ID:            store.IDString(r.ID),
		ProjectScope:  types.ProjectScope(r.ProjectScope),
		GoalID:        goalID,
		Title:         r.Title,
		Description:   r.Description,
		Priority:      r.Priority,
		Status:        types.TaskStatus(r.Status),
		Phase:         r.Phase,
		DependsOn:     deps,
		OwnerAgentID:  owner,
		Result:        r.Result,
		ClaimedAt:     r.ClaimedAt,
		ClaimVersion:  r.ClaimVersion,
		LastHeartbeat: r.LastHeartbeat,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
