package prospective

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/store"
	"github.com/shawkridge/athena/testutil"
	"github.com/shawkridge/athena/types"
)

func newTestMemory(t *testing.T, staleHeartbeat time.Duration) *Memory {
	t.Helper()
	s := testutil.NewTestStore(t)
	return New(s, staleHeartbeat, nil)
}

// setTaskStatusDirect writes a task's status at the row level, bypassing
// the FSM, so a test can seed an arbitrary starting state.
func setTaskStatusDirect(t *testing.T, m *Memory, id types.ID, status types.TaskStatus) {
	t.Helper()
	n, err := store.ParseID(id)
	require.NoError(t, err)
	require.NoError(t, m.store.Pool.DB().Model(&store.TaskRow{}).Where("id = ?", n).Update("status", string(status)).Error)
}

func TestMemory_CreateTask_ReadyWithoutDeps(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
}

func TestMemory_CreateTask_PendingWithDeps(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)

	dependent, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "dep", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	got, err := m.Get(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestMemory_Claim_SuccessAndConflict(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)

	claimed, err := m.Claim(ctx, id, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, claimed.Status)
	require.NotNil(t, claimed.OwnerAgentID)
	assert.Equal(t, types.SourceAgent("agent-a"), *claimed.OwnerAgentID)
	assert.Equal(t, 1, claimed.ClaimVersion)

	_, err = m.Claim(ctx, id, "agent-b")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.AlreadyClaimed))
}

func TestMemory_Heartbeat(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)
	_, err = m.Claim(ctx, id, "agent-a")
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, id, "agent-a"))

	err = m.Heartbeat(ctx, id, "agent-b")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestMemory_Complete_PromotesDependents(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)
	dependent, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "dep", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	got, err := m.Get(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	_, err = m.Claim(ctx, base, "agent-a")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, base, true, "ok"))

	got, err = m.Get(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
}

func TestMemory_Complete_Failure_DoesNotPromote(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)
	dependent, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "dep", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	_, err = m.Claim(ctx, base, "agent-a")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, base, false, "boom"))

	baseTask, err := m.Get(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, baseTask.Status)

	got, err := m.Get(ctx, dependent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestMemory_ReapStale(t *testing.T) {
	m := newTestMemory(t, 10*time.Millisecond)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)
	claimed, err := m.Claim(ctx, id, "agent-a")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	preempted, err := m.ReapStale(ctx)
	require.NoError(t, err)
	require.Len(t, preempted, 1)
	assert.Equal(t, id, preempted[0])

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
	assert.Nil(t, got.OwnerAgentID)
	assert.Equal(t, claimed.ClaimVersion+1, got.ClaimVersion)
}

func TestMemory_ReapStale_NoneWhenFresh(t *testing.T) {
	m := newTestMemory(t, time.Hour)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)
	_, err = m.Claim(ctx, id, "agent-a")
	require.NoError(t, err)

	preempted, err := m.ReapStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, preempted)
}

// Spec scenario S3 / universal invariant 4: claiming is exclusive. Many
// concurrent claimers race the same ready task; exactly one observes
// success and the task ends up in_progress with exactly one owner.
func TestMemory_Claim_ExclusiveUnderConcurrency(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)

	const agents = 20
	var wg sync.WaitGroup
	var successes int32
	var mu sync.Mutex
	var winner types.SourceAgent

	for i := 0; i < agents; i++ {
		agent := types.SourceAgent("agent-" + string(rune('a'+i)))
		wg.Add(1)
		go func(agent types.SourceAgent) {
			defer wg.Done()
			claimed, err := m.Claim(ctx, id, agent)
			if err == nil {
				mu.Lock()
				successes++
				winner = *claimed.OwnerAgentID
				mu.Unlock()
			}
		}(agent)
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes, "exactly one concurrent claimer should succeed")

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	require.NotNil(t, got.OwnerAgentID)
	assert.Equal(t, winner, *got.OwnerAgentID)
}

// Round-trip law 10: applying update_task_status(t, s) twice with the
// same (t, s) leaves the task in the same state as applying it once.
// The FSM has no self-loop edges (§4.4's edge table only lists moves
// between distinct statuses), so the second call is rejected rather
// than silently repeated — but the resulting status is unchanged
// either way, which is the state-idempotence the law describes.
func TestMemory_UpdateStatus_TwiceIsStateIdempotent(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
	require.NoError(t, err)
	_, err = m.Claim(ctx, id, "agent-a")
	require.NoError(t, err)

	require.NoError(t, m.UpdateStatus(ctx, id, types.TaskCompleted, nil))
	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)

	// second application: may error (no self-loop edge), but must not
	// move the task to any other state.
	_ = m.UpdateStatus(ctx, id, types.TaskCompleted, nil)
	got, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
}

// Boundary behavior 15: a trigger whose task_id has been deleted is
// silently disabled rather than erroring forever. Tasks have no public
// delete path today, so this reaches in at the row level to simulate
// the condition directly.
func TestMemory_Fire_TaskGone_DisablesTriggerWithoutError(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)

	triggerID, err := m.RegisterTrigger(ctx, "p", types.TriggerTime, map[string]any{"at": time.Now().UTC().Format(time.RFC3339)}, base)
	require.NoError(t, err)

	n, err := store.ParseID(base)
	require.NoError(t, err)
	require.NoError(t, m.store.Pool.DB().WithContext(ctx).Delete(&store.TaskRow{}, n).Error)

	triggers, err := m.TriggersOfKind(ctx, "p", types.TriggerTime)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, triggerID, triggers[0].ID)

	require.NoError(t, m.Fire(ctx, triggers[0]))

	triggers, err = m.TriggersOfKind(ctx, "p", types.TriggerTime)
	require.NoError(t, err)
	assert.Empty(t, triggers, "trigger should be disabled once its task is gone")
}

// Universal invariant 3: every observed task transition is a move the
// spec §4.4 FSM edge table names — terminal states accept nothing, and
// every non-terminal status only moves to the targets taskTransitions
// lists for it. This exercises UpdateStatus across the full status x
// status grid, not just the handful of transitions the other tests
// happen to exercise along the way.
func TestMemory_UpdateStatus_OnlyFollowsFSMEdges(t *testing.T) {
	allStatuses := []types.TaskStatus{
		types.TaskPending, types.TaskPlanning, types.TaskReady,
		types.TaskInProgress, types.TaskBlocked,
		types.TaskCompleted, types.TaskFailed, types.TaskCancelled,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				m := newTestMemory(t, 0)
				ctx := context.Background()

				id, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "t1"})
				require.NoError(t, err)
				setTaskStatusDirect(t, m, id, from)

				err = m.UpdateStatus(ctx, id, to, nil)

				legal := false
				for _, s := range taskTransitions[from] {
					if s == to {
						legal = true
					}
				}

				got, getErr := m.Get(ctx, id)
				require.NoError(t, getErr)

				if from.IsTerminal() || !legal {
					assert.Error(t, err, "%s -> %s should be rejected", from, to)
					assert.Equal(t, from, got.Status, "a rejected transition must not change status")
				} else {
					assert.NoError(t, err, "%s -> %s should be accepted", from, to)
					assert.Equal(t, to, got.Status)
				}
			})
		}
	}
}

func TestEvaluator_RegisterAndFireTimeTrigger(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)
	pendingTask, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "timed", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	triggerID, err := m.RegisterTrigger(ctx, "p", types.TriggerTime, map[string]any{"at": time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)}, pendingTask)
	require.NoError(t, err)
	assert.NotEmpty(t, triggerID)

	got, err := m.Get(ctx, pendingTask)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	ev := NewEvaluator(m, nil)
	ev.evaluateTimeTriggers(ctx, "p")

	got, err = m.Get(ctx, pendingTask)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
}

func TestMemory_Fire_DependencyTriggerGatesOnIncompleteDeps(t *testing.T) {
	m := newTestMemory(t, 0)
	ctx := context.Background()

	base, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "base"})
	require.NoError(t, err)
	blocked, err := m.CreateTask(ctx, CreateTaskInput{ProjectScope: "p", Title: "blocked", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	triggerID, err := m.RegisterTrigger(ctx, "p", types.TriggerDependency, map[string]any{}, blocked)
	require.NoError(t, err)

	triggers, err := m.TriggersOfKind(ctx, "p", types.TriggerDependency)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, triggerID, triggers[0].ID)

	// base is not yet completed: firing must leave blocked pending.
	require.NoError(t, m.Fire(ctx, triggers[0]))
	got, err := m.Get(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	_, err = m.Claim(ctx, base, "agent-1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, base, true, "done"))

	// base is now completed: Complete has already promoted blocked to
	// ready, and firing the trigger again leaves it ready.
	require.NoError(t, m.Fire(ctx, triggers[0]))
	got, err = m.Get(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, types.TaskReady, got.Status)
}
