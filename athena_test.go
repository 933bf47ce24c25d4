package athena

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/consolidation"
	"github.com/shawkridge/athena/internal/events"
	"github.com/shawkridge/athena/memory/episodic"
	"github.com/shawkridge/athena/memory/prospective"
	"github.com/shawkridge/athena/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Store = config.StoreConfig{
		Driver:          "sqlite",
		Name:            "file::memory:?cache=shared",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}
	cfg.Consolidation.MinEventAge = 0
	cfg.Consolidation.WindowDuration = 365 * 24 * time.Hour
	cfg.Consolidation.MinClusterSize = 2
	return cfg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(context.Background(), testConfig(t), 1, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestNew_WiresManagerRetrievalConsolidationAndEvents(t *testing.T) {
	eng := newTestEngine(t)
	assert.NotNil(t, eng.Manager)
	assert.NotNil(t, eng.Retrieval)
	assert.NotNil(t, eng.Consolidation)
	assert.NotNil(t, eng.Events)
}

func TestEngine_RecordEvent_PublishesThroughSharedHub(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	ch, cancel := eng.Events.Subscribe(events.StreamEventRecorded)
	defer cancel()

	id, err := eng.Manager.RecordEvent(ctx, episodic.RecordInput{ProjectScope: "proj-a", Content: "deployed"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for on_event_recorded publish through Engine.Events")
	}
}

func TestEngine_Consolidation_PublishesThroughSharedHub(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Manager.RecordEvent(ctx, episodic.RecordInput{ProjectScope: "proj-a", Content: "deployed the build pipeline"})
	require.NoError(t, err)
	_, err = eng.Manager.RecordEvent(ctx, episodic.RecordInput{ProjectScope: "proj-a", Content: "deployed the build pipeline again"})
	require.NoError(t, err)

	ch, cancel := eng.Events.Subscribe(events.StreamConsolidationFinished)
	defer cancel()

	_, err = eng.Consolidation.Run(ctx, "proj-a", consolidation.RunOptions{})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for on_consolidation_finished publish through Engine.Events")
	}
}

func TestEngine_UpdateTaskStatus_PromotesDependentViaTriggerWiring(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	base, err := eng.Manager.CreateTask(ctx, prospective.CreateTaskInput{ProjectScope: "proj-a", Title: "base"})
	require.NoError(t, err)
	dependent, err := eng.Manager.CreateTask(ctx, prospective.CreateTaskInput{ProjectScope: "proj-a", Title: "dependent", DependsOn: []types.ID{base}})
	require.NoError(t, err)

	ok, err := eng.Manager.ClaimTask(ctx, base, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, eng.Manager.UpdateTaskStatus(ctx, base, types.TaskCompleted, nil))

	got, err := eng.Manager.Get(ctx, types.MemoryRef{ID: dependent, Layer: types.LayerProspective})
	require.NoError(t, err)
	task, ok := got.(types.Task)
	require.True(t, ok)
	assert.Equal(t, types.TaskReady, task.Status)
}
