package episodic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/testutil"
	"github.com/shawkridge/athena/types"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	s := testutil.NewTestStore(t)
	svc := embedding.NewService(embedding.NewFakeProvider(8), embedding.ServiceConfig{})
	return New(s, svc, nil)
}

func TestMemory_RecordAndRecallBySession(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	id, err := m.Record(ctx, RecordInput{
		ProjectScope: "proj-1",
		SourceAgent:  "agent-a",
		SessionID:    "sess-1",
		Content:      "the build failed on step 3",
		Tags:         []string{" Build ", "CI", "build"},
		Importance:   0.8,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	events, err := m.RecallBySession(ctx, "proj-1", "sess-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "the build failed on step 3", events[0].Content)
	assert.Equal(t, []string{"build", "ci"}, events[0].Tags)
	assert.Equal(t, 0.8, events[0].Importance)
	assert.NotEmpty(t, events[0].Embedding)
}

func TestMemory_Record_DefaultImportance(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	_, err := m.Record(ctx, RecordInput{ProjectScope: "proj-1", SessionID: "s", Content: "x"})
	require.NoError(t, err)

	events, err := m.RecallBySession(ctx, "proj-1", "s")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, defaultImportance, events[0].Importance)
}

func TestMemory_Record_DegradedWhenEmbeddingUnavailable(t *testing.T) {
	s := testutil.NewTestStore(t)
	fake := embedding.NewFakeProvider(8)
	fake.FailErr = embedding.ErrFakeUnavailable
	svc := embedding.NewService(fake, embedding.ServiceConfig{})
	m := New(s, svc, nil)
	ctx := context.Background()

	_, err := m.Record(ctx, RecordInput{ProjectScope: "proj-1", SessionID: "s", Content: "x"})
	require.NoError(t, err, "degraded writes must still succeed")

	events, err := m.RecallBySession(ctx, "proj-1", "s")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Embedding)
}

func TestMemory_RecallByTime(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	_, err := m.Record(ctx, RecordInput{ProjectScope: "proj-1", SessionID: "s", Content: "x"})
	require.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	until := time.Now().Add(time.Hour)
	events, err := m.RecallByTime(ctx, "proj-1", since, until)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMemory_SoftDelete(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	id, err := m.Record(ctx, RecordInput{ProjectScope: "proj-1", SessionID: "s", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, m.SoftDelete(ctx, id))

	events, err := m.RecallBySession(ctx, "proj-1", "s")
	require.NoError(t, err)
	assert.Empty(t, events, "soft-deleted events must not be recalled")
}

func TestMemory_SoftDelete_NotFound(t *testing.T) {
	m := newTestMemory(t)
	err := m.SoftDelete(context.Background(), types.ID("99999"))
	assert.Error(t, err)
}

func TestMemory_Recall_LexicalFallback(t *testing.T) {
	s := testutil.NewTestStore(t)
	m := New(s, nil, nil)
	ctx := context.Background()

	_, err := m.Record(ctx, RecordInput{ProjectScope: "p", SessionID: "s", Content: "deploy succeeded"})
	require.NoError(t, err)
	_, err = m.Record(ctx, RecordInput{ProjectScope: "p", SessionID: "s", Content: "unrelated note"})
	require.NoError(t, err)

	events, err := m.Recall(ctx, "p", "deploy", RecallFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, "deploy")
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, normalizeTags([]string{" A ", "b", "a", ""}))
}
