package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/manager"
	"github.com/shawkridge/athena/memory/episodic"
	"github.com/shawkridge/athena/memory/semantic"
	"github.com/shawkridge/athena/testutil"
	"github.com/shawkridge/athena/types"
)

func newTestPipeline(t *testing.T, opts ...Option) (*Pipeline, *manager.Manager) {
	t.Helper()
	s := testutil.NewTestStore(t)
	embedder := embedding.NewService(embedding.NewFakeProvider(8), embedding.ServiceConfig{})
	mg, err := manager.New(s, embedder, *config.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	return New(mg, config.DefaultConfig().Retrieval, nil, opts...), mg
}

func seedCorpus(t *testing.T, mg *manager.Manager) {
	t.Helper()
	ctx := context.Background()
	_, err := mg.RecordEvent(ctx, episodic.RecordInput{ProjectScope: "proj-a", Content: "widget catalog indexed", Importance: 0.7})
	require.NoError(t, err)
	_, err = mg.StoreFact(ctx, semantic.StoreInput{ProjectScope: "proj-a", Content: "the widget catalog has 40 items", Confidence: 0.8})
	require.NoError(t, err)
}

func TestPipeline_Direct(t *testing.T) {
	p, mg := newTestPipeline(t)
	seedCorpus(t, mg)

	result, err := p.Query(context.Background(), types.Query{
		ProjectScope: "proj-a", Text: "widget catalog", Strategy: StrategyDirect, K: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Results)
}

func TestPipeline_DefaultsToConfiguredStrategy(t *testing.T) {
	p, mg := newTestPipeline(t)
	seedCorpus(t, mg)

	result, err := p.Query(context.Background(), types.Query{ProjectScope: "proj-a", Text: "widget", K: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Results)
}

func TestPipeline_UnknownStrategy_Errors(t *testing.T) {
	p, mg := newTestPipeline(t)
	seedCorpus(t, mg)

	_, err := p.Query(context.Background(), types.Query{ProjectScope: "proj-a", Text: "x", Strategy: "nonexistent"})
	require.Error(t, err)
}

func TestPipeline_Adaptive_ChoosesHyDEForShortQuery(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Equal(t, StrategyHyDE, p.chooseAdaptiveStrategy("widget"))
}

func TestPipeline_Adaptive_ChoosesTransformForPronoun(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Equal(t, StrategyTransform, p.chooseAdaptiveStrategy("tell me more about it please now"))
}

func TestPipeline_Adaptive_ChoosesReflectiveForTemporalCue(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Equal(t, StrategyReflective, p.chooseAdaptiveStrategy("what happened before the outage started today"))
}

func TestPipeline_Adaptive_DefaultsToDirect(t *testing.T) {
	p, _ := newTestPipeline(t)
	assert.Equal(t, StrategyDirect, p.chooseAdaptiveStrategy("quarterly revenue figures for the widget division"))
}

func TestPipeline_HyDE_SubstitutesGeneratedText(t *testing.T) {
	gen := stubHyDE{text: "a document describing widget catalogs in depth"}
	p, mg := newTestPipeline(t, WithHypotheticalGenerator(gen))
	seedCorpus(t, mg)

	result, err := p.Query(context.Background(), types.Query{
		ProjectScope: "proj-a", Text: "wc", Strategy: StrategyHyDE, K: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Results)
}

// Boundary behavior 14: strategy=hyde with no embedder configured falls
// back to direct on the lexical path and flags the result Degraded,
// rather than generating a hypothetical answer that nothing can embed.
func TestPipeline_HyDE_NoEmbedder_FallsBackToDirectDegraded(t *testing.T) {
	s := testutil.NewTestStore(t)
	mg, err := manager.New(s, nil, *config.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	p := New(mg, config.DefaultConfig().Retrieval, nil, WithHypotheticalGenerator(failHyDE{}))
	seedCorpus(t, mg)

	result, err := p.Query(context.Background(), types.Query{
		ProjectScope: "proj-a", Text: "widget catalog", Strategy: StrategyHyDE, K: 5,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Results)
	assert.True(t, result.Degraded)
}

// failHyDE panics if ever called, proving the no-embedder path in
// runHyDE skips hypothetical generation entirely rather than just
// ignoring its output.
type failHyDE struct{}

func (failHyDE) Generate(context.Context, string) (string, error) {
	panic("Generate should not be called when no embedder is configured")
}

func TestPipeline_SelfRAG_TagsCitations(t *testing.T) {
	p, mg := newTestPipeline(t)
	seedCorpus(t, mg)

	result, err := p.Query(context.Background(), types.Query{
		ProjectScope: "proj-a", Text: "widget catalog", Strategy: StrategySelfRAG, K: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Results)
	for _, r := range result.Results {
		assert.Equal(t, "self_rag:cited", r.RationaleTag)
	}
}

func TestPipeline_TokenBudget_DropsFromTailNotTop(t *testing.T) {
	p, mg := newTestPipeline(t)
	seedCorpus(t, mg)

	full, err := p.Query(context.Background(), types.Query{ProjectScope: "proj-a", Text: "widget", Strategy: StrategyDirect, K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, full.Results)

	bounded, err := p.Query(context.Background(), types.Query{
		ProjectScope: "proj-a", Text: "widget", Strategy: StrategyDirect, K: 5, TokenBudget: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, bounded.Results)
	assert.Equal(t, full.Results[0].Ref, bounded.Results[0].Ref)
	assert.LessOrEqual(t, len(bounded.Results), len(full.Results))
}

type stubHyDE struct{ text string }

func (s stubHyDE) Generate(_ context.Context, _ string) (string, error) { return s.text, nil }
