package retrieval

import (
	"context"

	"github.com/shawkridge/athena/types"
)

// HypotheticalGenerator produces a hypothetical answer document for the
// `hyde` strategy (spec §4.9): "generate a hypothetical answer ... then
// search with that vector." Athena has no LLM of its own wired in by
// default, so the zero-value pipeline falls back to passthroughHyDE,
// which searches with the original query text — callers inject a real
// generator via WithHypotheticalGenerator.
type HypotheticalGenerator interface {
	Generate(ctx context.Context, query string) (string, error)
}

type passthroughHyDE struct{}

func (passthroughHyDE) Generate(_ context.Context, query string) (string, error) {
	return query, nil
}

// QueryRewriter rewrites a query for the `transform` strategy (e.g.
// co-reference resolution) and for `self_rag`/`corrective`'s retry path.
type QueryRewriter interface {
	Rewrite(ctx context.Context, query string) (string, error)
}

type passthroughRewriter struct{}

func (passthroughRewriter) Rewrite(_ context.Context, query string) (string, error) {
	return query, nil
}

// RelevanceJudgment is self_rag's judge verdict on a retrieved set.
type RelevanceJudgment string

const (
	JudgmentYes     RelevanceJudgment = "yes"
	JudgmentPartial RelevanceJudgment = "partial"
	JudgmentNo      RelevanceJudgment = "no"
)

// RelevanceJudge grades a retrieved set's relevance to the query, for
// `self_rag`'s retrieve-judge-requery loop (spec §4.9).
type RelevanceJudge interface {
	Judge(ctx context.Context, query string, refs []types.ScoredRef) (RelevanceJudgment, error)
}

// optimisticJudge always returns "yes" — without an injected judge,
// self_rag degrades to a single retrieval pass (no re-query budget is
// spent chasing a verdict the pipeline cannot actually produce).
type optimisticJudge struct{}

func (optimisticJudge) Judge(_ context.Context, _ string, _ []types.ScoredRef) (RelevanceJudgment, error) {
	return JudgmentYes, nil
}

// Reranker re-scores a candidate set for the `rerank` strategy ("3k
// candidates, re-score with a pluggable cross-encoder/judge; pick
// top-k") and reflective's post-expansion re-rank.
type Reranker interface {
	Rerank(ctx context.Context, query string, refs []types.ScoredRef) ([]types.ScoredRef, error)
}

// identityReranker leaves the Manager's own hybrid/hyde ordering intact
// — the default when no cross-encoder is wired in.
type identityReranker struct{}

func (identityReranker) Rerank(_ context.Context, _ string, refs []types.ScoredRef) ([]types.ScoredRef, error) {
	return refs, nil
}

// Summarizer produces the token-compaction narrative summary (spec
// §4.9: "advisory — structured payload is authoritative").
type Summarizer interface {
	Summarize(ctx context.Context, refs []types.ScoredRef) (string, error)
}

// noSummarizer leaves QueryResult.Context empty; the structured payload
// alone is returned unless a real summarizer is injected.
type noSummarizer struct{}

func (noSummarizer) Summarize(_ context.Context, _ []types.ScoredRef) (string, error) {
	return "", nil
}
