package retrieval

import (
	"context"

	"github.com/shawkridge/athena/types"
)

// runHyDE generates a hypothetical answer and searches with it in the
// original query's place, per spec §4.9's `hyde` row. With no embedder
// configured there is no vector to generate a hypothetical answer for,
// so the strategy falls back to `direct` on the original query text and
// flags the result Degraded (spec §8 boundary behavior 14) instead of
// spending a generator call on a hypothetical nothing can embed.
func (p *Pipeline) runHyDE(ctx context.Context, q types.Query) (types.QueryResult, error) {
	if p.mg.Semantic == nil || !p.mg.Semantic.HasEmbedder() {
		result, err := p.direct(ctx, q)
		if err != nil {
			return types.QueryResult{}, err
		}
		result.Degraded = true
		return result, nil
	}

	hypothetical, err := p.hyde.Generate(ctx, q.Text)
	if err != nil {
		return types.QueryResult{}, err
	}
	substituted := q
	substituted.Text = hypothetical
	return p.direct(ctx, substituted)
}

// runTransform rewrites the query (e.g. co-reference resolution), then
// runs `direct`, per spec §4.9's `transform` row.
func (p *Pipeline) runTransform(ctx context.Context, q types.Query) (types.QueryResult, error) {
	rewritten, err := p.rewriter.Rewrite(ctx, q.Text)
	if err != nil {
		return types.QueryResult{}, err
	}
	substituted := q
	substituted.Text = rewritten
	return p.direct(ctx, substituted)
}

// runRerank retrieves 3k candidates and re-scores with the pluggable
// reranker, keeping the top-k, per spec §4.9's `rerank` row.
func (p *Pipeline) runRerank(ctx context.Context, q types.Query) (types.QueryResult, error) {
	k := q.K
	if k <= 0 {
		k = 10
	}
	widened := q
	widened.K = k * 3
	result, err := p.direct(ctx, widened)
	if err != nil {
		return types.QueryResult{}, err
	}

	reranked, err := p.reranker.Rerank(ctx, q.Text, result.Results)
	if err != nil {
		return types.QueryResult{}, err
	}
	if len(reranked) > k {
		reranked = reranked[:k]
	}
	return types.QueryResult{Results: reranked}, nil
}

// runReflective runs `direct`; if the mean confidence falls below
// ReflectiveConfidenceThreshold (θ), it runs the same query text again
// restricted to the graph layer and re-ranks the combined set. The
// expansion is that graph-layer text query; it does not walk relations
// out from the top hit's entities.
func (p *Pipeline) runReflective(ctx context.Context, q types.Query) (types.QueryResult, error) {
	result, err := p.direct(ctx, q)
	if err != nil {
		return types.QueryResult{}, err
	}
	if averageScore(result.Results) >= p.cfg.ReflectiveConfidenceThreshold {
		return result, nil
	}

	expanded := q
	expanded.Layers = []types.Layer{types.LayerGraph}
	graphHits, err := p.direct(ctx, expanded)
	if err != nil {
		return types.QueryResult{}, err
	}

	combined := append(append([]types.ScoredRef{}, result.Results...), graphHits.Results...)
	reranked, err := p.reranker.Rerank(ctx, q.Text, combined)
	if err != nil {
		return types.QueryResult{}, err
	}
	k := q.K
	if k > 0 && len(reranked) > k {
		reranked = reranked[:k]
	}
	return types.QueryResult{Results: reranked}, nil
}

// runSelfRAG retrieves, judges relevance, and re-queries with a
// rewritten query up to SelfRAGMaxRetries times on a no/partial
// verdict, per spec §4.9's `self_rag` row. Surviving results are
// tagged "self_rag:cited" as their per-item citation marker.
func (p *Pipeline) runSelfRAG(ctx context.Context, q types.Query) (types.QueryResult, error) {
	current := q
	var result types.QueryResult
	var err error
	for attempt := 0; attempt <= p.cfg.SelfRAGMaxRetries; attempt++ {
		result, err = p.direct(ctx, current)
		if err != nil {
			return types.QueryResult{}, err
		}
		verdict, jerr := p.judge.Judge(ctx, q.Text, result.Results)
		if jerr != nil {
			return types.QueryResult{}, jerr
		}
		if verdict == JudgmentYes || attempt == p.cfg.SelfRAGMaxRetries {
			break
		}
		rewritten, rerr := p.rewriter.Rewrite(ctx, current.Text)
		if rerr != nil {
			return types.QueryResult{}, rerr
		}
		current.Text = rewritten
	}

	cited := make([]types.ScoredRef, len(result.Results))
	for i, r := range result.Results {
		r.RationaleTag = "self_rag:cited"
		cited[i] = r
	}
	return types.QueryResult{Results: cited}, nil
}

// runCorrective grades the retrieval (mean score); on a low grade it
// rewrites the query and widens the layer filter, then filters out any
// result still scoring below the threshold before returning — spec
// §4.9's `corrective` row.
func (p *Pipeline) runCorrective(ctx context.Context, q types.Query) (types.QueryResult, error) {
	result, err := p.direct(ctx, q)
	if err != nil {
		return types.QueryResult{}, err
	}

	grade := averageScore(result.Results)
	if grade < p.cfg.ReflectiveConfidenceThreshold {
		rewritten, rerr := p.rewriter.Rewrite(ctx, q.Text)
		if rerr != nil {
			return types.QueryResult{}, rerr
		}
		widened := q
		widened.Text = rewritten
		widened.Layers = nil // widen: let the Manager fan out to every layer
		result, err = p.direct(ctx, widened)
		if err != nil {
			return types.QueryResult{}, err
		}
	}

	filtered := make([]types.ScoredRef, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Score >= p.cfg.ReflectiveConfidenceThreshold {
			filtered = append(filtered, r)
		}
	}
	return types.QueryResult{Results: filtered}, nil
}
