// Package retrieval implements Athena's Retrieval Pipeline (C10): strategy
// dispatch over the Unified Manager's raw fan-out, plus token-budget
// context compaction (spec §4.9).
//
// Grounded on the teacher's rag/query_router.go (strategy-scoring shape,
// adapted from its heuristic weighted-condition scorer to the spec's
// fixed, published adaptive decision rule) and rag/query_transform.go
// (pluggable rewrite/HyDE transformation shape).
package retrieval

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/manager"
	"github.com/shawkridge/athena/types"
)

const tracerName = "github.com/shawkridge/athena/retrieval"

// Strategy names recognized by Pipeline.Query (spec §4.9's table).
const (
	StrategyDirect     = "direct"
	StrategyHyDE       = "hyde"
	StrategyRerank     = "rerank"
	StrategyTransform  = "transform"
	StrategyReflective = "reflective"
	StrategySelfRAG    = "self_rag"
	StrategyCorrective = "corrective"
	StrategyAdaptive   = "adaptive"
)

// Pipeline dispatches a types.Query to the strategy it names (or the
// configured default), against a Manager's raw per-layer fan-out, then
// compacts the result into a token_budget-bounded context.
type Pipeline struct {
	mg  *manager.Manager
	cfg config.RetrievalConfig

	tokenizer  TokenCounter
	hyde       HypotheticalGenerator
	rewriter   QueryRewriter
	judge      RelevanceJudge
	reranker   Reranker
	summarizer Summarizer

	tracer oteltrace.Tracer
	logger *zap.Logger
}

// Option customizes a Pipeline's pluggable components. Every component
// has a pass-through default (spec §4.9: strategies that need a
// generator/judge/rewriter "pluggable" may be run without one — they
// degrade to their simplest behavior rather than fail).
type Option func(*Pipeline)

// WithHypotheticalGenerator overrides the HyDE strategy's generator.
func WithHypotheticalGenerator(g HypotheticalGenerator) Option {
	return func(p *Pipeline) { p.hyde = g }
}

// WithQueryRewriter overrides the transform/self_rag/corrective
// strategies' query rewriter.
func WithQueryRewriter(r QueryRewriter) Option {
	return func(p *Pipeline) { p.rewriter = r }
}

// WithRelevanceJudge overrides the self_rag/corrective strategies' judge.
func WithRelevanceJudge(j RelevanceJudge) Option {
	return func(p *Pipeline) { p.judge = j }
}

// WithReranker overrides the rerank/reflective strategies' re-scorer.
func WithReranker(r Reranker) Option {
	return func(p *Pipeline) { p.reranker = r }
}

// WithSummarizer overrides the token-compaction narrative summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(p *Pipeline) { p.summarizer = s }
}

// WithTokenCounter overrides the tiktoken-backed default counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(p *Pipeline) { p.tokenizer = c }
}

// New constructs a Pipeline over mg with cfg's strategy thresholds.
// Every pluggable component defaults to a pass-through implementation;
// callers wire in a real generator/judge/rewriter/summarizer via Option.
func New(mg *manager.Manager, cfg config.RetrievalConfig, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReflectiveConfidenceThreshold == 0 {
		cfg.ReflectiveConfidenceThreshold = 0.5
	}
	if cfg.SelfRAGMaxRetries == 0 {
		cfg.SelfRAGMaxRetries = 2
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyDirect
	}

	p := &Pipeline{
		mg:     mg,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With(zap.String("component", "retrieval")),
	}
	p.tokenizer = newTiktokenCounter()
	p.hyde = passthroughHyDE{}
	p.rewriter = passthroughRewriter{}
	p.judge = optimisticJudge{}
	p.reranker = identityReranker{}
	p.summarizer = noSummarizer{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Query dispatches q to the strategy it names (or cfg.DefaultStrategy
// when empty, or the adaptive decision rule when named "adaptive"),
// then compacts the winning result set into q.TokenBudget.
func (p *Pipeline) Query(ctx context.Context, q types.Query) (types.QueryResult, error) {
	ctx, span := p.tracer.Start(ctx, "retrieval.Query",
		oteltrace.WithAttributes(attribute.String("strategy", q.Strategy)))
	defer span.End()

	strategy := q.Strategy
	if strategy == "" {
		strategy = p.cfg.DefaultStrategy
	}
	if strategy == StrategyAdaptive {
		strategy = p.chooseAdaptiveStrategy(q.Text)
	}

	var (
		result types.QueryResult
		err    error
	)
	switch strategy {
	case StrategyDirect, "":
		result, err = p.direct(ctx, q)
	case StrategyHyDE:
		result, err = p.runHyDE(ctx, q)
	case StrategyRerank:
		result, err = p.runRerank(ctx, q)
	case StrategyTransform:
		result, err = p.runTransform(ctx, q)
	case StrategyReflective:
		result, err = p.runReflective(ctx, q)
	case StrategySelfRAG:
		result, err = p.runSelfRAG(ctx, q)
	case StrategyCorrective:
		result, err = p.runCorrective(ctx, q)
	default:
		err = errs.Newf(errs.Invalid, "unknown retrieval strategy %q", strategy)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return types.QueryResult{}, err
	}

	budget := q.TokenBudget
	if budget <= 0 {
		budget = p.cfg.DefaultTokenBudget
	}
	if budget > 0 {
		result, err = p.compact(ctx, result, budget)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return types.QueryResult{}, err
		}
	}
	return result, nil
}

// direct is one pass: the Manager's own hybrid fan-out, top-k, per
// spec §4.9's `direct` strategy row.
func (p *Pipeline) direct(ctx context.Context, q types.Query) (types.QueryResult, error) {
	return p.mg.Query(ctx, q)
}

// chooseAdaptiveStrategy implements spec §4.9's fixed, published
// adaptive rule: length<5 words -> hyde; contains pronouns -> transform;
// contains temporal cues -> reflective; else direct.
func (p *Pipeline) chooseAdaptiveStrategy(query string) string {
	words := strings.Fields(query)
	if len(words) < 5 {
		return StrategyHyDE
	}
	lower := strings.ToLower(query)
	for _, pronoun := range []string{"it", "this", "that", "they", "them", "he", "she", "his", "her"} {
		if containsWord(lower, pronoun) {
			return StrategyTransform
		}
	}
	for _, cue := range []string{"before", "after", "when"} {
		if strings.Contains(lower, cue) {
			return StrategyReflective
		}
	}
	return StrategyDirect
}

func containsWord(text, word string) bool {
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return !('a' <= r && r <= 'z') }) {
		if w == word {
			return true
		}
	}
	return false
}

// averageScore is the mean score over a result set, used as the
// reflective/corrective strategies' confidence/grade signal. An empty
// set has no signal to act on, so it reads as maximally low (0).
func averageScore(refs []types.ScoredRef) float64 {
	if len(refs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range refs {
		sum += r.Score
	}
	return sum / float64(len(refs))
}
