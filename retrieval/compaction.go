package retrieval

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/shawkridge/athena/errs"
	"github.com/shawkridge/athena/types"
)

// TokenCounter counts the tokens a string would consume, for
// token_budget enforcement (spec §4.9).
type TokenCounter interface {
	CountTokens(text string) (int, error)
}

// tiktokenCounter lazily initializes a cl100k_base encoding on first
// use, mirroring the teacher's llm/tokenizer/tiktoken.go TiktokenTokenizer.
type tiktokenCounter struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

func newTiktokenCounter() *tiktokenCounter {
	return &tiktokenCounter{}
}

func (t *tiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.initErr = errs.Wrap(errs.Internal, err, "init tiktoken encoding")
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *tiktokenCounter) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// compact bounds result's structured payload to budget tokens, dropping
// items from the tail (never the top, since Results is already ranked
// by score) and attaches an advisory narrative summary from the
// pipeline's summarizer, per spec §4.9's token-compaction rule.
func (p *Pipeline) compact(ctx context.Context, result types.QueryResult, budget int) (types.QueryResult, error) {
	kept := make([]types.ScoredRef, 0, len(result.Results))
	spent := 0
	for _, r := range result.Results {
		n, err := p.tokenizer.CountTokens(r.Content)
		if err != nil {
			return types.QueryResult{}, err
		}
		if spent+n > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, r)
		spent += n
	}

	summary, err := p.summarizer.Summarize(ctx, kept)
	if err != nil {
		return types.QueryResult{}, err
	}
	return types.QueryResult{Results: kept, Context: summary, Degraded: result.Degraded}, nil
}
