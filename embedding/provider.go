// Package embedding implements Athena's Embedding Service (C2): a
// pluggable external capability that maps text to a fixed-dimension
// vector. Calls are concurrency-capped and timeout-bounded; failures
// degrade callers to lexical-only indexing rather than aborting them.
package embedding

import (
	"context"
)

// Provider is the capability every embedder implements: embed(text) ->
// vector<D>, dim() -> int, name() -> string. Kept deliberately small so
// a deterministic stand-in can substitute for it in tests, per the
// spec's "no runtime import tricks" design note.
type Provider interface {
	// Embed returns the embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds multiple texts in one provider call where the
	// underlying API supports it; callers should prefer this over
	// looping Embed for more than a handful of inputs.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the fixed output dimension D for this provider.
	Dim() int

	// Name identifies the provider for logging and meta degraded-mode
	// bookkeeping.
	Name() string
}
