package types

import "time"

// Query is the single typed read request the Manager fans out across
// layers (spec §6): `{layers?, text?, filters?, k?, strategy?,
// token_budget?, at_time?}`. The retrieval pipeline (C10) builds its
// strategies on top of this as its `direct`-strategy primitive.
type Query struct {
	ProjectScope ProjectScope
	// Layers restricts the fan-out; empty means every layer that can
	// answer a text query (episodic, semantic, procedural, graph).
	Layers []Layer
	Text   string
	Tags   []string
	// SessionID narrows an episodic-layer query to one session.
	SessionID string
	K         int
	Strategy  string
	// TokenBudget bounds the retrieval pipeline's compacted context
	// string; the Manager's raw fan-out ignores it.
	TokenBudget int
	// AtTime bounds graph traversal to relations valid at this instant;
	// nil means now.
	AtTime *time.Time
}

// ScoredRef is one ranked result: a memory reference, the score it was
// ranked by, which layer produced it, and why (spec §6's `rationale_tag`).
type ScoredRef struct {
	Ref          MemoryRef    `json:"ref"`
	Score        float64      `json:"score"`
	Layer        Layer        `json:"layer"`
	RationaleTag string       `json:"rationale_tag"`
	Content      string       `json:"content"`
}

// QueryResult is the Manager/Retrieval-pipeline read response.
type QueryResult struct {
	Results []ScoredRef `json:"results"`
	// Context is the pipeline's compacted, token_budget-bounded payload
	// (spec §4.9); the Manager's raw fan-out leaves it empty — only C10
	// assembles it.
	Context string `json:"context,omitempty"`
	// Degraded marks a result produced on a narrower path than the
	// requested strategy called for (e.g. hyde falling back to direct
	// when no embedder is configured), per spec §8 boundary behavior 14.
	Degraded bool `json:"degraded,omitempty"`
}
