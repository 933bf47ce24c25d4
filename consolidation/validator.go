package consolidation

import "context"

// ValidatorVerdict is System 2's judgment over one candidate cluster
// (spec §4.10): confirm coherence, produce a canonical statement, and
// classify the derivation.
type ValidatorVerdict struct {
	Coherent    bool
	Statement   string
	Derivation  Derivation
	Confidence  float64
	Contradicts bool
}

// Derivation names what kind of memory a validated cluster should
// become.
type Derivation string

const (
	DerivationFact      Derivation = "fact"
	DerivationProcedure Derivation = "procedure"
)

// Validator is the pluggable external judge (an LLM call in
// production) System 2 invokes for high-uncertainty clusters.
type Validator interface {
	Validate(ctx context.Context, candidate ClusterCandidate) (ValidatorVerdict, error)
}

// ClusterCandidate is what a Validator sees: the cluster's member
// contents and an already-computed statistical summary.
type ClusterCandidate struct {
	Events      []string
	Exemplar    string
	Uncertainty float64
}

// HeuristicValidator is a deterministic, dependency-free Validator used
// when no LLM judge is configured (tests, `minimal`/`speed` profiles,
// or a fresh install before a judge is wired). It accepts every cluster
// as a Fact, mirroring System 1's own summary rather than adding new
// judgment — a safe default, not a quality claim.
type HeuristicValidator struct{}

// Validate always confirms, deriving a Fact from the cluster exemplar.
func (HeuristicValidator) Validate(_ context.Context, candidate ClusterCandidate) (ValidatorVerdict, error) {
	return ValidatorVerdict{
		Coherent:   true,
		Statement:  candidate.Exemplar,
		Derivation: DerivationFact,
		Confidence: 1 - candidate.Uncertainty,
	}, nil
}
