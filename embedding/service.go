package embedding

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shawkridge/athena/errs"
)

// Service wraps a Provider with the spec's C2 discipline: a bounded
// concurrency semaphore and a per-call timeout. Failures are surfaced
// uniformly as errs.EmbeddingUnavailable so callers can decide whether
// to degrade to lexical-only indexing rather than abort.
type Service struct {
	provider Provider
	sem      *semaphore.Weighted
	timeout  time.Duration
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// MaxConcurrency bounds in-flight embed calls; default 8.
	MaxConcurrency int64
	// Timeout bounds each individual embed call; default 5s.
	Timeout time.Duration
}

// NewService constructs a Service around the given Provider.
func NewService(provider Provider, cfg ServiceConfig) *Service {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Service{
		provider: provider,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		timeout:  cfg.Timeout,
	}
}

// Dim returns the provider's fixed output dimension.
func (s *Service) Dim() int { return s.provider.Dim() }

// Name returns the underlying provider's name.
func (s *Service) Name() string { return s.provider.Name() }

// Embed acquires a concurrency slot, bounds the call by the configured
// timeout, and returns errs.EmbeddingUnavailable (retryable) on any
// failure — including semaphore-acquire cancellation and timeout.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.EmbeddingUnavailable, err, "acquire embedding slot")
	}
	defer s.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.provider.Embed(cctx, text)
	if err != nil {
		return nil, errs.Wrap(errs.EmbeddingUnavailable, err, "embed text")
	}
	return vec, nil
}

// EmbedBatch embeds multiple texts under a single concurrency slot and
// timeout, matching the provider's own batching semantics.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, errs.Wrap(errs.EmbeddingUnavailable, err, "acquire embedding slot")
	}
	defer s.sem.Release(1)

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vecs, err := s.provider.EmbedBatch(cctx, texts)
	if err != nil {
		return nil, errs.Wrap(errs.EmbeddingUnavailable, err, "embed batch")
	}
	return vecs, nil
}

// TryEmbed is the degraded-mode-aware convenience wrapper the memory
// layers call on write: it returns (vector, degraded=false, nil) on
// success, or (nil, degraded=true, nil) on any EmbeddingUnavailable
// failure so the caller can record the degraded-mode flag on the row
// and continue with lexical-only indexing, per spec §4.2. Non-embedding
// errors (a cancelled caller context) still propagate.
func (s *Service) TryEmbed(ctx context.Context, text string) (vec []float32, degraded bool, err error) {
	vec, err = s.Embed(ctx, text)
	if err == nil {
		return vec, false, nil
	}
	if errs.Is(err, errs.EmbeddingUnavailable) {
		return nil, true, nil
	}
	return nil, false, err
}
