package embedding

import (
	"context"
	"errors"
	"math"
)

// FakeProvider is a deterministic stand-in for tests: it derives a
// vector from a simple hash of the input text so the same text always
// embeds to the same vector, with no network calls.
type FakeProvider struct {
	dim     int
	name    string
	FailErr error // when set, Embed/EmbedBatch return this error
}

// NewFakeProvider constructs a FakeProvider with the given dimension.
func NewFakeProvider(dim int) *FakeProvider {
	return &FakeProvider{dim: dim, name: "fake"}
}

func (f *FakeProvider) Name() string { return f.name }
func (f *FakeProvider) Dim() int     { return f.dim }

func (f *FakeProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	return hashVector(text, f.dim), nil
}

func (f *FakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, f.dim)
	}
	return out, nil
}

// ErrFakeUnavailable is a ready-made failure for tests exercising the
// degraded-mode path.
var ErrFakeUnavailable = errors.New("fake embedding provider: unavailable")

func hashVector(text string, dim int) []float32 {
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	vec := make([]float32, dim)
	for i := range vec {
		h ^= h << 13
		h ^= h >> 17
		h ^= h << 5
		vec[i] = float32(math.Sin(float64(h)))
	}
	return vec
}
