package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawkridge/athena/errs"
)

func TestService_Embed_Success(t *testing.T) {
	svc := NewService(NewFakeProvider(8), ServiceConfig{})

	vec, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, vec, 8)

	vec2, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, vec, vec2, "same text must embed deterministically")
}

func TestService_Embed_ProviderFailure(t *testing.T) {
	fake := NewFakeProvider(8)
	fake.FailErr = ErrFakeUnavailable
	svc := NewService(fake, ServiceConfig{})

	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EmbeddingUnavailable))
	assert.True(t, errs.IsRetryable(err))
}

func TestService_TryEmbed_DegradesOnFailure(t *testing.T) {
	fake := NewFakeProvider(8)
	fake.FailErr = ErrFakeUnavailable
	svc := NewService(fake, ServiceConfig{})

	vec, degraded, err := svc.TryEmbed(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Nil(t, vec)
}

func TestService_TryEmbed_NotDegradedOnSuccess(t *testing.T) {
	svc := NewService(NewFakeProvider(4), ServiceConfig{})

	vec, degraded, err := svc.TryEmbed(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Len(t, vec, 4)
}

func TestService_EmbedBatch(t *testing.T) {
	svc := NewService(NewFakeProvider(4), ServiceConfig{})

	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestService_EmbedBatch_Empty(t *testing.T) {
	svc := NewService(NewFakeProvider(4), ServiceConfig{})

	vecs, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestService_ConcurrencyCap(t *testing.T) {
	fake := NewFakeProvider(4)
	svc := NewService(fake, ServiceConfig{MaxConcurrency: 1, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With the single slot already free, acquiring on a cancelled
	// context must fail fast via the semaphore, surfaced as
	// EmbeddingUnavailable rather than panicking or hanging.
	_, err := svc.Embed(ctx, "x")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.EmbeddingUnavailable))
}

func TestService_NameAndDim(t *testing.T) {
	svc := NewService(NewFakeProvider(16), ServiceConfig{})
	assert.Equal(t, "fake", svc.Name())
	assert.Equal(t, 16, svc.Dim())
}
