package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, EmbeddingConfig{}, cfg.Embedding)
	assert.NotEqual(t, WorkingMemoryConfig{}, cfg.WorkingMemory)
	assert.NotEqual(t, RetrievalConfig{}, cfg.Retrieval)
	assert.NotEqual(t, ConsolidationConfig{}, cfg.Consolidation)
	assert.NotEqual(t, ProspectiveConfig{}, cfg.Prospective)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "athena", cfg.User)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, "athena", cfg.Name)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, 1536, cfg.EmbeddingDim)
	assert.Equal(t, 1000, cfg.IngestSoftCap)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultEmbeddingConfig(t *testing.T) {
	cfg := DefaultEmbeddingConfig()
	assert.Equal(t, "openai", cfg.Provider)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestDefaultWorkingMemoryConfig(t *testing.T) {
	cfg := DefaultWorkingMemoryConfig()
	assert.Equal(t, 7, cfg.Limit)
	assert.InDelta(t, 0.5, cfg.ImportanceWeight, 0.001)
	assert.InDelta(t, 0.3, cfg.UsefulnessWeight, 0.001)
	assert.InDelta(t, 0.2, cfg.RecencyWeight, 0.001)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatPeriod)
	assert.InDelta(t, 0.9, cfg.PressureThreshold, 0.001)
}

func TestDefaultRetrievalConfig(t *testing.T) {
	cfg := DefaultRetrievalConfig()
	assert.InDelta(t, 0.7, cfg.HybridAlpha, 0.001)
	assert.InDelta(t, 0.1, cfg.RecencyBoostWeight, 0.001)
	assert.Equal(t, 30*24*time.Hour, cfg.RecencyHalflife)
	assert.InDelta(t, 0.5, cfg.ReflectiveConfidenceThreshold, 0.001)
	assert.Equal(t, 2, cfg.SelfRAGMaxRetries)
	assert.Equal(t, "direct", cfg.DefaultStrategy)
}

func TestDefaultConsolidationConfig(t *testing.T) {
	cfg := DefaultConsolidationConfig()
	assert.Equal(t, "balanced", cfg.Profile)
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 10*time.Minute, cfg.MinEventAge)
	assert.Equal(t, 3, cfg.MinClusterSize)
	assert.InDelta(t, 0.5, cfg.UncertaintyThreshold, 0.001)
	assert.InDelta(t, 0.75, cfg.RecallMin, 0.001)
	assert.InDelta(t, 0.8, cfg.ConsistencyMin, 0.001)
}

func TestDefaultProspectiveConfig(t *testing.T) {
	cfg := DefaultProspectiveConfig()
	assert.Equal(t, 60*time.Second, cfg.StaleHeartbeat)
	assert.Equal(t, 15*time.Second, cfg.ReaperInterval)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "athena", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}

func TestConsolidationProfile_Speed(t *testing.T) {
	p := ConsolidationProfile("speed")
	assert.False(t, p.System2Enabled)
	assert.Greater(t, p.MinClusterSize, DefaultConsolidationConfig().MinClusterSize)
}

func TestConsolidationProfile_Quality(t *testing.T) {
	p := ConsolidationProfile("quality")
	assert.True(t, p.System2Enabled)
	assert.Equal(t, 2, p.MaxValidatorPasses)
	assert.Less(t, p.UncertaintyThreshold, DefaultConsolidationConfig().UncertaintyThreshold)
}

func TestConsolidationProfile_Minimal(t *testing.T) {
	p := ConsolidationProfile("minimal")
	assert.True(t, p.MetricsOnly)
}

func TestConsolidationProfile_UnknownFallsBackToBalanced(t *testing.T) {
	p := ConsolidationProfile("nonexistent")
	balanced := ConsolidationProfile("balanced")
	assert.Equal(t, balanced, p)
}
