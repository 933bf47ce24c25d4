// =============================================================================
// Athena default configuration
// =============================================================================
// Sensible defaults for every configuration section, matching spec §6's
// Configuration table exactly.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Store:         DefaultStoreConfig(),
		Redis:         DefaultRedisConfig(),
		Embedding:     DefaultEmbeddingConfig(),
		WorkingMemory: DefaultWorkingMemoryConfig(),
		Retrieval:     DefaultRetrievalConfig(),
		Consolidation: DefaultConsolidationConfig(),
		Prospective:   DefaultProspectiveConfig(),
		Log:           DefaultLogConfig(),
		Telemetry:     DefaultTelemetryConfig(),
		JWT:           DefaultJWTConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultStoreConfig returns the default durable store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "athena",
		Password:        "",
		Name:            "athena",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		EmbeddingDim:    1536,
		IngestSoftCap:   1000,
	}
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultEmbeddingConfig returns the default embedding service configuration.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:       "openai",
		Timeout:        5 * time.Second,
		MaxConcurrency: 8,
		MaxRetries:     3,
	}
}

// DefaultWorkingMemoryConfig returns the default working-memory configuration.
func DefaultWorkingMemoryConfig() WorkingMemoryConfig {
	return WorkingMemoryConfig{
		Limit:             7,
		ImportanceWeight:  0.5,
		UsefulnessWeight:  0.3,
		RecencyWeight:     0.2,
		HeartbeatPeriod:   5 * time.Second,
		PressureThreshold: 0.9,
	}
}

// DefaultRetrievalConfig returns the default retrieval pipeline configuration.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		HybridAlpha:                   0.7,
		RecencyBoostWeight:            0.1,
		RecencyHalflife:               30 * 24 * time.Hour,
		ReflectiveConfidenceThreshold: 0.5,
		SelfRAGMaxRetries:             2,
		DefaultStrategy:               "direct",
		DefaultTokenBudget:            4096,
	}
}

// DefaultConsolidationConfig returns the default consolidation engine configuration.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		Profile:              "balanced",
		Interval:             time.Hour,
		MinEventAge:          10 * time.Minute,
		WindowSize:           1000,
		WindowDuration:       7 * 24 * time.Hour,
		MinClusterSize:       3,
		UncertaintyThreshold: 0.5,
		RecallMin:            0.75,
		ConsistencyMin:       0.8,
		MaxValidatorPasses:   1,
	}
}

// DefaultProspectiveConfig returns the default task/trigger configuration.
func DefaultProspectiveConfig() ProspectiveConfig {
	return ProspectiveConfig{
		StaleHeartbeat:      60 * time.Second,
		ReaperInterval:      15 * time.Second,
		TriggerTickInterval: time.Second,
		FileWatchDebounce:   500 * time.Millisecond,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "athena",
		SampleRate:   0.1,
	}
}

// DefaultJWTConfig returns the default JWT configuration. An empty Secret
// disables bearer-token enforcement (local/dev use); production deployments
// must set ATHENA_JWT_SECRET or JWT.PublicKey.
func DefaultJWTConfig() JWTConfig {
	return JWTConfig{}
}

// ConsolidationProfile returns the cluster/validator parameters for a named
// profile (spec §4.10). Unknown names fall back to "balanced".
func ConsolidationProfile(name string) ConsolidationProfileParams {
	switch name {
	case "speed":
		return ConsolidationProfileParams{
			MinClusterSize:       8,
			UncertaintyThreshold: 1.1, // effectively disables System 2
			System2Enabled:       false,
			MaxValidatorPasses:   0,
		}
	case "quality":
		return ConsolidationProfileParams{
			MinClusterSize:       2,
			UncertaintyThreshold: 0.3,
			System2Enabled:       true,
			MaxValidatorPasses:   2,
		}
	case "minimal":
		return ConsolidationProfileParams{
			MinClusterSize:       3,
			UncertaintyThreshold: 0.5,
			System2Enabled:       false,
			MaxValidatorPasses:   0,
			MetricsOnly:          true,
		}
	case "custom":
		return ConsolidationProfileParams{}
	default: // "balanced"
		return ConsolidationProfileParams{
			MinClusterSize:       3,
			UncertaintyThreshold: 0.5,
			System2Enabled:       true,
			MaxValidatorPasses:   1,
		}
	}
}

// ConsolidationProfileParams holds the resolved tuning knobs for one profile.
type ConsolidationProfileParams struct {
	MinClusterSize       int
	UncertaintyThreshold float64
	System2Enabled       bool
	MaxValidatorPasses   int
	// MetricsOnly disables emission entirely (the "minimal" / dry-run profile).
	MetricsOnly bool
}
