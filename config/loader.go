// =============================================================================
// Athena configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overlay.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("athena.yaml").
//	    WithEnvPrefix("ATHENA").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete configuration for an Athena engine instance.
type Config struct {
	// Server HTTP facade and metrics ports, and timeouts.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Store durable store (C1) connection settings.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis holds Redis connection settings; no package in this module
	// opens a Redis connection.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Embedding (C2) external embedding service settings.
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// WorkingMemory (C8) top-W projection weights and size.
	WorkingMemory WorkingMemoryConfig `yaml:"working_memory" env:"WORKING_MEMORY"`

	// Retrieval (C10) hybrid ranking and pipeline defaults.
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Consolidation (C11) scheduling, profile, and acceptance thresholds.
	Consolidation ConsolidationConfig `yaml:"consolidation" env:"CONSOLIDATION"`

	// Prospective (C6) task-claim and preemption settings.
	Prospective ProspectiveConfig `yaml:"prospective" env:"PROSPECTIVE"`

	// Log logging configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry tracing/metrics configuration.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT configures bearer-token authentication for the Manager facade.
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// ServerConfig configures the facade's network surface.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// StoreConfig configures the durable store connection pool (C1).
type StoreConfig struct {
	// Driver selects the dialect: postgres or sqlite. store.Open rejects
	// any other driver, mysql included.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// EmbeddingDim (D) is fixed per project at first write (spec §6).
	EmbeddingDim int `yaml:"embedding_dim" env:"EMBEDDING_DIM"`
	// IngestSoftCap bounds pending writes before IngestBusy is returned (spec §5).
	IngestSoftCap int `yaml:"ingest_soft_cap" env:"INGEST_SOFT_CAP"`
}

// RedisConfig holds Redis connection settings. Task claiming and working
// memory run on the durable store; nothing in this module reads these.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// EmbeddingConfig configures the pluggable embedding capability (C2).
type EmbeddingConfig struct {
	Provider        string        `yaml:"provider" env:"PROVIDER"`
	APIKey          string        `yaml:"api_key" env:"API_KEY"`
	BaseURL         string        `yaml:"base_url" env:"BASE_URL"`
	Model           string        `yaml:"model" env:"MODEL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxConcurrency  int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// WorkingMemoryConfig configures the attention top-W projection (C8).
type WorkingMemoryConfig struct {
	// Limit (W) is the size of the top-W projection; default 7.
	Limit int `yaml:"limit" env:"LIMIT"`
	// ImportanceWeight/UsefulnessWeight/RecencyWeight are w1,w2,w3 (spec §9 open question).
	ImportanceWeight float64       `yaml:"importance_weight" env:"IMPORTANCE_WEIGHT"`
	UsefulnessWeight float64       `yaml:"usefulness_weight" env:"USEFULNESS_WEIGHT"`
	RecencyWeight    float64       `yaml:"recency_weight" env:"RECENCY_WEIGHT"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period" env:"HEARTBEAT_PERIOD"`
	// PressureThreshold is the cognitive-load ratio (W_used/W) for the pressure hint; default 0.9.
	// meta.Memory.Project does not read it: it flags pressure at a fixed W_used/W >= 0.9.
	PressureThreshold float64 `yaml:"pressure_threshold" env:"PRESSURE_THRESHOLD"`
}

// RetrievalConfig configures the hybrid ranking and retrieval pipeline (C4, C10).
type RetrievalConfig struct {
	// HybridAlpha (α) blends vector vs lexical score; default 0.7.
	HybridAlpha float64 `yaml:"hybrid_alpha" env:"HYBRID_ALPHA"`
	// RecencyBoostWeight (β); default 0.1.
	RecencyBoostWeight float64 `yaml:"recency_boost_weight" env:"RECENCY_BOOST_WEIGHT"`
	// RecencyHalflife for the exponential decay (spec §4.6); default 30 days.
	RecencyHalflife time.Duration `yaml:"recency_halflife" env:"RECENCY_HALFLIFE"`
	// ReflectiveConfidenceThreshold (θ); default 0.5.
	ReflectiveConfidenceThreshold float64 `yaml:"reflective_confidence_threshold" env:"REFLECTIVE_CONFIDENCE_THRESHOLD"`
	// SelfRAGMaxRetries (R); default 2.
	SelfRAGMaxRetries int `yaml:"self_rag_max_retries" env:"SELF_RAG_MAX_RETRIES"`
	// DefaultStrategy used when the caller omits strategy; default "direct".
	DefaultStrategy string `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	// DefaultTokenBudget bounds compacted context size when the caller omits one.
	DefaultTokenBudget int `yaml:"default_token_budget" env:"DEFAULT_TOKEN_BUDGET"`
}

// ConsolidationConfig configures the dual-process consolidation engine (C11).
type ConsolidationConfig struct {
	// Profile selects speed|balanced|quality|minimal|custom; default balanced.
	Profile string `yaml:"profile" env:"PROFILE"`
	// Interval (T_cons) between scheduled runs; default 1h.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// MinEventAge (τ_min) before an event is eligible; default 10m.
	MinEventAge time.Duration `yaml:"min_event_age" env:"MIN_EVENT_AGE"`
	// WindowSize (N) or WindowDuration (D) bound the candidate-event window.
	WindowSize     int           `yaml:"window_size" env:"WINDOW_SIZE"`
	WindowDuration time.Duration `yaml:"window_duration" env:"WINDOW_DURATION"`
	// MinClusterSize; default 3. consolidation.Engine takes the minimum
	// cluster size from ConsolidationProfile(Profile), not from this field.
	MinClusterSize int `yaml:"min_cluster_size" env:"MIN_CLUSTER_SIZE"`
	// UncertaintyThreshold (θ_u); default 0.5. consolidation.Engine takes
	// the θ_u that triggers System 2 from ConsolidationProfile(Profile),
	// not from this field.
	UncertaintyThreshold float64 `yaml:"uncertainty_threshold" env:"UNCERTAINTY_THRESHOLD"`
	// RecallMin (R_min) / ConsistencyMin (C_min) acceptance thresholds.
	RecallMin      float64 `yaml:"recall_min" env:"RECALL_MIN"`
	ConsistencyMin float64 `yaml:"consistency_min" env:"CONSISTENCY_MIN"`
	// MaxValidatorPasses; default 1. consolidation.Engine does not read it
	// (nor the profile's value) and calls the validator at most once per cluster.
	MaxValidatorPasses int `yaml:"max_validator_passes" env:"MAX_VALIDATOR_PASSES"`
}

// ProspectiveConfig configures the task FSM, claiming, and trigger evaluator (C6).
type ProspectiveConfig struct {
	// StaleHeartbeat (T_stale) is the preemption threshold; default 60s.
	StaleHeartbeat time.Duration `yaml:"stale_heartbeat" env:"STALE_HEARTBEAT"`
	// ReaperInterval is how often the stale-claim reaper sweeps.
	ReaperInterval time.Duration `yaml:"reaper_interval" env:"REAPER_INTERVAL"`
	// TriggerTickInterval is the wall-clock ticker period for TIME triggers.
	TriggerTickInterval time.Duration `yaml:"trigger_tick_interval" env:"TRIGGER_TICK_INTERVAL"`
	// FileWatchDebounce debounces FILE trigger filesystem events.
	FileWatchDebounce time.Duration `yaml:"file_watch_debounce" env:"FILE_WATCH_DEBOUNCE"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry tracing/metrics export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// JWTConfig configures bearer-token authentication on the Manager facade
// (spec §4.8's per-project scoping enforcement). Secret is used for HS256;
// PublicKey (PEM) is used for RS256 when set.
type JWTConfig struct {
	Secret    string `yaml:"secret" env:"SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration (builder pattern).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ATHENA",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		problems = append(problems, "invalid HTTP port")
	}
	if c.WorkingMemory.Limit <= 0 {
		problems = append(problems, "working_memory.limit must be positive")
	}
	if c.Retrieval.HybridAlpha < 0 || c.Retrieval.HybridAlpha > 1 {
		problems = append(problems, "retrieval.hybrid_alpha must be in [0,1]")
	}
	if c.Consolidation.RecallMin < 0 || c.Consolidation.RecallMin > 1 {
		problems = append(problems, "consolidation.recall_min must be in [0,1]")
	}
	if c.Consolidation.ConsistencyMin < 0 || c.Consolidation.ConsistencyMin > 1 {
		problems = append(problems, "consolidation.consistency_min must be in [0,1]")
	}
	if c.Store.IngestSoftCap <= 0 {
		problems = append(problems, "store.ingest_soft_cap must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(problems, "; "))
	}

	return nil
}

// DSN returns the store's driver-specific connection string.
func (s *StoreConfig) DSN() string {
	switch s.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, s.User, s.Password, s.Name, s.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			s.User, s.Password, s.Host, s.Port, s.Name,
		)
	case "sqlite":
		return s.Name
	default:
		return ""
	}
}
