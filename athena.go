// Package athena provides a top-level convenience entry point that
// bootstraps every cooperating memory layer, the Unified Manager, the
// Retrieval Pipeline, and the Consolidation Engine from one Config.
//
// Usage:
//
//	cfg, err := config.NewLoader().WithConfigPath("athena.yaml").Load()
//	eng, err := athena.New(ctx, *cfg, 1, nil)
//	defer eng.Close(ctx)
//
//	id, err := eng.Manager.RecordEvent(ctx, episodic.RecordInput{...})
//	result, err := eng.Retrieval.Query(ctx, types.Query{...})
//
// This is a thin wrapper around store.Open + embedding.NewService +
// manager.New + retrieval.New + consolidation.New; call those directly
// when an embedded caller needs finer control over any one piece.
package athena

import (
	"context"

	"go.uber.org/zap"

	"github.com/shawkridge/athena/config"
	"github.com/shawkridge/athena/consolidation"
	"github.com/shawkridge/athena/embedding"
	"github.com/shawkridge/athena/internal/events"
	"github.com/shawkridge/athena/internal/metrics"
	"github.com/shawkridge/athena/internal/telemetry"
	"github.com/shawkridge/athena/manager"
	"github.com/shawkridge/athena/retrieval"
	"github.com/shawkridge/athena/store"
)

// Engine composes a fully-wired Athena instance: the durable store, the
// Unified Manager (C9), the Retrieval Pipeline (C10), and the
// Consolidation Engine (C11) over it.
type Engine struct {
	Manager       *manager.Manager
	Retrieval     *retrieval.Pipeline
	Consolidation *consolidation.Engine

	// Events is the typed on_event_recorded/on_task_completed/
	// on_consolidation_finished stream spec §9 describes. External
	// orchestration code subscribes via Events.Subscribe (in-process)
	// or by upgrading an HTTP connection and calling
	// Events.HandleConnection (websocket).
	Events *events.Hub

	store     *store.Store
	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// NodeID identifies this process for Snowflake-style ID generation
// (spec §4.1's collision-free ID requirement across concurrent
// writers); callers running more than one Athena process against the
// same store must give each a distinct NodeID.
type NodeID = int64

// New bootstraps an Engine from cfg: opens the store, runs pending
// migrations, builds the embedding service, initializes telemetry, and
// wires the Manager/Retrieval/Consolidation trio over them.
func New(ctx context.Context, cfg config.Config, nodeID NodeID, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(cfg.Store, nodeID, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	embedder := newEmbeddingService(cfg.Embedding)

	m := metrics.NewCollector("athena", logger)

	mg, err := manager.New(s, embedder, cfg, m, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	rp := retrieval.New(mg, cfg.Retrieval, logger)

	ce := consolidation.New(s, embedder, consolidation.HeuristicValidator{}, cfg.Consolidation, m, logger)

	hub := events.NewHub(cfg.Server.WriteTimeout, logger)
	mg.SetHub(hub)
	ce.SetHub(hub)

	return &Engine{
		Manager:       mg,
		Retrieval:     rp,
		Consolidation: ce,
		Events:        hub,
		store:         s,
		telemetry:     providers,
		logger:        logger,
	}, nil
}

// Close releases the store's connection pool, drains the Manager's
// trigger-fire worker pool, and flushes telemetry.
func (e *Engine) Close(ctx context.Context) error {
	e.Manager.Close()
	if err := e.telemetry.Shutdown(ctx); err != nil {
		e.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return e.store.Close()
}

// newEmbeddingService builds the configured embedding.Provider (OpenAI
// and OpenAI-compatible endpoints by BaseURL) and wraps it in a Service
// with the configured concurrency/timeout discipline. An empty
// Provider name leaves the service without a provider — every layer
// degrades to lexical-only indexing per spec §4.2's availability
// fallback rather than failing to start.
func newEmbeddingService(cfg config.EmbeddingConfig) *embedding.Service {
	var provider embedding.Provider
	switch cfg.Provider {
	case "", "none":
		return nil
	default:
		provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	}
	return embedding.NewService(provider, embedding.ServiceConfig{
		MaxConcurrency: int64(cfg.MaxConcurrency),
		Timeout:        cfg.Timeout,
	})
}

// newLogger builds a zap.Logger from LogConfig, following the teacher's
// fallback-to-production-logger convention (e.g. agent/mcp/server.go's
// `logger, _ = zap.NewProduction()`) but honoring the configured level,
// format, and output paths instead of zap's hardcoded defaults.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableCaller = !cfg.EnableCaller
	zcfg.DisableStacktrace = !cfg.EnableStacktrace
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}
	return zcfg.Build()
}
