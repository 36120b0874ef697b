package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agoramesh/policygate/internal/adapter/outbound/jsonl"
	"github.com/agoramesh/policygate/internal/adapter/outbound/memory"
	"github.com/agoramesh/policygate/internal/adapter/outbound/sqlite"
	"github.com/agoramesh/policygate/internal/config"
	"github.com/agoramesh/policygate/internal/domain/decision"
	"github.com/agoramesh/policygate/internal/domain/policy"
	"github.com/agoramesh/policygate/internal/metrics"
	"github.com/agoramesh/policygate/internal/service"
	"github.com/agoramesh/policygate/internal/telemetry"
)

// engine is the assembled application: configured stores and services
// plus the resources Close must release. Every command that touches
// packs or decisions builds one of these.
type engine struct {
	cfg    *config.Config
	logger *slog.Logger
	meter  *metrics.Metrics

	market    *memory.MarketStore
	packs     *service.PackService
	eval      *service.EvaluatorService
	decisions *service.DecisionService
	checks    *service.CheckpointService

	decisionStore decision.Store
	shutdown      []func(context.Context) error
}

// buildEngine loads configuration and wires stores and services.
// The market read models are always in-memory: the engine does not own
// marketplace data, commands seed it from scenario files.
func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Logger goes to stderr so stdout stays clean for command output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	e := &engine{
		cfg:    cfg,
		logger: logger,
		meter:  metrics.New(prometheus.NewRegistry()),
		market: memory.NewMarketStore(),
	}

	traceShutdown, err := telemetry.InitTracing(cfg.Telemetry.TracesEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	e.shutdown = append(e.shutdown, traceShutdown)

	var packStore policy.PackStore
	switch cfg.Store.Backend {
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		packStore = sqlite.NewPackStore(db)
		e.decisionStore = sqlite.NewDecisionStore(db)
		logger.Debug("store backend: sqlite", "path", cfg.Store.SQLitePath)
	case "jsonl":
		// Packs stay in memory; only the append-only decision log is
		// worth file persistence in this mode.
		log, err := jsonl.NewDecisionLog(jsonl.Config{
			Dir:           cfg.Store.JSONLDir,
			RetentionDays: cfg.Store.JSONLRetentionDays,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open decision log: %w", err)
		}
		packStore = memory.NewPackStore()
		e.decisionStore = log
		logger.Debug("store backend: jsonl", "dir", cfg.Store.JSONLDir)
	default:
		packStore = memory.NewPackStore()
		e.decisionStore = memory.NewDecisionStore()
		logger.Debug("store backend: memory")
	}

	e.eval, err = service.NewEvaluatorService(logger, e.meter,
		service.WithCacheSize(cfg.Cache.Size))
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	e.packs = service.NewPackService(packStore, e.eval, logger, e.meter)

	e.decisions = service.NewDecisionService(e.decisionStore, e.market, e.packs, logger, e.meter,
		service.WithDecisionChannelSize(cfg.DecisionLog.ChannelSize),
		service.WithDecisionBatchSize(cfg.DecisionLog.BatchSize),
		service.WithDecisionFlushInterval(cfg.DecisionLog.FlushInterval),
		service.WithDecisionSendTimeout(cfg.DecisionLog.SendTimeout),
	)
	e.decisions.Start(ctx)

	e.checks = service.NewCheckpointService(
		e.market, e.market, e.market,
		e.packs, e.eval, e.decisions, logger, e.meter,
	)

	if cfg.Seed.Enabled {
		if err := e.packs.SeedDefaultPack(ctx, cfg.Seed.Template, cfg.Seed.Actor); err != nil {
			e.Close(ctx)
			return nil, err
		}
	}
	return e, nil
}

// Close flushes the decision log and releases store and telemetry
// resources.
func (e *engine) Close(ctx context.Context) {
	if e.decisions != nil {
		e.decisions.Stop()
	}
	if e.decisionStore != nil {
		if err := e.decisionStore.Close(); err != nil {
			e.logger.Warn("failed to close decision store", "error", err)
		}
	}
	for _, fn := range e.shutdown {
		if err := fn(ctx); err != nil {
			e.logger.Warn("shutdown hook failed", "error", err)
		}
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
