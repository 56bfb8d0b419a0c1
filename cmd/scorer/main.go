package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/reference"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/cache"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/config"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/database"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/modelstore"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/refdata"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/repository"
	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
	"github.com/davidleathers/claims-fraud-engine/internal/service/aggregator"
	"github.com/davidleathers/claims-fraud-engine/internal/service/anomaly"
	"github.com/davidleathers/claims-fraud-engine/internal/service/cases"
	"github.com/davidleathers/claims-fraud-engine/internal/service/detector"
	"github.com/davidleathers/claims-fraud-engine/internal/service/history"
	"github.com/davidleathers/claims-fraud-engine/internal/service/model"
	"github.com/davidleathers/claims-fraud-engine/internal/service/normalizer"
	"github.com/davidleathers/claims-fraud-engine/internal/service/scoring"
)

// Command-line flags
var (
	configPath = flag.String("config", "", "Path to configuration file")
	mode       = flag.String("mode", "submit", "Operation mode: submit, rescore")
	input      = flag.String("input", "-", "Input file: raw claims (submit) or claim IDs (rescore), one per line")
	output     = flag.String("output", "-", "Output file for JSON-lines results")
	asOf       = flag.Uint64("as-of", 0, "History version to rescore against (0 = head)")
	ruleOnly   = flag.Bool("rule-only", false, "Rescore without the model ensemble")
	emit       = flag.Bool("emit", true, "Forward verdicts to the case emitter")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("scorer failed", zap.String("mode", *mode), zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	provider, err := telemetry.Initialize(ctx, cfg.Telemetry, cfg.Version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg, err := metrics.NewRegistry("claims-fraud-engine")
	if err != nil {
		return fmt.Errorf("creating metrics registry: %w", err)
	}
	serveMetrics(ctx, cfg.Telemetry.MetricsAddr, logger)

	engine, cleanup, err := buildEngine(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	in, closeIn, err := openInput(*input)
	if err != nil {
		return err
	}
	defer closeIn()
	out, closeOut, err := openOutput(*output)
	if err != nil {
		return err
	}
	defer closeOut()

	switch *mode {
	case "submit":
		return submitAll(ctx, engine, in, out, logger)
	case "rescore":
		pool, err := scoring.NewWorkerPool(engine, cfg.Batch, reg, logger)
		if err != nil {
			return err
		}
		return rescore(ctx, pool, in, out, *asOf, *ruleOnly, *emit, logger)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}

// buildEngine wires the scoring pipeline. Postgres and redis are used when
// configured; otherwise history, verdicts and cases live in memory.
func buildEngine(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *zap.Logger) (*scoring.Engine, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*scoring.Engine, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	var shared cache.Cache
	if cfg.Redis.URL != "" {
		c, err := cache.NewRedisCache(&cfg.Redis, logger)
		if err != nil {
			return fail(fmt.Errorf("connecting to redis: %w", err))
		}
		shared = c
	} else {
		shared = cache.NewMemoryCache(time.Minute)
	}
	closers = append(closers, func() { _ = shared.Close() })

	var source reference.Source
	if cfg.Reference.SeedFile == "" {
		return fail(fmt.Errorf("reference.seed_file is not configured"))
	}
	src, err := refdata.NewCachedSource(shared, refdata.SeedFile(cfg.Reference.SeedFile), cfg.Reference.CacheTTL, logger,
		refdata.WithLocalTTL(cfg.Reference.LocalTTL), refdata.WithClock(claim.SystemClock))
	if err != nil {
		return fail(err)
	}
	source = src

	var (
		caseRepo cases.Repository = cases.NewMemoryRepository()
		verdicts scoring.VerdictStore
		store    history.Store
	)
	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, &cfg.Database, logger)
		if err != nil {
			return fail(fmt.Errorf("connecting to database: %w", err))
		}
		closers = append(closers, pool.Close)
		registerPoolMetrics(pool)

		caseRepo = repository.NewCaseRepository(pool)
		verdicts = repository.NewVerdictRepository(pool)
		store = repository.NewClaimVersionRepository(pool)
	}

	indexOpts := []history.Option{history.WithMetrics(reg)}
	if store != nil {
		indexOpts = append(indexOpts, history.WithStore(store))
	}
	index := history.NewIndex(logger, indexOpts...)
	if store != nil && cfg.History.Rehydrate {
		if err := index.Rehydrate(ctx, store); err != nil {
			return fail(err)
		}
	}
	historyHead.Set(float64(index.Head().Version()))

	detectors, err := detector.NewDefaultSet(cfg, logger, reg)
	if err != nil {
		return fail(fmt.Errorf("building detectors: %w", err))
	}
	policy, err := aggregator.NewPolicy(cfg.Policy)
	if err != nil {
		return fail(fmt.Errorf("building risk policy: %w", err))
	}

	artifacts := model.NewArtifactCache(modelstore.NewFileRegistry(cfg.Model.RegistryDir, logger), cfg.Model.CacheTTL, reg, logger)
	if err := artifacts.Pin(ctx, cfg.Model.Version); err != nil {
		return fail(fmt.Errorf("loading model %s: %w", cfg.Model.Version, err))
	}

	emitter, err := cases.NewEmitter(caseRepo, shared, cfg.Cases, reg, logger, cases.WithClock(claim.SystemClock))
	if err != nil {
		return fail(err)
	}

	engine, err := scoring.NewEngine(scoring.Dependencies{
		Normalizer:   normalizer.New(cfg.Reference, claim.SystemClock, reg, logger),
		Index:        index,
		Detectors:    detectors,
		Anomaly:      anomaly.NewScorer(cfg.Anomaly, logger),
		Evaluator:    model.NewEvaluator(artifacts, reg, logger),
		Aggregator:   aggregator.New(policy, logger),
		Reference:    source,
		Emitter:      emitter,
		Verdicts:     verdicts,
		ModelVersion: cfg.Model.Version,
		Metrics:      reg,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("scoring engine ready",
		zap.String("model_version", cfg.Model.Version),
		zap.Bool("durable", store != nil),
		zap.Uint64("history_head", index.Head().Version()))
	return engine, cleanup, nil
}
