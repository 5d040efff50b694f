package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/cache"
	"github.com/atlas-desktop/signal-consensus/internal/config"
	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/internal/events"
	"github.com/atlas-desktop/signal-consensus/internal/learning"
	"github.com/atlas-desktop/signal-consensus/internal/metrics"
	"github.com/atlas-desktop/signal-consensus/internal/orchestrator"
	"github.com/atlas-desktop/signal-consensus/internal/outcome"
	"github.com/atlas-desktop/signal-consensus/internal/publish"
	"github.com/atlas-desktop/signal-consensus/internal/regime"
	"github.com/atlas-desktop/signal-consensus/internal/signals"
	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/internal/workers"
)

// app is the wired engine shared by every subcommand.
type app struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    store.Store
	registry *signals.Registry
	weights  *learning.Engine
	metrics  *metrics.Metrics
	bus      *events.EventBus
	orch     *orchestrator.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context, logger *zap.Logger, cfg *config.Config) (_ *app, err error) {
	a := &app{
		logger:   logger,
		cfg:      cfg,
		registry: signals.NewRegistry(cfg.Bots...),
		metrics:  metrics.New(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)

	a.bus = events.NewEventBus(logger, events.DefaultEventBusConfig())
	a.onClose(func() error { a.bus.Stop(); return nil })
	a.metrics.Attach(a.bus)

	if cfg.Kafka.Enabled {
		publisher, err := publish.NewPublisher(logger, cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		publisher.Attach(a.bus)
		a.onClose(publisher.Close)
	}

	a.weights = learning.NewEngine(logger, cfg.Weighting, a.store)

	var weightCache orchestrator.WeightCache
	if cfg.Redis.Enabled {
		client, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose(client.Close)
		weightCache = cache.NewWeightCache(logger, client, cfg.Redis.KeyPrefix)
		a.weights.WithLock(newWeightingLock(client, cfg.Redis))
	}

	provider, err := newProvider(logger, cfg.MarketData)
	if err != nil {
		return nil, err
	}

	scanPool := a.startPool(cfg.Scan.PoolConfig())
	evalCfg := workers.DefaultPoolConfig(orchestrator.JobEvaluate)
	evalCfg.NumWorkers = cfg.Scan.Workers
	evalPool := a.startPool(evalCfg)

	tracker := outcome.NewTracker(logger, cfg.Outcome, a.store, provider, evalPool)
	aggregator := signals.NewEngine(logger, &cfg.Aggregation, a.registry)

	a.orch = orchestrator.New(logger, cfg.Scan, orchestrator.Components{
		Producers:  a.producers(),
		Provider:   provider,
		Detector:   regime.NewDetector(logger, &cfg.Regime),
		Aggregator: aggregator,
		Runs:       a.store,
		Tracker:    tracker,
		Weights:    a.weights,
		History:    a.store,
		Cache:      weightCache,
		Bus:        a.bus,
		Pool:       scanPool,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.PostgresConfig)
	default:
		return store.NewMemory(), nil
	}
}

func newWeightingLock(client *redis.Client, cfg cache.RedisConfig) *cache.PassLock {
	return cache.NewPassLock(client, cfg.KeyPrefix, orchestrator.JobReweight, cfg.LockTTL)
}

// newProvider chains the exchange with the local file store and cleans
// whatever comes back.
func newProvider(logger *zap.Logger, cfg config.MarketDataConfig) (data.Provider, error) {
	var chain data.Fallback
	if !cfg.Offline {
		chain = append(chain, data.NewBinanceClient(logger, cfg.BinanceConfig))
	}
	if cfg.DataDir != "" {
		files, err := data.NewFileStore(logger, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		chain = append(chain, files)
	}
	return data.NewCleaner(logger).Cleaned(chain), nil
}

// producers builds an HTTP producer for every bot with an endpoint.
func (a *app) producers() []signals.Producer {
	countFailure := func(bot string, _ error) {
		a.metrics.ProducerFailures.WithLabelValues(bot).Inc()
	}

	var out []signals.Producer
	for _, reg := range a.registry.All() {
		if reg.URL == "" {
			a.logger.Warn("Bot has no URL, skipping", zap.String("bot", reg.Name))
			continue
		}
		p := signals.NewHTTPProducer(a.logger, reg, a.cfg.Scan.SignalTimeout)
		out = append(out, signals.Observed(p, countFailure))
	}
	return out
}

func (a *app) startPool(cfg *workers.PoolConfig) *workers.Pool {
	pool := workers.NewPool(a.logger, cfg)
	pool.OnTaskDone(a.metrics.ObservePoolTask)
	pool.Start()
	a.onClose(pool.Stop)
	return pool
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Error during shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}
