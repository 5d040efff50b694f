package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// ErrPassInProgress is returned when another weighting pass holds the lock.
var ErrPassInProgress = errors.New("weighting pass already in progress")

// Locker is a cross-process mutual exclusion for weighting passes.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Engine is the single writer of bot weights. Readers call Current and keep
// the returned snapshot for the duration of their work.
type Engine struct {
	logger *zap.Logger
	config Config
	store  store.PerformanceStore
	lock   Locker
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[types.WeightTable]

	onPublish func(*types.WeightTable)
}

// NewEngine creates a weighting engine with an empty version-0 table.
func NewEngine(logger *zap.Logger, config Config, st store.PerformanceStore) *Engine {
	e := &Engine{
		logger: logger.Named("weighting"),
		config: config,
		store:  st,
		now:    time.Now,
	}
	e.current.Store(types.NewWeightTable(0, time.Time{}, nil))
	return e
}

// WithLock adds a distributed lock around each pass.
func (e *Engine) WithLock(lock Locker) *Engine {
	e.lock = lock
	return e
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// OnPublish registers a callback for every newly published table.
func (e *Engine) OnPublish(fn func(*types.WeightTable)) {
	e.onPublish = fn
}

// Current returns the latest published weight table.
func (e *Engine) Current() *types.WeightTable {
	return e.current.Load()
}

// Restore seeds the engine from a persisted table, for example the Redis
// snapshot at startup. Older versions are ignored.
func (e *Engine) Restore(table *types.WeightTable) bool {
	if table == nil {
		return false
	}
	for {
		cur := e.current.Load()
		if table.Version() <= cur.Version() {
			return false
		}
		if e.current.CompareAndSwap(cur, table) {
			e.logger.Info("Restored weight table", zap.Int64("version", table.Version()))
			return true
		}
	}
}

// Run recomputes every bot's weight, persists the performance records and
// then publishes the next table. Nothing is published if persisting fails.
func (e *Engine) Run(ctx context.Context) (*types.WeightTable, error) {
	if !e.mu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.mu.Unlock()

	if e.lock != nil {
		ok, err := e.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire weighting lock: %w", err)
		}
		if !ok {
			return nil, ErrPassInProgress
		}
		defer func() {
			if err := e.lock.Release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("Failed to release weighting lock", zap.Error(err))
			}
		}()
	}

	start := e.now()
	var since time.Time
	if e.config.Lookback > 0 {
		since = start.Add(-e.config.Lookback)
	}

	preds, err := e.store.ListPredictions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}

	previous := e.Current()
	weights, stats := RecomputeWeights(preds, previous, e.config)

	records := make([]types.BotPerformanceRecord, 0, len(stats))
	for _, s := range stats {
		records = append(records, types.BotPerformanceRecord{
			Bot:               s.Bot,
			TotalPredictions:  s.Total,
			Successful:        s.Wins,
			Failed:            s.Losses,
			Pending:           s.Pending,
			Neutral:           s.Neutral,
			Expired:           s.Expired,
			AccuracyRate:      s.Accuracy,
			AvgProfitLoss:     s.AvgProfitLoss,
			PerformanceWeight: s.Weight,
			UpdatedAt:         start,
		})
	}

	if err := e.store.SavePerformance(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to save performance records: %w", err)
	}

	next := types.NewWeightTable(previous.Version()+1, start, weights)
	e.current.Store(next)

	eligible := 0
	for _, s := range stats {
		if s.Eligible {
			eligible++
		}
	}
	e.logger.Info("Published weight table",
		zap.Int64("version", next.Version()),
		zap.Int("bots", len(stats)),
		zap.Int("eligible", eligible),
		zap.Int("predictions", len(preds)),
		zap.Duration("elapsed", e.now().Sub(start)),
	)

	if e.onPublish != nil {
		e.onPublish(next)
	}
	return next, nil
}
