// Package orchestrator runs the batch jobs of the consensus engine: the scan
// cycle, the outcome evaluation pass and the weighting pass. It wires their
// results to the event bus so that the API, Kafka and metrics see them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/internal/events"
	"github.com/atlas-desktop/signal-consensus/internal/learning"
	"github.com/atlas-desktop/signal-consensus/internal/outcome"
	"github.com/atlas-desktop/signal-consensus/internal/regime"
	"github.com/atlas-desktop/signal-consensus/internal/signals"
	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/internal/workers"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
	"github.com/atlas-desktop/signal-consensus/pkg/utils"
)

// Job names used in logs, cycle events and metrics.
const (
	JobScan     = "scan"
	JobEvaluate = "evaluate"
	JobReweight = "reweight"
)

// ScanConfig configures the scan cycle.
type ScanConfig struct {
	Assets        []string        `mapstructure:"assets"`
	Interval      time.Duration   `mapstructure:"interval"`
	Timeframe     types.Timeframe `mapstructure:"timeframe"`
	Lookback      int             `mapstructure:"lookback"`
	Workers       int             `mapstructure:"workers"`
	QueueSize     int             `mapstructure:"queue_size"`
	TaskTimeout   time.Duration   `mapstructure:"task_timeout"`
	SignalTimeout time.Duration   `mapstructure:"signal_timeout"`
}

// DefaultScanConfig returns hourly scans of the major pairs. A lookback of
// 250 candles covers SMA200 plus the ADX warm-up.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Assets:        []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		Interval:      time.Hour,
		Timeframe:     types.Timeframe1h,
		Lookback:      250,
		Workers:       8,
		QueueSize:     64,
		TaskTimeout:   2 * time.Minute,
		SignalTimeout: 30 * time.Second,
	}
}

// PoolConfig derives the scan worker pool configuration.
func (c ScanConfig) PoolConfig() *workers.PoolConfig {
	cfg := workers.DefaultPoolConfig(JobScan)
	cfg.NumWorkers = c.Workers
	cfg.QueueSize = c.QueueSize
	if c.TaskTimeout > 0 {
		cfg.TaskTimeout = c.TaskTimeout
	}
	return cfg
}

// WeightCache persists the published weight table between processes.
type WeightCache interface {
	Save(ctx context.Context, table *types.WeightTable) error
	Load(ctx context.Context) (*types.WeightTable, error)
}

// Components are the collaborators of the orchestrator. Cache and Bus are
// optional; Tracker and Weights are required only by the passes that use them.
type Components struct {
	Producers  []signals.Producer
	Provider   data.Provider
	Detector   *regime.Detector
	Aggregator *signals.Engine
	Runs       store.RunWriter
	Tracker    *outcome.Tracker
	Weights    *learning.Engine
	History    store.PerformanceStore
	Cache      WeightCache
	Bus        *events.EventBus
	Pool       *workers.Pool
}

// ScanReport summarises one scan cycle.
type ScanReport struct {
	RunID           string        `json:"runId"`
	WeightsVersion  int64         `json:"weightsVersion"`
	Assets          int           `json:"assets"`
	Recommendations int           `json:"recommendations"`
	Predictions     int           `json:"predictions"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	Duration        time.Duration `json:"duration"`
}

// Schedule sets how often each job runs in Run. A zero interval disables the job.
type Schedule struct {
	Scan     time.Duration
	Evaluate time.Duration
	Reweight time.Duration
}

// Orchestrator coordinates the batch jobs.
type Orchestrator struct {
	logger *zap.Logger
	config ScanConfig
	c      Components

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator. The pool must be started by the caller.
func New(logger *zap.Logger, config ScanConfig, c Components) *Orchestrator {
	if config.Timeframe == "" {
		config.Timeframe = types.Timeframe1h
	}
	o := &Orchestrator{
		logger: logger.Named("orchestrator"),
		config: config,
		c:      c,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}

	if c.Bus != nil {
		if c.Tracker != nil {
			c.Tracker.OnResolved(func(p types.BotPrediction) {
				c.Bus.Publish(events.NewOutcomeEvent(p))
			})
		}
		if c.Weights != nil {
			c.Weights.OnPublish(func(t *types.WeightTable) {
				c.Bus.Publish(events.NewWeightsEvent(t))
			})
		}
	}
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Bootstrap seeds the weighting engine before the first cycle: from the
// cache when it holds a table, otherwise from stored performance records.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if o.c.Weights == nil {
		return nil
	}

	if o.c.Cache != nil {
		table, err := o.c.Cache.Load(ctx)
		if err != nil {
			o.logger.Warn("Failed to load cached weights", zap.Error(err))
		} else if table != nil {
			o.c.Weights.Restore(table)
			return nil
		}
	}

	if o.c.History == nil {
		return nil
	}
	records, err := o.c.History.ListPerformance(ctx)
	if err != nil {
		return fmt.Errorf("failed to load performance records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	weights := make(map[string]float64, len(records))
	var computedAt time.Time
	for _, r := range records {
		weights[r.Bot] = r.PerformanceWeight
		if r.UpdatedAt.After(computedAt) {
			computedAt = r.UpdatedAt
		}
	}
	o.c.Weights.Restore(types.NewWeightTable(1, computedAt, weights))
	return nil
}

// ScanCycle runs one scan over every configured asset. The weight table is
// read once and shared by all assets of the cycle. A failing asset is logged
// and skipped; the error return is reserved for cancellation.
func (o *Orchestrator) ScanCycle(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	weights := o.currentWeights()
	report := ScanReport{
		RunID:          o.newID(),
		WeightsVersion: weights.Version(),
		Assets:         len(o.config.Assets),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))

	logger.Info("Starting scan cycle",
		zap.Int("assets", report.Assets),
		zap.Int64("weights_version", report.WeightsVersion),
	)

	var recs, preds, skipped, failed atomic.Int64
	err := o.c.Pool.Run(ctx, len(o.config.Assets), func(ctx context.Context, i int) error {
		symbol := o.config.Assets[i]
		n, err := o.scanAsset(ctx, logger, report.RunID, symbol, weights)
		switch {
		case err != nil:
			failed.Add(1)
			logger.Warn("Asset scan failed", zap.String("symbol", symbol), zap.Error(err))
			return err
		case n < 0:
			skipped.Add(1)
		default:
			recs.Add(1)
			preds.Add(int64(n))
		}
		return nil
	})

	report.Recommendations = int(recs.Load())
	report.Predictions = int(preds.Load())
	report.Skipped = int(skipped.Load())
	report.Failed = int(failed.Load())
	report.Duration = time.Since(start)

	o.publish(events.NewCycleEvent(JobScan, report.RunID, report.Recommendations+report.Skipped, report.Failed, report.Duration))

	logger.Info("Scan cycle complete",
		zap.Int("recommendations", report.Recommendations),
		zap.Int("predictions", report.Predictions),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return report, ctxErr
	}
	if err != nil && report.Failed == 0 {
		// Items that never ran, e.g. the pool stopped mid-cycle.
		return report, err
	}
	return report, nil
}

// scanAsset returns the number of predictions persisted, or -1 when the asset
// produced no recommendation.
func (o *Orchestrator) scanAsset(ctx context.Context, logger *zap.Logger, runID, symbol string, weights *types.WeightTable) (int, error) {
	sigCtx := ctx
	if o.config.SignalTimeout > 0 {
		var cancel context.CancelFunc
		sigCtx, cancel = context.WithTimeout(ctx, o.config.SignalTimeout)
		defer cancel()
	}
	sigs := signals.Collect(sigCtx, logger, o.c.Producers, symbol)
	if len(sigs) == 0 {
		logger.Debug("No signals for asset", zap.String("symbol", symbol))
		return -1, nil
	}

	candles := o.candles(ctx, logger, symbol)
	state := o.c.Detector.Detect(symbol, candles)

	rec, predictions := o.c.Aggregator.Aggregate(symbol, sigs, currentPrice(candles, sigs), state, weights)
	if rec == nil {
		return -1, nil
	}

	rec.RunID = runID
	for i := range predictions {
		predictions[i].RunID = runID
	}

	if err := o.c.Runs.SaveRun(ctx, rec, predictions); err != nil {
		return 0, fmt.Errorf("failed to save run for %s: %w", symbol, err)
	}
	for _, p := range predictions {
		if err := o.c.Runs.RecordPrediction(ctx, p.Bot, p.CreatedAt); err != nil {
			logger.Warn("Failed to record prediction",
				zap.String("bot", p.Bot),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}

	o.publish(events.NewRecommendationEvent(rec))
	return len(predictions), nil
}

// candles loads the lookback window; failures degrade to no history.
func (o *Orchestrator) candles(ctx context.Context, logger *zap.Logger, symbol string) []types.OHLCV {
	if o.c.Provider == nil {
		return nil
	}
	end := o.now()
	start := end.Add(-time.Duration(o.config.Lookback) * o.config.Timeframe.Duration())

	bars, err := o.c.Provider.Candles(ctx, symbol, o.config.Timeframe, start, end)
	if err != nil {
		level := logger.Warn
		if errors.Is(err, data.ErrNoData) {
			level = logger.Debug
		}
		level("Market data unavailable, classifying without history",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return nil
	}
	return bars
}

// currentPrice is the last close, or the median signal entry without history.
func currentPrice(candles []types.OHLCV, sigs []types.BotSignal) decimal.Decimal {
	if n := len(candles); n > 0 {
		return candles[n-1].Close
	}
	entries := make([]decimal.Decimal, 0, len(sigs))
	for _, s := range sigs {
		if s.Entry.IsPositive() {
			entries = append(entries, s.Entry)
		}
	}
	return utils.Median(entries)
}

// EvaluatePass resolves pending predictions.
func (o *Orchestrator) EvaluatePass(ctx context.Context) (outcome.PassReport, error) {
	if o.c.Tracker == nil {
		return outcome.PassReport{}, fmt.Errorf("outcome tracker not configured")
	}
	start := time.Now()
	report, err := o.c.Tracker.RunPass(ctx)
	o.publish(events.NewCycleEvent(JobEvaluate, "", report.Resolved()+report.Neutral+report.Expired, report.Failed, time.Since(start)))
	return report, err
}

// WeightPass recomputes and publishes the weight table, then caches it.
// Another pass holding the lock is not an error for callers on a timer.
func (o *Orchestrator) WeightPass(ctx context.Context) (*types.WeightTable, error) {
	if o.c.Weights == nil {
		return nil, fmt.Errorf("weighting engine not configured")
	}
	start := time.Now()

	table, err := o.c.Weights.Run(ctx)
	if err != nil {
		if !errors.Is(err, learning.ErrPassInProgress) {
			o.publish(events.NewCycleEvent(JobReweight, "", 0, 1, time.Since(start)))
		}
		return nil, err
	}

	if o.c.Cache != nil {
		if err := o.c.Cache.Save(ctx, table); err != nil {
			o.logger.Warn("Failed to cache weight table",
				zap.Int64("version", table.Version()),
				zap.Error(err),
			)
		}
	}

	o.publish(events.NewCycleEvent(JobReweight, "", len(table.Weights()), 0, time.Since(start)))
	return table, nil
}

// Run executes every scheduled job once, then on its own ticker until ctx is
// done. Jobs of different kinds may overlap; a job never overlaps itself.
func (o *Orchestrator) Run(ctx context.Context, schedule Schedule) {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{JobScan, schedule.Scan, func(ctx context.Context) error { _, err := o.ScanCycle(ctx); return err }},
		{JobEvaluate, schedule.Evaluate, func(ctx context.Context) error { _, err := o.EvaluatePass(ctx); return err }},
		{JobReweight, schedule.Reweight, func(ctx context.Context) error { _, err := o.WeightPass(ctx); return err }},
	}

	o.logger.Info("Starting orchestrator",
		zap.Duration("scan_interval", schedule.Scan),
		zap.Duration("evaluate_interval", schedule.Evaluate),
		zap.Duration("reweight_interval", schedule.Reweight),
	)

	var wg sync.WaitGroup
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		job := job
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.loop(ctx, job.name, job.interval, job.run)
		}()
	}
	wg.Wait()

	o.logger.Info("Orchestrator stopped")
}

func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := run(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, learning.ErrPassInProgress) {
				o.logger.Info("Skipping job, already running elsewhere", zap.String("job", name))
			} else {
				o.logger.Error("Job failed", zap.String("job", name), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) currentWeights() *types.WeightTable {
	if o.c.Weights == nil {
		return nil
	}
	return o.c.Weights.Current()
}

func (o *Orchestrator) publish(e events.Event) {
	if o.c.Bus != nil {
		o.c.Bus.Publish(e)
	}
}
