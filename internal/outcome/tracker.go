package outcome

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/internal/workers"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// Config configures the outcome tracker.
type Config struct {
	Window    time.Duration   `mapstructure:"window"`
	Interval  time.Duration   `mapstructure:"interval"`
	Timeframe types.Timeframe `mapstructure:"timeframe"`
	BatchSize int             `mapstructure:"batch_size"`
}

// DefaultConfig returns a 7-day window checked hourly on 1h candles.
func DefaultConfig() Config {
	return Config{
		Window:    DefaultWindow,
		Interval:  time.Hour,
		Timeframe: types.Timeframe1h,
		BatchSize: 5000,
	}
}

// PassReport counts what one evaluation pass did.
type PassReport struct {
	Checked int `json:"checked"`
	Wins    int `json:"wins"`
	Losses  int `json:"losses"`
	Neutral int `json:"neutral"`
	Expired int `json:"expired"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// Resolved is the number of predictions that reached a terminal state.
func (r PassReport) Resolved() int {
	return r.Wins + r.Losses + r.Neutral + r.Expired
}

func (r *PassReport) add(status types.OutcomeStatus) {
	switch status {
	case types.OutcomeWin:
		r.Wins++
	case types.OutcomeLoss:
		r.Losses++
	case types.OutcomeNeutral:
		r.Neutral++
	case types.OutcomeExpired:
		r.Expired++
	default:
		r.Pending++
	}
}

// Tracker is the only writer of prediction outcomes.
type Tracker struct {
	logger   *zap.Logger
	config   Config
	store    store.OutcomeStore
	provider data.Provider
	pool     *workers.Pool
	now      func() time.Time

	onResolved func(types.BotPrediction)
}

// NewTracker creates an outcome tracker. The pool must be started by the caller.
func NewTracker(logger *zap.Logger, config Config, st store.OutcomeStore, provider data.Provider, pool *workers.Pool) *Tracker {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Timeframe == "" {
		config.Timeframe = types.Timeframe1h
	}
	return &Tracker{
		logger:   logger.Named("outcome-tracker"),
		config:   config,
		store:    st,
		provider: provider,
		pool:     pool,
		now:      time.Now,
	}
}

// WithClock overrides the tracker's time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// OnResolved registers a callback for every persisted terminal outcome.
func (t *Tracker) OnResolved(fn func(types.BotPrediction)) {
	t.onResolved = fn
}

// RunPass evaluates every pending prediction once. History is fetched once
// per symbol and symbols are processed in parallel. Only terminal outcomes
// are written; a symbol whose history cannot be loaded stays pending.
func (t *Tracker) RunPass(ctx context.Context) (PassReport, error) {
	var report PassReport

	pending, err := t.store.PendingPredictions(ctx, t.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to load pending predictions: %w", err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	bySymbol := make(map[string][]types.BotPrediction)
	for _, p := range pending {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	now := t.now()
	var mu sync.Mutex

	err = t.pool.Run(ctx, len(symbols), func(ctx context.Context, i int) error {
		symbol := symbols[i]
		partial := t.evaluateSymbol(ctx, symbol, bySymbol[symbol], now)

		mu.Lock()
		report.Checked += partial.Checked
		report.Wins += partial.Wins
		report.Losses += partial.Losses
		report.Neutral += partial.Neutral
		report.Expired += partial.Expired
		report.Pending += partial.Pending
		report.Failed += partial.Failed
		mu.Unlock()
		return nil
	})

	t.logger.Info("Outcome pass complete",
		zap.Int("checked", report.Checked),
		zap.Int("wins", report.Wins),
		zap.Int("losses", report.Losses),
		zap.Int("neutral", report.Neutral),
		zap.Int("expired", report.Expired),
		zap.Int("pending", report.Pending),
		zap.Int("failed", report.Failed),
	)

	return report, err
}

func (t *Tracker) evaluateSymbol(ctx context.Context, symbol string, preds []types.BotPrediction, now time.Time) PassReport {
	var report PassReport

	start, end := preds[0].CreatedAt, preds[0].CreatedAt.Add(t.config.Window)
	for _, p := range preds[1:] {
		if p.CreatedAt.Before(start) {
			start = p.CreatedAt
		}
		if d := p.CreatedAt.Add(t.config.Window); d.After(end) {
			end = d
		}
	}
	if end.After(now) {
		end = now
	}

	candles, err := t.provider.Candles(ctx, symbol, t.config.Timeframe, start, end)
	if err != nil && !errors.Is(err, data.ErrNoData) {
		t.logger.Warn("Failed to fetch price history, leaving predictions pending",
			zap.String("symbol", symbol),
			zap.Int("predictions", len(preds)),
			zap.Error(err),
		)
		report.Checked = len(preds)
		report.Pending = len(preds)
		return report
	}

	for _, p := range preds {
		report.Checked++

		res := Evaluate(p, candles, t.config.Window, now)
		if !res.Status.IsTerminal() {
			report.add(res.Status)
			continue
		}

		out := res.Outcome(now)
		if err := t.store.ResolvePrediction(ctx, p.ID, out); err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			report.Failed++
			t.logger.Error("Failed to persist outcome",
				zap.String("prediction_id", p.ID),
				zap.String("bot", p.Bot),
				zap.Error(err),
			)
			continue
		}
		report.add(res.Status)

		t.logger.Debug("Prediction resolved",
			zap.String("prediction_id", p.ID),
			zap.String("bot", p.Bot),
			zap.String("symbol", symbol),
			zap.String("status", string(res.Status)),
			zap.Float64("pnl_percent", res.ProfitLossPercent),
		)

		if t.onResolved != nil {
			p.Outcome = out
			t.onResolved(p)
		}
	}

	return report
}
