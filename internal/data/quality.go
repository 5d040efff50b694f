package data

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// Cleaner repairs candle series before they reach the classifier or the
// outcome tracker: it sorts, drops duplicates and non-positive prices, and
// widens high/low to cover open and close.
type Cleaner struct {
	logger *zap.Logger
}

// NewCleaner creates a candle cleaner.
func NewCleaner(logger *zap.Logger) *Cleaner {
	return &Cleaner{logger: logger.Named("data-quality")}
}

// Clean returns a repaired copy of bars. The input is not modified.
func (c *Cleaner) Clean(symbol string, bars []types.OHLCV) []types.OHLCV {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]types.OHLCV, 0, len(sorted))
	seen := make(map[int64]bool, len(sorted))

	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] {
			continue
		}
		seen[ts] = true

		if bar.High.LessThan(bar.Low) {
			continue
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}

		bar.High = decimal.Max(bar.Open, bar.High, bar.Close)
		bar.Low = decimal.Min(bar.Open, bar.Low, bar.Close)
		cleaned = append(cleaned, bar)
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		c.logger.Debug("Dropped bad candles",
			zap.String("symbol", symbol),
			zap.Int("original_bars", len(bars)),
			zap.Int("removed", removed),
		)
	}

	return cleaned
}

// Cleaned wraps a provider so every result passes through the cleaner.
func (c *Cleaner) Cleaned(p Provider) Provider {
	return ProviderFunc(func(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
		bars, err := p.Candles(ctx, symbol, tf, start, end)
		if err != nil {
			return nil, err
		}
		return c.Clean(symbol, bars), nil
	})
}
