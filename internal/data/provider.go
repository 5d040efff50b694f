// Package data provides market data for the classifier and the outcome tracker.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// ErrNoData is returned when a provider has no candles for the requested range.
var ErrNoData = errors.New("no market data")

// Provider returns OHLCV candles, oldest first, for a symbol and time range.
// Implementations may fail or return an empty slice.
type Provider interface {
	Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error)

func (f ProviderFunc) Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	return f(ctx, symbol, tf, start, end)
}

// Fallback tries each provider in order and returns the first non-empty result.
// When every provider comes up empty, the first real failure is reported in
// preference to ErrNoData.
type Fallback []Provider

func (f Fallback) Candles(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	var failure error
	for _, p := range f {
		candles, err := p.Candles(ctx, symbol, tf, start, end)
		if err != nil {
			if failure == nil && !errors.Is(err, ErrNoData) {
				failure = err
			}
			continue
		}
		if len(candles) > 0 {
			return candles, nil
		}
	}
	if failure != nil {
		return nil, failure
	}
	return nil, ErrNoData
}

// filterByTimeRange keeps candles with start <= timestamp <= end.
func filterByTimeRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	var filtered []types.OHLCV
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}
