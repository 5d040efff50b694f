// Package data_test provides tests for the market data providers.
package data_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

func hourlyBars(start time.Time, closes ...float64) []types.OHLCV {
	bars := make([]types.OHLCV, len(closes))
	for i, c := range closes {
		bars[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c + 1),
			Low:       decimal.NewFromFloat(c - 1),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("BTCUSDT", types.Timeframe1h, hourlyBars(start, 100, 101, 102, 103)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	bars, err := store.Candles(context.Background(), "BTCUSDT", types.Timeframe1h, start.Add(time.Hour), start.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Failed to load candles: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Expected 2 bars in range, got %d", len(bars))
	}
	if !bars[0].Close.Equal(decimal.NewFromInt(101)) {
		t.Errorf("Expected first close 101, got %s", bars[0].Close)
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := first.SaveOHLCV("ETHUSDT", types.Timeframe1h, hourlyBars(start, 3000, 3010)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}

	second, err := data.NewFileStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}

	symbols := second.Symbols()
	if len(symbols) != 1 || symbols[0] != "ETHUSDT" {
		t.Fatalf("Expected [ETHUSDT], got %v", symbols)
	}

	from, to, err := second.DataRange("ETHUSDT")
	if err != nil {
		t.Fatalf("Failed to get data range: %v", err)
	}
	if !from.Equal(start) || !to.Equal(start.Add(time.Hour)) {
		t.Errorf("Unexpected range %s - %s", from, to)
	}

	bars, err := second.Candles(context.Background(), "ETHUSDT", types.Timeframe1h, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to load candles: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("Expected 2 bars, got %d", len(bars))
	}
}

func TestFileStoreMissingDataIsErrNoData(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	now := time.Now()
	_, err = store.Candles(context.Background(), "NOPE", types.Timeframe1h, now.Add(-time.Hour), now)
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("BTCUSDT", types.Timeframe1h, hourlyBars(start, 100)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}
	_, err = store.Candles(context.Background(), "BTCUSDT", types.Timeframe1h, start.Add(48*time.Hour), start.Add(72*time.Hour))
	if !errors.Is(err, data.ErrNoData) {
		t.Errorf("Expected ErrNoData for empty range, got %v", err)
	}
}

func TestFileStoreConcurrentAccess(t *testing.T) {
	store, err := data.NewFileStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveOHLCV("BTCUSDT", types.Timeframe1h, hourlyBars(start, 1, 2, 3, 4, 5)); err != nil {
		t.Fatalf("Failed to save OHLCV: %v", err)
	}
	store.ClearCache()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bars, err := store.Candles(context.Background(), "BTCUSDT", types.Timeframe1h, start, start.Add(10*time.Hour))
			if err != nil || len(bars) != 5 {
				t.Errorf("Concurrent read failed: %d bars, err=%v", len(bars), err)
			}
		}()
	}
	wg.Wait()
}
