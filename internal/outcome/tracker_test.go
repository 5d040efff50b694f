package outcome_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/data"
	"github.com/atlas-desktop/signal-consensus/internal/outcome"
	"github.com/atlas-desktop/signal-consensus/internal/store"
	"github.com/atlas-desktop/signal-consensus/internal/workers"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

func startedPool(t *testing.T) *workers.Pool {
	t.Helper()
	cfg := workers.DefaultPoolConfig("outcome-test")
	cfg.NumWorkers = 4
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func seed(t *testing.T, st *store.Memory, preds ...types.BotPrediction) {
	t.Helper()
	require.NoError(t, st.SaveRun(context.Background(), nil, preds))
}

func TestTrackerRunPass(t *testing.T) {
	st := store.NewMemory()

	win := prediction(types.DirectionLong, 100, 110, 95)
	win.ID = "btc-win"
	loss := prediction(types.DirectionShort, 100, 90, 105)
	loss.ID = "btc-loss"
	open := prediction(types.DirectionLong, 100, 200, 50)
	open.ID = "btc-open"
	eth := prediction(types.DirectionLong, 100, 110, 95)
	eth.ID = "eth-nodata"
	eth.Symbol = "ETHUSDT"
	seed(t, st, win, loss, open, eth)

	var fetches sync.Map
	provider := data.ProviderFunc(func(_ context.Context, symbol string, _ types.Timeframe, _, _ time.Time) ([]types.OHLCV, error) {
		n, _ := fetches.LoadOrStore(symbol, new(atomic.Int64))
		n.(*atomic.Int64).Add(1)
		if symbol == "ETHUSDT" {
			return nil, errors.New("upstream down")
		}
		return []types.OHLCV{candle(1, 99, 111)}, nil
	})

	var resolved []string
	var mu sync.Mutex
	tracker := outcome.NewTracker(zap.NewNop(), outcome.DefaultConfig(), st, provider, startedPool(t)).
		WithClock(func() time.Time { return t0.Add(2 * 24 * time.Hour) })
	tracker.OnResolved(func(p types.BotPrediction) {
		mu.Lock()
		resolved = append(resolved, p.ID)
		mu.Unlock()
	})

	report, err := tracker.RunPass(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Wins)
	assert.Equal(t, 1, report.Losses)
	assert.Equal(t, 2, report.Pending)
	assert.Equal(t, 2, report.Resolved())
	assert.ElementsMatch(t, []string{"btc-win", "btc-loss"}, resolved)

	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		n, ok := fetches.Load(symbol)
		require.True(t, ok)
		assert.Equal(t, int64(1), n.(*atomic.Int64).Load(), "history fetched once per symbol")
	}

	pending, err := st.PendingPredictions(context.Background(), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"btc-open", "eth-nodata"}, ids)
}

func TestTrackerExpiresAfterWindow(t *testing.T) {
	st := store.NewMemory()
	pred := prediction(types.DirectionLong, 100, 110, 95)
	seed(t, st, pred)

	provider := data.ProviderFunc(func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.OHLCV, error) {
		return nil, data.ErrNoData
	})
	tracker := outcome.NewTracker(zap.NewNop(), outcome.DefaultConfig(), st, provider, startedPool(t)).
		WithClock(func() time.Time { return t0.Add(8 * 24 * time.Hour) })

	report, err := tracker.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	again, err := tracker.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Checked, "terminal outcomes are never re-evaluated")
}

func TestTrackerFetchFailureAfterWindowStaysPending(t *testing.T) {
	st := store.NewMemory()
	pred := prediction(types.DirectionLong, 100, 110, 95)
	pred.ID = "btc-late"
	seed(t, st, pred)

	provider := data.ProviderFunc(func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.OHLCV, error) {
		return nil, errors.New("upstream down")
	})
	tracker := outcome.NewTracker(zap.NewNop(), outcome.DefaultConfig(), st, provider, startedPool(t)).
		WithClock(func() time.Time { return t0.Add(8 * 24 * time.Hour) })
	tracker.OnResolved(func(p types.BotPrediction) {
		t.Errorf("prediction %s resolved during an outage", p.ID)
	})

	report, err := tracker.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Pending)
	assert.Zero(t, report.Expired)

	pending, err := st.PendingPredictions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "btc-late", pending[0].ID)
}

func TestTrackerNothingPending(t *testing.T) {
	provider := data.ProviderFunc(func(context.Context, string, types.Timeframe, time.Time, time.Time) ([]types.OHLCV, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	})
	tracker := outcome.NewTracker(zap.NewNop(), outcome.DefaultConfig(), store.NewMemory(), provider, startedPool(t))

	report, err := tracker.RunPass(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}
