package regime_test

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/regime"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func candlesFromCloses(closes []float64) []types.OHLCV {
	out := make([]types.OHLCV, len(closes))
	for i, c := range closes {
		out[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(c),
			High:      decimal.NewFromFloat(c * 1.01),
			Low:       decimal.NewFromFloat(c * 0.99),
			Close:     decimal.NewFromFloat(c),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return out
}

func geometric(n int, from, step float64) []float64 {
	out := make([]float64, n)
	v := from
	for i := range out {
		out[i] = v
		v *= step
	}
	return out
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func assertScoresSumToOne(t *testing.T, s types.MarketRegimeState) {
	t.Helper()
	sum := s.BullScore + s.BearScore + s.SidewaysScore
	assert.InDelta(t, 1.0, sum, 1e-9, "scores must sum to 1: %+v", s)
}

func TestClassifyInsufficientData(t *testing.T) {
	candles := candlesFromCloses(geometric(49, 100, 1.02))
	state := regime.Classify(candles, regime.ComputeFeatures(candles))

	assert.Equal(t, types.RegimeSideways, state.Regime)
	assert.Equal(t, 0.5, state.Confidence)
	assertScoresSumToOne(t, state)
}

func TestClassifyStrongUptrend(t *testing.T) {
	candles := candlesFromCloses(geometric(120, 100, 1.01))
	features := regime.ComputeFeatures(candles)
	state := regime.Classify(candles, features)

	assert.Equal(t, types.RegimeBull, state.Regime)
	assert.InDelta(t, 1.0, state.Confidence, 1e-9)
	assert.InDelta(t, 1.0, state.Signals.SMATrend, 1e-9)
	assert.Equal(t, 1.0, state.Signals.Structure)
	assert.Greater(t, features.TrendStrength, 0.6)
	assertScoresSumToOne(t, state)
}

func TestClassifyStrongDowntrend(t *testing.T) {
	candles := candlesFromCloses(geometric(120, 100, 0.99))
	state := regime.Classify(candles, regime.ComputeFeatures(candles))

	assert.Equal(t, types.RegimeBear, state.Regime)
	assert.InDelta(t, 1.0, state.Confidence, 1e-9)
	assert.Equal(t, -1.0, state.Signals.Structure)
	assertScoresSumToOne(t, state)
}

func TestClassifyFlatMarketIsSideways(t *testing.T) {
	candles := candlesFromCloses(flat(80, 100))
	state := regime.Classify(candles, regime.ComputeFeatures(candles))

	assert.Equal(t, types.RegimeSideways, state.Regime)
	assert.InDelta(t, 1.0, state.SidewaysScore, 1e-9)
	assert.InDelta(t, state.SidewaysScore, state.Confidence, 1e-9)
	assertScoresSumToOne(t, state)
}

func TestTrendStrengthTieGoesSideways(t *testing.T) {
	candles := candlesFromCloses(flat(60, 100))
	state := regime.Classify(candles, types.RegimeFeatures{TrendStrength: 0.95})

	assert.Zero(t, state.BullScore)
	assert.Zero(t, state.BearScore)
	assert.InDelta(t, 1.0, state.SidewaysScore, 1e-9)
}

func TestModerateMomentumScoresPartially(t *testing.T) {
	// 3% rise over the last 20 candles on an otherwise flat series.
	closes := flat(60, 100)
	for i := 40; i < 60; i++ {
		closes[i] = 100 + 3*float64(i-39)/20
	}
	candles := candlesFromCloses(closes)
	state := regime.Classify(candles, types.RegimeFeatures{})

	assert.InDelta(t, 3.0, state.Signals.MomentumPercent, 1e-9)
	assert.GreaterOrEqual(t, state.BullScore, 0.3*0.6-1e-9)
	assertScoresSumToOne(t, state)
}

func TestScoresAlwaysSumToOne(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		closes := make([]float64, 50+rng.Intn(200))
		v := 100.0
		for i := range closes {
			v *= 1 + (rng.Float64()-0.5)*0.06
			closes[i] = v
		}
		candles := candlesFromCloses(closes)
		state := regime.Classify(candles, regime.ComputeFeatures(candles))

		assertScoresSumToOne(t, state)
		assert.GreaterOrEqual(t, state.Confidence, 0.0)
		assert.LessOrEqual(t, state.Confidence, 1.0+1e-9)
		for _, score := range []float64{state.BullScore, state.BearScore, state.SidewaysScore} {
			assert.False(t, math.IsNaN(score))
			assert.GreaterOrEqual(t, score, -1e-9)
		}
	}
}

func TestComputeFeaturesFallsBackForShortHistory(t *testing.T) {
	candles := candlesFromCloses(geometric(60, 100, 1.0))
	features := regime.ComputeFeatures(candles)

	assert.InDelta(t, 100, features.SMA20, 1e-9)
	assert.InDelta(t, 100, features.SMA200, 1e-9)
	assert.Zero(t, features.TrendStrength)
}

func TestADXRequiresEnoughCandles(t *testing.T) {
	candles := candlesFromCloses(geometric(28, 100, 1.01))
	assert.Zero(t, regime.ADX(candles, 14))

	candles = candlesFromCloses(geometric(29, 100, 1.01))
	assert.InDelta(t, 100, regime.ADX(candles, 14), 1e-6)
}

func TestDetectorRemembersLatestState(t *testing.T) {
	d := regime.NewDetector(zap.NewNop(), nil)

	_, ok := d.Current("BTCUSDT")
	require.False(t, ok)

	d.Detect("BTCUSDT", candlesFromCloses(geometric(120, 100, 1.01)))
	state, ok := d.Current("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.RegimeBull, state.Regime)

	d.Detect("BTCUSDT", candlesFromCloses(geometric(120, 100, 0.99)))
	state, _ = d.Current("BTCUSDT")
	assert.Equal(t, types.RegimeBear, state.Regime)
}
