package signals_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/signals"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

var (
	fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sideways = types.MarketRegimeState{Regime: types.RegimeSideways, Confidence: 0.7, SidewaysScore: 0.7, BullScore: 0.3}
	bull     = types.MarketRegimeState{Regime: types.RegimeBull, Confidence: 0.8, BullScore: 0.8, SidewaysScore: 0.2}
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func dp(v float64) *decimal.Decimal {
	x := decimal.NewFromFloat(v)
	return &x
}

func lev(v float64) *float64 { return &v }

func sig(bot string, dir types.Direction, conf, entry, tp, sl float64) types.BotSignal {
	return types.BotSignal{
		Bot:        bot,
		Symbol:     "BTCUSDT",
		Direction:  dir,
		Confidence: conf,
		Entry:      d(entry),
		TakeProfit: d(tp),
		StopLoss:   d(sl),
	}
}

func newEngine(cfg *signals.Config, regs ...signals.Registration) *signals.Engine {
	return signals.NewEngine(zap.NewNop(), cfg, signals.NewRegistry(regs...)).
		WithClock(func() time.Time { return fixedNow })
}

func TestAggregateThreeBotScenario(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 8, 100, 110, 95),
		sig("B", types.DirectionLong, 7, 100, 108, 96),
		sig("C", types.DirectionShort, 6, 100, 92, 104),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)

	assert.Equal(t, types.DirectionLong, rec.Direction)
	assert.InDelta(t, 7.5, rec.AvgConfidence, 1e-9)
	assert.True(t, rec.TakeProfit.Equal(d(109)), "tp %s", rec.TakeProfit)
	assert.True(t, rec.StopLoss.Equal(d(95.5)), "sl %s", rec.StopLoss)
	assert.True(t, rec.Entry.Equal(d(100)))
	assert.Equal(t, 2, rec.LongCount)
	assert.Equal(t, 1, rec.ShortCount)
	assert.InDelta(t, 2.0, rec.LongWeight, 1e-9)
	assert.InDelta(t, 1.0, rec.ShortWeight, 1e-9)
	assert.Equal(t, 1.0, rec.ConsensusBoost)
	assert.Equal(t, 1.0, rec.ContrarianBoost)
	assert.Equal(t, fixedNow, rec.CreatedAt)

	require.Len(t, preds, 3)
	for _, p := range preds {
		assert.Equal(t, types.OutcomePending, p.Outcome.Status)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, fixedNow, p.CreatedAt)
	}
}

func TestAggregateEmptyInputReturnsNil(t *testing.T) {
	e := newEngine(nil)

	rec, preds := e.Aggregate("BTCUSDT", nil, d(100), sideways, nil)
	assert.Nil(t, rec)
	assert.Nil(t, preds)
}

func TestAggregateDropsInvalidSignals(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("bad-conf", types.DirectionShort, 11, 100, 90, 105),
		sig("bad-entry", types.DirectionShort, 9, 0, 90, 105),
		sig("ok", types.DirectionLong, 7, 100, 110, 95),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionLong, rec.Direction)
	assert.Equal(t, []string{"ok"}, rec.Bots)
	assert.Len(t, preds, 1)

	rec, _ = e.Aggregate("BTCUSDT", in[:2], d(100), sideways, nil)
	assert.Nil(t, rec)
}

func TestConfidenceGateFallsBackToAllSignals(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionShort, 4, 100, 90, 105),
		sig("B", types.DirectionShort, 3, 100, 92, 104),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionShort, rec.Direction)
	assert.Len(t, preds, 2)
	assert.Equal(t, 2, rec.ShortCount)
}

func TestConfidenceGateFiltersLowConfidence(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 7, 100, 110, 95),
		sig("B", types.DirectionShort, 5, 100, 90, 105),
		sig("C", types.DirectionShort, 5, 100, 90, 105),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionLong, rec.Direction)
	assert.Equal(t, 0, rec.ShortCount)
	assert.Len(t, preds, 1)
}

func TestTieResolvesToLong(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 7, 100, 110, 95),
		sig("B", types.DirectionShort, 7, 100, 90, 105),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionLong, rec.Direction)
}

func TestWeightsDecideDirection(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 7, 100, 110, 95),
		sig("B", types.DirectionLong, 7, 100, 110, 95),
		sig("C", types.DirectionShort, 7, 100, 90, 105),
	}
	weights := types.NewWeightTable(4, fixedNow, map[string]float64{"A": 0.4, "B": 0.4, "C": 1.9})

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, weights)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionShort, rec.Direction)
	assert.Equal(t, int64(4), rec.WeightsVersion)
}

func TestRegimeMultiplierUsesRegistryStrategyType(t *testing.T) {
	e := newEngine(nil,
		signals.Registration{Name: "trender", StrategyType: signals.StrategyTrend},
		signals.Registration{Name: "ranger", StrategyType: signals.StrategyRange},
	)
	in := []types.BotSignal{
		sig("trender", types.DirectionLong, 7, 100, 110, 95),
		sig("ranger", types.DirectionShort, 7, 100, 90, 105),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 1.3, rec.LongWeight, 1e-9)
	assert.InDelta(t, 1.0, rec.ShortWeight, 1e-9)
	assert.Equal(t, types.DirectionLong, rec.Direction)

	rec, _ = e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 1.0, rec.LongWeight, 1e-9)
	assert.InDelta(t, 1.2, rec.ShortWeight, 1e-9)
	assert.Equal(t, types.DirectionShort, rec.Direction)
}

func TestBotNameAloneDoesNotSetStrategy(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("trend-follower", types.DirectionLong, 7, 100, 110, 95),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 1.0, rec.LongWeight, 1e-9)
}

func TestStrongConsensusBoost(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 8, 100, 110, 95),
		sig("B", types.DirectionLong, 8, 100, 110, 95),
		sig("C", types.DirectionLong, 8, 100, 110, 95),
		sig("D", types.DirectionLong, 8, 100, 110, 95),
		sig("E", types.DirectionShort, 8, 100, 90, 105),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 1.0, rec.ConsensusBoost, 1e-9) // exactly 0.8

	in[4].Direction = types.DirectionLong
	rec, _ = e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 1.1, rec.ConsensusBoost, 1e-9)
	assert.InDelta(t, 8.8, rec.AvgConfidence, 1e-9)
}

func TestConsensusBoostSweep(t *testing.T) {
	e := newEngine(nil)
	const total = 20

	prev := 1.0
	for long := total / 2; long <= total; long++ {
		in := make([]types.BotSignal, 0, total)
		for i := 0; i < total; i++ {
			dir := types.DirectionShort
			if i < long {
				dir = types.DirectionLong
			}
			in = append(in, sig(fmt.Sprintf("bot-%d", i), dir, 7, 100, 110, 95))
		}

		rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
		require.NotNil(t, rec)
		require.Equal(t, types.DirectionLong, rec.Direction)

		fraction := float64(long) / total
		if fraction < 0.8 {
			assert.Equal(t, 1.0, rec.ConsensusBoost, "fraction %.2f", fraction)
			continue
		}
		assert.InDelta(t, 1+(fraction-0.8)*0.5, rec.ConsensusBoost, 1e-9, "fraction %.2f", fraction)
		assert.GreaterOrEqual(t, rec.ConsensusBoost, prev, "fraction %.2f", fraction)
		prev = rec.ConsensusBoost
	}
	assert.InDelta(t, 1.1, prev, 1e-9)
}

func TestContrarianBoost(t *testing.T) {
	e := newEngine(nil,
		signals.Registration{Name: "rsi", StrategyType: signals.StrategyOscillator},
		signals.Registration{Name: "bands", StrategyType: signals.StrategyMeanReversion},
		signals.Registration{Name: "stoch", StrategyType: signals.StrategyOscillator},
	)
	in := []types.BotSignal{
		sig("rsi", types.DirectionShort, 7, 100, 90, 105),
		sig("bands", types.DirectionShort, 7, 100, 90, 105),
		sig("stoch", types.DirectionShort, 7, 100, 90, 105),
		sig("x", types.DirectionLong, 7, 100, 110, 95),
		sig("y", types.DirectionLong, 7, 100, 110, 95),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	// Range bots get no bonus in a BULL market, so shorts carry 3.0 against 2.0.
	assert.Equal(t, types.DirectionShort, rec.Direction)
	assert.InDelta(t, 1.2, rec.ContrarianBoost, 1e-9)
	assert.InDelta(t, 8.4, rec.AvgConfidence, 1e-9)
}

func TestContrarianBoostWhenContrariansOpposeConsensus(t *testing.T) {
	e := newEngine(nil,
		signals.Registration{Name: "rsi", StrategyType: signals.StrategyOscillator},
		signals.Registration{Name: "stoch", StrategyType: signals.StrategyOscillator},
	)
	in := []types.BotSignal{
		sig("rsi", types.DirectionShort, 7, 100, 90, 105),
		sig("stoch", types.DirectionShort, 7, 100, 90, 105),
		sig("x", types.DirectionLong, 7, 100, 110, 95),
		sig("y", types.DirectionLong, 7, 100, 110, 95),
		sig("z", types.DirectionLong, 7, 100, 110, 95),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionLong, rec.Direction)
	assert.InDelta(t, 1.2, rec.ContrarianBoost, 1e-9)
	assert.InDelta(t, 8.4, rec.AvgConfidence, 1e-9)
}

func TestContrarianBoostNeedsAgreement(t *testing.T) {
	e := newEngine(nil,
		signals.Registration{Name: "rsi", StrategyType: signals.StrategyOscillator},
		signals.Registration{Name: "stoch", StrategyType: signals.StrategyOscillator},
	)
	in := []types.BotSignal{
		sig("rsi", types.DirectionShort, 7, 100, 90, 105),
		sig("stoch", types.DirectionLong, 7, 100, 110, 95),
		sig("x", types.DirectionLong, 7, 100, 110, 95),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	assert.Equal(t, 1.0, rec.ContrarianBoost)
}

func TestContrarianBoostNeedsTwoBots(t *testing.T) {
	e := newEngine(nil, signals.Registration{Name: "rsi", StrategyType: signals.StrategyOscillator})
	in := []types.BotSignal{
		sig("rsi", types.DirectionLong, 7, 100, 110, 95),
		sig("x", types.DirectionShort, 7, 100, 90, 105),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), bull, nil)
	require.NotNil(t, rec)
	assert.Equal(t, 1.0, rec.ContrarianBoost)
}

func TestConfidenceIsCappedAtTen(t *testing.T) {
	e := newEngine(nil,
		signals.Registration{Name: "A", StrategyType: signals.StrategyOscillator},
		signals.Registration{Name: "B", StrategyType: signals.StrategyOscillator},
	)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 10, 100, 110, 95),
		sig("B", types.DirectionLong, 10, 100, 110, 95),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, 10.0, rec.AvgConfidence)
}

func TestConfidenceScopeAll(t *testing.T) {
	cfg := signals.DefaultConfig()
	cfg.ConfidenceScope = signals.ScopeAll
	e := newEngine(cfg)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 8, 100, 110, 95),
		sig("B", types.DirectionLong, 7, 100, 108, 96),
		sig("C", types.DirectionShort, 6, 100, 92, 104),
	}

	rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.InDelta(t, 7.0, rec.AvgConfidence, 1e-9)
}

func TestProjectionsAndLeverage(t *testing.T) {
	e := newEngine(nil)
	a := sig("A", types.DirectionLong, 8, 100, 110, 95)
	a.Price24h = dp(104)
	a.Leverage = lev(3)
	b := sig("B", types.DirectionLong, 7, 100, 108, 96)
	b.Leverage = lev(7)

	weights := types.NewWeightTable(1, fixedNow, map[string]float64{"A": 1.5, "B": 0.5})
	rec, preds := e.Aggregate("BTCUSDT", []types.BotSignal{a, b}, d(100), sideways, weights)
	require.NotNil(t, rec)

	// (104*1.5 + 100*0.5) / 2
	assert.True(t, rec.Price24h.Equal(d(103)), "24h %s", rec.Price24h)
	assert.True(t, rec.Price7d.Equal(d(100)), "7d %s", rec.Price7d)
	assert.Equal(t, types.LeverageStats{Avg: 5, Min: 3, Max: 7}, rec.Leverage)

	require.Len(t, preds, 2)
	assert.Equal(t, 3.0, preds[0].Leverage)
	assert.Equal(t, 7.0, preds[1].Leverage)
}

func TestLeverageCoversBothSides(t *testing.T) {
	e := newEngine(nil)
	a := sig("A", types.DirectionLong, 8, 100, 110, 95)
	a.Leverage = lev(3)
	b := sig("B", types.DirectionLong, 7, 100, 108, 96)
	b.Leverage = lev(5)
	c := sig("C", types.DirectionShort, 7, 100, 90, 105)
	c.Leverage = lev(20)

	rec, _ := e.Aggregate("BTCUSDT", []types.BotSignal{a, b, c}, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionLong, rec.Direction)
	assert.InDelta(t, 28.0/3, rec.Leverage.Avg, 1e-9)
	assert.Equal(t, 3.0, rec.Leverage.Min)
	assert.Equal(t, 20.0, rec.Leverage.Max)
}

func TestMedianBracketsIgnoreOutliers(t *testing.T) {
	e := newEngine(nil)
	base := func() []types.BotSignal {
		return []types.BotSignal{
			sig("A", types.DirectionLong, 7, 100, 105, 91),
			sig("B", types.DirectionLong, 7, 100, 106, 92),
			sig("C", types.DirectionLong, 7, 100, 107, 93),
			sig("D", types.DirectionLong, 7, 100, 108, 94),
			sig("E", types.DirectionLong, 7, 100, 109, 95),
		}
	}

	rec, _ := e.Aggregate("BTCUSDT", base(), d(100), sideways, nil)
	require.NotNil(t, rec)
	require.True(t, rec.TakeProfit.Equal(d(107)))
	require.True(t, rec.StopLoss.Equal(d(93)))

	for i := range base() {
		for _, extreme := range []float64{1_000_000, 0.0001} {
			in := base()
			in[i].TakeProfit = d(extreme)
			in[i].StopLoss = d(extreme)

			rec, _ := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
			require.NotNil(t, rec)
			assert.Contains(t, []string{"106", "107", "108"}, rec.TakeProfit.String(), "tp with signal %d at %v", i, extreme)
			assert.Contains(t, []string{"92", "93", "94"}, rec.StopLoss.String(), "sl with signal %d at %v", i, extreme)
		}
	}
}

func TestDefaultLeverageWhenNoneSupplied(t *testing.T) {
	e := newEngine(nil)
	rec, preds := e.Aggregate("BTCUSDT", []types.BotSignal{sig("A", types.DirectionLong, 8, 100, 110, 95)}, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.LeverageStats{Avg: 5, Min: 1, Max: 10}, rec.Leverage)
	assert.Equal(t, 5.0, preds[0].Leverage)
}

func TestNeutralSignalsCreateNoPredictions(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionLong, 8, 100, 110, 95),
		sig("B", types.DirectionNeutral, 8, 100, 0, 0),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	require.Len(t, preds, 1)
	assert.Equal(t, "A", preds[0].Bot)
	assert.Equal(t, []string{"A", "B"}, rec.Bots)
}

func TestAllNeutralYieldsNeutralRecommendation(t *testing.T) {
	e := newEngine(nil)
	in := []types.BotSignal{
		sig("A", types.DirectionNeutral, 8, 100, 0, 0),
		sig("B", types.DirectionNeutral, 6, 100, 0, 0),
	}

	rec, preds := e.Aggregate("BTCUSDT", in, d(100), sideways, nil)
	require.NotNil(t, rec)
	assert.Equal(t, types.DirectionNeutral, rec.Direction)
	assert.InDelta(t, 7.0, rec.AvgConfidence, 1e-9)
	assert.Empty(t, preds)
}

func TestValidateSignal(t *testing.T) {
	ok := sig("A", types.DirectionLong, 5, 100, 110, 95)
	assert.NoError(t, signals.ValidateSignal(ok))

	cases := map[string]func(s *types.BotSignal){
		"no bot":        func(s *types.BotSignal) { s.Bot = "" },
		"low conf":      func(s *types.BotSignal) { s.Confidence = 0.5 },
		"high conf":     func(s *types.BotSignal) { s.Confidence = 10.5 },
		"zero entry":    func(s *types.BotSignal) { s.Entry = decimal.Zero },
		"bad direction": func(s *types.BotSignal) { s.Direction = "sideways" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := ok
			mutate(&s)
			assert.Error(t, signals.ValidateSignal(s))
		})
	}
}
