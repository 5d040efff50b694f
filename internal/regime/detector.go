// Package regime classifies market conditions as BULL, BEAR or SIDEWAYS from
// recent candles and a small precomputed feature vector. The label is used by
// the aggregation engine to favour strategy types that suit the market.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// MinCandles is the minimum history needed for a directional verdict.
const MinCandles = 50

// Config holds the classifier weights and thresholds.
type Config struct {
	SMAWeight           float64 `mapstructure:"sma_weight"`
	MomentumWeight      float64 `mapstructure:"momentum_weight"`
	TrendStrengthWeight float64 `mapstructure:"trend_strength_weight"`
	StructureWeight     float64 `mapstructure:"structure_weight"`

	// SMAThreshold is the |alignment| above which the SMA vote is directional.
	SMAThreshold           float64 `mapstructure:"sma_threshold"`
	// MomentumThreshold and MomentumSaturation are percentages.
	MomentumThreshold      float64 `mapstructure:"momentum_threshold"`
	MomentumSaturation     float64 `mapstructure:"momentum_saturation"`
	TrendStrengthThreshold float64 `mapstructure:"trend_strength_threshold"`
	// RegimeThreshold is the score needed to call BULL or BEAR.
	RegimeThreshold        float64 `mapstructure:"regime_threshold"`

	MomentumLookback  int `mapstructure:"momentum_lookback"`
	StructureLookback int `mapstructure:"structure_lookback"`
}

// DefaultConfig returns the standard classifier parameters.
func DefaultConfig() *Config {
	return &Config{
		SMAWeight:              0.4,
		MomentumWeight:         0.3,
		TrendStrengthWeight:    0.15,
		StructureWeight:        0.15,
		SMAThreshold:           0.3,
		MomentumThreshold:      2.0,
		MomentumSaturation:     5.0,
		TrendStrengthThreshold: 0.6,
		RegimeThreshold:        0.6,
		MomentumLookback:       20,
		StructureLookback:      30,
	}
}

// Classify labels the market using the default configuration.
func Classify(candles []types.OHLCV, features types.RegimeFeatures) types.MarketRegimeState {
	return DefaultConfig().Classify(candles, features)
}

// Classify labels the market from candles (oldest first) and features.
// The three scores always sum to 1.
func (c *Config) Classify(candles []types.OHLCV, features types.RegimeFeatures) types.MarketRegimeState {
	if len(candles) < MinCandles {
		return types.MarketRegimeState{
			Regime:        types.RegimeSideways,
			Confidence:    0.5,
			SidewaysScore: 1.0,
			Signals:       types.RegimeSignals{TrendStrength: features.TrendStrength},
			ClassifiedAt:  lastTimestamp(candles),
		}
	}

	var bull, bear, sideways float64
	price := candles[len(candles)-1].Close.InexactFloat64()

	// SMA alignment
	s := smaAlignment(price, features)
	switch {
	case s > c.SMAThreshold:
		bull += c.SMAWeight * s
		sideways += c.SMAWeight * (1 - s)
	case s < -c.SMAThreshold:
		bear += c.SMAWeight * -s
		sideways += c.SMAWeight * (1 + s)
	default:
		sideways += c.SMAWeight
	}

	// Momentum
	momentum := percentChange(candles, c.MomentumLookback)
	switch {
	case momentum > c.MomentumThreshold:
		part := math.Min(momentum/c.MomentumSaturation, 1)
		bull += c.MomentumWeight * part
		sideways += c.MomentumWeight * (1 - part)
	case momentum < -c.MomentumThreshold:
		part := math.Min(-momentum/c.MomentumSaturation, 1)
		bear += c.MomentumWeight * part
		sideways += c.MomentumWeight * (1 - part)
	default:
		sideways += c.MomentumWeight
	}

	// Trend strength goes to whichever side already leads
	switch {
	case features.TrendStrength > c.TrendStrengthThreshold && bull > bear:
		bull += c.TrendStrengthWeight
	case features.TrendStrength > c.TrendStrengthThreshold && bear > bull:
		bear += c.TrendStrengthWeight
	default:
		sideways += c.TrendStrengthWeight
	}

	// Market structure
	st := structure(candles, c.StructureLookback)
	switch {
	case st > 0:
		bull += c.StructureWeight * st
		sideways += c.StructureWeight * (1 - st)
	case st < 0:
		bear += c.StructureWeight * -st
		sideways += c.StructureWeight * (1 + st)
	default:
		sideways += c.StructureWeight
	}

	state := types.MarketRegimeState{
		BullScore:     bull,
		BearScore:     bear,
		SidewaysScore: sideways,
		Signals: types.RegimeSignals{
			SMATrend:        s,
			MomentumPercent: momentum,
			TrendStrength:   features.TrendStrength,
			Structure:       st,
		},
		ClassifiedAt: lastTimestamp(candles),
	}

	switch {
	case bull > c.RegimeThreshold:
		state.Regime = types.RegimeBull
		state.Confidence = bull
	case bear > c.RegimeThreshold:
		state.Regime = types.RegimeBear
		state.Confidence = bear
	default:
		state.Regime = types.RegimeSideways
		state.Confidence = sideways
	}

	return state
}

// smaAlignment is +1/3 for each moving average below price and -1/3 for each above.
func smaAlignment(price float64, f types.RegimeFeatures) float64 {
	var s float64
	for _, sma := range []float64{f.SMA20, f.SMA50, f.SMA200} {
		if sma <= 0 {
			continue
		}
		switch {
		case price > sma:
			s += 1.0 / 3.0
		case price < sma:
			s -= 1.0 / 3.0
		}
	}
	return s
}

// percentChange returns the close-to-close % change over the trailing lookback candles.
func percentChange(candles []types.OHLCV, lookback int) float64 {
	if len(candles) <= lookback {
		return 0
	}
	past := candles[len(candles)-1-lookback].Close.InexactFloat64()
	if past == 0 {
		return 0
	}
	last := candles[len(candles)-1].Close.InexactFloat64()
	return (last - past) / past * 100
}

// structure scores higher highs / lower lows over the trailing window split
// into thirds, returning a value in [-1, 1].
func structure(candles []types.OHLCV, lookback int) float64 {
	if len(candles) < lookback || lookback < 3 {
		return 0
	}
	window := candles[len(candles)-lookback:]
	seg := lookback / 3

	highs := make([]float64, 3)
	lows := make([]float64, 3)
	for i := 0; i < 3; i++ {
		part := window[i*seg : (i+1)*seg]
		highs[i], lows[i] = part[0].High.InexactFloat64(), part[0].Low.InexactFloat64()
		for _, c := range part[1:] {
			highs[i] = math.Max(highs[i], c.High.InexactFloat64())
			lows[i] = math.Min(lows[i], c.Low.InexactFloat64())
		}
	}

	if highs[0] < highs[1] && highs[1] < highs[2] {
		return 1
	}
	if lows[0] > lows[1] && lows[1] > lows[2] {
		return -1
	}
	if highs[0] == 0 || lows[0] == 0 {
		return 0
	}

	highPct := (highs[2] - highs[0]) / highs[0] * 100
	lowPct := (lows[2] - lows[0]) / lows[0] * 100
	return clamp(0.5*highPct+0.5*lowPct, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func lastTimestamp(candles []types.OHLCV) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].Timestamp
}

// Detector classifies symbols and keeps the latest state per symbol.
type Detector struct {
	logger *zap.Logger
	config *Config

	mu      sync.RWMutex
	current map[string]types.MarketRegimeState
}

// NewDetector creates a detector
func NewDetector(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		logger:  logger.Named("regime"),
		config:  config,
		current: make(map[string]types.MarketRegimeState),
	}
}

// Detect computes features from candles, classifies, and remembers the result.
func (d *Detector) Detect(symbol string, candles []types.OHLCV) types.MarketRegimeState {
	state := d.config.Classify(candles, ComputeFeatures(candles))

	d.mu.Lock()
	prev, seen := d.current[symbol]
	d.current[symbol] = state
	d.mu.Unlock()

	if seen && prev.Regime != state.Regime {
		d.logger.Info("Regime change",
			zap.String("symbol", symbol),
			zap.String("from", string(prev.Regime)),
			zap.String("to", string(state.Regime)),
			zap.Float64("confidence", state.Confidence),
		)
	}

	return state
}

// Current returns the last classified state for symbol.
func (d *Detector) Current(symbol string) (types.MarketRegimeState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state, ok := d.current[symbol]
	return state, ok
}
