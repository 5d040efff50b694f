// Package signals turns the signals of many prediction bots into one
// consensus recommendation per asset.
package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
	"github.com/atlas-desktop/signal-consensus/pkg/utils"
)

// ConfidenceScope selects which signals feed the averaged confidence.
type ConfidenceScope string

const (
	// ScopeConsensus averages only the signals on the winning side.
	ScopeConsensus ConfidenceScope = "consensus"
	// ScopeAll averages every signal that survived the confidence gate.
	ScopeAll ConfidenceScope = "all"
)

// Config configures the aggregation engine.
type Config struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	MaxConfidence float64 `mapstructure:"max_confidence"`

	TrendMultiplier float64 `mapstructure:"trend_multiplier"`
	RangeMultiplier float64 `mapstructure:"range_multiplier"`

	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
	ConsensusSlope     float64 `mapstructure:"consensus_slope"`

	ContrarianThreshold float64 `mapstructure:"contrarian_threshold"`
	ContrarianSlope     float64 `mapstructure:"contrarian_slope"`
	ContrarianMinBots   int     `mapstructure:"contrarian_min_bots"`

	ConfidenceScope ConfidenceScope `mapstructure:"confidence_scope"`

	DefaultLeverage types.LeverageStats `mapstructure:"default_leverage"`
}

// DefaultConfig returns the standard aggregation parameters.
func DefaultConfig() *Config {
	return &Config{
		MinConfidence:       6,
		MaxConfidence:       10,
		TrendMultiplier:     1.3,
		RangeMultiplier:     1.2,
		ConsensusThreshold:  0.8,
		ConsensusSlope:      0.5,
		ContrarianThreshold: 0.75,
		ContrarianSlope:     0.8,
		ContrarianMinBots:   2,
		ConfidenceScope:     ScopeConsensus,
		DefaultLeverage:     types.LeverageStats{Avg: 5, Min: 1, Max: 10},
	}
}

// Engine aggregates bot signals. It holds no mutable state and is safe for
// concurrent use across assets.
type Engine struct {
	logger   *zap.Logger
	config   *Config
	registry *Registry

	now   func() time.Time
	newID func() string
}

// NewEngine creates an aggregation engine.
func NewEngine(logger *zap.Logger, config *Config, registry *Registry) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		logger:   logger.Named("aggregator"),
		config:   config,
		registry: registry,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
}

// WithClock overrides the time source, for tests and replays.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ValidateSignal checks a signal is usable for aggregation.
func ValidateSignal(s types.BotSignal) error {
	if s.Bot == "" {
		return fmt.Errorf("signal missing bot name")
	}
	switch s.Direction {
	case types.DirectionLong, types.DirectionShort, types.DirectionNeutral:
	default:
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	if s.Confidence < 1 || s.Confidence > 10 || math.IsNaN(s.Confidence) {
		return fmt.Errorf("confidence %.2f outside [1,10]", s.Confidence)
	}
	if !s.Entry.IsPositive() {
		return fmt.Errorf("entry price must be positive")
	}
	return nil
}

// weighted is a signal with its effective weight.
type weighted struct {
	signal types.BotSignal
	weight float64
}

// Aggregate reduces the signals for one asset into a recommendation and the
// pending predictions to track. It returns nil when no usable signal exists.
// A nil weight table weighs every bot at 1.0.
func (e *Engine) Aggregate(
	symbol string,
	signals []types.BotSignal,
	currentPrice decimal.Decimal,
	regime types.MarketRegimeState,
	weights *types.WeightTable,
) (*types.AggregatedRecommendation, []types.BotPrediction) {
	valid := make([]types.BotSignal, 0, len(signals))
	for _, s := range signals {
		if err := ValidateSignal(s); err != nil {
			e.logger.Warn("Dropping invalid signal",
				zap.String("symbol", symbol),
				zap.String("bot", s.Bot),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return nil, nil
	}

	// Confidence gate, falling back to everything when nothing passes.
	surviving := make([]weighted, 0, len(valid))
	for _, s := range valid {
		if s.Confidence >= e.config.MinConfidence {
			surviving = append(surviving, weighted{signal: s})
		}
	}
	if len(surviving) == 0 {
		e.logger.Debug("No signal passed confidence gate, using all",
			zap.String("symbol", symbol),
			zap.Int("signals", len(valid)),
		)
		for _, s := range valid {
			surviving = append(surviving, weighted{signal: s})
		}
	}

	rec := &types.AggregatedRecommendation{
		ID:             e.newID(),
		Symbol:         symbol,
		CurrentPrice:   currentPrice,
		Regime:         regime,
		WeightsVersion: weights.Version(),
		CreatedAt:      e.now(),
	}

	for i := range surviving {
		s := surviving[i].signal
		surviving[i].weight = weights.Weight(s.Bot) *
			e.config.regimeMultiplier(e.registry.StrategyOf(s.Bot), regime.Regime)

		switch s.Direction {
		case types.DirectionLong:
			rec.LongCount++
			rec.LongWeight += surviving[i].weight
		case types.DirectionShort:
			rec.ShortCount++
			rec.ShortWeight += surviving[i].weight
		}
		rec.Bots = append(rec.Bots, s.Bot)
	}

	// Direction by summed weight; a tie goes long.
	var consensus []weighted
	switch {
	case rec.LongCount == 0 && rec.ShortCount == 0:
		rec.Direction = types.DirectionNeutral
		consensus = surviving
	case rec.LongWeight >= rec.ShortWeight:
		rec.Direction = types.DirectionLong
		consensus = onSide(surviving, types.DirectionLong)
	default:
		rec.Direction = types.DirectionShort
		consensus = onSide(surviving, types.DirectionShort)
	}

	rec.ConsensusBoost = e.consensusBoost(len(consensus), len(surviving), rec.Direction)
	rec.ContrarianBoost = e.contrarianBoost(surviving)

	scope := consensus
	if e.config.ConfidenceScope == ScopeAll {
		scope = surviving
	}
	rec.AvgConfidence = math.Min(
		weightedConfidence(scope)*rec.ConsensusBoost*rec.ContrarianBoost,
		e.config.MaxConfidence,
	)

	rec.Entry = median(consensus, func(s types.BotSignal) decimal.Decimal { return s.Entry })
	rec.TakeProfit = median(consensus, func(s types.BotSignal) decimal.Decimal { return s.TakeProfit })
	rec.StopLoss = median(consensus, func(s types.BotSignal) decimal.Decimal { return s.StopLoss })

	rec.Price24h = projection(surviving, currentPrice, func(s types.BotSignal) *decimal.Decimal { return s.Price24h })
	rec.Price48h = projection(surviving, currentPrice, func(s types.BotSignal) *decimal.Decimal { return s.Price48h })
	rec.Price7d = projection(surviving, currentPrice, func(s types.BotSignal) *decimal.Decimal { return s.Price7d })

	rec.Leverage = e.leverage(surviving)

	predictions := make([]types.BotPrediction, 0, len(surviving))
	for _, w := range surviving {
		s := w.signal
		if !s.Direction.IsDirectional() {
			continue
		}
		leverage := e.config.DefaultLeverage.Avg
		if s.Leverage != nil {
			leverage = *s.Leverage
		}
		predictions = append(predictions, types.BotPrediction{
			ID:         e.newID(),
			Bot:        s.Bot,
			Symbol:     symbol,
			Direction:  s.Direction,
			Confidence: s.Confidence,
			Entry:      s.Entry,
			Target:     s.TakeProfit,
			StopLoss:   s.StopLoss,
			Leverage:   leverage,
			CreatedAt:  rec.CreatedAt,
			Outcome:    types.Outcome{Status: types.OutcomePending},
		})
	}

	e.logger.Debug("Aggregated signals",
		zap.String("symbol", symbol),
		zap.String("direction", string(rec.Direction)),
		zap.Float64("confidence", rec.AvgConfidence),
		zap.Int("long", rec.LongCount),
		zap.Int("short", rec.ShortCount),
		zap.String("regime", string(regime.Regime)),
	)

	return rec, predictions
}

// consensusBoost rewards a lopsided vote count.
func (e *Engine) consensusBoost(side, total int, direction types.Direction) float64 {
	if total == 0 || !direction.IsDirectional() {
		return 1.0
	}
	fraction := float64(side) / float64(total)
	if fraction < e.config.ConsensusThreshold {
		return 1.0
	}
	return 1 + (fraction-e.config.ConsensusThreshold)*e.config.ConsensusSlope
}

// contrarianBoost rewards contrarian bots that agree with each other, on
// whichever side they agree.
func (e *Engine) contrarianBoost(surviving []weighted) float64 {
	var long, short int
	for _, w := range surviving {
		if !e.registry.StrategyOf(w.signal.Bot).IsContrarian() {
			continue
		}
		switch w.signal.Direction {
		case types.DirectionLong:
			long++
		case types.DirectionShort:
			short++
		}
	}
	fired := long + short
	if fired == 0 || fired < e.config.ContrarianMinBots {
		return 1.0
	}

	agreement := float64(max(long, short)) / float64(fired)
	if agreement < e.config.ContrarianThreshold {
		return 1.0
	}
	return 1 + (agreement-e.config.ContrarianThreshold)*e.config.ContrarianSlope
}

// leverage summarises every supplied leverage value, on either side.
func (e *Engine) leverage(surviving []weighted) types.LeverageStats {
	var (
		n     int
		sum   float64
		stats types.LeverageStats
	)
	for _, w := range surviving {
		if w.signal.Leverage == nil {
			continue
		}
		lev := *w.signal.Leverage
		if n == 0 || lev < stats.Min {
			stats.Min = lev
		}
		if n == 0 || lev > stats.Max {
			stats.Max = lev
		}
		sum += lev
		n++
	}
	if n == 0 {
		return e.config.DefaultLeverage
	}
	stats.Avg = sum / float64(n)
	return stats
}

func onSide(ws []weighted, d types.Direction) []weighted {
	out := make([]weighted, 0, len(ws))
	for _, w := range ws {
		if w.signal.Direction == d {
			out = append(out, w)
		}
	}
	return out
}

// weightedConfidence is the weight-averaged confidence, or the plain mean when all weights are zero.
func weightedConfidence(ws []weighted) float64 {
	if len(ws) == 0 {
		return 0
	}
	var num, den, plain float64
	for _, w := range ws {
		num += w.signal.Confidence * w.weight
		den += w.weight
		plain += w.signal.Confidence
	}
	if den == 0 {
		return plain / float64(len(ws))
	}
	return num / den
}

// median ignores zero values, which mark a bracket the bot did not supply.
func median(ws []weighted, field func(types.BotSignal) decimal.Decimal) decimal.Decimal {
	values := make([]decimal.Decimal, 0, len(ws))
	for _, w := range ws {
		if v := field(w.signal); !v.IsZero() {
			values = append(values, v)
		}
	}
	return utils.Median(values)
}

// projection is the weight-averaged projection, substituting fallback for bots that gave none.
func projection(ws []weighted, fallback decimal.Decimal, field func(types.BotSignal) *decimal.Decimal) decimal.Decimal {
	if len(ws) == 0 {
		return fallback
	}
	num := decimal.Zero
	den := decimal.Zero
	for _, w := range ws {
		v := fallback
		if p := field(w.signal); p != nil {
			v = *p
		}
		weight := decimal.NewFromFloat(w.weight)
		num = num.Add(v.Mul(weight))
		den = den.Add(weight)
	}
	if den.IsZero() {
		return fallback
	}
	return num.Div(den)
}
