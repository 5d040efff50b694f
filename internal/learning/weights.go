// Package learning turns resolved prediction outcomes into per-bot trust weights.
package learning

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// Config holds the weight formula parameters.
type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	Lookback    time.Duration `mapstructure:"lookback"` // zero uses the full history
	MinResolved int           `mapstructure:"min_resolved"`

	HighAccuracy float64 `mapstructure:"high_accuracy"`
	HighSlope    float64 `mapstructure:"high_slope"`
	Ceiling      float64 `mapstructure:"ceiling"`
	LowAccuracy  float64 `mapstructure:"low_accuracy"`
	LowSlope     float64 `mapstructure:"low_slope"`
	Floor        float64 `mapstructure:"floor"`

	ProfitThreshold  float64 `mapstructure:"profit_threshold"` // percent
	ProfitAdjustment float64 `mapstructure:"profit_adjustment"`

	Decay     float64 `mapstructure:"decay"`
	MinWeight float64 `mapstructure:"min_weight"`
	MaxWeight float64 `mapstructure:"max_weight"`
}

// DefaultConfig returns the production weight formula.
func DefaultConfig() Config {
	return Config{
		Interval:         24 * time.Hour,
		MinResolved:      10,
		HighAccuracy:     0.60,
		HighSlope:        2.0,
		Ceiling:          1.8,
		LowAccuracy:      0.40,
		LowSlope:         1.5,
		Floor:            0.4,
		ProfitThreshold:  2.0,
		ProfitAdjustment: 0.1,
		Decay:            0.95,
		MinWeight:        0.3,
		MaxWeight:        2.0,
	}
}

// BotStats is one bot's tally for a weighting pass.
type BotStats struct {
	Bot           string
	Total         int
	Wins          int
	Losses        int
	Pending       int
	Neutral       int
	Expired       int
	Accuracy      float64
	AvgProfitLoss float64
	Eligible      bool
	Target        float64
	Weight        float64

	profitSum float64
}

// Resolved is the number of win or loss outcomes.
func (s BotStats) Resolved() int { return s.Wins + s.Losses }

// Tally groups predictions per bot and counts outcomes. Only wins and losses
// feed accuracy and average P/L; the other statuses count toward volume.
func Tally(predictions []types.BotPrediction) map[string]*BotStats {
	stats := make(map[string]*BotStats)
	for _, p := range predictions {
		s, ok := stats[p.Bot]
		if !ok {
			s = &BotStats{Bot: p.Bot}
			stats[p.Bot] = s
		}
		s.Total++
		switch p.Outcome.Status {
		case types.OutcomeWin:
			s.Wins++
			s.profitSum += p.Outcome.ProfitLossPercent
		case types.OutcomeLoss:
			s.Losses++
			s.profitSum += p.Outcome.ProfitLossPercent
		case types.OutcomeNeutral:
			s.Neutral++
		case types.OutcomeExpired:
			s.Expired++
		default:
			s.Pending++
		}
	}
	for _, s := range stats {
		if n := s.Resolved(); n > 0 {
			s.Accuracy = float64(s.Wins) / float64(n)
			s.AvgProfitLoss = s.profitSum / float64(n)
		}
	}
	return stats
}

// TargetWeight maps accuracy and average P/L to the weight a bot is pulled toward.
func (c Config) TargetWeight(accuracy, avgProfitLoss float64) float64 {
	target := 1.0
	switch {
	case accuracy >= c.HighAccuracy:
		target = math.Min(1+(accuracy-c.HighAccuracy)*c.HighSlope, c.Ceiling)
	case accuracy < c.LowAccuracy:
		target = math.Max(1-(c.LowAccuracy-accuracy)*c.LowSlope, c.Floor)
	}

	switch {
	case avgProfitLoss > c.ProfitThreshold:
		target += c.ProfitAdjustment
	case avgProfitLoss < -c.ProfitThreshold:
		target -= c.ProfitAdjustment
	}
	return target
}

// Smooth blends the previous weight toward target and clamps the result.
func (c Config) Smooth(previous, target float64) float64 {
	w := c.Decay*previous + (1-c.Decay)*target
	return math.Max(c.MinWeight, math.Min(c.MaxWeight, w))
}

// RecomputeWeights produces the next weight for every bot seen in
// predictions or in the previous table. Bots below MinResolved get the
// default weight; bots absent from predictions keep their previous weight.
func RecomputeWeights(predictions []types.BotPrediction, previous *types.WeightTable, cfg Config) (map[string]float64, []BotStats) {
	tallies := Tally(predictions)
	weights := previous.Weights()

	bots := make([]string, 0, len(tallies))
	for bot := range tallies {
		bots = append(bots, bot)
	}
	sort.Strings(bots)

	stats := make([]BotStats, 0, len(bots))
	for _, bot := range bots {
		s := tallies[bot]
		if s.Resolved() >= cfg.MinResolved {
			s.Eligible = true
			s.Target = cfg.TargetWeight(s.Accuracy, s.AvgProfitLoss)
			s.Weight = cfg.Smooth(previous.Weight(bot), s.Target)
		} else {
			s.Target = types.DefaultWeight
			s.Weight = types.DefaultWeight
		}
		weights[bot] = s.Weight
		stats = append(stats, *s)
	}
	return weights, stats
}
