// Package types provides shared type definitions for the consensus engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side a bot predicts.
type Direction string

const (
	DirectionLong    Direction = "long"
	DirectionShort   Direction = "short"
	DirectionNeutral Direction = "neutral"
)

// IsDirectional reports whether the direction can win or lose.
func (d Direction) IsDirectional() bool {
	return d == DirectionLong || d == DirectionShort
}

// Timeframe represents candle intervals
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the wall-clock length of one candle.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// OHLCV represents a single candlestick
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// BotSignal is one bot's prediction for one asset in one scan cycle.
// It is consumed by the aggregation engine and never stored as-is.
type BotSignal struct {
	Bot        string           `json:"bot"`
	Symbol     string           `json:"symbol"`
	Direction  Direction        `json:"direction"`
	Confidence float64          `json:"confidence"` // 1-10
	Entry      decimal.Decimal  `json:"entry"`
	TakeProfit decimal.Decimal  `json:"takeProfit"`
	StopLoss   decimal.Decimal  `json:"stopLoss"`
	Leverage   *float64         `json:"leverage,omitempty"`
	Price24h   *decimal.Decimal `json:"price24h,omitempty"`
	Price48h   *decimal.Decimal `json:"price48h,omitempty"`
	Price7d    *decimal.Decimal `json:"price7d,omitempty"`
}

// OutcomeStatus is the lifecycle state of a tracked prediction.
type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeWin     OutcomeStatus = "win"
	OutcomeLoss    OutcomeStatus = "loss"
	OutcomeNeutral OutcomeStatus = "neutral"
	OutcomeExpired OutcomeStatus = "expired"
)

// IsTerminal reports whether the status can no longer change.
func (s OutcomeStatus) IsTerminal() bool {
	return s != OutcomePending && s != ""
}

// IsResolved reports whether the prediction counts toward accuracy.
func (s OutcomeStatus) IsResolved() bool {
	return s == OutcomeWin || s == OutcomeLoss
}

// Outcome is the mutable block of a BotPrediction. Only the outcome tracker writes it.
type Outcome struct {
	Status            OutcomeStatus   `json:"status" db:"outcome_status"`
	CheckedAt         *time.Time      `json:"checkedAt,omitempty" db:"outcome_checked_at"`
	Price             decimal.Decimal `json:"price" db:"outcome_price"`
	ProfitLossPercent float64         `json:"profitLossPercent" db:"profit_loss_percent"`
}

// BotPrediction is a persisted, outcome-tracked copy of a signal that entered a scan run.
type BotPrediction struct {
	ID         string          `json:"id" db:"id"`
	RunID      string          `json:"runId" db:"run_id"`
	Bot        string          `json:"bot" db:"bot_name"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Direction  Direction       `json:"direction" db:"direction"`
	Confidence float64         `json:"confidence" db:"confidence"`
	Entry      decimal.Decimal `json:"entry" db:"entry_price"`
	Target     decimal.Decimal `json:"target" db:"target_price"`
	StopLoss   decimal.Decimal `json:"stopLoss" db:"stop_loss"`
	Leverage   float64         `json:"leverage" db:"leverage"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	Outcome    Outcome         `json:"outcome"`
}

// LeverageStats summarises the leverage suggested by consensus bots.
type LeverageStats struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// AggregatedRecommendation is the consensus view of one asset for one run.
// It is immutable once created; each run produces a new one.
type AggregatedRecommendation struct {
	ID              string            `json:"id"`
	RunID           string            `json:"runId"`
	Symbol          string            `json:"symbol"`
	CurrentPrice    decimal.Decimal   `json:"currentPrice"`
	Direction       Direction         `json:"direction"`
	AvgConfidence   float64           `json:"avgConfidence"`
	Entry           decimal.Decimal   `json:"entry"`
	TakeProfit      decimal.Decimal   `json:"takeProfit"`
	StopLoss        decimal.Decimal   `json:"stopLoss"`
	Price24h        decimal.Decimal   `json:"price24h"`
	Price48h        decimal.Decimal   `json:"price48h"`
	Price7d         decimal.Decimal   `json:"price7d"`
	Leverage        LeverageStats     `json:"leverage"`
	LongCount       int               `json:"longCount"`
	ShortCount      int               `json:"shortCount"`
	LongWeight      float64           `json:"longWeight"`
	ShortWeight     float64           `json:"shortWeight"`
	ConsensusBoost  float64           `json:"consensusBoost"`
	ContrarianBoost float64           `json:"contrarianBoost"`
	Regime          MarketRegimeState `json:"regime"`
	WeightsVersion  int64             `json:"weightsVersion"`
	Bots            []string          `json:"bots"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// BotPerformanceRecord is the cumulative track record of one bot.
type BotPerformanceRecord struct {
	Bot               string     `json:"bot" db:"bot_name"`
	TotalPredictions  int        `json:"totalPredictions" db:"total_predictions"`
	Successful        int        `json:"successful" db:"successful_predictions"`
	Failed            int        `json:"failed" db:"failed_predictions"`
	Pending           int        `json:"pending" db:"pending_predictions"`
	Neutral           int        `json:"neutral" db:"neutral_predictions"`
	Expired           int        `json:"expired" db:"expired_predictions"`
	AccuracyRate      float64    `json:"accuracyRate" db:"accuracy_rate"`
	AvgProfitLoss     float64    `json:"avgProfitLoss" db:"avg_profit_loss"`
	PerformanceWeight float64    `json:"performanceWeight" db:"performance_weight"`
	FirstPredictionAt *time.Time `json:"firstPredictionAt,omitempty" db:"first_prediction_at"`
	LastPredictionAt  *time.Time `json:"lastPredictionAt,omitempty" db:"last_prediction_at"`
	UpdatedAt         time.Time  `json:"updatedAt" db:"updated_at"`
}
