package types

import "time"

// Regime is the market regime label.
type Regime string

const (
	RegimeBull     Regime = "BULL"
	RegimeBear     Regime = "BEAR"
	RegimeSideways Regime = "SIDEWAYS"
)

// RegimeSignals is the per-signal breakdown behind a regime decision.
type RegimeSignals struct {
	SMATrend        float64 `json:"smaTrend"`        // -1..1
	MomentumPercent float64 `json:"momentumPercent"` // 20-candle % change
	TrendStrength   float64 `json:"trendStrength"`   // 0..1
	Structure       float64 `json:"structure"`       // -1..1
}

// MarketRegimeState is the classifier output for one asset at one instant.
type MarketRegimeState struct {
	Regime        Regime        `json:"regime"`
	Confidence    float64       `json:"confidence"`
	BullScore     float64       `json:"bullScore"`
	BearScore     float64       `json:"bearScore"`
	SidewaysScore float64       `json:"sidewaysScore"`
	Signals       RegimeSignals `json:"signals"`
	ClassifiedAt  time.Time     `json:"classifiedAt"`
}

// RegimeFeatures is the precomputed indicator vector fed to the classifier.
type RegimeFeatures struct {
	SMA20         float64 `json:"sma20"`
	SMA50         float64 `json:"sma50"`
	SMA200        float64 `json:"sma200"`
	TrendStrength float64 `json:"trendStrength"` // 0..1
}
