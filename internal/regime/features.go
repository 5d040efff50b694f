package regime

import (
	"math"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

const (
	adxPeriod = 14
	// ADX at or above this maps to full trend strength.
	adxSaturation = 50.0
)

// ComputeFeatures derives the classifier feature vector from candles (oldest first).
// SMA200 falls back to the mean of all candles when fewer than 200 exist.
func ComputeFeatures(candles []types.OHLCV) types.RegimeFeatures {
	if len(candles) == 0 {
		return types.RegimeFeatures{}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}

	return types.RegimeFeatures{
		SMA20:         sma(closes, 20),
		SMA50:         sma(closes, 50),
		SMA200:        sma(closes, 200),
		TrendStrength: clamp(ADX(candles, adxPeriod)/adxSaturation, 0, 1),
	}
}

// sma averages the trailing period values, or all of them when fewer exist.
func sma(values []float64, period int) float64 {
	if period > len(values) {
		period = len(values)
	}
	if period == 0 {
		return 0
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// ADX computes Wilder's average directional index. It returns 0 when there
// are fewer than 2*period+1 candles.
func ADX(candles []types.OHLCV, period int) float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return 0
	}

	n := len(candles) - 1
	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < len(candles); i++ {
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		prevHigh := candles[i-1].High.InexactFloat64()
		prevLow := candles[i-1].Low.InexactFloat64()
		prevClose := candles[i-1].Close.InexactFloat64()

		up := high - prevHigh
		down := prevLow - low
		if up > down && up > 0 {
			plusDM[i-1] = up
		}
		if down > up && down > 0 {
			minusDM[i-1] = down
		}
		tr[i-1] = math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
	}

	var smTR, smPlus, smMinus float64
	for i := 0; i < period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := func() float64 {
		if smTR == 0 {
			return 0
		}
		plusDI := 100 * smPlus / smTR
		minusDI := 100 * smMinus / smTR
		if plusDI+minusDI == 0 {
			return 0
		}
		return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
	}

	dxs := []float64{dx()}
	for i := period; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dxs = append(dxs, dx())
	}

	if len(dxs) < period {
		return 0
	}

	var adx float64
	for _, v := range dxs[:period] {
		adx += v
	}
	adx /= float64(period)
	for _, v := range dxs[period:] {
		adx = (adx*float64(period-1) + v) / float64(period)
	}
	return adx
}
