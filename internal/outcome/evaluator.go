// Package outcome resolves pending bot predictions against price history.
package outcome

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
	"github.com/atlas-desktop/signal-consensus/pkg/utils"
)

// DefaultWindow is how long a prediction stays open before it expires.
const DefaultWindow = 7 * 24 * time.Hour

// Result is the verdict for one prediction.
type Result struct {
	Status            types.OutcomeStatus
	Price             decimal.Decimal
	ProfitLossPercent float64
	// At is the open time of the deciding candle, or the evaluation time
	// when no candle decided.
	At time.Time
}

// Outcome converts the result into the persisted outcome block.
func (r Result) Outcome(checkedAt time.Time) types.Outcome {
	at := checkedAt
	return types.Outcome{
		Status:            r.Status,
		CheckedAt:         &at,
		Price:             r.Price,
		ProfitLossPercent: r.ProfitLossPercent,
	}
}

// Evaluate walks candles in time order from the prediction's creation until
// the window closes and returns the first bracket hit. Stop-loss is checked
// before take-profit, so a candle that touches both counts as a loss.
// Candles need not be sorted or limited to the window.
func Evaluate(pred types.BotPrediction, candles []types.OHLCV, window time.Duration, now time.Time) Result {
	if window <= 0 {
		window = DefaultWindow
	}

	if !pred.Direction.IsDirectional() || !wellFormed(pred) {
		return Result{Status: types.OutcomeNeutral, At: now}
	}

	deadline := pred.CreatedAt.Add(window)
	var (
		last    decimal.Decimal
		hasLast bool
	)

	for _, c := range inWindow(candles, pred.CreatedAt, deadline, now) {
		switch pred.Direction {
		case types.DirectionLong:
			if c.Low.LessThanOrEqual(pred.StopLoss) {
				return resolved(pred, types.OutcomeLoss, pred.StopLoss, c.Timestamp)
			}
			if c.High.GreaterThanOrEqual(pred.Target) {
				return resolved(pred, types.OutcomeWin, pred.Target, c.Timestamp)
			}
		case types.DirectionShort:
			if c.High.GreaterThanOrEqual(pred.StopLoss) {
				return resolved(pred, types.OutcomeLoss, pred.StopLoss, c.Timestamp)
			}
			if c.Low.LessThanOrEqual(pred.Target) {
				return resolved(pred, types.OutcomeWin, pred.Target, c.Timestamp)
			}
		}
		last, hasLast = c.Close, true
	}

	if now.Before(deadline) {
		return Result{Status: types.OutcomePending, At: now}
	}

	if !hasLast {
		last = pred.Entry
	}
	return resolved(pred, types.OutcomeExpired, last, now)
}

// wellFormed requires target and stop on opposite sides of a positive entry.
func wellFormed(p types.BotPrediction) bool {
	if !p.Entry.IsPositive() || !p.Target.IsPositive() || !p.StopLoss.IsPositive() {
		return false
	}
	if p.Direction == types.DirectionLong {
		return p.Target.GreaterThan(p.Entry) && p.StopLoss.LessThan(p.Entry)
	}
	return p.Target.LessThan(p.Entry) && p.StopLoss.GreaterThan(p.Entry)
}

func inWindow(candles []types.OHLCV, from, deadline, now time.Time) []types.OHLCV {
	out := make([]types.OHLCV, 0, len(candles))
	for _, c := range candles {
		if c.Timestamp.Before(from) || !c.Timestamp.Before(deadline) || c.Timestamp.After(now) {
			continue
		}
		out = append(out, c)
	}
	sortByTime(out)
	return out
}

func sortByTime(candles []types.OHLCV) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

func resolved(p types.BotPrediction, status types.OutcomeStatus, price decimal.Decimal, at time.Time) Result {
	return Result{
		Status:            status,
		Price:             price,
		ProfitLossPercent: ProfitLossPercent(p.Direction, p.Entry, price),
		At:                at,
	}
}

// ProfitLossPercent is the unlevered move from entry to exit in percent,
// positive when the move favours the prediction.
func ProfitLossPercent(dir types.Direction, entry, exit decimal.Decimal) float64 {
	if !entry.IsPositive() {
		return 0
	}
	change := utils.CalculatePercentageChange(entry, exit)
	if dir == types.DirectionShort {
		change = change.Neg()
	}
	pct, _ := change.Round(4).Float64()
	return pct
}
