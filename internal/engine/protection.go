// Package engine implements the position lifecycle: how an open position
// accrues trailing-stop protection as it becomes profitable, and when it is
// closed for take-profit or for its armed stop. The arithmetic is symmetric in
// direction; "watermark" is the highest price seen for longs and the lowest
// for shorts.
package engine

import (
	"math"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// StepFunc computes the candidate trailing-stop price for a position at the
// given price, before clamping. Two implementations exist: the continuous
// percentage trail and the discretized profit-lock ladder. Both feed the same
// advance logic, which enforces the entry clamp and monotonicity.
type StepFunc func(p domain.Position, price float64) float64

// ContinuousStep trails the price by the position's configured trailing-stop
// percentage on every advance.
func ContinuousStep(p domain.Position, price float64) float64 {
	if p.Direction == domain.DirectionLong {
		return price * (1 - p.TrailingStopPercent/100)
	}
	return price * (1 + p.TrailingStopPercent/100)
}

// SteppedStep locks in profit in fixed increments of stepPercent instead of
// trailing continuously. The locked amount is the largest whole number of
// steps fully cleared by the current profit after the trailing distance, so
// the stop moves in discrete jumps with the same monotonicity guarantee.
func SteppedStep(stepPercent float64) StepFunc {
	return func(p domain.Position, price float64) float64 {
		cleared := p.ProfitPercent(price) - p.TrailingStopPercent
		locked := math.Floor(cleared/stepPercent) * stepPercent
		if locked < 0 {
			locked = 0
		}
		if p.Direction == domain.DirectionLong {
			return p.EntryPrice * (1 + locked/100)
		}
		return p.EntryPrice * (1 - locked/100)
	}
}

// clampToEntry bounds a candidate stop so it never crosses the entry price in
// the losing direction. An armed stop therefore always implies
// profit-or-breakeven.
func clampToEntry(p domain.Position, candidate float64) float64 {
	if p.Direction == domain.DirectionLong {
		return math.Max(p.EntryPrice, candidate)
	}
	return math.Min(p.EntryPrice, candidate)
}

// Advance computes the next protection state for an open position given a
// fresh price sample. It returns the new state and true when the state
// changed; callers persist only on change.
//
// Rules:
//   - While unarmed and profit is below the profit-lock threshold, nothing
//     happens: the position is held through adverse excursions.
//   - First activation arms the stop at the clamped candidate and sets the
//     watermark to the current price.
//   - Once armed, the watermark and stop advance only on a new extreme (new
//     high for long, new low for short). The stop never retreats.
func Advance(p domain.Position, price float64, step StepFunc) (domain.Protection, bool) {
	if !p.Protection.Armed {
		if p.ProfitPercent(price) < p.ProfitLockPercent {
			return p.Protection, false
		}
		return domain.Armed(clampToEntry(p, step(p, price)), price), true
	}

	prot := p.Protection
	newExtreme := false
	if p.Direction == domain.DirectionLong {
		newExtreme = price > prot.Watermark
	} else {
		newExtreme = price < prot.Watermark
	}
	if !newExtreme {
		return prot, false
	}

	prot.Watermark = price
	candidate := clampToEntry(p, step(p, price))
	if p.Direction == domain.DirectionLong {
		if candidate > prot.StopPrice {
			prot.StopPrice = candidate
		}
	} else {
		if candidate < prot.StopPrice {
			prot.StopPrice = candidate
		}
	}
	return prot, true
}

// Trigger is the close decision for one position at one price sample.
type Trigger struct {
	Close  bool
	Reason domain.CloseReason

	// Unsafe is set when the armed stop was crossed but no longer implies
	// profit-or-breakeven. The close is suppressed; the caller must log the
	// anomaly for operator attention instead of realizing a loss.
	Unsafe bool
}

// EvaluateClose decides whether a position should close at the given price.
// The take-profit target is checked first and is unconditional on arming; the
// trailing stop is consulted only once armed, with a re-check that the stop
// still implies profit-or-breakeven.
func EvaluateClose(p domain.Position, price float64) Trigger {
	if p.TakeProfitHit(price) {
		return Trigger{Close: true, Reason: domain.CloseReasonTakeProfit}
	}

	if !p.Protection.Armed {
		return Trigger{}
	}

	if p.StopHit(price) {
		if !p.StopImpliesProfit() {
			return Trigger{Unsafe: true}
		}
		return Trigger{Close: true, Reason: domain.CloseReasonTrailingStop}
	}

	return Trigger{}
}

// RealizedPnL computes the absolute and percentage profit of a position exited
// at the given price. The absolute figure is the collateral times the
// direction-aware price change.
func RealizedPnL(p domain.Position, exitPrice float64) (pnl, pnlPercent float64) {
	pnlPercent = p.ProfitPercent(exitPrice)
	pnl = p.EntryAmount * pnlPercent / 100
	return pnl, pnlPercent
}
