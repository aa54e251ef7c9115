package domain

import "time"

// Direction is the side of a leveraged position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// PositionStatus tracks where a position is in its lifecycle. Positions are
// never deleted; they only transition between statuses.
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// Active reports whether the status still claims on-chain collateral. A failed
// position that has not been reconciled keeps blocking new entries for its
// (wallet, chain, token) tuple.
func (s PositionStatus) Active() bool {
	switch s {
	case PositionStatusOpen, PositionStatusClosing, PositionStatusFailed:
		return true
	default:
		return false
	}
}

// CloseReason records why a position left the open state.
type CloseReason string

const (
	CloseReasonTakeProfit     CloseReason = "take_profit"
	CloseReasonTrailingStop   CloseReason = "trailing_stop"
	CloseReasonStopLoss       CloseReason = "stop_loss"
	CloseReasonManual         CloseReason = "manual"
	CloseReasonEmergency      CloseReason = "emergency_close"
	CloseReasonSignalReversal CloseReason = "signal_reversal"
	CloseReasonSyncFailure    CloseReason = "sync_failure"
)

// Protection is the trailing-stop state of a position, modelled as a tagged
// variant: either the stop has not armed yet, or it is armed with a stop price
// and the best-price watermark it trails.
type Protection struct {
	Armed     bool
	StopPrice float64 // valid only when Armed
	Watermark float64 // highest price for long, lowest for short; valid only when Armed
}

// Unarmed is the zero protection state.
func Unarmed() Protection { return Protection{} }

// Armed builds an armed protection state.
func Armed(stopPrice, watermark float64) Protection {
	return Protection{Armed: true, StopPrice: stopPrice, Watermark: watermark}
}

// Position is the unit of risk tracked by the ledger. One row per on-chain
// vault position; the row is the permanent audit trail for that position.
type Position struct {
	ID     string
	Wallet string
	Chain  int64
	Token  string // token contract address
	Symbol string

	Direction Direction

	// Entry.
	EntryPrice  float64
	EntryAmount float64 // collateral committed at entry
	TokenAmount float64 // informational; size in token units
	EntryTx     string  // unique across all positions

	// Protection.
	Protection          Protection
	TrailingStopPercent float64
	TakeProfitPrice     float64
	TakeProfitPercent   float64
	ProfitLockPercent   float64 // minimum profit before the stop may arm

	// Leverage.
	Leverage     float64
	Borrowed     float64  // 0 for vault generations without on-chain borrowing
	HealthFactor *float64 // optional external metric, nil when not reported

	// Lifecycle.
	Status      PositionStatus
	CloseReason CloseReason
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time

	// Exit.
	ExitPrice  *float64
	ExitAmount *float64
	PnL        *float64
	PnLPercent *float64
	CloseTx    string
}

// ProfitPercent returns the direction-aware profit at the given price, as a
// percentage of the entry price.
func (p Position) ProfitPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	change := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Direction == DirectionShort {
		return -change
	}
	return change
}

// StopImpliesProfit reports whether the armed stop price sits at or beyond
// breakeven. An armed stop must never imply a realized loss; callers re-check
// this before acting on a stop trigger.
func (p Position) StopImpliesProfit() bool {
	if !p.Protection.Armed {
		return false
	}
	if p.Direction == DirectionLong {
		return p.Protection.StopPrice >= p.EntryPrice
	}
	return p.Protection.StopPrice <= p.EntryPrice
}

// TakeProfitHit reports whether price has reached the fixed take-profit target
// in the profitable direction. The target is set at entry and is checked
// regardless of whether the trailing stop has armed.
func (p Position) TakeProfitHit(price float64) bool {
	if p.TakeProfitPrice == 0 {
		return false
	}
	if p.Direction == DirectionLong {
		return price >= p.TakeProfitPrice
	}
	return price <= p.TakeProfitPrice
}

// StopHit reports whether price has crossed the armed stop in the adverse
// direction. Always false while unarmed.
func (p Position) StopHit(price float64) bool {
	if !p.Protection.Armed {
		return false
	}
	if p.Direction == DirectionLong {
		return price <= p.Protection.StopPrice
	}
	return price >= p.Protection.StopPrice
}
