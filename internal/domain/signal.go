package domain

import "time"

// TradeSignal is the directional recommendation returned by the signal
// provider for one (chain, token) pair. A nil signal and a below-threshold
// confidence are treated identically by the orchestrator: no trade this cycle.
type TradeSignal struct {
	Chain               int64
	Token               string
	Symbol              string
	Direction           Direction
	Confidence          float64 // 0..100
	SuggestedAmount     float64
	TakeProfitPercent   float64
	TrailingStopPercent float64
	Reason              string
	GeneratedAt         time.Time
}

// VaultStatus is the authoritative on-chain account state read before any
// open attempt. Balance is the free collateral in the vault's settlement
// currency.
type VaultStatus struct {
	Balance          float64
	AutoTradeEnabled bool
	CanTradeNow      bool // false while the vault's on-chain rate limit is active
	RiskBps          int  // user-selected risk setting in basis points
}

// OpenRequest is a single logical open attempt submitted to a vault adapter.
type OpenRequest struct {
	Wallet              string
	Token               string
	Collateral          float64
	Leverage            float64
	Direction           Direction
	TrailingStopPercent float64
	TakeProfitPercent   float64
}

// OpenReceipt is returned after an accepted open transaction.
type OpenReceipt struct {
	TxHash      string
	EntryPrice  float64
	TokenAmount float64
	Borrowed    float64
}

// CloseReceipt is returned after an accepted close transaction.
type CloseReceipt struct {
	TxHash         string
	RealizedAmount float64
}

// OnChainPosition is a snapshot of the vault's view of a position. Exists is
// false when the vault holds no position (or zero residual value) for the
// (wallet, token) pair.
type OnChainPosition struct {
	Exists       bool
	TokenAmount  float64
	Collateral   float64
	Borrowed     float64
	HealthFactor *float64
}
