package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and time filtering for list queries. Since
// and Until filter on the open time; ClosedSince and ClosedUntil filter on
// the close time (Until inclusive, ClosedUntil exclusive).
type ListOpts struct {
	Limit       int
	Offset      int
	Since       *time.Time
	Until       *time.Time
	ClosedSince *time.Time
	ClosedUntil *time.Time
}

// PositionStore is the position ledger. Create must be idempotent on the
// entry transaction reference: a second insert with a previously used EntryTx
// returns ErrAlreadyExists and leaves the ledger unchanged. Mutating methods
// are conditioned on the position's current status so concurrent writers
// (lifecycle engine, reconciler) cannot clobber each other; a write whose
// status precondition no longer holds returns ErrStatusConflict.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)

	// FindActive returns the positions for (wallet, chain, token) whose status
	// still claims collateral (open, closing, or failed).
	FindActive(ctx context.Context, wallet string, chain int64, token string) ([]Position, error)
	ListByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error)
	CountOpen(ctx context.Context, wallet string, chain int64) (int, error)
	ListHistory(ctx context.Context, wallet string, opts ListOpts) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)

	// UpdateProtection persists new protection state only while the position
	// is still open.
	UpdateProtection(ctx context.Context, id string, prot Protection) error

	// MarkClosing transitions open -> closing before the close transaction is
	// submitted, so a crash mid-close leaves a repairable state.
	MarkClosing(ctx context.Context, id string, reason CloseReason) error

	// Reopen transitions closing -> open after a close transaction failed
	// while the on-chain position is still live, so the lifecycle engine
	// resumes supervising it.
	Reopen(ctx context.Context, id string) error

	// CloseOut finalizes a closing (or open, for reconciliation repairs)
	// position with its exit data.
	CloseOut(ctx context.Context, id string, res CloseResult) error

	// MarkFailed transitions an active position to failed with the given
	// reason. Used for reverted opens and reconciliation repairs.
	MarkFailed(ctx context.Context, id string, reason CloseReason) error
}

// CloseResult carries the exit data persisted by PositionStore.CloseOut.
type CloseResult struct {
	Reason     CloseReason
	ExitPrice  float64
	ExitAmount float64
	PnL        float64
	PnLPercent float64
	CloseTx    string
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// PriceCache exposes the latest oracle price per token together with its
// sample time, so consumers can reject stale quotes.
type PriceCache interface {
	SetPrice(ctx context.Context, chain int64, token string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, chain int64, token string) (float64, time.Time, error)
}

// LockManager provides distributed locks used as re-entrancy guards for the
// periodic cycles: an overlapping timer fire fails to acquire and is dropped.
type LockManager interface {
	// Acquire returns an unlock func on success or ErrLockHeld when the lock
	// is already held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// CooldownGuard tracks the short per-(wallet, chain, token) window following a
// trade attempt during which no new attempt may be made for that tuple.
type CooldownGuard interface {
	Arm(ctx context.Context, wallet string, chain int64, token string, ttl time.Duration) error
	Active(ctx context.Context, wallet string, chain int64, token string) (bool, error)
}

// VaultAdapter is the capability interface over one vault contract generation
// on one chain. All write operations are a single logical attempt; callers do
// not retry a failed open or close automatically.
type VaultAdapter interface {
	ChainID() int64
	GetStatus(ctx context.Context, wallet string) (VaultStatus, error)
	Open(ctx context.Context, req OpenRequest) (OpenReceipt, error)
	Close(ctx context.Context, wallet, token string, reason CloseReason) (CloseReceipt, error)
	GetOnChainPosition(ctx context.Context, wallet, token string) (OnChainPosition, error)
	SweepFees(ctx context.Context, wallet string, amount float64) (string, error)
}

// SignalProvider produces directional signals. A nil signal with a nil error
// means "no trade for this token this cycle"; timeouts are reported as
// ErrNoSignal and treated the same way.
type SignalProvider interface {
	GetSignal(ctx context.Context, chain int64, token string, availableBalance float64, riskBps int, strategy string) (*TradeSignal, error)
}

// EntitlementChecker answers whether automated trading is currently permitted
// for a wallet (subscription state, payments, bans).
type EntitlementChecker interface {
	CanTrade(ctx context.Context, wallet string) (bool, error)
}

// BlobWriter uploads objects to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
