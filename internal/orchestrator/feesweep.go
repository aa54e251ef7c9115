package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
)

// FeeSweeper periodically collects the performance-fee share of realized
// profits. Each run covers the positions closed since the previous successful
// run; the window start is tracked per process, and every sweep is audit
// logged so operators can cross-check collections after a restart.
type FeeSweeper struct {
	positions  domain.PositionStore
	vaults     engine.VaultRegistry
	audit      domain.AuditStore
	alerter    Alerter
	wallets    []string
	feePercent float64
	now        func() time.Time
	lastSweep  time.Time
	logger     *slog.Logger
}

// NewFeeSweeper creates a FeeSweeper. A nil now defaults to time.Now; the
// first run covers positions closed after construction. alerter may be nil.
func NewFeeSweeper(
	positions domain.PositionStore,
	vaults engine.VaultRegistry,
	audit domain.AuditStore,
	alerter Alerter,
	wallets []string,
	feePercent float64,
	now func() time.Time,
	logger *slog.Logger,
) *FeeSweeper {
	if now == nil {
		now = time.Now
	}
	return &FeeSweeper{
		positions:  positions,
		vaults:     vaults,
		audit:      audit,
		alerter:    alerter,
		wallets:    wallets,
		feePercent: feePercent,
		now:        now,
		lastSweep:  now().UTC(),
		logger:     logger.With(slog.String("component", "fee_sweeper")),
	}
}

// RunCycle sweeps accrued fees for every wallet. A wallet whose sweep
// transaction fails is retried from the same window start next interval.
func (f *FeeSweeper) RunCycle(ctx context.Context) error {
	if f.feePercent <= 0 {
		return nil
	}

	since := f.lastSweep
	until := f.now().UTC()
	allSwept := true

	for _, wallet := range f.wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.sweepWallet(ctx, wallet, since, until); err != nil {
			allSwept = false
			f.logger.WarnContext(ctx, "fee sweep failed, will retry next interval",
				slog.String("wallet", wallet),
				slog.String("error", err.Error()),
			)
		}
	}

	if allSwept {
		f.lastSweep = until
	}
	return nil
}

// sweepWallet sums the fee share of profitable closes per chain and submits
// one sweep transaction per chain with accrued fees.
func (f *FeeSweeper) sweepWallet(ctx context.Context, wallet string, since, until time.Time) error {
	// The window filters on close time: a position opened in an earlier
	// window still owes its fee for a close inside this one.
	closed, err := f.positions.ListHistory(ctx, wallet, domain.ListOpts{ClosedSince: &since, ClosedUntil: &until})
	if err != nil {
		return fmt.Errorf("fee_sweeper: list history for %s: %w", wallet, err)
	}

	dueByChain := make(map[int64]float64)
	for _, pos := range closed {
		if pos.Status != domain.PositionStatusClosed || pos.ClosedAt == nil || pos.PnL == nil || *pos.PnL <= 0 {
			continue
		}
		dueByChain[pos.Chain] += *pos.PnL * f.feePercent / 100
	}

	for chain, due := range dueByChain {
		if due <= 0 {
			continue
		}
		vault, err := f.vaults.ForChain(chain)
		if err != nil {
			return fmt.Errorf("fee_sweeper: resolve vault for chain %d: %w", chain, err)
		}

		txHash, err := vault.SweepFees(ctx, wallet, due)
		if err != nil {
			return fmt.Errorf("fee_sweeper: sweep tx for %s on chain %d: %w", wallet, chain, err)
		}

		f.logger.InfoContext(ctx, "fees swept",
			slog.String("wallet", wallet),
			slog.Int64("chain", chain),
			slog.Float64("amount", due),
			slog.String("tx", txHash),
		)
		if auditErr := f.audit.Log(ctx, "fees_swept", map[string]any{
			"wallet": wallet,
			"chain":  chain,
			"amount": due,
			"tx":     txHash,
			"since":  since,
			"until":  until,
		}); auditErr != nil {
			f.logger.WarnContext(ctx, "audit log failed",
				slog.String("error", auditErr.Error()),
			)
		}
		if f.alerter != nil {
			if err := f.alerter.Notify(ctx, "fees_swept", "Fees swept",
				fmt.Sprintf("Collected %.2f from %s on chain %d", due, wallet, chain)); err != nil {
				f.logger.WarnContext(ctx, "notification failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}
