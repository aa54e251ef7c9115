// Package reconcile repairs drift between the position ledger and on-chain
// truth. The vault balance is authoritative and read-only: reconciliation
// only transitions ledger rows that are demonstrably inconsistent with it,
// never a position the lifecycle engine is actively protecting.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
)

// Alerter is the slice of the notifier the reconciler needs.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAll(ctx context.Context, title, message string) error
}

// Config holds the reconciler tunables.
type Config struct {
	// CheckTimeout bounds each per-position on-chain read. A timed-out check
	// is skipped and retried next interval; a position is never force-closed
	// on a transient read failure.
	CheckTimeout time.Duration

	// MaxPriceAge is the freshest-acceptable price sample for estimating a
	// fair exit on an orphaned position. With no fresh price the position is
	// marked failed instead of closed.
	MaxPriceAge time.Duration
}

// Reconciler compares open/closing ledger rows against the vault's view and
// repairs orphans. RunCycle is idempotent and safe to run concurrently with
// the monitor and the orchestrator: every write is scoped to one position id
// and conditioned on its current status.
type Reconciler struct {
	positions domain.PositionStore
	vaults    engine.VaultRegistry
	prices    domain.PriceCache
	audit     domain.AuditStore
	alerter   Alerter
	cfg       Config
	logger    *slog.Logger
}

// New creates a Reconciler. alerter may be nil.
func New(
	positions domain.PositionStore,
	vaults engine.VaultRegistry,
	prices domain.PriceCache,
	audit domain.AuditStore,
	alerter Alerter,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		positions: positions,
		vaults:    vaults,
		prices:    prices,
		audit:     audit,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// RunCycle checks every open, closing, and not-yet-cleared failed position
// against the chain.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	active, err := r.positions.ListByStatus(ctx,
		domain.PositionStatusOpen, domain.PositionStatusClosing, domain.PositionStatusFailed)
	if err != nil {
		return fmt.Errorf("reconcile: list active positions: %w", err)
	}

	for _, pos := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if pos.Status == domain.PositionStatusFailed && pos.CloseReason == domain.CloseReasonSyncFailure {
			// Already cleared; nothing left to repair.
			continue
		}
		r.checkPosition(ctx, pos)
	}
	return nil
}

func (r *Reconciler) checkPosition(ctx context.Context, pos domain.Position) {
	vault, err := r.vaults.ForChain(pos.Chain)
	if err != nil {
		r.logger.ErrorContext(ctx, "no vault adapter for chain",
			slog.Int64("chain", pos.Chain),
			slog.String("error", err.Error()),
		)
		return
	}

	checkCtx := ctx
	if r.cfg.CheckTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, r.cfg.CheckTimeout)
		defer cancel()
	}

	onchain, err := vault.GetOnChainPosition(checkCtx, pos.Wallet, pos.Token)
	if err != nil {
		// Transient read failure: skip and retry next interval.
		r.logger.DebugContext(ctx, "on-chain read failed, skipping",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if onchain.Exists && onchain.TokenAmount > 0 {
		switch pos.Status {
		case domain.PositionStatusFailed:
			// A failed row with a live on-chain position needs a human: the
			// ledger believes the open attempt failed but collateral is
			// committed.
			r.logger.WarnContext(ctx, "failed ledger row has live on-chain position, operator attention required",
				slog.String("position_id", pos.ID),
				slog.String("wallet", pos.Wallet),
				slog.String("token", pos.Token),
			)
			r.alertAll(ctx, "Live collateral on failed row",
				fmt.Sprintf("Position %s (%s %s) is marked failed but holds collateral on chain %d",
					pos.ID, pos.Wallet, pos.Token, pos.Chain))
		case domain.PositionStatusClosing:
			// The close transaction never landed and capital is still at
			// risk; the monitor scans only open rows.
			r.resumeSupervision(ctx, pos)
		}
		// Ledger and chain agree the position is live; nothing else to repair.
		return
	}

	if pos.Status == domain.PositionStatusFailed {
		// Clearing the failed row unblocks the tuple for new entries.
		if err := r.positions.MarkFailed(ctx, pos.ID, domain.CloseReasonSyncFailure); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			r.logger.ErrorContext(ctx, "failed-row clear failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logRepair(ctx, pos, "cleared", 0)
		return
	}

	// The ledger claims collateral the chain no longer holds: the position is
	// orphaned. Close it at a fair exit when a fresh price is available,
	// otherwise mark it failed so capacity is released either way.
	r.repairOrphan(ctx, pos)
}

// resumeSupervision returns a closing row whose close transaction failed to
// the open state. Protection is preserved, so a stop or take-profit that was
// already breached retriggers the close on the next monitoring tick.
func (r *Reconciler) resumeSupervision(ctx context.Context, pos domain.Position) {
	if err := r.positions.Reopen(ctx, pos.ID); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			// Another writer finished the close first.
			return
		}
		r.logger.ErrorContext(ctx, "reopen of stuck closing position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.WarnContext(ctx, "closing position still live on-chain, returned to supervision",
		slog.String("position_id", pos.ID),
		slog.String("wallet", pos.Wallet),
		slog.String("token", pos.Token),
		slog.String("close_reason", string(pos.CloseReason)),
	)
	if err := r.audit.Log(ctx, "position_reopened", map[string]any{
		"position_id":  pos.ID,
		"wallet":       pos.Wallet,
		"chain":        pos.Chain,
		"token":        pos.Token,
		"close_reason": string(pos.CloseReason),
	}); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}
	r.alertAll(ctx, "Close retry scheduled",
		fmt.Sprintf("Position %s (%s %s) failed to close and was returned to supervision",
			pos.ID, pos.Wallet, pos.Token))
}

func (r *Reconciler) repairOrphan(ctx context.Context, pos domain.Position) {
	price, ts, err := r.prices.GetPrice(ctx, pos.Chain, pos.Token)
	fresh := err == nil && (r.cfg.MaxPriceAge <= 0 || time.Since(ts) <= r.cfg.MaxPriceAge)

	if fresh {
		pnl, pnlPercent := engine.RealizedPnL(pos, price)
		res := domain.CloseResult{
			Reason:     domain.CloseReasonSyncFailure,
			ExitPrice:  price,
			ExitAmount: pos.EntryAmount + pnl,
			PnL:        pnl,
			PnLPercent: pnlPercent,
		}
		if err := r.positions.CloseOut(ctx, pos.ID, res); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				// Another writer already resolved it.
				return
			}
			r.logger.ErrorContext(ctx, "orphan close-out failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logRepair(ctx, pos, "closed", price)
		return
	}

	if err := r.positions.MarkFailed(ctx, pos.ID, domain.CloseReasonSyncFailure); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return
		}
		r.logger.ErrorContext(ctx, "orphan mark-failed failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logRepair(ctx, pos, "failed", 0)
}

func (r *Reconciler) logRepair(ctx context.Context, pos domain.Position, outcome string, exitPrice float64) {
	r.logger.WarnContext(ctx, "orphaned position repaired",
		slog.String("position_id", pos.ID),
		slog.String("wallet", pos.Wallet),
		slog.String("token", pos.Token),
		slog.String("outcome", outcome),
	)
	detail := map[string]any{
		"position_id": pos.ID,
		"wallet":      pos.Wallet,
		"chain":       pos.Chain,
		"token":       pos.Token,
		"was_status":  string(pos.Status),
		"outcome":     outcome,
	}
	if exitPrice > 0 {
		detail["exit_price"] = exitPrice
	}
	if err := r.audit.Log(ctx, "orphan_repaired", detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("error", err.Error()),
		)
	}
	r.alert(ctx, "orphan_repaired", "Orphaned position repaired",
		fmt.Sprintf("Position %s (%s %s) had no on-chain counterpart and was %s",
			pos.ID, pos.Wallet, pos.Token, outcome))
}

func (r *Reconciler) alert(ctx context.Context, event, title, message string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) alertAll(ctx context.Context, title, message string) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.NotifyAll(ctx, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
	}
}
