package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
)

// VaultRegistry resolves the vault adapter for a chain. The monitor depends
// only on this capability, not on any concrete adapter generation.
type VaultRegistry interface {
	ForChain(chain int64) (domain.VaultAdapter, error)
}

// Alerter is the slice of the notifier the monitor needs.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MonitorConfig holds the tunables for the monitoring cycle.
type MonitorConfig struct {
	// MaxPriceAge is the oldest price sample the monitor will act on. Older
	// samples are skipped for the tick rather than risk a decision on stale
	// data.
	MaxPriceAge time.Duration

	// ReversalConfidence, when positive, closes an open position if the signal
	// provider emits an opposite-direction signal at or above this confidence.
	ReversalConfidence float64

	Strategy string
}

// Monitor drives the lifecycle of every open position: once per cycle it reads
// a single price sample per position and, from that same sample, evaluates
// close triggers and advances trailing-stop protection.
type Monitor struct {
	positions domain.PositionStore
	prices    domain.PriceCache
	vaults    VaultRegistry
	signals   domain.SignalProvider
	audit     domain.AuditStore
	alerter   Alerter
	step      StepFunc
	cfg       MonitorConfig
	logger    *slog.Logger
}

// NewMonitor creates a Monitor. signals may be nil, which disables the
// signal-reversal check; alerter may be nil.
func NewMonitor(
	positions domain.PositionStore,
	prices domain.PriceCache,
	vaults VaultRegistry,
	signals domain.SignalProvider,
	audit domain.AuditStore,
	alerter Alerter,
	step StepFunc,
	cfg MonitorConfig,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		positions: positions,
		prices:    prices,
		vaults:    vaults,
		signals:   signals,
		audit:     audit,
		alerter:   alerter,
		step:      step,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
	}
}

// RunCycle evaluates every open position once. Faults are contained per
// position: one position's failure never aborts the scan for the others.
func (m *Monitor) RunCycle(ctx context.Context) error {
	open, err := m.positions.ListByStatus(ctx, domain.PositionStatusOpen)
	if err != nil {
		return fmt.Errorf("monitor: list open positions: %w", err)
	}

	for _, pos := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.checkPosition(ctx, pos)
	}
	return nil
}

// checkPosition runs the close-trigger evaluation and the protection update
// for one position against one price sample.
func (m *Monitor) checkPosition(ctx context.Context, pos domain.Position) {
	price, ts, err := m.prices.GetPrice(ctx, pos.Chain, pos.Token)
	if err != nil {
		m.logger.DebugContext(ctx, "price unavailable, skipping tick",
			slog.String("position_id", pos.ID),
			slog.String("token", pos.Token),
			slog.String("error", err.Error()),
		)
		return
	}
	if m.cfg.MaxPriceAge > 0 && time.Since(ts) > m.cfg.MaxPriceAge {
		m.logger.DebugContext(ctx, "price sample too old, skipping tick",
			slog.String("position_id", pos.ID),
			slog.Duration("age", time.Since(ts)),
		)
		return
	}

	// Both checks below use this one sample so the take-profit and
	// trailing-stop decisions for the tick cannot disagree.
	trigger := EvaluateClose(pos, price)

	if trigger.Unsafe {
		m.logger.WarnContext(ctx, "armed stop crossed but no longer implies profit, refusing close",
			slog.String("position_id", pos.ID),
			slog.Float64("stop", pos.Protection.StopPrice),
			slog.Float64("entry", pos.EntryPrice),
			slog.Float64("price", price),
		)
		m.auditLog(ctx, "unsafe_stop_refused", map[string]any{
			"position_id": pos.ID,
			"stop":        pos.Protection.StopPrice,
			"entry_price": pos.EntryPrice,
			"price":       price,
		})
		m.alert(ctx, "unsafe_stop_refused", "Unsafe stop refused",
			fmt.Sprintf("Position %s: stop %.6f no longer implies profit at entry %.6f, close suppressed",
				pos.ID, pos.Protection.StopPrice, pos.EntryPrice))
		return
	}

	if trigger.Close {
		if err := m.ClosePosition(ctx, pos, price, trigger.Reason); err != nil {
			m.logger.ErrorContext(ctx, "close failed",
				slog.String("position_id", pos.ID),
				slog.String("reason", string(trigger.Reason)),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if m.shouldReverse(ctx, pos) {
		if err := m.ClosePosition(ctx, pos, price, domain.CloseReasonSignalReversal); err != nil {
			m.logger.ErrorContext(ctx, "reversal close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	prot, changed := Advance(pos, price, m.step)
	if !changed {
		return
	}

	if err := m.positions.UpdateProtection(ctx, pos.ID, prot); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			// The position left the open state under us; nothing to do.
			return
		}
		m.logger.ErrorContext(ctx, "protection update failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !pos.Protection.Armed && prot.Armed {
		m.logger.InfoContext(ctx, "trailing stop armed",
			slog.String("position_id", pos.ID),
			slog.Float64("stop", prot.StopPrice),
			slog.Float64("watermark", prot.Watermark),
		)
		m.auditLog(ctx, "stop_armed", map[string]any{
			"position_id": pos.ID,
			"stop":        prot.StopPrice,
			"watermark":   prot.Watermark,
		})
	}
}

// shouldReverse asks the signal provider whether a high-confidence
// opposite-direction signal exists for the position's token. Provider errors
// and absent signals both mean "no".
func (m *Monitor) shouldReverse(ctx context.Context, pos domain.Position) bool {
	if m.signals == nil || m.cfg.ReversalConfidence <= 0 {
		return false
	}

	sig, err := m.signals.GetSignal(ctx, pos.Chain, pos.Token, 0, 0, m.cfg.Strategy)
	if err != nil || sig == nil {
		return false
	}
	return sig.Direction == pos.Direction.Opposite() && sig.Confidence >= m.cfg.ReversalConfidence
}

// ClosePosition executes a close: it transitions the row to closing, submits
// the on-chain close, and finalizes the row with exit data. A failure after
// the closing transition leaves the row in closing for the reconciler.
func (m *Monitor) ClosePosition(ctx context.Context, pos domain.Position, price float64, reason domain.CloseReason) error {
	if reason == domain.CloseReasonTrailingStop && !pos.StopImpliesProfit() {
		return fmt.Errorf("monitor: close %s at stop %.6f: %w",
			pos.ID, pos.Protection.StopPrice, domain.ErrUnsafeStop)
	}

	if err := m.positions.MarkClosing(ctx, pos.ID, reason); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			// Someone else already started (or finished) a close.
			return nil
		}
		return fmt.Errorf("monitor: mark closing %s: %w", pos.ID, err)
	}

	vault, err := m.vaults.ForChain(pos.Chain)
	if err != nil {
		return fmt.Errorf("monitor: resolve vault for chain %d: %w", pos.Chain, err)
	}

	receipt, err := vault.Close(ctx, pos.Wallet, pos.Token, reason)
	if err != nil {
		// Row stays in closing; the reconciler repairs it from on-chain truth.
		m.auditLog(ctx, "close_tx_failed", map[string]any{
			"position_id": pos.ID,
			"reason":      string(reason),
			"error":       err.Error(),
		})
		return fmt.Errorf("monitor: close tx for %s: %w", pos.ID, err)
	}

	pnl, pnlPercent := RealizedPnL(pos, price)
	res := domain.CloseResult{
		Reason:     reason,
		ExitPrice:  price,
		ExitAmount: pos.EntryAmount + pnl,
		PnL:        pnl,
		PnLPercent: pnlPercent,
		CloseTx:    receipt.TxHash,
	}
	if receipt.RealizedAmount > 0 {
		res.ExitAmount = receipt.RealizedAmount
	}

	if err := m.positions.CloseOut(ctx, pos.ID, res); err != nil {
		return fmt.Errorf("monitor: close out %s: %w", pos.ID, err)
	}

	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", price),
		slog.Float64("pnl", pnl),
		slog.Float64("pnl_percent", pnlPercent),
	)
	m.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"wallet":      pos.Wallet,
		"token":       pos.Token,
		"reason":      string(reason),
		"exit_price":  price,
		"pnl":         pnl,
		"pnl_percent": pnlPercent,
		"close_tx":    receipt.TxHash,
	})
	m.alert(ctx, "position_closed", "Position closed",
		fmt.Sprintf("%s %s %s at %.6f (%s), pnl %.2f (%.2f%%)",
			pos.Wallet, pos.Direction, pos.Symbol, price, reason, pnl, pnlPercent))
	return nil
}

// CloseByID closes a specific position at the latest cached price with the
// given reason. Used by the operator surface for manual and emergency closes.
func (m *Monitor) CloseByID(ctx context.Context, id string, reason domain.CloseReason) error {
	pos, err := m.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("monitor: get position %s: %w", id, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return fmt.Errorf("monitor: position %s is %s: %w", id, pos.Status, domain.ErrStatusConflict)
	}

	price, ts, err := m.prices.GetPrice(ctx, pos.Chain, pos.Token)
	if err != nil {
		return fmt.Errorf("monitor: price for %s: %w", pos.Token, err)
	}
	if m.cfg.MaxPriceAge > 0 && time.Since(ts) > m.cfg.MaxPriceAge {
		return fmt.Errorf("monitor: price for %s is %s old: %w",
			pos.Token, time.Since(ts).Round(time.Second), domain.ErrStalePrice)
	}
	return m.ClosePosition(ctx, pos, price, reason)
}

func (m *Monitor) alert(ctx context.Context, event, title, message string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Notify(ctx, event, title, message); err != nil {
		m.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
