// Package orchestrator runs the trading cycle: once per interval it walks the
// eligible wallets strictly sequentially and opens at most one new position
// per wallet, under capacity, cooldown, overlap, and circuit-breaker
// constraints.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
)

// Alerter is the slice of the notifier the orchestrator needs.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the orchestrator tunables.
type Config struct {
	Wallets           []string
	Chains            []config.ChainConfig
	Strategy          string
	MinConfidence     float64
	Cooldown          time.Duration
	ProfitLockPercent float64
}

// Orchestrator drives the trading cycle.
type Orchestrator struct {
	positions   domain.PositionStore
	cooldowns   domain.CooldownGuard
	signals     domain.SignalProvider
	entitlement domain.EntitlementChecker
	vaults      engine.VaultRegistry
	breaker     *Breaker
	audit       domain.AuditStore
	alerter     Alerter
	cfg         Config
	logger      *slog.Logger
}

// New creates an Orchestrator. alerter may be nil.
func New(
	positions domain.PositionStore,
	cooldowns domain.CooldownGuard,
	signals domain.SignalProvider,
	entitlement domain.EntitlementChecker,
	vaults engine.VaultRegistry,
	breaker *Breaker,
	audit domain.AuditStore,
	alerter Alerter,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		positions:   positions,
		cooldowns:   cooldowns,
		signals:     signals,
		entitlement: entitlement,
		vaults:      vaults,
		breaker:     breaker,
		audit:       audit,
		alerter:     alerter,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// RunCycle processes every wallet on every configured chain, strictly
// sequentially so two in-flight opens never race for the same on-chain
// balance. Per-wallet faults are contained; one wallet's failure never aborts
// the cycle for the others.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	for _, chain := range o.cfg.Chains {
		vault, err := o.vaults.ForChain(chain.ID)
		if err != nil {
			o.logger.ErrorContext(ctx, "no vault adapter for chain, skipping",
				slog.Int64("chain", chain.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, wallet := range o.cfg.Wallets {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if o.breaker.Open() {
				o.logger.WarnContext(ctx, "circuit breaker open, skipping remaining wallets",
					slog.Int("failures", o.breaker.Failures()),
				)
				return fmt.Errorf("orchestrator: %d consecutive failures: %w",
					o.breaker.Failures(), domain.ErrBreakerOpen)
			}
			o.processWallet(ctx, chain, vault, wallet)
		}
	}
	return nil
}

// processWallet runs one wallet's turn: eligibility checks first, then the
// token walk. At most one position is opened per wallet per cycle.
func (o *Orchestrator) processWallet(ctx context.Context, chain config.ChainConfig, vault domain.VaultAdapter, wallet string) {
	status, err := o.walletEligible(ctx, vault, wallet)
	if err != nil {
		if errors.Is(err, domain.ErrNotEntitled) || errors.Is(err, domain.ErrVaultDisabled) {
			o.logger.DebugContext(ctx, "wallet not eligible",
				slog.String("wallet", wallet),
				slog.String("reason", err.Error()),
			)
		} else {
			o.logger.WarnContext(ctx, "wallet eligibility check failed, skipping",
				slog.String("wallet", wallet),
				slog.Int64("chain", chain.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if status.Balance <= 0 {
		return
	}

	openCount, err := o.positions.CountOpen(ctx, wallet, chain.ID)
	if err != nil {
		o.logger.WarnContext(ctx, "capacity query failed, skipping wallet",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		return
	}
	slots := chain.MaxPositions - openCount
	if slots <= 0 {
		return
	}

	// Free balance is divided across the remaining capacity slots so one
	// token cannot claim the whole vault.
	allocation := status.Balance / float64(slots)

	for i, token := range chain.Tokens {
		symbol := token
		if i < len(chain.Symbols) {
			symbol = chain.Symbols[i]
		}

		proceed, err := o.tokenEligible(ctx, wallet, chain.ID, token)
		if err != nil {
			o.logger.WarnContext(ctx, "token eligibility check failed",
				slog.String("wallet", wallet),
				slog.String("token", token),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !proceed {
			continue
		}

		sig := o.fetchSignal(ctx, chain.ID, token, allocation, status.RiskBps)
		if sig == nil {
			continue
		}

		opened := o.openPosition(ctx, chain, vault, wallet, token, symbol, allocation, status.RiskBps, sig)
		if opened {
			// One new position per wallet per cycle.
			return
		}
		// A failed open attempt ends the wallet's turn; we never cascade
		// attempts into the same fault.
		return
	}
}

// walletEligible runs the per-wallet gate: the entitlement check, then the
// vault's own auto-trade switches. Returns domain.ErrNotEntitled or
// domain.ErrVaultDisabled so callers can tell an expected skip from a fault.
func (o *Orchestrator) walletEligible(ctx context.Context, vault domain.VaultAdapter, wallet string) (domain.VaultStatus, error) {
	entitled, err := o.entitlement.CanTrade(ctx, wallet)
	if err != nil {
		return domain.VaultStatus{}, fmt.Errorf("entitlement check: %w", err)
	}
	if !entitled {
		return domain.VaultStatus{}, domain.ErrNotEntitled
	}

	status, err := vault.GetStatus(ctx, wallet)
	if err != nil {
		return domain.VaultStatus{}, fmt.Errorf("vault status read: %w", err)
	}
	if !status.AutoTradeEnabled || !status.CanTradeNow {
		return status, domain.ErrVaultDisabled
	}
	return status, nil
}

// tokenEligible applies the overlap guard and the cooldown window for one
// (wallet, chain, token) tuple.
func (o *Orchestrator) tokenEligible(ctx context.Context, wallet string, chain int64, token string) (bool, error) {
	// Any non-closed record blocks a new entry: open and closing positions
	// hold collateral, and a failed one must be reconciled first.
	active, err := o.positions.FindActive(ctx, wallet, chain, token)
	if err != nil {
		return false, fmt.Errorf("overlap query: %w", err)
	}
	if len(active) > 0 {
		return false, nil
	}

	cooling, err := o.cooldowns.Active(ctx, wallet, chain, token)
	if err != nil {
		return false, fmt.Errorf("cooldown query: %w", err)
	}
	return !cooling, nil
}

// fetchSignal requests a signal for the token. Provider errors, absent
// signals, and below-threshold confidence all mean nil: no trade this cycle.
func (o *Orchestrator) fetchSignal(ctx context.Context, chain int64, token string, allocation float64, riskBps int) *domain.TradeSignal {
	sig, err := o.signals.GetSignal(ctx, chain, token, allocation, riskBps, o.cfg.Strategy)
	if err != nil {
		o.logger.DebugContext(ctx, "signal fetch failed",
			slog.Int64("chain", chain),
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if sig == nil || sig.Confidence < o.cfg.MinConfidence {
		return nil
	}
	return sig
}

// openPosition submits the open transaction and records the ledger row. It
// returns true only when a new position was opened. The attempt arms the
// cooldown regardless of outcome, and a vault write failure bumps the breaker.
func (o *Orchestrator) openPosition(
	ctx context.Context,
	chain config.ChainConfig,
	vault domain.VaultAdapter,
	wallet, token, symbol string,
	allocation float64,
	riskBps int,
	sig *domain.TradeSignal,
) bool {
	collateral := allocation
	if sig.SuggestedAmount > 0 && sig.SuggestedAmount < collateral {
		collateral = sig.SuggestedAmount
	}
	leverage := leverageForRisk(riskBps)

	if err := o.cooldowns.Arm(ctx, wallet, chain.ID, token, o.cfg.Cooldown); err != nil {
		o.logger.WarnContext(ctx, "cooldown arm failed",
			slog.String("wallet", wallet),
			slog.String("token", token),
			slog.String("error", err.Error()),
		)
	}

	receipt, err := vault.Open(ctx, domain.OpenRequest{
		Wallet:              wallet,
		Token:               token,
		Collateral:          collateral,
		Leverage:            leverage,
		Direction:           sig.Direction,
		TrailingStopPercent: sig.TrailingStopPercent,
		TakeProfitPercent:   sig.TakeProfitPercent,
	})
	if err != nil {
		o.breaker.Failure()
		o.logger.ErrorContext(ctx, "open transaction failed",
			slog.String("wallet", wallet),
			slog.String("token", token),
			slog.Int("breaker_failures", o.breaker.Failures()),
			slog.String("error", err.Error()),
		)
		o.auditLog(ctx, "open_tx_failed", map[string]any{
			"wallet": wallet,
			"chain":  chain.ID,
			"token":  token,
			"error":  err.Error(),
		})
		if o.breaker.Open() {
			o.alert(ctx, "breaker_tripped", "Circuit breaker tripped",
				fmt.Sprintf("Open attempts paused after %d consecutive failures", o.breaker.Failures()))
		}
		return false
	}

	pos := o.buildPosition(chain.ID, wallet, token, symbol, collateral, leverage, sig, receipt)
	if err := o.positions.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// The entry transaction is already recorded; nothing to duplicate.
			o.logger.WarnContext(ctx, "entry tx already recorded",
				slog.String("entry_tx", receipt.TxHash),
			)
			return true
		}
		// The on-chain open succeeded but the ledger write did not. The
		// reconciler will surface the on-chain position; we must not retry
		// and risk a duplicate row.
		o.logger.ErrorContext(ctx, "ledger create failed after open",
			slog.String("wallet", wallet),
			slog.String("token", token),
			slog.String("entry_tx", receipt.TxHash),
			slog.String("error", err.Error()),
		)
		return true
	}

	o.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("wallet", wallet),
		slog.String("token", symbol),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("collateral", pos.EntryAmount),
	)
	o.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"wallet":      wallet,
		"chain":       chain.ID,
		"token":       token,
		"direction":   string(pos.Direction),
		"entry_price": pos.EntryPrice,
		"collateral":  pos.EntryAmount,
		"entry_tx":    pos.EntryTx,
		"confidence":  sig.Confidence,
	})
	o.alert(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s %s %s at %.6f, collateral %.2f (%s)",
			wallet, pos.Direction, symbol, pos.EntryPrice, pos.EntryAmount, sig.Reason))
	return true
}

// leverageForRisk maps the user's on-chain risk setting to a leverage
// multiplier: 2500 bps per extra turn of leverage, floored at 1x and capped
// at 5x.
func leverageForRisk(riskBps int) float64 {
	lev := 1 + float64(riskBps)/2500
	if lev < 1 {
		return 1
	}
	if lev > 5 {
		return 5
	}
	return lev
}

func (o *Orchestrator) buildPosition(
	chain int64,
	wallet, token, symbol string,
	collateral, leverage float64,
	sig *domain.TradeSignal,
	receipt domain.OpenReceipt,
) domain.Position {
	now := time.Now().UTC()

	tpPrice := 0.0
	if receipt.EntryPrice > 0 && sig.TakeProfitPercent > 0 {
		if sig.Direction == domain.DirectionLong {
			tpPrice = receipt.EntryPrice * (1 + sig.TakeProfitPercent/100)
		} else {
			tpPrice = receipt.EntryPrice * (1 - sig.TakeProfitPercent/100)
		}
	}

	return domain.Position{
		ID:                  uuid.New().String(),
		Wallet:              wallet,
		Chain:               chain,
		Token:               token,
		Symbol:              symbol,
		Direction:           sig.Direction,
		EntryPrice:          receipt.EntryPrice,
		EntryAmount:         collateral,
		TokenAmount:         receipt.TokenAmount,
		EntryTx:             receipt.TxHash,
		Protection:          domain.Unarmed(),
		TrailingStopPercent: sig.TrailingStopPercent,
		TakeProfitPrice:     tpPrice,
		TakeProfitPercent:   sig.TakeProfitPercent,
		ProfitLockPercent:   o.profitLock(sig),
		Leverage:            leverage,
		Borrowed:            receipt.Borrowed,
		Status:              domain.PositionStatusOpen,
		OpenedAt:            now,
		UpdatedAt:           now,
	}
}

// profitLock prefers the configured lock distance. With none configured it
// defaults to half the trailing distance, so a freshly armed stop sits at
// breakeven rather than behind it.
func (o *Orchestrator) profitLock(sig *domain.TradeSignal) float64 {
	if o.cfg.ProfitLockPercent > 0 {
		return o.cfg.ProfitLockPercent
	}
	if sig.TrailingStopPercent > 0 {
		return sig.TrailingStopPercent / 2
	}
	return 0.5
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) alert(ctx context.Context, event, title, message string) {
	if o.alerter == nil {
		return
	}
	if err := o.alerter.Notify(ctx, event, title, message); err != nil {
		o.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
