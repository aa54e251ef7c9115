package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/feed"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/orchestrator"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/reconcile"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/scheduler"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/server"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/server/handler"
)

// Cycle names registered with the scheduler. These are the identifiers the
// manual-trigger endpoint and the liveness probe expose.
const (
	cycleTrading        = "trading"
	cycleMonitoring     = "monitoring"
	cycleReconciliation = "reconciliation"
	cycleFeeSweep       = "fee_sweep"
	cycleArchival       = "archival"
)

// TradeMode runs the trading cycle and the fee sweep, without position
// monitoring. Useful when a separate monitor-mode instance owns the
// lifecycle loop.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)
	sched := scheduler.New(deps.Locks, a.logger)

	orch := a.buildOrchestrator(deps)
	sched.Add(cycleTrading, a.cfg.Trading.CycleInterval(), orch.RunCycle)
	sched.Add(cycleFeeSweep, a.cfg.Trading.FeeSweepInterval(), a.buildFeeSweeper(deps).RunCycle)
	a.addArchival(sched, deps)

	g.Go(func() error { return sched.Run(ctx) })
	a.startServer(ctx, g, deps, sched, nil)
	return g.Wait()
}

// MonitorMode runs the price feed and the monitoring cycle only.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	sched := scheduler.New(deps.Locks, a.logger)

	monitor := a.buildMonitor(deps)
	sched.Add(cycleMonitoring, a.cfg.Trading.MonitorInterval(), monitor.RunCycle)

	g.Go(func() error { return sched.Run(ctx) })
	a.startFeed(ctx, g, deps)
	a.startServer(ctx, g, deps, sched, monitor)
	return g.Wait()
}

// ReconcileMode runs the reconciliation cycle only. Intended for repairing a
// ledger after an outage without opening new positions.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	sched := scheduler.New(deps.Locks, a.logger)

	rec := a.buildReconciler(deps)
	sched.Add(cycleReconciliation, a.cfg.Trading.ReconcileInterval(), rec.RunCycle)

	g.Go(func() error { return sched.Run(ctx) })
	a.startServer(ctx, g, deps, sched, nil)
	return g.Wait()
}

// FullMode runs everything: feed, trading, monitoring, reconciliation, fee
// sweep and archival.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	sched := scheduler.New(deps.Locks, a.logger)

	monitor := a.buildMonitor(deps)
	sched.Add(cycleTrading, a.cfg.Trading.CycleInterval(), a.buildOrchestrator(deps).RunCycle)
	sched.Add(cycleMonitoring, a.cfg.Trading.MonitorInterval(), monitor.RunCycle)
	sched.Add(cycleReconciliation, a.cfg.Trading.ReconcileInterval(), a.buildReconciler(deps).RunCycle)
	sched.Add(cycleFeeSweep, a.cfg.Trading.FeeSweepInterval(), a.buildFeeSweeper(deps).RunCycle)
	a.addArchival(sched, deps)

	g.Go(func() error { return sched.Run(ctx) })
	a.startFeed(ctx, g, deps)
	a.startServer(ctx, g, deps, sched, monitor)
	return g.Wait()
}

// --------------------------------------------------------------------------
// Component builders
// --------------------------------------------------------------------------

// stepFunc selects the trailing-stop step mode from configuration.
func (a *App) stepFunc() engine.StepFunc {
	if a.cfg.Trading.StepMode == "stepped" {
		return engine.SteppedStep(a.cfg.Trading.StepSizePercent)
	}
	return engine.ContinuousStep
}

func (a *App) buildMonitor(deps *Dependencies) *engine.Monitor {
	return engine.NewMonitor(
		deps.Positions,
		deps.Prices,
		deps.Vaults,
		deps.Signals,
		deps.Audit,
		deps.Notifier,
		a.stepFunc(),
		engine.MonitorConfig{
			MaxPriceAge:        a.cfg.Trading.MaxPriceAge(),
			ReversalConfidence: a.cfg.Trading.ReversalConfidence,
			Strategy:           a.cfg.Signals.Strategy,
		},
		a.logger,
	)
}

func (a *App) buildOrchestrator(deps *Dependencies) *orchestrator.Orchestrator {
	breaker := orchestrator.NewBreaker(
		a.cfg.Trading.BreakerThreshold,
		a.cfg.Trading.BreakerQuiet(),
		time.Now,
	)
	return orchestrator.New(
		deps.Positions,
		deps.Cooldowns,
		deps.Signals,
		deps.Entitlement,
		deps.Vaults,
		breaker,
		deps.Audit,
		deps.Notifier,
		orchestrator.Config{
			Wallets:           a.cfg.Trading.Wallets,
			Chains:            a.cfg.Chains,
			Strategy:          a.cfg.Signals.Strategy,
			MinConfidence:     a.cfg.Signals.MinConfidence,
			Cooldown:          a.cfg.Trading.Cooldown(),
			ProfitLockPercent: a.cfg.Trading.ProfitLockPercent,
		},
		a.logger,
	)
}

func (a *App) buildReconciler(deps *Dependencies) *reconcile.Reconciler {
	return reconcile.New(
		deps.Positions,
		deps.Vaults,
		deps.Prices,
		deps.Audit,
		deps.Notifier,
		reconcile.Config{
			CheckTimeout: 15 * time.Second,
			MaxPriceAge:  a.cfg.Trading.MaxPriceAge(),
		},
		a.logger,
	)
}

func (a *App) buildFeeSweeper(deps *Dependencies) *orchestrator.FeeSweeper {
	return orchestrator.NewFeeSweeper(
		deps.Positions,
		deps.Vaults,
		deps.Audit,
		deps.Notifier,
		a.cfg.Trading.Wallets,
		a.cfg.Trading.FeePercent,
		time.Now,
		a.logger,
	)
}

// addArchival registers the cold-storage export cycle when a bucket is
// configured. It shares the fee-sweep cadence.
func (a *App) addArchival(sched *scheduler.Scheduler, deps *Dependencies) {
	if deps.Archiver == nil || a.cfg.Trading.ArchiveAfterDays <= 0 {
		return
	}

	retention := time.Duration(a.cfg.Trading.ArchiveAfterDays) * 24 * time.Hour
	sched.Add(cycleArchival, a.cfg.Trading.FeeSweepInterval(), func(ctx context.Context) error {
		cutoff := time.Now().UTC().Add(-retention)
		if _, err := deps.Archiver.ArchivePositions(ctx, cutoff); err != nil {
			return err
		}
		_, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
		return err
	})
}

// startFeed launches the oracle feed goroutine when an endpoint is
// configured.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Feed.WSURL == "" {
		a.logger.Info("no feed endpoint configured, relying on external price publisher")
		return
	}

	var subs []feed.Subscription
	for _, cc := range a.cfg.Chains {
		for _, token := range cc.Tokens {
			subs = append(subs, feed.Subscription{Chain: cc.ID, Token: token})
		}
	}

	oracleFeed := feed.NewOracleFeed(a.cfg.Feed.WSURL, subs, deps.Prices, a.logger)
	g.Go(func() error { return oracleFeed.Run(ctx) })
}

// startServer launches the operator HTTP server and shuts it down when the
// group context ends. closer may be nil in modes without the lifecycle
// engine.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, sched *scheduler.Scheduler, closer handler.PositionCloser) {
	if a.cfg.Server.Port <= 0 {
		return
	}

	srv := server.New(a.cfg.Server, server.Handlers{
		Health:    handler.NewHealthHandler(sched),
		Positions: handler.NewPositionHandler(deps.Positions, closer, a.logger),
		Ops:       handler.NewOpsHandler(sched, deps.Audit, a.logger),
	}, a.logger)

	g.Go(func() error { return srv.Start() })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}
