package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/config"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/orchestrator"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memStore struct {
	openCount int
	active    map[string][]domain.Position // wallet + "|" + token
	created   []domain.Position
	createErr error
	history   []domain.Position
}

func newMemStore() *memStore {
	return &memStore{active: map[string][]domain.Position{}}
}

func (s *memStore) Create(ctx context.Context, pos domain.Position) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, pos)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (s *memStore) FindActive(ctx context.Context, wallet string, chain int64, token string) ([]domain.Position, error) {
	return s.active[wallet+"|"+token], nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) CountOpen(ctx context.Context, wallet string, chain int64) (int, error) {
	return s.openCount, nil
}

func (s *memStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.history {
		if p.Wallet != wallet {
			continue
		}
		if opts.Since != nil && p.OpenedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && p.OpenedAt.After(*opts.Until) {
			continue
		}
		if opts.ClosedSince != nil && (p.ClosedAt == nil || p.ClosedAt.Before(*opts.ClosedSince)) {
			continue
		}
		if opts.ClosedUntil != nil && (p.ClosedAt == nil || !p.ClosedAt.Before(*opts.ClosedUntil)) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) UpdateProtection(ctx context.Context, id string, prot domain.Protection) error {
	return nil
}

func (s *memStore) MarkClosing(ctx context.Context, id string, reason domain.CloseReason) error {
	return nil
}

func (s *memStore) Reopen(ctx context.Context, id string) error {
	return nil
}

func (s *memStore) CloseOut(ctx context.Context, id string, res domain.CloseResult) error {
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, reason domain.CloseReason) error {
	return nil
}

type memCooldowns struct {
	cooling map[string]bool
	armed   []string
}

func newMemCooldowns() *memCooldowns {
	return &memCooldowns{cooling: map[string]bool{}}
}

func (c *memCooldowns) Arm(ctx context.Context, wallet string, chain int64, token string, ttl time.Duration) error {
	c.armed = append(c.armed, wallet+"|"+token)
	return nil
}

func (c *memCooldowns) Active(ctx context.Context, wallet string, chain int64, token string) (bool, error) {
	return c.cooling[wallet+"|"+token], nil
}

type stubSignals struct {
	byToken map[string]*domain.TradeSignal
}

func (s stubSignals) GetSignal(ctx context.Context, chain int64, token string, balance float64, riskBps int, strategy string) (*domain.TradeSignal, error) {
	return s.byToken[token], nil
}

type stubEntitlement struct {
	entitled bool
}

func (e stubEntitlement) CanTrade(ctx context.Context, wallet string) (bool, error) {
	return e.entitled, nil
}

type stubVault struct {
	chain    int64
	status   domain.VaultStatus
	receipt  domain.OpenReceipt
	openErr  error
	opens    []domain.OpenRequest
	sweeps   []float64
	sweepErr error
}

func (v *stubVault) ChainID() int64 { return v.chain }

func (v *stubVault) GetStatus(ctx context.Context, wallet string) (domain.VaultStatus, error) {
	return v.status, nil
}

func (v *stubVault) Open(ctx context.Context, req domain.OpenRequest) (domain.OpenReceipt, error) {
	v.opens = append(v.opens, req)
	if v.openErr != nil {
		return domain.OpenReceipt{}, v.openErr
	}
	return v.receipt, nil
}

func (v *stubVault) Close(ctx context.Context, wallet, token string, reason domain.CloseReason) (domain.CloseReceipt, error) {
	return domain.CloseReceipt{}, nil
}

func (v *stubVault) GetOnChainPosition(ctx context.Context, wallet, token string) (domain.OnChainPosition, error) {
	return domain.OnChainPosition{}, nil
}

func (v *stubVault) SweepFees(ctx context.Context, wallet string, amount float64) (string, error) {
	if v.sweepErr != nil {
		return "", v.sweepErr
	}
	v.sweeps = append(v.sweeps, amount)
	return "0xsweep", nil
}

type stubRegistry struct {
	vault domain.VaultAdapter
}

func (r stubRegistry) ForChain(chain int64) (domain.VaultAdapter, error) {
	return r.vault, nil
}

type fakeAlerter struct {
	events []string
}

func (a *fakeAlerter) Notify(ctx context.Context, event, title, message string) error {
	a.events = append(a.events, event)
	return nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func (a *memAudit) ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type fixture struct {
	store     *memStore
	cooldowns *memCooldowns
	vault     *stubVault
	audit     *memAudit
	breaker   *orchestrator.Breaker
}

func testChain() config.ChainConfig {
	return config.ChainConfig{
		ID:           8453,
		MaxPositions: 3,
		Tokens:       []string{"0xaaa", "0xbbb"},
		Symbols:      []string{"AAA", "BBB"},
	}
}

func longSignal(token string) *domain.TradeSignal {
	return &domain.TradeSignal{
		Token:               token,
		Direction:           domain.DirectionLong,
		Confidence:          80,
		TakeProfitPercent:   5,
		TrailingStopPercent: 1,
		Reason:              "momentum",
	}
}

func build(t *testing.T, f *fixture, signals map[string]*domain.TradeSignal, wallets []string) *orchestrator.Orchestrator {
	t.Helper()
	if f.breaker == nil {
		f.breaker = orchestrator.NewBreaker(3, 10*time.Minute, nil)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return orchestrator.New(
		f.store,
		f.cooldowns,
		stubSignals{byToken: signals},
		stubEntitlement{entitled: true},
		stubRegistry{vault: f.vault},
		f.breaker,
		f.audit,
		nil,
		orchestrator.Config{
			Wallets:       wallets,
			Chains:        []config.ChainConfig{testChain()},
			MinConfidence: 60,
			Cooldown:      5 * time.Minute,
		},
		logger,
	)
}

func defaultFixture() *fixture {
	return &fixture{
		store:     newMemStore(),
		cooldowns: newMemCooldowns(),
		audit:     &memAudit{},
		vault: &stubVault{
			chain: 8453,
			status: domain.VaultStatus{
				Balance:          900,
				AutoTradeEnabled: true,
				CanTradeNow:      true,
				RiskBps:          2500,
			},
			receipt: domain.OpenReceipt{TxHash: "0xtx1", EntryPrice: 100, TokenAmount: 6},
		},
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunCycleOpensOnePositionPerWallet(t *testing.T) {
	f := defaultFixture()
	signals := map[string]*domain.TradeSignal{
		"0xaaa": longSignal("0xaaa"),
		"0xbbb": longSignal("0xbbb"),
	}
	o := build(t, f, signals, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Both tokens had tradable signals; the wallet still opens exactly one.
	if len(f.store.created) != 1 {
		t.Fatalf("created %d positions, want 1", len(f.store.created))
	}
	if len(f.vault.opens) != 1 {
		t.Errorf("submitted %d open transactions, want 1", len(f.vault.opens))
	}

	pos := f.store.created[0]
	if pos.Token != "0xaaa" || pos.Symbol != "AAA" {
		t.Errorf("opened %s/%s, want first eligible token 0xaaa/AAA", pos.Token, pos.Symbol)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Errorf("status = %s, want open", pos.Status)
	}
	if pos.Protection.Armed {
		t.Errorf("new position created with armed protection")
	}
	// entry 100, take profit 5% long.
	if pos.TakeProfitPrice != 105 {
		t.Errorf("take profit price = %v, want 105", pos.TakeProfitPrice)
	}
	// Profit lock defaults to half the trailing distance.
	if pos.ProfitLockPercent != 0.5 {
		t.Errorf("profit lock = %v, want 0.5", pos.ProfitLockPercent)
	}
	// risk 2500 bps maps to 2x leverage.
	if pos.Leverage != 2 {
		t.Errorf("leverage = %v, want 2", pos.Leverage)
	}
}

func TestRunCycleDividesBalanceAcrossSlots(t *testing.T) {
	f := defaultFixture()
	f.store.openCount = 1 // 2 of 3 slots free
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 1 {
		t.Fatalf("submitted %d opens, want 1", len(f.vault.opens))
	}
	// 900 balance over 2 free slots.
	if f.vault.opens[0].Collateral != 450 {
		t.Errorf("collateral = %v, want 450", f.vault.opens[0].Collateral)
	}
}

func TestRunCycleRespectsCapacity(t *testing.T) {
	f := defaultFixture()
	f.store.openCount = 3
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 0 {
		t.Errorf("opened at capacity: %d transactions", len(f.vault.opens))
	}
}

func TestRunCycleSkipsActiveTuple(t *testing.T) {
	f := defaultFixture()
	// A failed position for the first token still claims collateral and
	// blocks re-entry; the walk moves on to the next token.
	f.store.active["0xw1|0xaaa"] = []domain.Position{{ID: "p1", Status: domain.PositionStatusFailed}}
	signals := map[string]*domain.TradeSignal{
		"0xaaa": longSignal("0xaaa"),
		"0xbbb": longSignal("0xbbb"),
	}
	o := build(t, f, signals, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.store.created) != 1 {
		t.Fatalf("created %d positions, want 1", len(f.store.created))
	}
	if f.store.created[0].Token != "0xbbb" {
		t.Errorf("opened %s, want 0xbbb", f.store.created[0].Token)
	}
}

func TestRunCycleSkipsCooldown(t *testing.T) {
	f := defaultFixture()
	f.cooldowns.cooling["0xw1|0xaaa"] = true
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 0 {
		t.Errorf("opened during cooldown")
	}
}

func TestRunCycleSkipsBelowConfidence(t *testing.T) {
	f := defaultFixture()
	weak := longSignal("0xaaa")
	weak.Confidence = 40
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": weak}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 0 {
		t.Errorf("opened on a 40 confidence signal with threshold 60")
	}
}

func TestRunCycleSkipsUnentitledWallet(t *testing.T) {
	f := defaultFixture()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := orchestrator.New(
		f.store,
		f.cooldowns,
		stubSignals{byToken: map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}},
		stubEntitlement{entitled: false},
		stubRegistry{vault: f.vault},
		orchestrator.NewBreaker(3, 10*time.Minute, nil),
		f.audit,
		nil,
		orchestrator.Config{
			Wallets: []string{"0xw1"},
			Chains:  []config.ChainConfig{testChain()},
		},
		logger,
	)

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 0 {
		t.Errorf("unentitled wallet traded")
	}
}

func TestRunCycleBreakerHaltsRemainingWallets(t *testing.T) {
	f := defaultFixture()
	f.vault.openErr = errors.New("execution reverted")
	f.breaker = orchestrator.NewBreaker(1, 10*time.Minute, nil)
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1", "0xw2", "0xw3"})

	err := o.RunCycle(context.Background())
	if !errors.Is(err, domain.ErrBreakerOpen) {
		t.Fatalf("RunCycle error = %v, want ErrBreakerOpen", err)
	}
	// The first wallet's failed open trips the threshold-1 breaker; the
	// remaining wallets are not attempted.
	if len(f.vault.opens) != 1 {
		t.Errorf("attempted %d opens after breaker trip, want 1", len(f.vault.opens))
	}
	if !f.breaker.Open() {
		t.Errorf("breaker not open after vault failure")
	}
	if len(f.store.created) != 0 {
		t.Errorf("ledger row created for a failed open")
	}
}

func TestRunCycleArmsCooldownOnFailedOpen(t *testing.T) {
	f := defaultFixture()
	f.vault.openErr = errors.New("execution reverted")
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.cooldowns.armed) != 1 || f.cooldowns.armed[0] != "0xw1|0xaaa" {
		t.Errorf("cooldown not armed for failed attempt: %v", f.cooldowns.armed)
	}
}

func TestRunCycleToleratesDuplicateEntryTx(t *testing.T) {
	f := defaultFixture()
	f.store.createErr = domain.ErrAlreadyExists
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	// The entry tx was already recorded; nothing is retried and the breaker
	// stays closed.
	if f.breaker.Failures() != 0 {
		t.Errorf("duplicate entry counted as a breaker failure")
	}
	if len(f.vault.opens) != 1 {
		t.Errorf("open retried after duplicate entry: %d attempts", len(f.vault.opens))
	}
}

func TestRunCycleSkipsDisabledVault(t *testing.T) {
	f := defaultFixture()
	f.vault.status.AutoTradeEnabled = false
	o := build(t, f, map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}, []string{"0xw1"})

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.vault.opens) != 0 {
		t.Errorf("opened with auto-trade disabled")
	}
}

func TestRunCycleUsesConfiguredProfitLock(t *testing.T) {
	f := defaultFixture()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := orchestrator.New(
		f.store,
		f.cooldowns,
		stubSignals{byToken: map[string]*domain.TradeSignal{"0xaaa": longSignal("0xaaa")}},
		stubEntitlement{entitled: true},
		stubRegistry{vault: f.vault},
		orchestrator.NewBreaker(3, 10*time.Minute, nil),
		f.audit,
		nil,
		orchestrator.Config{
			Wallets:           []string{"0xw1"},
			Chains:            []config.ChainConfig{testChain()},
			MinConfidence:     60,
			ProfitLockPercent: 0.8,
		},
		logger,
	)

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(f.store.created) != 1 {
		t.Fatalf("created %d positions, want 1", len(f.store.created))
	}
	// The configured lock overrides the half-trailing derivation.
	if f.store.created[0].ProfitLockPercent != 0.8 {
		t.Errorf("profit lock = %v, want configured 0.8", f.store.created[0].ProfitLockPercent)
	}
}
