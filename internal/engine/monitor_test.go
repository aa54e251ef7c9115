package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type memStore struct {
	open           []domain.Position
	protections    map[string]domain.Protection
	closing        map[string]domain.CloseReason
	closed         map[string]domain.CloseResult
	markClosingErr error
}

func newMemStore(open ...domain.Position) *memStore {
	return &memStore{
		open:        open,
		protections: map[string]domain.Protection{},
		closing:     map[string]domain.CloseReason{},
		closed:      map[string]domain.CloseResult{},
	}
}

func (s *memStore) Create(ctx context.Context, pos domain.Position) error { return nil }

func (s *memStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	for _, p := range s.open {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *memStore) FindActive(ctx context.Context, wallet string, chain int64, token string) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) ListByStatus(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.Position, error) {
	return s.open, nil
}

func (s *memStore) CountOpen(ctx context.Context, wallet string, chain int64) (int, error) {
	return len(s.open), nil
}

func (s *memStore) ListHistory(ctx context.Context, wallet string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) UpdateProtection(ctx context.Context, id string, prot domain.Protection) error {
	s.protections[id] = prot
	return nil
}

func (s *memStore) MarkClosing(ctx context.Context, id string, reason domain.CloseReason) error {
	if s.markClosingErr != nil {
		return s.markClosingErr
	}
	s.closing[id] = reason
	return nil
}

func (s *memStore) Reopen(ctx context.Context, id string) error {
	return nil
}

func (s *memStore) CloseOut(ctx context.Context, id string, res domain.CloseResult) error {
	s.closed[id] = res
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id string, reason domain.CloseReason) error {
	return nil
}

type stubPrices struct {
	price float64
	ts    time.Time
	err   error
}

func (p stubPrices) GetPrice(ctx context.Context, chain int64, token string) (float64, time.Time, error) {
	return p.price, p.ts, p.err
}

func (p stubPrices) SetPrice(ctx context.Context, chain int64, token string, price float64, ts time.Time) error {
	return nil
}

type stubVault struct {
	chain    int64
	closeErr error
	receipt  domain.CloseReceipt
	closes   []string
}

func (v *stubVault) ChainID() int64 { return v.chain }

func (v *stubVault) GetStatus(ctx context.Context, wallet string) (domain.VaultStatus, error) {
	return domain.VaultStatus{}, nil
}

func (v *stubVault) Open(ctx context.Context, req domain.OpenRequest) (domain.OpenReceipt, error) {
	return domain.OpenReceipt{}, nil
}

func (v *stubVault) Close(ctx context.Context, wallet, token string, reason domain.CloseReason) (domain.CloseReceipt, error) {
	v.closes = append(v.closes, token)
	if v.closeErr != nil {
		return domain.CloseReceipt{}, v.closeErr
	}
	return v.receipt, nil
}

func (v *stubVault) GetOnChainPosition(ctx context.Context, wallet, token string) (domain.OnChainPosition, error) {
	return domain.OnChainPosition{}, nil
}

func (v *stubVault) SweepFees(ctx context.Context, wallet string, amount float64) (string, error) {
	return "", nil
}

type stubRegistry struct {
	vault domain.VaultAdapter
}

func (r stubRegistry) ForChain(chain int64) (domain.VaultAdapter, error) {
	return r.vault, nil
}

type stubSignals struct {
	sig *domain.TradeSignal
}

func (s stubSignals) GetSignal(ctx context.Context, chain int64, token string, balance float64, riskBps int, strategy string) (*domain.TradeSignal, error) {
	return s.sig, nil
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

func (a *memAudit) has(event string) bool {
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func openLong(id string) domain.Position {
	return domain.Position{
		ID:                  id,
		Wallet:              "0xw1",
		Chain:               8453,
		Token:               "0xaaa",
		Direction:           domain.DirectionLong,
		EntryPrice:          100,
		EntryAmount:         250,
		TrailingStopPercent: 1,
		TakeProfitPrice:     105,
		TakeProfitPercent:   5,
		ProfitLockPercent:   0.5,
		Status:              domain.PositionStatusOpen,
	}
}

func newTestMonitor(store *memStore, prices domain.PriceCache, vault *stubVault, audit *memAudit, sig *domain.TradeSignal) *engine.Monitor {
	return newAlertingMonitor(store, prices, vault, audit, sig, nil)
}

func newAlertingMonitor(store *memStore, prices domain.PriceCache, vault *stubVault, audit *memAudit, sig *domain.TradeSignal, alerter engine.Alerter) *engine.Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := engine.MonitorConfig{MaxPriceAge: time.Minute}
	if sig != nil {
		cfg.ReversalConfidence = 75
	}
	return engine.NewMonitor(store, prices, stubRegistry{vault: vault}, stubSignals{sig: sig}, audit, alerter, engine.ContinuousStep, cfg, logger)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMonitorClosesOnTrailingStop(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453, receipt: domain.CloseReceipt{TxHash: "0xclose"}}
	audit := &memAudit{}
	m := newTestMonitor(store, stubPrices{price: 100.9, ts: time.Now()}, vault, audit, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if store.closing["p1"] != domain.CloseReasonTrailingStop {
		t.Errorf("closing reason = %q, want trailing_stop", store.closing["p1"])
	}
	res, ok := store.closed["p1"]
	if !ok {
		t.Fatalf("position not closed out")
	}
	if res.Reason != domain.CloseReasonTrailingStop {
		t.Errorf("close reason = %q, want trailing_stop", res.Reason)
	}
	if res.ExitPrice != 100.9 {
		t.Errorf("exit price = %v, want 100.9", res.ExitPrice)
	}
	if res.CloseTx != "0xclose" {
		t.Errorf("close tx = %q, want 0xclose", res.CloseTx)
	}
	// 250 collateral × 0.9% profit.
	if res.PnL < 2.249 || res.PnL > 2.251 {
		t.Errorf("pnl = %v, want 2.25", res.PnL)
	}
}

func TestMonitorTakeProfitWinsOnSameSample(t *testing.T) {
	// One sample jumps through both the armed stop's watermark region and
	// the take-profit target; the tick reports take_profit.
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453, receipt: domain.CloseReceipt{TxHash: "0xclose"}}
	m := newTestMonitor(store, stubPrices{price: 106, ts: time.Now()}, vault, &memAudit{}, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if store.closed["p1"].Reason != domain.CloseReasonTakeProfit {
		t.Errorf("close reason = %q, want take_profit", store.closed["p1"].Reason)
	}
}

func TestMonitorSkipsStalePrice(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453}
	m := newTestMonitor(store, stubPrices{price: 99, ts: time.Now().Add(-5 * time.Minute)}, vault, &memAudit{}, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(vault.closes) != 0 {
		t.Errorf("acted on a stale price sample")
	}
	if len(store.protections) != 0 {
		t.Errorf("advanced protection on a stale price sample")
	}
}

func TestMonitorSkipsMissingPrice(t *testing.T) {
	store := newMemStore(openLong("p1"))
	vault := &stubVault{chain: 8453}
	m := newTestMonitor(store, stubPrices{err: domain.ErrNotFound}, vault, &memAudit{}, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(vault.closes) != 0 || len(store.protections) != 0 {
		t.Errorf("acted without a price sample")
	}
}

func TestMonitorRefusesUnsafeStop(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(98, 101) // below entry, must never close
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453}
	audit := &memAudit{}
	m := newTestMonitor(store, stubPrices{price: 97.5, ts: time.Now()}, vault, audit, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(vault.closes) != 0 {
		t.Errorf("unsafe stop realized a loss")
	}
	if !audit.has("unsafe_stop_refused") {
		t.Errorf("unsafe stop not audited: %v", audit.events)
	}
}

func TestMonitorArmsAndPersistsProtection(t *testing.T) {
	store := newMemStore(openLong("p1"))
	vault := &stubVault{chain: 8453}
	audit := &memAudit{}
	m := newTestMonitor(store, stubPrices{price: 100.6, ts: time.Now()}, vault, audit, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	prot, ok := store.protections["p1"]
	if !ok {
		t.Fatalf("protection not persisted")
	}
	if !prot.Armed || prot.StopPrice != 100 || prot.Watermark != 100.6 {
		t.Errorf("persisted protection = %+v, want armed stop 100 watermark 100.6", prot)
	}
	if !audit.has("stop_armed") {
		t.Errorf("arming not audited: %v", audit.events)
	}
}

func TestMonitorNoWriteWithoutChange(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453}
	// 101.5 is neither a trigger nor a new high.
	m := newTestMonitor(store, stubPrices{price: 101.5, ts: time.Now()}, vault, &memAudit{}, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(store.protections) != 0 {
		t.Errorf("protection written without a state change")
	}
	if len(vault.closes) != 0 {
		t.Errorf("close submitted without a trigger")
	}
}

func TestMonitorClosesOnSignalReversal(t *testing.T) {
	store := newMemStore(openLong("p1"))
	vault := &stubVault{chain: 8453, receipt: domain.CloseReceipt{TxHash: "0xclose"}}
	reversal := &domain.TradeSignal{Direction: domain.DirectionShort, Confidence: 90}
	m := newTestMonitor(store, stubPrices{price: 100.2, ts: time.Now()}, vault, &memAudit{}, reversal)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if store.closed["p1"].Reason != domain.CloseReasonSignalReversal {
		t.Errorf("close reason = %q, want signal_reversal", store.closed["p1"].Reason)
	}
}

func TestMonitorIgnoresWeakReversal(t *testing.T) {
	store := newMemStore(openLong("p1"))
	vault := &stubVault{chain: 8453}
	reversal := &domain.TradeSignal{Direction: domain.DirectionShort, Confidence: 50}
	m := newTestMonitor(store, stubPrices{price: 100.2, ts: time.Now()}, vault, &memAudit{}, reversal)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(vault.closes) != 0 {
		t.Errorf("closed on a below-threshold reversal signal")
	}
}

func TestMonitorConcurrentCloserWins(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	store.markClosingErr = domain.ErrStatusConflict
	vault := &stubVault{chain: 8453}
	m := newTestMonitor(store, stubPrices{price: 100.9, ts: time.Now()}, vault, &memAudit{}, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(vault.closes) != 0 {
		t.Errorf("close submitted after losing the closing transition")
	}
}

func TestMonitorLeavesRowClosingOnTxFailure(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453, closeErr: errors.New("execution reverted")}
	audit := &memAudit{}
	m := newTestMonitor(store, stubPrices{price: 100.9, ts: time.Now()}, vault, audit, nil)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, ok := store.closing["p1"]; !ok {
		t.Errorf("row not left in closing for the reconciler")
	}
	if _, ok := store.closed["p1"]; ok {
		t.Errorf("row finalized despite failed close transaction")
	}
	if !audit.has("close_tx_failed") {
		t.Errorf("failed close not audited: %v", audit.events)
	}
}

func TestCloseByIDRejectsNonOpen(t *testing.T) {
	pos := openLong("p1")
	pos.Status = domain.PositionStatusClosing
	store := newMemStore(pos)
	m := newTestMonitor(store, stubPrices{price: 100, ts: time.Now()}, &stubVault{chain: 8453}, &memAudit{}, nil)

	err := m.CloseByID(context.Background(), "p1", domain.CloseReasonManual)
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
}

func TestCloseByIDManual(t *testing.T) {
	store := newMemStore(openLong("p1"))
	vault := &stubVault{chain: 8453, receipt: domain.CloseReceipt{TxHash: "0xclose"}}
	m := newTestMonitor(store, stubPrices{price: 101, ts: time.Now()}, vault, &memAudit{}, nil)

	if err := m.CloseByID(context.Background(), "p1", domain.CloseReasonManual); err != nil {
		t.Fatalf("CloseByID: %v", err)
	}
	if store.closed["p1"].Reason != domain.CloseReasonManual {
		t.Errorf("close reason = %q, want manual", store.closed["p1"].Reason)
	}
}

func TestMonitorNotifiesOnClose(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(100.98, 102)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453, receipt: domain.CloseReceipt{TxHash: "0xclose"}}
	alerter := &fakeAlerter{}
	m := newAlertingMonitor(store, stubPrices{price: 100.9, ts: time.Now()}, vault, &memAudit{}, nil, alerter)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(alerter.events) != 1 || alerter.events[0] != "position_closed" {
		t.Errorf("alert events = %v, want [position_closed]", alerter.events)
	}
}

func TestMonitorNotifiesOnUnsafeStop(t *testing.T) {
	pos := openLong("p1")
	pos.Protection = domain.Armed(98, 101)
	store := newMemStore(pos)
	alerter := &fakeAlerter{}
	m := newAlertingMonitor(store, stubPrices{price: 97.5, ts: time.Now()}, &stubVault{chain: 8453}, &memAudit{}, nil, alerter)

	if err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(alerter.events) != 1 || alerter.events[0] != "unsafe_stop_refused" {
		t.Errorf("alert events = %v, want [unsafe_stop_refused]", alerter.events)
	}
}

func TestCloseByIDRejectsStalePrice(t *testing.T) {
	pos := openLong("p1")
	store := newMemStore(pos)
	stale := stubPrices{price: 101, ts: time.Now().Add(-5 * time.Minute)}
	m := newTestMonitor(store, stale, &stubVault{chain: 8453}, &memAudit{}, nil)

	err := m.CloseByID(context.Background(), "p1", domain.CloseReasonManual)
	if !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("CloseByID error = %v, want ErrStalePrice", err)
	}
	if len(store.closing) != 0 {
		t.Errorf("close started on a stale price")
	}
}

func TestClosePositionRefusesLossStop(t *testing.T) {
	// The stop-trigger path re-checks that the armed stop still sits at or
	// beyond breakeven before any transaction is submitted.
	pos := openLong("p1")
	pos.Protection = domain.Armed(98, 99)
	store := newMemStore(pos)
	vault := &stubVault{chain: 8453}
	m := newTestMonitor(store, stubPrices{price: 97.9, ts: time.Now()}, vault, &memAudit{}, nil)

	err := m.ClosePosition(context.Background(), pos, 97.9, domain.CloseReasonTrailingStop)
	if !errors.Is(err, domain.ErrUnsafeStop) {
		t.Fatalf("ClosePosition error = %v, want ErrUnsafeStop", err)
	}
	if len(store.closing) != 0 || len(vault.closes) != 0 {
		t.Errorf("loss-realizing stop reached the ledger or the vault")
	}
}
