package engine_test

import (
	"math"
	"testing"

	"github.com/privatecharterxdevelopment/monadier-sub000/internal/domain"
	"github.com/privatecharterxdevelopment/monadier-sub000/internal/engine"
)

const eps = 1e-9

func longPosition() domain.Position {
	return domain.Position{
		ID:                  "pos-1",
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

func shortPosition() domain.Position {
	p := longPosition()
	p.Direction = domain.DirectionShort
	p.TakeProfitPrice = 95
	return p
}

func TestAdvanceHoldsBelowProfitLock(t *testing.T) {
	p := longPosition()

	// 0.4% profit is below the 0.5% lock threshold; nothing arms.
	prot, changed := engine.Advance(p, 100.4, engine.ContinuousStep)
	if changed {
		t.Errorf("expected no change at 100.4, got %+v", prot)
	}
	if prot.Armed {
		t.Errorf("stop armed below profit lock threshold")
	}

	// Adverse excursion while unarmed is held, not stopped out.
	prot, changed = engine.Advance(p, 97, engine.ContinuousStep)
	if changed || prot.Armed {
		t.Errorf("expected unarmed hold at 97, got changed=%v prot=%+v", changed, prot)
	}
}

func TestAdvanceArmsClampedAtEntry(t *testing.T) {
	p := longPosition()

	// At 100.6 the raw trail is 100.6 × 0.99 = 99.594, below entry; the
	// arming stop clamps to the 100 entry so it implies breakeven.
	prot, changed := engine.Advance(p, 100.6, engine.ContinuousStep)
	if !changed || !prot.Armed {
		t.Fatalf("expected armed stop at 100.6, got changed=%v prot=%+v", changed, prot)
	}
	if math.Abs(prot.StopPrice-100) > eps {
		t.Errorf("stop = %v, want 100 (clamped to entry)", prot.StopPrice)
	}
	if math.Abs(prot.Watermark-100.6) > eps {
		t.Errorf("watermark = %v, want 100.6", prot.Watermark)
	}
}

func TestAdvanceTrailsOnNewHigh(t *testing.T) {
	p := longPosition()
	p.Protection = domain.Armed(100, 100.6)

	// New high at 102: stop = 102 × 0.99 = 100.98.
	prot, changed := engine.Advance(p, 102, engine.ContinuousStep)
	if !changed {
		t.Fatalf("expected stop advance at 102")
	}
	if math.Abs(prot.StopPrice-100.98) > eps {
		t.Errorf("stop = %v, want 100.98", prot.StopPrice)
	}
	if math.Abs(prot.Watermark-102) > eps {
		t.Errorf("watermark = %v, want 102", prot.Watermark)
	}
}

func TestAdvanceStopNeverRetreats(t *testing.T) {
	p := longPosition()
	p.Protection = domain.Armed(100.98, 102)

	// Pullback to 101 is not a new high; state is untouched.
	prot, changed := engine.Advance(p, 101, engine.ContinuousStep)
	if changed {
		t.Errorf("expected no change on pullback, got %+v", prot)
	}
	if prot.StopPrice != 100.98 || prot.Watermark != 102 {
		t.Errorf("state mutated on pullback: %+v", prot)
	}
}

func TestEvaluateCloseTrailingStop(t *testing.T) {
	p := longPosition()
	p.Protection = domain.Armed(100.98, 102)

	trig := engine.EvaluateClose(p, 100.9)
	if !trig.Close {
		t.Fatalf("expected close at 100.9 with stop 100.98")
	}
	if trig.Reason != domain.CloseReasonTrailingStop {
		t.Errorf("reason = %q, want %q", trig.Reason, domain.CloseReasonTrailingStop)
	}
}

func TestEvaluateCloseTakeProfitBeatsStop(t *testing.T) {
	p := longPosition()
	p.Protection = domain.Armed(100.98, 102)

	// A jump through the 105 target reports take_profit even though the
	// trailing machinery is armed.
	trig := engine.EvaluateClose(p, 106)
	if !trig.Close || trig.Reason != domain.CloseReasonTakeProfit {
		t.Errorf("got %+v, want take_profit close", trig)
	}
}

func TestEvaluateCloseUnarmedHolds(t *testing.T) {
	p := longPosition()

	trig := engine.EvaluateClose(p, 95)
	if trig.Close || trig.Unsafe {
		t.Errorf("unarmed position closed at 95: %+v", trig)
	}
}

func TestEvaluateCloseRefusesUnsafeStop(t *testing.T) {
	p := longPosition()
	// A stop below entry must never reach the database, but if it does the
	// trigger is suppressed and flagged rather than realizing a loss.
	p.Protection = domain.Armed(98, 101)

	trig := engine.EvaluateClose(p, 97.5)
	if trig.Close {
		t.Errorf("unsafe stop closed the position")
	}
	if !trig.Unsafe {
		t.Errorf("unsafe stop not flagged")
	}
}

func TestAdvanceShortSymmetric(t *testing.T) {
	p := shortPosition()

	// Short entry 100, price 99.4 is +0.6% profit; raw trail is
	// 99.4 × 1.01 = 100.394, clamped down to the 100 entry.
	prot, changed := engine.Advance(p, 99.4, engine.ContinuousStep)
	if !changed || !prot.Armed {
		t.Fatalf("expected armed short stop at 99.4, got %+v", prot)
	}
	if math.Abs(prot.StopPrice-100) > eps {
		t.Errorf("stop = %v, want 100", prot.StopPrice)
	}

	p.Protection = prot

	// New low at 98: stop = 98 × 1.01 = 98.98.
	prot, changed = engine.Advance(p, 98, engine.ContinuousStep)
	if !changed || math.Abs(prot.StopPrice-98.98) > eps {
		t.Errorf("stop = %v, want 98.98", prot.StopPrice)
	}

	p.Protection = prot

	// Bounce to 99 crosses the short stop from below.
	trig := engine.EvaluateClose(p, 99)
	if !trig.Close || trig.Reason != domain.CloseReasonTrailingStop {
		t.Errorf("got %+v, want trailing_stop close", trig)
	}
}

func TestSteppedStepLocksWholeIncrements(t *testing.T) {
	p := longPosition()
	step := engine.SteppedStep(0.5)

	// Profit 2.3%, trail 1% leaves 1.3% cleared; floor to two 0.5% steps
	// locks 1.0%: stop = 100 × 1.01.
	got := step(p, 102.3)
	if math.Abs(got-101) > eps {
		t.Errorf("stepped stop = %v, want 101", got)
	}

	// Profit 0.6% clears nothing beyond the trail; the candidate sits at
	// entry and arming still clamps there.
	got = step(p, 100.6)
	if math.Abs(got-100) > eps {
		t.Errorf("stepped stop = %v, want 100", got)
	}
}

func TestSteppedStepShort(t *testing.T) {
	p := shortPosition()
	step := engine.SteppedStep(0.5)

	// Short profit at 97.7 is 2.3%; 1.0% locked puts the stop at 99.
	got := step(p, 97.7)
	if math.Abs(got-99) > eps {
		t.Errorf("stepped short stop = %v, want 99", got)
	}
}

func TestRealizedPnL(t *testing.T) {
	p := longPosition()

	pnl, pct := engine.RealizedPnL(p, 100.98)
	if math.Abs(pct-0.98) > eps {
		t.Errorf("pnl percent = %v, want 0.98", pct)
	}
	// 250 collateral × 0.98% = 2.45.
	if math.Abs(pnl-2.45) > eps {
		t.Errorf("pnl = %v, want 2.45", pnl)
	}

	s := shortPosition()
	pnl, pct = engine.RealizedPnL(s, 98)
	if math.Abs(pct-2) > eps || math.Abs(pnl-5) > eps {
		t.Errorf("short pnl = %v (%v%%), want 5 (2%%)", pnl, pct)
	}
}
