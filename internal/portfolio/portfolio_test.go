package portfolio

import (
	"math"
	"testing"

	"backtest-engine/pkg/backtest"
)

func TestApplyFillAverageCostOnBuy(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	err := p.ApplyFill(backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	err = p.ApplyFill(backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.30})
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	snap := p.Snapshot(0)
	pos := snap.Positions["M"]
	if math.Abs(pos.YesQty-20) > 1e-9 {
		t.Errorf("YesQty = %v, want 20", pos.YesQty)
	}
	wantAvg := (10*0.20 + 10*0.30) / 20.0
	if math.Abs(pos.YesAvg-wantAvg) > 1e-9 {
		t.Errorf("YesAvg = %v, want %v", pos.YesAvg, wantAvg)
	}
	wantCash := 1000 - 10*0.20 - 10*0.30
	if math.Abs(p.Cash()-wantCash) > 1e-9 {
		t.Errorf("Cash = %v, want %v", p.Cash(), wantCash)
	}
}

func TestApplyFillRealizesPnLOnReduce(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 4, Price: 0.30})

	if math.Abs(p.RealizedPnL()-4*(0.30-0.20)) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want %v", p.RealizedPnL(), 4*(0.30-0.20))
	}
	snap := p.Snapshot(0)
	pos := snap.Positions["M"]
	if math.Abs(pos.YesQty-6) > 1e-9 {
		t.Errorf("YesQty = %v, want 6", pos.YesQty)
	}
	if math.Abs(pos.YesAvg-0.20) > 1e-9 {
		t.Errorf("YesAvg = %v, want unchanged 0.20", pos.YesAvg)
	}
}

func TestMarketExposureAndRealizedPnLByMarket(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})
	mustFill(t, p, backtest.Fill{MarketID: "N", Side: backtest.BuyYes, Quantity: 5, Price: 0.40})
	p.ObserveTradePrice("M", 0.25)
	p.ObserveTradePrice("N", 0.40)

	exposureM, unrealizedM := p.MarketExposure("M")
	if math.Abs(exposureM-2.5) > 1e-9 { // 10 * 0.25
		t.Errorf("exposure(M) = %v, want 2.5", exposureM)
	}
	if math.Abs(unrealizedM-0.5) > 1e-9 { // 10 * (0.25 - 0.20)
		t.Errorf("unrealized(M) = %v, want 0.5", unrealizedM)
	}

	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 4, Price: 0.30})
	if math.Abs(p.RealizedPnLByMarket("M")-4*(0.30-0.20)) > 1e-9 {
		t.Errorf("RealizedPnLByMarket(M) = %v, want %v", p.RealizedPnLByMarket("M"), 4*(0.30-0.20))
	}
	if p.RealizedPnLByMarket("N") != 0 {
		t.Errorf("RealizedPnLByMarket(N) = %v, want 0 (no reducing fill there)", p.RealizedPnLByMarket("N"))
	}

	if exposureUnknown, _ := p.MarketExposure("ghost"); exposureUnknown != 0 {
		t.Errorf("exposure(unknown market) = %v, want 0", exposureUnknown)
	}
}

// A single fill that crosses a leg through zero is a fatal
// AccountingViolation even with shorting allowed — internal/broker is
// responsible for never producing one, always splitting such a trade into
// two fills (close-to-zero, then open-the-new-leg) before it reaches Portfolio.
func TestApplyFillSingleFillCrossingZeroIsFatalEvenWithShortAllowed(t *testing.T) {
	t.Parallel()

	p := New(1000, true)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})

	err := p.ApplyFill(backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 15, Price: 0.20})
	var btErr *backtest.Error
	if !asBacktestError(err, &btErr) || btErr.Kind != backtest.AccountingViolation {
		t.Fatalf("expected AccountingViolation for a single crossing fill, got %v", err)
	}
}

// The split a crossing fill must take: one fill closes the existing long leg
// to exactly zero, a second (fresh-averaged) fill opens the short. Neither
// individual fill crosses zero, so both succeed with shorting allowed.
func TestApplyFillSplitCrossingFillOpensShort(t *testing.T) {
	t.Parallel()

	p := New(1000, true)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})

	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 10, Price: 0.30}) // closes to flat
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 5, Price: 0.30})  // opens short

	snap := p.Snapshot(0)
	pos := snap.Positions["M"]
	if math.Abs(pos.YesQty-(-5)) > 1e-9 {
		t.Errorf("YesQty = %v, want -5", pos.YesQty)
	}
	if math.Abs(pos.YesAvg-0.30) > 1e-9 {
		t.Errorf("YesAvg after opening short = %v, want 0.30 (fresh average)", pos.YesAvg)
	}
	wantRealized := 10 * (0.30 - 0.20)
	if math.Abs(p.RealizedPnL()-wantRealized) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want %v", p.RealizedPnL(), wantRealized)
	}
}

func TestApplyFillShortDisallowed(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 5, Price: 0.20})

	err := p.ApplyFill(backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 10, Price: 0.20})
	var btErr *backtest.Error
	if err == nil {
		t.Fatal("expected ShortDisallowed error, got nil")
	}
	if ok := asBacktestError(err, &btErr); !ok || btErr.Kind != backtest.ShortDisallowed {
		t.Fatalf("expected ShortDisallowed, got %v", err)
	}
}

func asBacktestError(err error, target **backtest.Error) bool {
	be, ok := err.(*backtest.Error)
	if ok {
		*target = be
	}
	return ok
}

// S3 from the end-to-end scenarios.
func TestScenarioS3ResolutionPayout(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.18})

	cashBefore := p.Cash()
	p.ResolveMarket("M", backtest.ResolvedYes)

	if math.Abs(p.Cash()-(cashBefore+10.0)) > 1e-9 {
		t.Errorf("Cash after resolution = %v, want %v", p.Cash(), cashBefore+10.0)
	}
	if math.Abs(p.RealizedPnL()-8.2) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want 8.2", p.RealizedPnL())
	}
	snap := p.Snapshot(0)
	if _, ok := snap.Positions["M"]; ok {
		t.Error("expected position to be cleared after resolution")
	}
}

func TestAccountingResidualStaysNearZero(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 10, Price: 0.20})
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 3, Price: 0.25})
	mustFill(t, p, backtest.Fill{MarketID: "N", Side: backtest.BuyNo, Quantity: 5, Price: 0.40})

	if math.Abs(p.AccountingResidual()) > 1e-6 {
		t.Errorf("AccountingResidual = %v, want ~0", p.AccountingResidual())
	}

	p.ResolveMarket("M", backtest.ResolvedYes)
	if math.Abs(p.AccountingResidual()) > 1e-6 {
		t.Errorf("AccountingResidual after resolution = %v, want ~0", p.AccountingResidual())
	}
}

func TestPositionsNeverNegativeWhenShortDisallowed(t *testing.T) {
	t.Parallel()

	p := New(1000, false)
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.BuyYes, Quantity: 5, Price: 0.20})
	mustFill(t, p, backtest.Fill{MarketID: "M", Side: backtest.SellYes, Quantity: 5, Price: 0.25})

	snap := p.Snapshot(0)
	pos := snap.Positions["M"]
	if pos.YesQty < 0 {
		t.Errorf("YesQty = %v, want >= 0", pos.YesQty)
	}
}

func mustFill(t *testing.T, p *Portfolio, fill backtest.Fill) {
	t.Helper()
	if err := p.ApplyFill(fill); err != nil {
		t.Fatalf("ApplyFill(%+v): %v", fill, err)
	}
}
