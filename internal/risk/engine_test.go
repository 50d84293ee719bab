package risk

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/pkg/trading"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func defaultLimits() trading.RiskLimits {
	return trading.RiskLimits{
		MaxPositionFractionOfEquity: d("0.25"),
		MaxGrossExposureFraction:    d("0.8"),
		MaxDailyLossFraction:        d("0.05"),
		MaxLeverage:                 d("2"),
		AllowShortSelling:           false,
	}
}

func flatSnapshot(equity string) trading.Portfolio {
	e := d(equity)
	return trading.Portfolio{
		Cash:        e,
		Positions:   map[trading.Symbol]trading.Position{},
		TotalEquity: e,
	}
}

func TestValidateAcceptsAndSizesWithinCaps(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	signal := trading.Signal{
		ID: "s1", StrategyID: "strat1", Symbol: "AAPL", Side: trading.BUY,
		Confidence: 1.0, ReferencePrice: d("100"),
	}
	decision, qty, reason := e.Validate(signal, flatSnapshot("100000"))
	if decision != trading.RiskAccept {
		t.Fatalf("decision = %v, reason = %q, want ACCEPT", decision, reason)
	}
	// maxPositionNotional = 0.25*100000 = 25000; qty = floor(25000/100) = 250
	if !qty.Equal(d("250")) {
		t.Errorf("qty = %s, want 250", qty)
	}
}

func TestValidateScalesLinearlyByConfidence(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	signal := trading.Signal{
		ID: "s1", Symbol: "AAPL", Side: trading.BUY,
		Confidence: 0.5, ReferencePrice: d("100"),
	}
	_, qty, _ := e.Validate(signal, flatSnapshot("100000"))
	// 0.25*100000*0.5 = 12500; /100 = 125
	if !qty.Equal(d("125")) {
		t.Errorf("qty = %s, want 125", qty)
	}
}

func TestValidateRejectsWhenEmergencyStopActive(t *testing.T) {
	t.Parallel()

	stop := emergencystop.New()
	stop.Engage("test halt")
	e := New(defaultLimits(), stop, testLogger(), d("100000"))

	decision, _, reason := e.Validate(trading.Signal{Symbol: "AAPL", Side: trading.BUY, Confidence: 1, ReferencePrice: d("100")}, flatSnapshot("100000"))
	if decision != trading.RiskReject {
		t.Fatal("expected REJECT while emergency stop is active")
	}
	if reason == "" {
		t.Error("expected a non-empty reject reason")
	}
}

func TestValidateRejectsHoldSignal(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	decision, _, _ := e.Validate(trading.Signal{Symbol: "AAPL", Side: trading.HOLD}, flatSnapshot("100000"))
	if decision != trading.RiskReject {
		t.Fatal("expected REJECT for HOLD signal")
	}
}

func TestValidateRejectsDailyLossBreach(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	// Equity dropped 6%, breaching the 5% daily loss fraction.
	snapshot := flatSnapshot("94000")
	decision, _, reason := e.Validate(trading.Signal{Symbol: "AAPL", Side: trading.BUY, Confidence: 1, ReferencePrice: d("100")}, snapshot)
	if decision != trading.RiskReject {
		t.Fatalf("expected REJECT for daily loss breach, got %v (%q)", decision, reason)
	}
}

func TestValidateSizesDownToPerSymbolCap(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.PerSymbolCaps = map[trading.Symbol]decimal.Decimal{"AAPL": d("5000")}
	e := New(limits, emergencystop.New(), testLogger(), d("100000"))

	signal := trading.Signal{Symbol: "AAPL", Side: trading.BUY, Confidence: 1, ReferencePrice: d("100")}
	decision, qty, _ := e.Validate(signal, flatSnapshot("100000"))
	if decision != trading.RiskAccept {
		t.Fatal("expected ACCEPT with size-down")
	}
	// per-symbol cap 5000 / price 100 = 50, tighter than the 250 from equity fraction.
	if !qty.Equal(d("50")) {
		t.Errorf("qty = %s, want 50", qty)
	}
}

func TestValidateRejectsLeverageBreach(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.MaxLeverage = d("0.1")
	e := New(limits, emergencystop.New(), testLogger(), d("100000"))

	signal := trading.Signal{Symbol: "AAPL", Side: trading.BUY, Confidence: 1, ReferencePrice: d("100")}
	decision, _, reason := e.Validate(signal, flatSnapshot("100000"))
	if decision != trading.RiskReject {
		t.Fatalf("expected REJECT for leverage breach, got %v (%q)", decision, reason)
	}
}

func TestValidateRejectsShortSellingWhenDisabled(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	signal := trading.Signal{Symbol: "AAPL", Side: trading.SELL, Confidence: 1, ReferencePrice: d("100")}
	decision, _, reason := e.Validate(signal, flatSnapshot("100000"))
	if decision != trading.RiskReject {
		t.Fatalf("expected REJECT for short sale with no long position, got %v (%q)", decision, reason)
	}
}

func TestValidateAllowsSellOfExistingLong(t *testing.T) {
	t.Parallel()

	limits := defaultLimits()
	limits.PerSymbolCaps = map[trading.Symbol]decimal.Decimal{"AAPL": d("5000")}
	e := New(limits, emergencystop.New(), testLogger(), d("100000"))
	snapshot := flatSnapshot("100000")
	snapshot.Positions["AAPL"] = trading.Position{Symbol: "AAPL", Quantity: d("100"), AvgCost: d("90"), MarketValue: d("9000")}

	// Sized quantity (5000/100 = 50) is well within the existing long of 100.
	signal := trading.Signal{Symbol: "AAPL", Side: trading.SELL, Confidence: 1, ReferencePrice: d("100")}
	decision, qty, reason := e.Validate(signal, snapshot)
	if decision != trading.RiskAccept {
		t.Fatalf("expected ACCEPT selling out of an existing long, got %v (%q)", decision, reason)
	}
	if qty.GreaterThan(d("100")) {
		t.Errorf("qty = %s should not exceed the existing long of 100", qty)
	}
}

func TestValidateRejectsSellExceedingExistingLong(t *testing.T) {
	t.Parallel()

	e := New(defaultLimits(), emergencystop.New(), testLogger(), d("100000"))
	snapshot := flatSnapshot("100000")
	snapshot.Positions["AAPL"] = trading.Position{Symbol: "AAPL", Quantity: d("100"), AvgCost: d("90"), MarketValue: d("9000")}

	// Sized quantity (25000/100 = 250) would require shorting 150 past the
	// existing long of 100.
	signal := trading.Signal{Symbol: "AAPL", Side: trading.SELL, Confidence: 1, ReferencePrice: d("100")}
	decision, _, reason := e.Validate(signal, snapshot)
	if decision != trading.RiskReject {
		t.Fatalf("expected REJECT for a sell sized past the existing long, got %v (%q)", decision, reason)
	}
}
