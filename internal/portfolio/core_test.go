package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/internal/repository/memstore"
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

func approxEqual(t *testing.T, got, want decimal.Decimal, label string) {
	t.Helper()
	tolerance := d("0.01")
	if got.Sub(want).Abs().GreaterThan(tolerance) {
		t.Errorf("%s = %s, want %s", label, got, want)
	}
}

func newTestCore(t *testing.T, initialCash decimal.Decimal) *Core {
	t.Helper()
	store := memstore.New()
	b := bus.New(bus.DefaultConfig(), testLogger())
	c := New(DefaultConfig(), store, b, emergencystop.New(), testLogger(), initialCash)
	return c
}

// TestApplyFillScenarioS1ThroughS3 walks the worked multi-fill AAPL example:
// open long 100 @150, add 50 @160, partially close 80 @170.
func TestApplyFillScenarioS1ThroughS3(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, d("100000"))
	ctx := context.Background()

	// S1: open long.
	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f1", OrderID: "o1", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("100"), Price: d("150.00"), Commission: d("1.00"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("fill 1: %v", err)
	}
	snap := c.Snapshot()
	approxEqual(t, snap.Cash, d("84999"), "cash after fill 1")
	pos := snap.Positions["AAPL"]
	approxEqual(t, pos.Quantity, d("100"), "qty after fill 1")
	approxEqual(t, pos.AvgCost, d("150"), "avgCost after fill 1")

	// S2: add to the long.
	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f2", OrderID: "o1", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("50"), Price: d("160.00"), Commission: d("1.00"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("fill 2: %v", err)
	}
	snap = c.Snapshot()
	approxEqual(t, snap.Cash, d("76998"), "cash after fill 2")
	pos = snap.Positions["AAPL"]
	approxEqual(t, pos.Quantity, d("150"), "qty after fill 2")
	approxEqual(t, pos.AvgCost, d("153.33"), "avgCost after fill 2")

	// S3: partial close.
	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f3", OrderID: "o2", Symbol: "AAPL", Side: trading.SELL,
		Quantity: d("80"), Price: d("170.00"), Commission: d("1.00"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("fill 3: %v", err)
	}
	snap = c.Snapshot()
	approxEqual(t, snap.Cash, d("90597"), "cash after fill 3")
	pos = snap.Positions["AAPL"]
	approxEqual(t, pos.Quantity, d("70"), "qty after fill 3")
	approxEqual(t, pos.RealizedPnL, d("1333.33"), "realizedPnL after fill 3")
}

func TestApplyFillSignFlipSplitsRealizedAndReopens(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, d("100000"))
	ctx := context.Background()

	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f1", Symbol: "TSLA", Side: trading.BUY,
		Quantity: d("10"), Price: d("200"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Sell 15: closes the 10 long and opens a 5 short.
	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f2", Symbol: "TSLA", Side: trading.SELL,
		Quantity: d("15"), Price: d("210"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("flip: %v", err)
	}

	snap := c.Snapshot()
	pos := snap.Positions["TSLA"]
	approxEqual(t, pos.Quantity, d("-5"), "qty after flip")
	approxEqual(t, pos.AvgCost, d("210"), "avgCost reset to fill price after flip")
	approxEqual(t, pos.RealizedPnL, d("100"), "realizedPnL from the closing leg")
}

func TestApplyFillDuplicateIsSilentlyDropped(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, d("100000"))
	ctx := context.Background()

	fill := trading.Fill{
		FillID: "dup", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("10"), Price: d("100"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}
	if err := c.ApplyFill(ctx, fill); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := c.ApplyFill(ctx, fill); err != nil {
		t.Fatalf("duplicate apply should not error: %v", err)
	}

	snap := c.Snapshot()
	pos := snap.Positions["AAPL"]
	approxEqual(t, pos.Quantity, d("10"), "qty should reflect only one application")
}

func TestApplyFillFlatPositionIsRemoved(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, d("100000"))
	ctx := context.Background()

	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f1", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("10"), Price: d("100"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.ApplyFill(ctx, trading.Fill{
		FillID: "f2", Symbol: "AAPL", Side: trading.SELL,
		Quantity: d("10"), Price: d("110"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}); err != nil {
		t.Fatalf("close: %v", err)
	}

	snap := c.Snapshot()
	if _, exists := snap.Positions["AAPL"]; exists {
		t.Error("flat position should have been removed from the snapshot")
	}
}

func TestApplyFillInvalidFillRejected(t *testing.T) {
	t.Parallel()

	c := newTestCore(t, d("100000"))
	err := c.ApplyFill(context.Background(), trading.Fill{FillID: "bad", Symbol: "AAPL", Side: trading.BUY})
	if err == nil {
		t.Fatal("expected validation error for zero-quantity fill")
	}
}

// failingRepo always fails RecordFill, to exercise the persist-failure path.
type failingRepo struct {
	*memstore.Store
}

func (f *failingRepo) RecordFill(context.Context, trading.Fill) error {
	return errors.New("disk full")
}

func TestApplyFillPersistFailureDoesNotMutateState(t *testing.T) {
	t.Parallel()

	repo := &failingRepo{Store: memstore.New()}
	b := bus.New(bus.DefaultConfig(), testLogger())
	c := New(DefaultConfig(), repo, b, emergencystop.New(), testLogger(), d("1000"))

	err := c.ApplyFill(context.Background(), trading.Fill{
		FillID: "f1", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("1"), Price: d("1"), Commission: d("0"),
		TimestampUTC: time.Now(),
	})
	if err == nil {
		t.Fatal("expected persist failure to propagate")
	}

	snap := c.Snapshot()
	if _, exists := snap.Positions["AAPL"]; exists {
		t.Error("position should not exist after a persist failure")
	}
	approxEqual(t, snap.Cash, d("1000"), "cash should be untouched after a persist failure")
}

func TestSubscribedFillIsAppliedThroughBus(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	b := bus.New(bus.DefaultConfig(), testLogger())
	c := New(DefaultConfig(), store, b, emergencystop.New(), testLogger(), d("1000"))
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	_, err := b.Publish(context.Background(), trading.TopicFill, trading.FillPayload{Fill: trading.Fill{
		FillID: "f1", Symbol: "AAPL", Side: trading.BUY,
		Quantity: d("1"), Price: d("100"), Commission: d("0"),
		TimestampUTC: time.Now(),
	}})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Snapshot().Positions["AAPL"]; ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("fill was never applied via the bus subscription")
}
