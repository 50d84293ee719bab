package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/tradingcore/pkg/trading"
)

func TestRecordFillIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	fill := trading.Fill{FillID: "f1", OrderID: "o1", Quantity: trading.Position{}.Quantity}

	if err := s.RecordFill(ctx, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	if err := s.RecordFill(ctx, fill); err != nil {
		t.Fatalf("RecordFill (dup): %v", err)
	}

	if got := len(s.Fills()); got != 1 {
		t.Errorf("Fills() len = %d, want 1", got)
	}
}

func TestLoadActiveOrdersExcludesTerminal(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_ = s.SaveOrder(ctx, trading.Order{OrderID: "o1", Status: trading.OrderSubmitted})
	_ = s.SaveOrder(ctx, trading.Order{OrderID: "o2", Status: trading.OrderFilled})

	active, err := s.LoadActiveOrders(ctx)
	if err != nil {
		t.Fatalf("LoadActiveOrders: %v", err)
	}
	if len(active) != 1 || active[0].OrderID != "o1" {
		t.Errorf("LoadActiveOrders() = %+v, want only o1", active)
	}
}

func TestUpdateOrderStatusUnknownOrderIsNoop(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.UpdateOrderStatus(ctx, "missing", trading.OrderCancelled, time.Now()); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
}

func TestLoadPortfolioEmptyBeforeSnapshot(t *testing.T) {
	t.Parallel()

	s := New()
	p, err := s.LoadPortfolio(context.Background())
	if err != nil {
		t.Fatalf("LoadPortfolio: %v", err)
	}
	if p.Positions == nil {
		t.Error("LoadPortfolio() returned nil Positions map")
	}
}
