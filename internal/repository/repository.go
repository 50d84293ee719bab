// Package repository declares the durable-storage port (C9) the core
// trading runtime depends on. Per spec.md §1 the persistence schema and
// migrations are explicitly out of scope for the core; only the contract
// is specified here. See memstore for an in-memory reference
// implementation used by this repo's own tests.
package repository

import (
	"context"
	"time"

	"github.com/aristath/tradingcore/pkg/trading"
)

// Repository is the durable-storage contract (§6). Every operation must be
// idempotent with respect to its natural key (OrderID, FillID, or the
// singleton portfolio snapshot).
type Repository interface {
	// SaveOrder persists an order record, upserting by OrderID.
	SaveOrder(ctx context.Context, order trading.Order) error
	// UpdateOrderStatus persists a status transition for an existing order.
	UpdateOrderStatus(ctx context.Context, orderID string, newStatus trading.OrderStatus, timestamp time.Time) error
	// RecordFill persists a fill, idempotent by FillID: recording the same
	// FillID twice must not duplicate the record or return an error.
	RecordFill(ctx context.Context, fill trading.Fill) error
	// SnapshotPortfolio persists the latest authoritative portfolio state.
	SnapshotPortfolio(ctx context.Context, portfolio trading.Portfolio) error
	// LoadActiveOrders returns every order not yet in a terminal state, for
	// supervisor startup recovery.
	LoadActiveOrders(ctx context.Context) ([]trading.Order, error)
	// LoadPortfolio returns the last persisted portfolio snapshot.
	LoadPortfolio(ctx context.Context) (trading.Portfolio, error)
}
