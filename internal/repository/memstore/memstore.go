// Package memstore is an in-memory reference implementation of the
// repository.Repository port, adapted from the teacher's store.Store
// (internal/store/store.go): the same mutex-guarded, single-directory
// persistence boundary, generalized from JSON-file-per-position to the
// full order/fill/portfolio contract and with the on-disk atomic-rename
// mechanics dropped, since no durable schema is specified (spec.md §1).
// It exists to let the portfolio core, order manager, and supervisor be
// exercised end-to-end in tests without a real database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/tradingcore/internal/repository"
	"github.com/aristath/tradingcore/pkg/trading"
)

// Store is an in-memory Repository. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	orders    map[string]trading.Order
	fills     map[string]trading.Fill
	portfolio trading.Portfolio
	hasSnap   bool
}

var _ repository.Repository = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		orders: make(map[string]trading.Order),
		fills:  make(map[string]trading.Fill),
	}
}

// SaveOrder upserts order by OrderID.
func (s *Store) SaveOrder(_ context.Context, order trading.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	return nil
}

// UpdateOrderStatus updates the status and timestamp of an existing order.
// A status update for an order this store has never seen is a no-op
// (mirrors an idempotent upsert: nothing to update yet).
func (s *Store) UpdateOrderStatus(_ context.Context, orderID string, newStatus trading.OrderStatus, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	order.Status = newStatus
	order.UpdatedAt = timestamp
	s.orders[orderID] = order
	return nil
}

// RecordFill stores a fill, idempotent by FillID.
func (s *Store) RecordFill(_ context.Context, fill trading.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fills[fill.FillID]; exists {
		return nil
	}
	s.fills[fill.FillID] = fill
	return nil
}

// SnapshotPortfolio replaces the stored portfolio snapshot.
func (s *Store) SnapshotPortfolio(_ context.Context, portfolio trading.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolio = portfolio.Clone()
	s.hasSnap = true
	return nil
}

// LoadActiveOrders returns every non-terminal order.
func (s *Store) LoadActiveOrders(_ context.Context) ([]trading.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]trading.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			active = append(active, o)
		}
	}
	return active, nil
}

// LoadPortfolio returns the last persisted snapshot, or a zero-value empty
// portfolio if none has been saved yet.
func (s *Store) LoadPortfolio(_ context.Context) (trading.Portfolio, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasSnap {
		return trading.Portfolio{Positions: map[trading.Symbol]trading.Position{}}, nil
	}
	return s.portfolio.Clone(), nil
}

// Fills returns every recorded fill, for test assertions.
func (s *Store) Fills() []trading.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]trading.Fill, 0, len(s.fills))
	for _, f := range s.fills {
		out = append(out, f)
	}
	return out
}
