package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the order manager's (C6) authoritative record of one order's
// lifecycle. Only the order manager mutates an Order; every other
// component reads snapshots via events.
type Order struct {
	OrderID        string
	Symbol         Symbol
	Side           Side
	OrderType      OrderType
	Quantity       decimal.Decimal
	LimitPrice     *decimal.Decimal // required when OrderType == LIMIT
	StopPrice      *decimal.Decimal // required when OrderType ∈ {STOP, STOP_LIMIT}
	TimeInForce    TimeInForce
	StrategyID     string // empty for manually submitted orders
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Commission     decimal.Decimal
	BrokerName     string // set once the broker manager accepts the order
	ParentOrderID  string // set on algo child orders (§4.6)

	// Algorithm/signal lineage, not part of the bare spec.md Order fields
	// but required to drive execution algorithms and idempotent creation.
	SignalID  string
	Algorithm ExecutionAlgorithm
}

// Validate checks the structural invariants from §3.
func (o Order) Validate() error {
	if !o.Quantity.IsPositive() {
		return &ValidationError{Reason: "quantity must be > 0"}
	}
	if o.FilledQuantity.IsNegative() || o.FilledQuantity.GreaterThan(o.Quantity) {
		return &ValidationError{Reason: "filledQuantity must be in [0, quantity]"}
	}
	if o.OrderType == LIMIT && (o.LimitPrice == nil || !o.LimitPrice.IsPositive()) {
		return &ValidationError{Reason: "LIMIT order requires limitPrice > 0"}
	}
	if (o.OrderType == STOP || o.OrderType == STOP_LIMIT) && (o.StopPrice == nil || !o.StopPrice.IsPositive()) {
		return &ValidationError{Reason: "STOP/STOP_LIMIT order requires stopPrice > 0"}
	}
	if o.Side != BUY && o.Side != SELL {
		return &ValidationError{Reason: "order side must be BUY or SELL"}
	}
	return nil
}

// RemainingQuantity is Quantity - FilledQuantity.
func (o Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsChild reports whether this order was spawned by an execution algorithm.
func (o Order) IsChild() bool {
	return o.ParentOrderID != ""
}

// Fill is a confirmed execution of some quantity of an order at a specific
// price. Immutable once recorded; duplicates (same FillID) must be dropped.
type Fill struct {
	FillID        string
	OrderID       string
	Symbol        Symbol
	Side          Side // inherited from the parent order; drives §4.5 application
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Commission    decimal.Decimal
	Venue         string
	TimestampUTC  time.Time
	LiquidityFlag string
}

// Validate checks the structural invariants from §3.
func (f Fill) Validate() error {
	if !f.Quantity.IsPositive() {
		return &ValidationError{Reason: "fill quantity must be > 0"}
	}
	if !f.Price.IsPositive() {
		return &ValidationError{Reason: "fill price must be > 0"}
	}
	if f.Side != BUY && f.Side != SELL {
		return &ValidationError{Reason: "fill side must be BUY or SELL"}
	}
	return nil
}

// stateTransitions is the allowed-edge set of the order status DAG (§4.6).
var stateTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderPending: {
		OrderSubmitted: true,
		OrderRejected:  true,
	},
	OrderSubmitted: {
		OrderPartiallyFilled: true,
		OrderFilled:          true,
		OrderCancelled:       true,
		OrderRejected:        true,
	},
	OrderPartiallyFilled: {
		OrderFilled:    true,
		OrderCancelled: true,
	},
}

// CanTransition reports whether from -> to is a directed edge in the §4.6 DAG.
func CanTransition(from, to OrderStatus) bool {
	edges, ok := stateTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
