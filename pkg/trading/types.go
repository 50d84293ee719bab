// Package trading defines the shared data model used across every layer of
// the core trading runtime: the event bus, strategy host, risk engine,
// portfolio core, order manager, and broker manager. It has no dependency
// on any internal package, so it can be imported from anywhere.
package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Symbol is an opaque, immutable instrument identifier (e.g. a ticker). It
// is the sharding key for per-symbol ordering throughout the runtime.
type Symbol string

// Side is the direction of a signal or order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
	// HOLD is only ever valid on a Signal; an Order's Side is always BUY or SELL.
	HOLD Side = "HOLD"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	MARKET     OrderType = "MARKET"
	LIMIT      OrderType = "LIMIT"
	STOP       OrderType = "STOP"
	STOP_LIMIT OrderType = "STOP_LIMIT"
)

// TimeInForce controls how long an order rests before it is cancelled.
type TimeInForce string

const (
	TIFGoodTilCancelled TimeInForce = "GTC"
	TIFDay               TimeInForce = "DAY"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
)

// OrderStatus is a node in the state-machine DAG described in §4.6.
type OrderStatus string

const (
	OrderPending          OrderStatus = "PENDING"
	OrderSubmitted        OrderStatus = "SUBMITTED"
	OrderPartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	OrderFilled           OrderStatus = "FILLED"
	OrderCancelled        OrderStatus = "CANCELLED"
	OrderRejected         OrderStatus = "REJECTED"
)

// IsTerminal reports whether status is one of the DAG's terminal states.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// ExecutionAlgorithm selects how the order manager works a parent order.
type ExecutionAlgorithm string

const (
	// AlgoImmediate submits the order as-is, with no splitting.
	AlgoImmediate              ExecutionAlgorithm = "IMMEDIATE"
	AlgoTWAP                   ExecutionAlgorithm = "TWAP"
	AlgoVWAP                   ExecutionAlgorithm = "VWAP"
	AlgoParticipationRate      ExecutionAlgorithm = "PARTICIPATION_RATE"
	AlgoImplementationShortfall ExecutionAlgorithm = "IMPLEMENTATION_SHORTFALL"
)

// RiskDecision is the outcome of a risk-engine validation (§4.4).
type RiskDecision string

const (
	RiskAccept RiskDecision = "ACCEPT"
	RiskReject RiskDecision = "REJECT"
)

// StrategyState tracks a hosted strategy instance's lifecycle (§4.3).
type StrategyState string

const (
	StrategyInitializing StrategyState = "INITIALIZING"
	StrategyRunning       StrategyState = "RUNNING"
	StrategyPaused        StrategyState = "PAUSED"
	StrategyError         StrategyState = "ERROR"
	StrategyStopped       StrategyState = "STOPPED"
)

// BrokerSelectionPolicy selects the broker-manager's routing strategy (§4.7).
type BrokerSelectionPolicy string

const (
	PolicyPriority         BrokerSelectionPolicy = "priority"
	PolicyRoundRobin       BrokerSelectionPolicy = "round-robin"
	PolicyHealthBased      BrokerSelectionPolicy = "health-based"
	PolicyPerformanceBased BrokerSelectionPolicy = "performance-based"
	// PolicyWeighted distributes orders across non-critical brokers
	// probabilistically, weighted by recent success rate (SPEC_FULL §C.1).
	PolicyWeighted BrokerSelectionPolicy = "weighted"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketBar is a timestamped OHLCV aggregate for a symbol. Produced only by
// the market-data ingress; never mutated once published.
type MarketBar struct {
	Symbol        Symbol
	TimestampUTC  time.Time
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        decimal.Decimal
}

// Validate checks the invariants from §3: low <= open,close <= high; volume >= 0.
func (b MarketBar) Validate() error {
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return errInvalidBar("low must not exceed open/close")
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return errInvalidBar("high must not be less than open/close")
	}
	if b.Volume.IsNegative() {
		return errInvalidBar("volume must not be negative")
	}
	return nil
}

// Signal is a strategy's directional intent, not yet sized or validated.
type Signal struct {
	ID             string
	StrategyID     string
	Symbol         Symbol
	Side           Side
	Confidence     float64 // [0, 1]
	ReferencePrice decimal.Decimal
	TimestampUTC   time.Time
	Metadata       map[string]any
}

// PositionSizeBasis reads the strategy-local "position_size_basis" metadata
// convention (spec.md Open Question): whether a fractional SELL size in
// metadata refers to quantity or notional. Defaults to "quantity".
func (s Signal) PositionSizeBasis() string {
	if v, ok := s.Metadata["position_size_basis"]; ok {
		if str, ok := v.(string); ok && str != "" {
			return str
		}
	}
	return "quantity"
}
