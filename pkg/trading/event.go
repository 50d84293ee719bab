package trading

import "time"

// Topic is one of the closed set of event-bus channels (§4.1). Unlike the
// teacher's dynamically-named dashboard events, this set is fixed at
// compile time — there is no runtime topic registration.
type Topic string

const (
	TopicMarketData        Topic = "market_data"
	TopicSignal            Topic = "signal"
	TopicOrderIntent       Topic = "order_intent"
	TopicOrderStatus       Topic = "order_status"
	TopicFill              Topic = "fill"
	TopicPortfolioUpdate   Topic = "portfolio_update"
	TopicStrategyLifecycle Topic = "strategy_lifecycle"
	TopicSystemAlert       Topic = "system_alert"
)

// Topics lists the closed topic set, in the supervisor's startup-relevant
// order. Used by the bus to pre-register queues at construction.
var Topics = []Topic{
	TopicMarketData,
	TopicSignal,
	TopicOrderIntent,
	TopicOrderStatus,
	TopicFill,
	TopicPortfolioUpdate,
	TopicStrategyLifecycle,
	TopicSystemAlert,
}

// EventPayload is the interface every topic's payload variant implements.
// Replaces dynamically-typed event data (§9) with a closed, compile-time
// checked tagged union: one concrete type per topic, dispatched by a type
// switch rather than runtime introspection.
type EventPayload interface {
	// Topic returns the topic this payload variant belongs on.
	Topic() Topic
}

// Event is the envelope every payload travels in (§3). SequenceNumber is
// monotonic per topic, assigned by the bus at publish time.
type Event struct {
	EventID        string
	Topic          Topic
	Payload        EventPayload
	TimestampUTC   time.Time
	SequenceNumber uint64
}

// MarketDataPayload carries a single normalized bar.
type MarketDataPayload struct {
	Bar MarketBar
}

func (MarketDataPayload) Topic() Topic { return TopicMarketData }

// SignalPayload carries a strategy-emitted signal.
type SignalPayload struct {
	Signal Signal
}

func (SignalPayload) Topic() Topic { return TopicSignal }

// OrderIntentPayload carries a risk-accepted, sized order ready for broker
// submission.
type OrderIntentPayload struct {
	Order Order
}

func (OrderIntentPayload) Topic() Topic { return TopicOrderIntent }

// OrderStatusPayload carries one order status transition.
type OrderStatusPayload struct {
	OrderID      string
	PreviousStatus OrderStatus
	NewStatus    OrderStatus
	TimestampUTC time.Time
}

func (OrderStatusPayload) Topic() Topic { return TopicOrderStatus }

// FillPayload carries one confirmed fill.
type FillPayload struct {
	Fill Fill
}

func (FillPayload) Topic() Topic { return TopicFill }

// PortfolioUpdatePayload carries a fresh portfolio snapshot, published only
// after the triggering fill has been persisted and applied (§4.5, §5).
type PortfolioUpdatePayload struct {
	Portfolio Portfolio
}

func (PortfolioUpdatePayload) Topic() Topic { return TopicPortfolioUpdate }

// StrategyLifecyclePayload reports a strategy instance's state transition.
type StrategyLifecyclePayload struct {
	StrategyID   string
	State        StrategyState
	Reason       string
	TimestampUTC time.Time
}

func (StrategyLifecyclePayload) Topic() Topic { return TopicStrategyLifecycle }

// AlertSeverity classifies a system_alert event.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "INFO"
	AlertWarning  AlertSeverity = "WARNING"
	AlertError    AlertSeverity = "ERROR"
	AlertFatal    AlertSeverity = "FATAL"
)

// SystemAlertPayload carries an operational event: emergency-stop
// engaged/cleared, broker state transitions, backpressure drops, timeouts,
// and invariant violations (§6).
type SystemAlertPayload struct {
	Severity     AlertSeverity
	Source       string
	Message      string
	Context      map[string]any
	TimestampUTC time.Time
}

func (SystemAlertPayload) Topic() Topic { return TopicSystemAlert }
