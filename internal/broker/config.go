package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

// BrokerConfig is the per-broker pool-member configuration: routing
// priority, rate limit, and the two supplemented local guards from
// SPEC_FULL §C.2/C.3 (maxOrderValue cap, allowed-symbols allowlist).
type BrokerConfig struct {
	// Priority breaks ties for the "priority" selection policy; lower wins.
	Priority int
	// MaxOrdersPerMinute bounds submissions routed to this broker.
	MaxOrdersPerMinute int
	// MaxOrderValue caps a single order's notional (qty * referencePrice,
	// or limitPrice for LIMIT orders) routed to this broker. Zero means
	// unbounded.
	MaxOrderValue decimal.Decimal
	// AllowedSymbols restricts which symbols this broker may receive. A
	// nil/empty set means all symbols are allowed.
	AllowedSymbols map[trading.Symbol]bool
}

// Config tunes the broker manager's selection, health monitoring, and
// failover behavior (§4.7).
type Config struct {
	Policy trading.BrokerSelectionPolicy

	// MaxFailoverAttempts bounds the failover loop's broker-try count per
	// submission.
	MaxFailoverAttempts int

	// HealthCheckInterval is how often the background prober calls
	// AccountInfo on every registered broker.
	HealthCheckInterval time.Duration
	// RecoveryThreshold is the number of consecutive successful probes a
	// critical broker must pass to be marked healthy again (§4.7: "passes
	// N consecutive probes").
	RecoveryThreshold int
	// ConsecutiveFailureThreshold is the consecutive-failure count at
	// which a broker becomes critical. SPEC_FULL §C.5 resolves this at 3
	// (spec.md's explicit value), not the Python original's 5.
	ConsecutiveFailureThreshold int
	// MinSuccessRate is the success-rate floor below which a broker
	// becomes critical.
	MinSuccessRate float64

	// HealthBasedK is the latency penalty coefficient k in the
	// health-based policy's score: successRate - k*avgResponseTimeMs.
	HealthBasedK float64

	// LatencyEMAAlpha is the smoothing factor for the avgResponseTimeMs
	// exponential moving average, in (0, 1]. Higher reacts faster.
	LatencyEMAAlpha float64

	// SubmitTimeout bounds a single broker.Submit/Cancel/AccountInfo call.
	SubmitTimeout time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		Policy:                      trading.PolicyPriority,
		MaxFailoverAttempts:         3,
		HealthCheckInterval:         30 * time.Second,
		RecoveryThreshold:           3,
		ConsecutiveFailureThreshold: 3,
		MinSuccessRate:              0.5,
		HealthBasedK:                0.01,
		LatencyEMAAlpha:             0.3,
		SubmitTimeout:               10 * time.Second,
	}
}

// DefaultBrokerConfig returns the per-broker defaults: no priority tie
// applied (0), no rate limit, no order-value cap, all symbols allowed.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Priority:           0,
		MaxOrdersPerMinute: 0,
		MaxOrderValue:      decimal.Zero,
		AllowedSymbols:     nil,
	}
}
