package ordermanager

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config tunes the order manager's rate limiting, timeout supervision, and
// default execution-algorithm parameters (§4.6).
type Config struct {
	// MaxOrdersPerMinute bounds new order creation via a sliding window.
	MaxOrdersPerMinute int
	// MaxDailyOrders hard-caps submissions for the UTC calendar day.
	MaxDailyOrders int
	// OrderTimeout is how long a non-terminal order may remain open before
	// the manager cancels it through the broker manager. Default 60 min,
	// per the resolved Open Question in DESIGN.md: armed from CreatedAt.
	OrderTimeout time.Duration
	// TimeoutCheckInterval is how often the timeout supervisor scans for
	// expired orders.
	TimeoutCheckInterval time.Duration
	// SignalDedupCacheSize bounds the signal.id idempotency set.
	SignalDedupCacheSize int

	// TWAPSlices is the default child-order count for AlgoTWAP when a
	// signal does not specify one via Metadata["n"] (see resolveExecConfig).
	TWAPSlices int
	// VWAPSlices is the default child-order count for AlgoVWAP, overridden
	// the same way as TWAPSlices by Metadata["n"].
	VWAPSlices int
	// ParticipationRate is the default target participation rate (of
	// estimated recent volume) for AlgoParticipationRate, overridden per
	// signal by Metadata["participation_rate"].
	ParticipationRate decimal.Decimal
	// ParticipationInterval is how often a participation-rate child order
	// is considered.
	ParticipationInterval time.Duration
	// ShortfallUrgency is the default immediate-fraction for
	// AlgoImplementationShortfall, overridden per signal by
	// Metadata["urgency"].
	ShortfallUrgency decimal.Decimal
	// AlgoInterval is the fixed spacing between TWAP/VWAP child submissions,
	// overridden per signal when Metadata["horizon"] (seconds, divided by
	// the resolved slice count) is present.
	AlgoInterval time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxOrdersPerMinute:    60,
		MaxDailyOrders:        2000,
		OrderTimeout:          60 * time.Minute,
		TimeoutCheckInterval:  10 * time.Second,
		SignalDedupCacheSize:  10_000,
		TWAPSlices:            10,
		VWAPSlices:            10,
		ParticipationRate:     decimal.NewFromFloat(0.1),
		ParticipationInterval: 30 * time.Second,
		ShortfallUrgency:      decimal.NewFromFloat(0.3),
		AlgoInterval:          time.Minute,
	}
}
