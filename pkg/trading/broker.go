package trading

import "time"

// BrokerHealth tracks one broker's rolling reliability metrics (§4.7).
// Derived ratios (SuccessRate) are computed on read; the underlying
// counters update monotonically via EMA inside the broker manager.
type BrokerHealth struct {
	BrokerName          string
	Healthy             bool
	ConsecutiveFailures int
	SuccessCount        int
	ErrorCount          int
	AvgResponseTimeMs   float64
	LastErrorAt         *time.Time
	LastSuccessAt       *time.Time
}

// SuccessRate returns the fraction of submissions that succeeded, in
// [0, 1]. Returns 1 when no submissions have been recorded yet (optimistic
// default, matching the teacher's risk.Manager convention of treating an
// unobserved broker as healthy until proven otherwise).
func (h BrokerHealth) SuccessRate() float64 {
	total := h.SuccessCount + h.ErrorCount
	if total == 0 {
		return 1
	}
	return float64(h.SuccessCount) / float64(total)
}

// IsCritical reports whether a broker should be excluded from selection
// (§4.7): 3+ consecutive failures, < 50% success rate, or explicitly
// unhealthy.
func (h BrokerHealth) IsCritical() bool {
	if !h.Healthy {
		return true
	}
	if h.ConsecutiveFailures >= 3 {
		return true
	}
	if h.SuccessRate() < 0.5 {
		return true
	}
	return false
}
