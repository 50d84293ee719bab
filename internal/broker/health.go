package broker

import (
	"sync"
	"time"

	"github.com/aristath/tradingcore/pkg/trading"
)

// healthTracker wraps trading.BrokerHealth with the EMA and consecutive-
// probe bookkeeping the wire struct itself doesn't own. One per pool
// member; the broker manager's task that submits/probes a given broker is
// this struct's single writer (§4.9: "Broker health counters: single-writer
// per broker").
type healthTracker struct {
	mu                sync.Mutex
	state             trading.BrokerHealth
	consecutiveOK     int // consecutive successful health probes while critical
	failThreshold     int
	minSuccessRate    float64
	latencyEMAAlpha   float64
	recoveryThreshold int
}

func newHealthTracker(name string, cfg Config) *healthTracker {
	return &healthTracker{
		state: trading.BrokerHealth{
			BrokerName: name,
			Healthy:    true,
		},
		failThreshold:     cfg.ConsecutiveFailureThreshold,
		minSuccessRate:    cfg.MinSuccessRate,
		latencyEMAAlpha:   cfg.LatencyEMAAlpha,
		recoveryThreshold: cfg.RecoveryThreshold,
	}
}

// recordSubmit updates success/failure counters and the latency EMA
// following one submit attempt (§4.7 updateHealth).
func (h *healthTracker) recordSubmit(success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.updateLatency(latency)
	if success {
		h.state.SuccessCount++
		h.state.ConsecutiveFailures = 0
		h.state.LastSuccessAt = &now
	} else {
		h.state.ErrorCount++
		h.state.ConsecutiveFailures++
		h.state.LastErrorAt = &now
	}
	h.evaluateHealthy()
}

// recordProbe updates counters from a background health-check call,
// tracking the consecutive-success streak used to recover a critical
// broker back to healthy (§4.7: "passes N consecutive probes").
func (h *healthTracker) recordProbe(success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.updateLatency(latency)
	wasCritical := h.isCriticalLocked()
	if success {
		h.state.SuccessCount++
		h.state.ConsecutiveFailures = 0
		h.state.LastSuccessAt = &now
		if wasCritical {
			h.consecutiveOK++
		}
	} else {
		h.state.ErrorCount++
		h.state.ConsecutiveFailures++
		h.state.LastErrorAt = &now
		h.consecutiveOK = 0
	}

	threshold := h.recoveryThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if wasCritical && h.consecutiveOK >= threshold {
		h.state.Healthy = true
		h.consecutiveOK = 0
	}
	h.evaluateHealthy()
}

func (h *healthTracker) updateLatency(latency time.Duration) {
	ms := float64(latency.Microseconds()) / 1000
	alpha := h.latencyEMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	if h.state.SuccessCount+h.state.ErrorCount == 0 {
		h.state.AvgResponseTimeMs = ms
		return
	}
	h.state.AvgResponseTimeMs = alpha*ms + (1-alpha)*h.state.AvgResponseTimeMs
}

// evaluateHealthy flips Healthy false once the configured consecutive-
// failure threshold is crossed. It never flips Healthy back to true on its
// own; only recordProbe's consecutive-success streak does that, matching
// §4.7's explicit recovery path.
func (h *healthTracker) evaluateHealthy() {
	threshold := h.failThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if h.state.ConsecutiveFailures >= threshold {
		h.state.Healthy = false
	}
}

func (h *healthTracker) isCriticalLocked() bool {
	threshold := h.failThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if !h.state.Healthy || h.state.ConsecutiveFailures >= threshold {
		return true
	}
	return h.state.SuccessRate() < h.minSuccessRate
}

// snapshot returns a copy of the current BrokerHealth, safe to hand out to
// callers outside the manager's lock.
func (h *healthTracker) snapshot() trading.BrokerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// isCritical reports whether this broker should currently be excluded
// from selection (§4.7).
func (h *healthTracker) isCritical() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isCriticalLocked()
}
