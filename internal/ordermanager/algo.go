package ordermanager

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

// childSpec is one scheduled child-order submission produced by splitting a
// parent order under an execution algorithm (§4.6).
type childSpec struct {
	quantity decimal.Decimal
	delay    time.Duration // time after parent creation at which to submit
}

// resolveExecConfig derives the per-order execution-algorithm parameters
// for sig, overriding the manager-wide Config defaults with whatever
// explicit values sig.Metadata carries. §4.6's scenario S6 ("parent order
// quantity=1000, algorithm=TWAP, N=10, horizon=600s") specifies N and
// horizon as attributes of the order, not fixed manager settings, so a
// strategy that wants a different slice count or time horizon than the
// manager's configured default sets it per signal rather than needing a
// manager-wide reconfiguration. Keys absent or of the wrong type fall
// back to cfg unchanged.
func resolveExecConfig(cfg Config, sig trading.Signal) Config {
	resolved := cfg

	n, hasN := metadataInt(sig.Metadata, "n")
	horizon, hasHorizon := metadataDuration(sig.Metadata, "horizon")

	if hasN {
		resolved.TWAPSlices = n
		resolved.VWAPSlices = n
	}
	switch {
	case hasN && hasHorizon && n > 0:
		resolved.AlgoInterval = horizon / time.Duration(n)
	case hasHorizon:
		slices := resolved.TWAPSlices
		if signalAlgorithm(sig) == trading.AlgoVWAP {
			slices = resolved.VWAPSlices
		}
		if slices <= 0 {
			slices = 1
		}
		resolved.AlgoInterval = horizon / time.Duration(slices)
	}

	if rate, ok := metadataFloat(sig.Metadata, "participation_rate"); ok && rate >= 0 && rate <= 1 {
		resolved.ParticipationRate = decimal.NewFromFloat(rate)
	}
	if urgency, ok := metadataFloat(sig.Metadata, "urgency"); ok && urgency >= 0 && urgency <= 1 {
		resolved.ShortfallUrgency = decimal.NewFromFloat(urgency)
	}
	return resolved
}

// metadataFloat reads a numeric metadata value, accepting the handful of
// concrete types a caller might reasonably put in a map[string]any
// (a literal float64/int in Go-constructed metadata, or a decimal.Decimal
// carried over from elsewhere in the pipeline).
func metadataFloat(meta map[string]any, key string) (float64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	}
	return 0, false
}

// metadataInt reads a positive integer-valued metadata field (e.g. "n",
// the child-order count).
func metadataInt(meta map[string]any, key string) (int, bool) {
	f, ok := metadataFloat(meta, key)
	if !ok || f <= 0 {
		return 0, false
	}
	return int(f), true
}

// metadataDuration reads a metadata field expressed in seconds (e.g.
// "horizon") into a time.Duration.
func metadataDuration(meta map[string]any, key string) (time.Duration, bool) {
	f, ok := metadataFloat(meta, key)
	if !ok || f <= 0 {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// planChildren splits totalQty according to algorithm. Only TWAP and VWAP
// are planned here:
//   - AlgoImmediate submits the order as-is (no split; the manager submits
//     the parent directly and never calls planChildren).
//   - AlgoImplementationShortfall is split by the manager via
//     ShortfallSplit, whose gradual remainder is then planned with
//     shortfallPlan (itself a thin TWAP wrapper) directly.
//   - AlgoParticipationRate cannot be planned in advance: each slice's
//     size depends on volume observed at submission time, so it runs as a
//     live loop (participationRateLoop) instead of a precomputed plan.
func planChildren(cfg Config, algorithm trading.ExecutionAlgorithm, totalQty decimal.Decimal) []childSpec {
	switch algorithm {
	case trading.AlgoTWAP:
		return twapPlan(cfg, totalQty)
	case trading.AlgoVWAP:
		return vwapPlan(cfg, totalQty)
	default:
		return nil
	}
}

// twapPlan splits totalQty into cfg.TWAPSlices equal MARKET child orders,
// spaced cfg.AlgoInterval apart (§4.6 TWAP).
func twapPlan(cfg Config, totalQty decimal.Decimal) []childSpec {
	n := cfg.TWAPSlices
	if n <= 0 {
		n = 1
	}
	return equalSlices(totalQty, n, cfg.AlgoInterval, 0)
}

// vwapPlan splits totalQty into cfg.VWAPSlices child orders weighted by the
// static intraday curve supplemented from original_source (SPEC_FULL §C.4):
// the first half of the horizon trades at 1.5x the baseline rate, the
// second half at 0.5x.
func vwapPlan(cfg Config, totalQty decimal.Decimal) []childSpec {
	n := cfg.VWAPSlices
	if n <= 0 {
		n = 1
	}
	weights := make([]decimal.Decimal, n)
	half := n / 2
	for i := range weights {
		if i < half {
			weights[i] = decimal.NewFromFloat(1.5)
		} else {
			weights[i] = decimal.NewFromFloat(0.5)
		}
	}
	return weightedSlices(totalQty, weights, cfg.AlgoInterval, 0)
}

// shortfallPlan implements the gradual (TWAP) remainder of implementation
// shortfall; the caller submits the immediate fraction from ShortfallSplit
// separately before calling this for the rest.
func shortfallPlan(cfg Config, remainingQty decimal.Decimal) []childSpec {
	return twapPlan(cfg, remainingQty)
}

// ShortfallSplit divides totalQty into an immediate MARKET fraction (by
// cfg.ShortfallUrgency) and a remainder to be worked gradually (§4.6
// implementation shortfall: "an immediate fraction at MARKET based on an
// urgency parameter, and the remainder executed via TWAP").
func ShortfallSplit(cfg Config, totalQty decimal.Decimal) (immediate, remainder decimal.Decimal) {
	urgency := cfg.ShortfallUrgency
	if urgency.IsNegative() {
		urgency = decimal.Zero
	}
	if urgency.GreaterThan(decimal.NewFromInt(1)) {
		urgency = decimal.NewFromInt(1)
	}
	immediate = totalQty.Mul(urgency).Floor()
	remainder = totalQty.Sub(immediate)
	return immediate, remainder
}

// equalSlices divides totalQty into n equal MARKET slices spaced interval
// apart, starting startDelay after submission. The last slice absorbs any
// remainder left by integer-floor division so the sum always equals
// totalQty exactly.
func equalSlices(totalQty decimal.Decimal, n int, interval, startDelay time.Duration) []childSpec {
	base := totalQty.Div(decimal.NewFromInt(int64(n))).Floor()
	specs := make([]childSpec, n)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		specs[i] = childSpec{quantity: base, delay: startDelay + time.Duration(i)*interval}
		allocated = allocated.Add(base)
	}
	specs[n-1] = childSpec{quantity: totalQty.Sub(allocated), delay: startDelay + time.Duration(n-1)*interval}
	return specs
}

// weightedSlices divides totalQty proportionally to weights, floor-rounded
// per slice with the final slice absorbing the remainder so the sum is
// always exact.
func weightedSlices(totalQty decimal.Decimal, weights []decimal.Decimal, interval, startDelay time.Duration) []childSpec {
	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}
	specs := make([]childSpec, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		var qty decimal.Decimal
		if i == len(weights)-1 {
			qty = totalQty.Sub(allocated)
		} else {
			qty = totalQty.Mul(w).Div(sum).Floor()
			allocated = allocated.Add(qty)
		}
		specs[i] = childSpec{quantity: qty, delay: startDelay + time.Duration(i)*interval}
	}
	return specs
}
