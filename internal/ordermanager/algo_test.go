package ordermanager

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

func sumQty(specs []childSpec) decimal.Decimal {
	total := decimal.Zero
	for _, s := range specs {
		total = total.Add(s.quantity)
	}
	return total
}

func TestTWAPPlanProducesEqualSlicesSummingToTotal(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TWAPSlices = 10
	cfg.AlgoInterval = 60 * time.Second

	specs := planChildren(cfg, trading.AlgoTWAP, decimal.NewFromInt(1000))
	if len(specs) != 10 {
		t.Fatalf("got %d children, want 10", len(specs))
	}
	for _, s := range specs {
		if !s.quantity.Equal(decimal.NewFromInt(100)) {
			t.Errorf("slice quantity = %s, want 100", s.quantity)
		}
	}
	if !sumQty(specs).Equal(decimal.NewFromInt(1000)) {
		t.Errorf("sum = %s, want 1000", sumQty(specs))
	}
	for i, s := range specs {
		want := time.Duration(i) * 60 * time.Second
		if s.delay != want {
			t.Errorf("slice %d delay = %v, want %v", i, s.delay, want)
		}
	}
}

func TestTWAPPlanHandlesNonDivisibleQuantity(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TWAPSlices = 3

	specs := planChildren(cfg, trading.AlgoTWAP, decimal.NewFromInt(10))
	if !sumQty(specs).Equal(decimal.NewFromInt(10)) {
		t.Fatalf("sum = %s, want 10 (remainder must land somewhere)", sumQty(specs))
	}
}

func TestVWAPPlanFrontLoadsFirstHalf(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.VWAPSlices = 4

	specs := planChildren(cfg, trading.AlgoVWAP, decimal.NewFromInt(1000))
	if len(specs) != 4 {
		t.Fatalf("got %d children, want 4", len(specs))
	}
	if !sumQty(specs).Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("sum = %s, want 1000", sumQty(specs))
	}
	// First-half slices (weight 1.5) must each be larger than second-half
	// slices (weight 0.5).
	if !specs[0].quantity.GreaterThan(specs[2].quantity) {
		t.Errorf("first-half slice %s should exceed second-half slice %s", specs[0].quantity, specs[2].quantity)
	}
	if !specs[1].quantity.Equal(specs[0].quantity) {
		t.Errorf("both first-half slices should be equal: %s vs %s", specs[0].quantity, specs[1].quantity)
	}
}

func TestShortfallSplitRespectsUrgency(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ShortfallUrgency = decimal.NewFromFloat(0.3)

	immediate, remainder := ShortfallSplit(cfg, decimal.NewFromInt(1000))
	if !immediate.Equal(decimal.NewFromInt(300)) {
		t.Errorf("immediate = %s, want 300", immediate)
	}
	if !remainder.Equal(decimal.NewFromInt(700)) {
		t.Errorf("remainder = %s, want 700", remainder)
	}
	if !immediate.Add(remainder).Equal(decimal.NewFromInt(1000)) {
		t.Errorf("split does not sum to total: %s + %s", immediate, remainder)
	}
}

func TestShortfallSplitClampsUrgency(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ShortfallUrgency = decimal.NewFromFloat(1.5)

	immediate, remainder := ShortfallSplit(cfg, decimal.NewFromInt(500))
	if !immediate.Equal(decimal.NewFromInt(500)) {
		t.Errorf("immediate = %s, want 500 (urgency clamped to 1)", immediate)
	}
	if !remainder.IsZero() {
		t.Errorf("remainder = %s, want 0", remainder)
	}
}

func TestPlanChildrenIsNilForImmediateAlgorithm(t *testing.T) {
	t.Parallel()

	specs := planChildren(DefaultConfig(), trading.AlgoImmediate, decimal.NewFromInt(100))
	if specs != nil {
		t.Errorf("expected nil plan for AlgoImmediate, got %v", specs)
	}
}

func TestResolveExecConfigOverridesNAndHorizon(t *testing.T) {
	t.Parallel()

	sig := trading.Signal{
		Metadata: map[string]any{"n": 10.0, "horizon": 600.0},
	}

	resolved := resolveExecConfig(DefaultConfig(), sig)
	if resolved.TWAPSlices != 10 {
		t.Errorf("TWAPSlices = %d, want 10", resolved.TWAPSlices)
	}
	if resolved.AlgoInterval != 60*time.Second {
		t.Errorf("AlgoInterval = %v, want 60s", resolved.AlgoInterval)
	}

	specs := planChildren(resolved, trading.AlgoTWAP, decimal.NewFromInt(1000))
	if len(specs) != 10 {
		t.Fatalf("got %d children, want 10", len(specs))
	}
	for _, s := range specs {
		if !s.quantity.Equal(decimal.NewFromInt(100)) {
			t.Errorf("slice quantity = %s, want 100", s.quantity)
		}
	}
	if specs[len(specs)-1].delay != 9*60*time.Second {
		t.Errorf("last slice delay = %v, want 540s", specs[len(specs)-1].delay)
	}
}

func TestResolveExecConfigOverridesParticipationRateAndUrgency(t *testing.T) {
	t.Parallel()

	sig := trading.Signal{
		Metadata: map[string]any{"participation_rate": 0.25, "urgency": 0.6},
	}

	resolved := resolveExecConfig(DefaultConfig(), sig)
	if !resolved.ParticipationRate.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("ParticipationRate = %s, want 0.25", resolved.ParticipationRate)
	}
	if !resolved.ShortfallUrgency.Equal(decimal.NewFromFloat(0.6)) {
		t.Errorf("ShortfallUrgency = %s, want 0.6", resolved.ShortfallUrgency)
	}
}

func TestResolveExecConfigFallsBackWhenMetadataAbsent(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	resolved := resolveExecConfig(base, trading.Signal{})
	if resolved != base {
		t.Errorf("resolved config = %+v, want unchanged default %+v", resolved, base)
	}
}

func TestResolveExecConfigIgnoresUnparseableMetadata(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	sig := trading.Signal{
		Metadata: map[string]any{"n": "ten", "urgency": -1.0},
	}

	resolved := resolveExecConfig(base, sig)
	if resolved.TWAPSlices != base.TWAPSlices {
		t.Errorf("TWAPSlices = %d, want unchanged %d for non-numeric n", resolved.TWAPSlices, base.TWAPSlices)
	}
	if !resolved.ShortfallUrgency.Equal(base.ShortfallUrgency) {
		t.Errorf("ShortfallUrgency = %s, want unchanged %s for negative urgency", resolved.ShortfallUrgency, base.ShortfallUrgency)
	}
}
