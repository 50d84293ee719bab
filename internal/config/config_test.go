package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed Validate: %v", err)
	}
}

func TestValidateRejectsZeroQueueDepth(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Bus.QueueDepth = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero bus.queue_depth")
	}
}

func TestValidateRejectsUnrecognizedPolicy(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Broker.Policy = "not-a-policy"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unrecognized broker.selection_policy")
	}
}

func TestValidateRejectsBadDecimalString(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Risk.MaxLeverage = "not-a-number"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unparsable risk.max_leverage")
	}
}

func TestRiskConfigLimitsConvertsPerSymbolCaps(t *testing.T) {
	t.Parallel()

	rc := RiskConfig{
		MaxPositionFractionOfEquity: "0.2",
		MaxGrossExposureFraction:    "1.0",
		MaxDailyLossFraction:        "0.03",
		MaxLeverage:                 "2",
		PerSymbolCaps:               map[string]string{"AAPL": "50000"},
	}
	limits, err := rc.Limits()
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	if got := limits.PerSymbolCap("AAPL"); got.String() != "50000" {
		t.Errorf("PerSymbolCap(AAPL) = %s, want 50000", got)
	}
}
