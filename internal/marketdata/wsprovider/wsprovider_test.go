package wsprovider

import (
	"testing"

	"github.com/aristath/tradingcore/pkg/trading"
)

func TestNormalizeMapsWireFieldsToCanonicalBar(t *testing.T) {
	t.Parallel()

	w := wireBar{
		Symbol: "AAPL", TimestampMs: 1700000000000,
		Open: "150.00", High: "151.50", Low: "149.25", Close: "150.75", Volume: "12345",
	}
	bar, err := normalize(w)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if bar.Symbol != "AAPL" {
		t.Errorf("symbol = %q, want AAPL", bar.Symbol)
	}
	if err := bar.Validate(); err != nil {
		t.Errorf("normalized bar fails Validate: %v", err)
	}
}

func TestNormalizeRejectsMalformedDecimal(t *testing.T) {
	t.Parallel()

	_, err := normalize(wireBar{Symbol: "AAPL", Open: "not-a-number"})
	if err == nil {
		t.Fatal("expected an error for a malformed decimal field")
	}
}

func TestSymbolStringsConvertsEveryEntry(t *testing.T) {
	t.Parallel()

	got := symbolStrings(nil)
	if len(got) != 0 {
		t.Errorf("symbolStrings(nil) = %v, want empty", got)
	}

	got = symbolStrings([]trading.Symbol{"AAPL", "MSFT"})
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("symbolStrings([AAPL MSFT]) = %v, want [AAPL MSFT]", got)
	}
}
