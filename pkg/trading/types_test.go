package trading

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestMarketBarValidate(t *testing.T) {
	t.Parallel()

	base := MarketBar{
		Symbol:       "AAPL",
		TimestampUTC: time.Now(),
		Open:         d("100"),
		High:         d("105"),
		Low:          d("99"),
		Close:        d("103"),
		Volume:       d("1000"),
	}

	tests := []struct {
		name    string
		mutate  func(b MarketBar) MarketBar
		wantErr bool
	}{
		{"valid bar", func(b MarketBar) MarketBar { return b }, false},
		{"low above open", func(b MarketBar) MarketBar { b.Low = d("101"); return b }, true},
		{"high below close", func(b MarketBar) MarketBar { b.High = d("100"); return b }, true},
		{"negative volume", func(b MarketBar) MarketBar { b.Volume = d("-1"); return b }, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.mutate(base).Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSignalIDDeterministic(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	id1 := NewSignalID("strat-1", "AAPL", ts, BUY)
	id2 := NewSignalID("strat-1", "AAPL", ts, BUY)
	id3 := NewSignalID("strat-1", "AAPL", ts, SELL)

	if id1 != id2 {
		t.Errorf("NewSignalID should be deterministic: %q != %q", id1, id2)
	}
	if id1 == id3 {
		t.Errorf("NewSignalID should differ for differing inputs: %q == %q", id1, id3)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPending, OrderSubmitted, true},
		{OrderPending, OrderRejected, true},
		{OrderPending, OrderFilled, false},
		{OrderSubmitted, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},
		{OrderPartiallyFilled, OrderSubmitted, false},
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderSubmitted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderValidate(t *testing.T) {
	t.Parallel()

	price := d("10")
	valid := Order{
		Symbol:    "AAPL",
		Side:      BUY,
		OrderType: LIMIT,
		Quantity:  d("10"),
		LimitPrice: &price,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid order, got %v", err)
	}

	missingLimit := valid
	missingLimit.LimitPrice = nil
	if err := missingLimit.Validate(); err == nil {
		t.Error("expected error for LIMIT order without limitPrice")
	}

	overFilled := valid
	overFilled.FilledQuantity = d("11")
	if err := overFilled.Validate(); err == nil {
		t.Error("expected error for filledQuantity > quantity")
	}
}

func TestPortfolioExposure(t *testing.T) {
	t.Parallel()

	p := Portfolio{
		Cash: d("1000"),
		Positions: map[Symbol]Position{
			"AAPL": {Symbol: "AAPL", Quantity: d("10"), MarketValue: d("1500")},
			"TSLA": {Symbol: "TSLA", Quantity: d("-5"), MarketValue: d("-800")},
		},
	}

	if got := p.GrossExposure(); !got.Equal(d("2300")) {
		t.Errorf("GrossExposure() = %s, want 2300", got)
	}
	if got := p.NetExposure(); !got.Equal(d("700")) {
		t.Errorf("NetExposure() = %s, want 700", got)
	}
}

func TestBrokerHealthIsCritical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		health BrokerHealth
		want   bool
	}{
		{"fresh broker", BrokerHealth{Healthy: true}, false},
		{"unhealthy flag", BrokerHealth{Healthy: false}, true},
		{"three consecutive failures", BrokerHealth{Healthy: true, ConsecutiveFailures: 3}, true},
		{"low success rate", BrokerHealth{Healthy: true, SuccessCount: 1, ErrorCount: 2}, true},
		{"healthy with history", BrokerHealth{Healthy: true, SuccessCount: 9, ErrorCount: 1}, false},
	}

	for _, tt := range tests {
		if got := tt.health.IsCritical(); got != tt.want {
			t.Errorf("%s: IsCritical() = %v, want %v", tt.name, got, tt.want)
		}
	}
}
