package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider is a controllable Provider for ingress tests.
type fakeProvider struct {
	name     string
	priority int
	connErr  error

	mu        sync.Mutex
	connected bool
	barCh     chan trading.MarketBar
	pingErr   error
}

func newFakeProvider(name string, priority int) *fakeProvider {
	return &fakeProvider{name: name, priority: priority, barCh: make(chan trading.MarketBar, 16)}
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Priority() int { return f.priority }

func (f *fakeProvider) Connect(context.Context) error {
	if f.connErr != nil {
		return f.connErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Subscribe(context.Context, []trading.Symbol) error   { return nil }
func (f *fakeProvider) Unsubscribe(context.Context, []trading.Symbol) error { return nil }

func (f *fakeProvider) Stream() <-chan trading.MarketBar { return f.barCh }

func (f *fakeProvider) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func bar(symbol trading.Symbol, ts time.Time) trading.MarketBar {
	return trading.MarketBar{
		Symbol: symbol, TimestampUTC: ts,
		Open: decimal.NewFromInt(10), High: decimal.NewFromInt(11),
		Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(10),
		Volume: decimal.NewFromInt(100),
	}
}

func TestIngressPublishesNormalizedBars(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.DefaultConfig(), testLogger())
	received := make(chan trading.MarketBar, 1)
	sub, err := b.Subscribe(trading.TopicMarketData, func(evt *trading.Event) {
		received <- evt.Payload.(trading.MarketDataPayload).Bar
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	p := newFakeProvider("primary", 1)
	ig := New(DefaultConfig(), b, testLogger(), []Provider{p}, []trading.Symbol{"AAPL"})
	if err := ig.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ig.Stop()

	p.barCh <- bar("AAPL", time.Now())

	select {
	case got := <-received:
		if got.Symbol != "AAPL" {
			t.Errorf("symbol = %q, want AAPL", got.Symbol)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bar was never published")
	}
}

func TestIngressDropsOutOfOrderBars(t *testing.T) {
	t.Parallel()

	b := bus.New(bus.DefaultConfig(), testLogger())
	var mu sync.Mutex
	var seen []time.Time
	sub, err := b.Subscribe(trading.TopicMarketData, func(evt *trading.Event) {
		mu.Lock()
		seen = append(seen, evt.Payload.(trading.MarketDataPayload).Bar.TimestampUTC)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	p := newFakeProvider("primary", 1)
	ig := New(DefaultConfig(), b, testLogger(), []Provider{p}, []trading.Symbol{"AAPL"})
	if err := ig.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ig.Stop()

	now := time.Now()
	p.barCh <- bar("AAPL", now)
	p.barCh <- bar("AAPL", now.Add(-time.Minute)) // out of order, must be dropped
	p.barCh <- bar("AAPL", now.Add(time.Minute))  // advances, must be kept

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("got %d bars published, want 2 (out-of-order one dropped): %v", len(seen), seen)
	}
}

func TestIngressFailsOverToNextProvider(t *testing.T) {
	t.Parallel()

	primary := newFakeProvider("primary", 1)
	primary.connErr = errors.New("refused")
	secondary := newFakeProvider("secondary", 2)

	b := bus.New(bus.DefaultConfig(), testLogger())
	ig := New(DefaultConfig(), b, testLogger(), []Provider{primary, secondary}, []trading.Symbol{"AAPL"})
	if err := ig.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ig.Stop()

	if ig.providers[ig.activeIdx].Name() != "secondary" {
		t.Errorf("active provider = %q, want secondary", ig.providers[ig.activeIdx].Name())
	}
}

func TestIngressStartFailsWhenNoProviderConnects(t *testing.T) {
	t.Parallel()

	p := newFakeProvider("only", 1)
	p.connErr = errors.New("refused")

	b := bus.New(bus.DefaultConfig(), testLogger())
	ig := New(DefaultConfig(), b, testLogger(), []Provider{p}, []trading.Symbol{"AAPL"})
	if err := ig.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when every provider is unreachable")
	}
}
