// Package marketdata implements the market-data ingress (C2): a
// multi-provider failover wrapper that normalizes upstream bars to
// trading.MarketBar and publishes them on the bus, dropping anything that
// arrives out of order per symbol. Grounded on the teacher's exchange.WSFeed
// reconnect/resubscribe loop, generalized from a single hardcoded feed to a
// priority-ordered pool of interchangeable providers.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

// Provider is the market-data upstream contract (§6). A concrete adapter
// (e.g. wsprovider.Feed) owns the wire protocol and emits already-mapped
// MarketBars on Stream(); Ingress owns only failover, watermarking, and
// publication.
type Provider interface {
	Name() string
	Priority() int
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(ctx context.Context, symbols []trading.Symbol) error
	Unsubscribe(ctx context.Context, symbols []trading.Symbol) error
	// Stream returns the channel of normalized bars. Closed when the
	// provider disconnects.
	Stream() <-chan trading.MarketBar
	// Ping is a cheap liveness probe used for cool-down recovery.
	Ping(ctx context.Context) error
}

// Config tunes failover and health thresholds (§4.2, §6).
type Config struct {
	HeartbeatInterval    time.Duration // no bar within HeartbeatInterval*3 triggers failover
	MaxConsecutiveErrors int           // K: errors before a provider is marked unhealthy
	CoolDown             time.Duration // C: how long an unhealthy provider is skipped
	ProbeInterval        time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    10 * time.Second,
		MaxConsecutiveErrors: 3,
		CoolDown:             30 * time.Second,
		ProbeInterval:        10 * time.Second,
	}
}

type providerHealth struct {
	consecutiveErrors int
	unhealthyUntil    time.Time
}

func (h *providerHealth) healthy(now time.Time) bool {
	return now.After(h.unhealthyUntil)
}

// Ingress owns a priority-ordered pool of providers, fails over between
// them, and publishes normalized bars to the bus.
type Ingress struct {
	cfg       Config
	bus       *bus.Bus
	logger    *slog.Logger
	providers []Provider // sorted ascending by Priority()
	symbols   []trading.Symbol

	mu         sync.Mutex
	watermarks map[trading.Symbol]time.Time
	health     map[string]*providerHealth
	activeIdx  int

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an Ingress over providers, sorted by ascending priority.
func New(cfg Config, b *bus.Bus, logger *slog.Logger, providers []Provider, symbols []trading.Symbol) *Ingress {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	health := make(map[string]*providerHealth, len(sorted))
	for _, p := range sorted {
		health[p.Name()] = &providerHealth{}
	}

	return &Ingress{
		cfg:        cfg,
		bus:        b,
		logger:     logger.With("component", "marketdata"),
		providers:  sorted,
		symbols:    symbols,
		watermarks: make(map[trading.Symbol]time.Time),
		health:     health,
	}
}

// Start connects to the highest-priority healthy provider and begins
// forwarding its bars to the bus. It returns once the initial connection
// succeeds; the forwarding loop runs in a background goroutine.
func (ig *Ingress) Start(ctx context.Context) error {
	if len(ig.providers) == 0 {
		return fmt.Errorf("marketdata: no providers configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	ig.cancel = cancel
	ig.done = make(chan struct{})

	idx, err := ig.connectFirstHealthy(runCtx, 0)
	if err != nil {
		cancel()
		return err
	}
	ig.activeIdx = idx

	go ig.run(runCtx)
	return nil
}

// Stop disconnects the active provider and stops the forwarding loop.
func (ig *Ingress) Stop() {
	if ig.cancel != nil {
		ig.cancel()
	}
	if ig.done != nil {
		<-ig.done
	}
}

func (ig *Ingress) connectFirstHealthy(ctx context.Context, from int) (int, error) {
	now := time.Now()
	for i := from; i < len(ig.providers); i++ {
		p := ig.providers[i]
		ig.mu.Lock()
		h := ig.health[p.Name()]
		ig.mu.Unlock()
		if !h.healthy(now) {
			continue
		}
		if err := p.Connect(ctx); err != nil {
			ig.markError(p.Name())
			continue
		}
		if err := p.Subscribe(ctx, ig.symbols); err != nil {
			p.Disconnect()
			ig.markError(p.Name())
			continue
		}
		return i, nil
	}
	return 0, fmt.Errorf("marketdata: no healthy provider available")
}

func (ig *Ingress) run(ctx context.Context) {
	defer close(ig.done)

	heartbeat := time.NewTicker(ig.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lastBarAt := time.Now()

	for {
		active := ig.providers[ig.activeIdx]
		select {
		case <-ctx.Done():
			active.Disconnect()
			return

		case bar, ok := <-active.Stream():
			if !ok {
				ig.markError(active.Name())
				ig.failover(ctx)
				continue
			}
			lastBarAt = time.Now()
			ig.publish(ctx, bar)

		case <-heartbeat.C:
			if time.Since(lastBarAt) > ig.cfg.HeartbeatInterval*3 {
				ig.logger.Warn("market data heartbeat missed, failing over", "provider", active.Name())
				ig.markError(active.Name())
				ig.failover(ctx)
				lastBarAt = time.Now()
			}
			ig.probeUnhealthy(ctx)
		}
	}
}

// publish drops any bar whose timestamp does not strictly advance the
// per-symbol watermark (§4.2: "bars arriving out of order ... are dropped").
func (ig *Ingress) publish(ctx context.Context, bar trading.MarketBar) {
	if err := bar.Validate(); err != nil {
		ig.logger.Warn("dropping invalid bar", "symbol", bar.Symbol, "error", err)
		return
	}

	ig.mu.Lock()
	watermark, seen := ig.watermarks[bar.Symbol]
	if seen && !bar.TimestampUTC.After(watermark) {
		ig.mu.Unlock()
		return
	}
	ig.watermarks[bar.Symbol] = bar.TimestampUTC
	ig.mu.Unlock()

	if _, err := ig.bus.Publish(ctx, trading.TopicMarketData, trading.MarketDataPayload{Bar: bar}); err != nil {
		ig.logger.Warn("publish market data failed", "symbol", bar.Symbol, "error", err)
	}
}

func (ig *Ingress) failover(ctx context.Context) {
	idx, err := ig.connectFirstHealthy(ctx, 0)
	if err != nil {
		ig.logger.Error("market data failover exhausted all providers", "error", err)
		return
	}
	ig.activeIdx = idx
}

func (ig *Ingress) markError(name string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	h := ig.health[name]
	h.consecutiveErrors++
	if h.consecutiveErrors >= ig.cfg.MaxConsecutiveErrors {
		h.unhealthyUntil = time.Now().Add(ig.cfg.CoolDown)
	}
}

func (ig *Ingress) markHealthy(name string) {
	ig.mu.Lock()
	defer ig.mu.Unlock()
	h := ig.health[name]
	h.consecutiveErrors = 0
	h.unhealthyUntil = time.Time{}
}

// probeUnhealthy pings any cooled-down-but-still-marked-unhealthy provider;
// a successful probe returns it to the healthy set.
func (ig *Ingress) probeUnhealthy(ctx context.Context) {
	now := time.Now()
	for _, p := range ig.providers {
		ig.mu.Lock()
		h := ig.health[p.Name()]
		pastCooldown := !h.unhealthyUntil.IsZero() && now.After(h.unhealthyUntil)
		ig.mu.Unlock()
		if !pastCooldown {
			continue
		}
		if err := p.Ping(ctx); err == nil {
			ig.markHealthy(p.Name())
		}
	}
}
