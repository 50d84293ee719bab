package strategyhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

const (
	barQueueDepth       = 256
	fillQueueDepth      = 64
	portfolioQueueDepth = 8
)

type instance struct {
	id      string
	symbols map[trading.Symbol]bool
	strat   Strategy

	mu    sync.Mutex
	state trading.StrategyState

	barCh       chan trading.MarketBar
	fillCh      chan trading.Fill
	portfolioCh chan trading.Portfolio

	cancel context.CancelFunc
	done   chan struct{}
}

func (inst *instance) setState(s trading.StrategyState) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

func (inst *instance) getState() trading.StrategyState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Host owns the strategy registry and fans out market data, fills, and
// portfolio updates from the bus to each subscribed instance.
type Host struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance

	mdSub   *bus.Subscription
	fillSub *bus.Subscription
	puSub   *bus.Subscription
}

// New constructs an empty Host.
func New(b *bus.Bus, logger *slog.Logger) *Host {
	return &Host{
		bus:       b,
		logger:    logger.With("component", "strategyhost"),
		instances: make(map[string]*instance),
	}
}

// Register initializes and starts a strategy instance under id, subscribed
// to the given symbols. Registering an id that already exists returns an
// error.
func (h *Host) Register(id string, symbols []trading.Symbol, strat Strategy, params map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.instances[id]; exists {
		return fmt.Errorf("strategyhost: strategy %q already registered", id)
	}

	if err := strat.Initialize(params); err != nil {
		return fmt.Errorf("strategyhost: initialize %q: %w", id, err)
	}

	symSet := make(map[trading.Symbol]bool, len(symbols))
	for _, s := range symbols {
		symSet[s] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		id:          id,
		symbols:     symSet,
		strat:       strat,
		state:       trading.StrategyInitializing,
		barCh:       make(chan trading.MarketBar, barQueueDepth),
		fillCh:      make(chan trading.Fill, fillQueueDepth),
		portfolioCh: make(chan trading.Portfolio, portfolioQueueDepth),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	h.instances[id] = inst

	go h.runInstance(ctx, inst)
	inst.setState(trading.StrategyRunning)
	h.publishLifecycle(id, trading.StrategyRunning, "")
	return nil
}

// Start subscribes the host to market_data, fill, and portfolio_update.
func (h *Host) Start() error {
	mdSub, err := h.bus.Subscribe(trading.TopicMarketData, h.dispatchMarketData)
	if err != nil {
		return fmt.Errorf("strategyhost: subscribe market_data: %w", err)
	}
	h.mdSub = mdSub

	fillSub, err := h.bus.Subscribe(trading.TopicFill, h.dispatchFill)
	if err != nil {
		mdSub.Unsubscribe()
		return fmt.Errorf("strategyhost: subscribe fill: %w", err)
	}
	h.fillSub = fillSub

	puSub, err := h.bus.Subscribe(trading.TopicPortfolioUpdate, h.dispatchPortfolioUpdate)
	if err != nil {
		mdSub.Unsubscribe()
		fillSub.Unsubscribe()
		return fmt.Errorf("strategyhost: subscribe portfolio_update: %w", err)
	}
	h.puSub = puSub
	return nil
}

// Stop unsubscribes from the bus and shuts down every registered instance.
func (h *Host) Stop() {
	if h.mdSub != nil {
		h.mdSub.Unsubscribe()
	}
	if h.fillSub != nil {
		h.fillSub.Unsubscribe()
	}
	if h.puSub != nil {
		h.puSub.Unsubscribe()
	}

	h.mu.RLock()
	instances := make([]*instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.mu.RUnlock()

	for _, inst := range instances {
		inst.cancel()
		<-inst.done
	}
}

func (h *Host) dispatchMarketData(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.MarketDataPayload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, inst := range h.instances {
		if !inst.symbols[payload.Bar.Symbol] || inst.getState() != trading.StrategyRunning {
			continue
		}
		select {
		case inst.barCh <- payload.Bar:
		default:
			h.logger.Warn("strategy bar queue full, dropping bar", "strategy", inst.id, "symbol", payload.Bar.Symbol)
		}
	}
}

func (h *Host) dispatchFill(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.FillPayload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, inst := range h.instances {
		if !inst.symbols[payload.Fill.Symbol] || inst.getState() != trading.StrategyRunning {
			continue
		}
		select {
		case inst.fillCh <- payload.Fill:
		default:
			h.logger.Warn("strategy fill queue full, dropping fill", "strategy", inst.id)
		}
	}
}

func (h *Host) dispatchPortfolioUpdate(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.PortfolioUpdatePayload)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, inst := range h.instances {
		if inst.getState() != trading.StrategyRunning {
			continue
		}
		select {
		case inst.portfolioCh <- payload.Portfolio:
		default:
		}
	}
}

// runInstance is the strategy instance's dedicated task. A panic in any
// callback is isolated: the instance moves to ERROR, an alert is emitted,
// and it stops receiving further events.
func (h *Host) runInstance(ctx context.Context, inst *instance) {
	defer close(inst.done)
	defer inst.strat.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case bar := <-inst.barCh:
			if !h.safeCall(inst, func() error { return h.handleBar(inst, bar) }) {
				return
			}

		case fill := <-inst.fillCh:
			if !h.safeCall(inst, func() error { inst.strat.OnFill(fill); return nil }) {
				return
			}

		case snapshot := <-inst.portfolioCh:
			if !h.safeCall(inst, func() error { inst.strat.OnPortfolioUpdate(snapshot); return nil }) {
				return
			}
		}
	}
}

func (h *Host) handleBar(inst *instance, bar trading.MarketBar) error {
	signals, err := inst.strat.OnMarketData(bar)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		sig.StrategyID = inst.id
		sig.Symbol = bar.Symbol
		sig.TimestampUTC = bar.TimestampUTC
		sig.ID = trading.NewSignalID(inst.id, bar.Symbol, bar.TimestampUTC, sig.Side)
		if _, err := h.bus.Publish(context.Background(), trading.TopicSignal, trading.SignalPayload{Signal: sig}); err != nil {
			h.logger.Warn("publish signal failed", "strategy", inst.id, "error", err)
		}
	}
	return nil
}

// safeCall invokes fn with panic recovery; on panic or error it transitions
// the instance to ERROR and returns false so the caller stops the loop.
func (h *Host) safeCall(inst *instance, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("strategy panicked", "strategy", inst.id, "panic", r)
			inst.setState(trading.StrategyError)
			h.publishLifecycle(inst.id, trading.StrategyError, fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()

	if err := fn(); err != nil {
		h.logger.Error("strategy callback failed", "strategy", inst.id, "error", err)
		inst.setState(trading.StrategyError)
		h.publishLifecycle(inst.id, trading.StrategyError, err.Error())
		return false
	}
	return true
}

func (h *Host) publishLifecycle(id string, state trading.StrategyState, reason string) {
	_, _ = h.bus.Publish(context.Background(), trading.TopicStrategyLifecycle, trading.StrategyLifecyclePayload{
		StrategyID:   id,
		State:        state,
		Reason:       reason,
		TimestampUTC: time.Now(),
	})
	if state == trading.StrategyError {
		_, _ = h.bus.Publish(context.Background(), trading.TopicSystemAlert, trading.SystemAlertPayload{
			Severity:     trading.AlertError,
			Source:       "strategyhost",
			Message:      fmt.Sprintf("strategy %s entered ERROR state: %s", id, reason),
			TimestampUTC: time.Now(),
		})
	}
}
