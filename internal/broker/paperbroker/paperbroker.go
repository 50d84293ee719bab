// Package paperbroker is a reference Broker (C8) adapter that simulates
// fills without ever calling out to a real venue. Generalized from the
// teacher's Client.dryRun (mutating exchange calls return synthetic
// success with no network call) and grounded on the Python
// PaperTradingBroker's simulated slippage, commission, and fill-delay
// behavior (SPEC_FULL §C.6).
package paperbroker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/broker"
	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/pkg/trading"
)

// Config tunes the simulated execution characteristics.
type Config struct {
	InitialCash decimal.Decimal

	CommissionPerTrade decimal.Decimal
	CommissionPerShare decimal.Decimal

	// MaxSlippageBps bounds the random slippage applied to the reference
	// price, in basis points. Slippage is drawn from [0, MaxSlippageBps]
	// and always moves the price against the order's side.
	MaxSlippageBps int64

	// FillDelayMin/FillDelayMax bound the random delay before a simulated
	// fill is published.
	FillDelayMin time.Duration
	FillDelayMax time.Duration

	// DefaultPrice is used when a MARKET order arrives for a symbol no
	// market_data bar has been observed for yet.
	DefaultPrice decimal.Decimal
}

// DefaultConfig mirrors the Python PaperTradingBroker's defaults.
func DefaultConfig() Config {
	return Config{
		InitialCash:        decimal.NewFromInt(100_000),
		CommissionPerTrade: decimal.NewFromFloat(1.0),
		CommissionPerShare: decimal.NewFromFloat(0.005),
		MaxSlippageBps:     10,
		FillDelayMin:       20 * time.Millisecond,
		FillDelayMax:       150 * time.Millisecond,
		DefaultPrice:       decimal.NewFromInt(100),
	}
}

type pendingOrder struct {
	order trading.Order
	timer *time.Timer
}

// Broker simulates order execution for local testing and integration runs.
// It implements internal/broker.Broker.
type Broker struct {
	name   string
	cfg    Config
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[trading.Symbol]decimal.Decimal
	lastPrice map[trading.Symbol]decimal.Decimal
	pending   map[string]*pendingOrder // keyed by brokerOrderID

	rngMu sync.Mutex
	rng   *rand.Rand

	mdSub *bus.Subscription
}

// New constructs a paper broker named name, publishing simulated fills
// onto b.
func New(name string, b *bus.Bus, cfg Config, logger *slog.Logger) *Broker {
	if cfg.FillDelayMax <= 0 {
		cfg = DefaultConfig()
	}
	return &Broker{
		name:      name,
		cfg:       cfg,
		bus:       b,
		logger:    logger.With("component", "paperbroker", "broker", name),
		cash:      cfg.InitialCash,
		positions: make(map[trading.Symbol]decimal.Decimal),
		lastPrice: make(map[trading.Symbol]decimal.Decimal),
		pending:   make(map[string]*pendingOrder),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Broker) Name() string { return b.name }

// Connect subscribes to market_data to track a simulated last price per
// symbol, used to fill MARKET orders realistically.
func (b *Broker) Connect(context.Context) error {
	sub, err := b.bus.Subscribe(trading.TopicMarketData, b.handleMarketData)
	if err != nil {
		return fmt.Errorf("paperbroker: subscribe market_data: %w", err)
	}
	b.mdSub = sub
	return nil
}

// Disconnect cancels every pending simulated fill and unsubscribes.
func (b *Broker) Disconnect(context.Context) error {
	if b.mdSub != nil {
		b.mdSub.Unsubscribe()
	}
	b.mu.Lock()
	for _, p := range b.pending {
		p.timer.Stop()
	}
	b.pending = make(map[string]*pendingOrder)
	b.mu.Unlock()
	return nil
}

func (b *Broker) handleMarketData(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.MarketDataPayload)
	if !ok {
		return
	}
	b.mu.Lock()
	b.lastPrice[payload.Bar.Symbol] = payload.Bar.Close
	b.mu.Unlock()
}

// Submit accepts order and schedules a simulated fill after a random
// delay, at a slipped reference price. Always returns a brokerOrderID;
// paper trading never rejects (rejection simulation is explicitly left to
// the risk engine/order manager layers of this core).
func (b *Broker) Submit(_ context.Context, order trading.Order) (string, error) {
	brokerOrderID := b.name + "-" + trading.NewOrderID()

	fillPrice := b.referencePrice(order)
	delay := b.randomDelay()

	pending := &pendingOrder{order: order}
	b.mu.Lock()
	pending.timer = time.AfterFunc(delay, func() { b.simulateFill(brokerOrderID, order, fillPrice) })
	b.pending[brokerOrderID] = pending
	b.mu.Unlock()

	return brokerOrderID, nil
}

// Cancel stops a still-pending simulated fill. Cancelling an order whose
// fill has already fired is a no-op (it is already terminal from the
// order manager's perspective).
func (b *Broker) Cancel(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[brokerOrderID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(b.pending, brokerOrderID)
	return nil
}

func (b *Broker) AccountInfo(context.Context) (broker.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.AccountInfo{BrokerName: b.name, Cash: b.cash, BuyingPower: b.cash, AsOfUTC: time.Now()}, nil
}

func (b *Broker) Positions(context.Context) (map[trading.Symbol]trading.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[trading.Symbol]trading.Position, len(b.positions))
	for sym, qty := range b.positions {
		if qty.IsZero() {
			continue
		}
		out[sym] = trading.Position{Symbol: sym, Quantity: qty, LastUpdatedUTC: time.Now()}
	}
	return out, nil
}

func (b *Broker) referencePrice(order trading.Order) decimal.Decimal {
	switch order.OrderType {
	case trading.LIMIT:
		if order.LimitPrice != nil {
			return *order.LimitPrice
		}
	case trading.STOP, trading.STOP_LIMIT:
		if order.StopPrice != nil {
			return *order.StopPrice
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.lastPrice[order.Symbol]; ok {
		return p
	}
	return b.cfg.DefaultPrice
}

func (b *Broker) randomDelay() time.Duration {
	lo, hi := b.cfg.FillDelayMin, b.cfg.FillDelayMax
	if hi <= lo {
		return lo
	}
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return lo + time.Duration(b.rng.Int63n(int64(hi-lo)))
}

// simulateFill applies adverse random slippage to fillPrice, updates the
// simulated cash/position book, and publishes a single fill covering the
// order's full quantity.
func (b *Broker) simulateFill(brokerOrderID string, order trading.Order, fillPrice decimal.Decimal) {
	b.mu.Lock()
	if _, ok := b.pending[brokerOrderID]; !ok {
		b.mu.Unlock()
		return // cancelled before firing
	}
	delete(b.pending, brokerOrderID)
	b.mu.Unlock()

	slipped := b.applySlippage(fillPrice, order.Side)
	commission := b.cfg.CommissionPerTrade.Add(b.cfg.CommissionPerShare.Mul(order.Quantity))

	b.mu.Lock()
	signed := order.Quantity
	if order.Side == trading.SELL {
		signed = signed.Neg()
	}
	b.positions[order.Symbol] = b.positions[order.Symbol].Add(signed)
	notional := slipped.Mul(order.Quantity)
	if order.Side == trading.BUY {
		b.cash = b.cash.Sub(notional).Sub(commission)
	} else {
		b.cash = b.cash.Add(notional).Sub(commission)
	}
	b.mu.Unlock()

	fill := trading.Fill{
		FillID:        trading.NewFillID(),
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         slipped,
		Commission:    commission,
		Venue:         b.name,
		TimestampUTC:  time.Now(),
		LiquidityFlag: "SIMULATED",
	}
	if _, err := b.bus.Publish(context.Background(), trading.TopicFill, trading.FillPayload{Fill: fill}); err != nil {
		b.logger.Warn("publish simulated fill failed", "order_id", order.OrderID, "error", err)
	}
}

// applySlippage nudges price against the order's side by a random amount
// within [0, MaxSlippageBps] (worse fills than the reference price, never
// better, matching the teacher's conservative dry-run posture).
func (b *Broker) applySlippage(price decimal.Decimal, side trading.Side) decimal.Decimal {
	if b.cfg.MaxSlippageBps <= 0 {
		return price
	}
	b.rngMu.Lock()
	bps := b.rng.Int63n(b.cfg.MaxSlippageBps + 1)
	b.rngMu.Unlock()

	factor := decimal.NewFromInt(bps).Div(decimal.NewFromInt(10_000))
	if side == trading.BUY {
		return price.Add(price.Mul(factor))
	}
	return price.Sub(price.Mul(factor))
}
