// Package portfolio implements the portfolio core (C5): the single
// authoritative writer of cash and position state, reached only through
// Fill events on the bus, and read everywhere else through lock-free
// snapshots. Grounded on the teacher's strategy/inventory.go (a
// mutex-guarded position ledger updated from fill callbacks), generalized
// from single-market inventory to the multi-symbol cash/position/PnL model
// in §3 and §4.5.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/internal/idempotency"
	"github.com/aristath/tradingcore/internal/repository"
	"github.com/aristath/tradingcore/internal/retry"
	"github.com/aristath/tradingcore/pkg/trading"
)

// Core is the portfolio core. It subscribes to the fill and market_data
// topics and is the sole mutator of cash/position state; every other
// component reads state through Snapshot.
type Core struct {
	cfg    Config
	repo   repository.Repository
	bus    *bus.Bus
	stop   *emergencystop.Flag
	logger *slog.Logger

	// writer-owned state, guarded by mu: mutated by ApplyFill (the fill
	// subscriber), applyMark (the market_data subscriber) and Restore.
	cash      decimal.Decimal
	positions map[trading.Symbol]trading.Position
	marks     map[trading.Symbol]decimal.Decimal
	dedup     *idempotency.Set

	snapshot atomic.Pointer[trading.Portfolio]

	fillSub *bus.Subscription
	mdSub   *bus.Subscription

	mu sync.Mutex // serializes ApplyFill against direct callers racing the bus handler
}

// New constructs a Core seeded with initialCash and no open positions.
func New(cfg Config, repo repository.Repository, b *bus.Bus, stop *emergencystop.Flag, logger *slog.Logger, initialCash decimal.Decimal) *Core {
	if cfg.FillDedupCacheSize <= 0 {
		cfg = DefaultConfig()
	}
	c := &Core{
		cfg:       cfg,
		repo:      repo,
		bus:       b,
		stop:      stop,
		logger:    logger.With("component", "portfolio"),
		cash:      initialCash,
		positions: make(map[trading.Symbol]trading.Position),
		marks:     make(map[trading.Symbol]decimal.Decimal),
		dedup:     idempotency.NewSet(cfg.FillDedupCacheSize),
	}
	c.publishSnapshotLocked(time.Now())
	return c
}

// Restore seeds the core from a previously persisted snapshot, for
// supervisor startup recovery (§4.9). A repository that has never been
// written to (AsOfUTC zero) leaves the core at its constructed initial
// cash rather than zeroing it out — the Repository contract has no
// separate "no snapshot yet" signal, so an unset AsOfUTC is read as
// exactly that, mirroring how the teacher's store.Open tolerates a
// missing position file on first run.
func (c *Core) Restore(ctx context.Context) error {
	loaded, err := c.repo.LoadPortfolio(ctx)
	if err != nil {
		return fmt.Errorf("portfolio: restore: %w", err)
	}
	if loaded.AsOfUTC.IsZero() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cash = loaded.Cash
	c.positions = make(map[trading.Symbol]trading.Position, len(loaded.Positions))
	for sym, pos := range loaded.Positions {
		c.positions[sym] = pos
	}
	c.publishSnapshotLocked(time.Now())
	return nil
}

// Start subscribes to fill and market_data events. Fills mutate state;
// market data only updates mark-to-market valuations used by Snapshot.
func (c *Core) Start() error {
	fillSub, err := c.bus.Subscribe(trading.TopicFill, func(evt *trading.Event) {
		payload, ok := evt.Payload.(trading.FillPayload)
		if !ok {
			return
		}
		if err := c.ApplyFill(context.Background(), payload.Fill); err != nil {
			c.logger.Error("apply fill failed", "fill_id", payload.Fill.FillID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("portfolio: subscribe fill: %w", err)
	}
	c.fillSub = fillSub

	mdSub, err := c.bus.Subscribe(trading.TopicMarketData, func(evt *trading.Event) {
		payload, ok := evt.Payload.(trading.MarketDataPayload)
		if !ok {
			return
		}
		c.applyMark(payload.Bar.Symbol, payload.Bar.Close)
	})
	if err != nil {
		fillSub.Unsubscribe()
		return fmt.Errorf("portfolio: subscribe market_data: %w", err)
	}
	c.mdSub = mdSub
	return nil
}

// Stop unsubscribes the core from the bus.
func (c *Core) Stop() {
	if c.fillSub != nil {
		c.fillSub.Unsubscribe()
	}
	if c.mdSub != nil {
		c.mdSub.Unsubscribe()
	}
}

// Snapshot returns the last committed portfolio state. Lock-free: readers
// never block on the writer.
func (c *Core) Snapshot() trading.Portfolio {
	return *c.snapshot.Load()
}

func (c *Core) applyMark(symbol trading.Symbol, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[symbol] = price
	if pos, ok := c.positions[symbol]; ok {
		c.positions[symbol] = markPosition(pos, price)
	}
	c.publishSnapshotLocked(time.Now())
}

func markPosition(pos trading.Position, price decimal.Decimal) trading.Position {
	pos.MarketValue = pos.Quantity.Mul(price)
	pos.UnrealizedPnL = pos.Quantity.Mul(price.Sub(pos.AvgCost))
	pos.LastUpdatedUTC = time.Now()
	return pos
}

// ApplyFill applies one fill to the portfolio per §4.5: persist, then
// mutate, then publish, in that order. Duplicate fillIds (already present
// in the dedup set) are silently dropped. A persistence failure is retried
// with bounded backoff and, if still failing, rejected without mutating
// state. A failure during the mutation step itself is treated as a fatal
// invariant violation: the process latches the emergency stop and emits a
// fatal system_alert, since the persisted fill and the in-memory state
// would otherwise permanently disagree.
func (c *Core) ApplyFill(ctx context.Context, fill trading.Fill) error {
	if err := fill.Validate(); err != nil {
		return fmt.Errorf("portfolio: invalid fill: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dedup.Contains(fill.FillID) {
		return nil
	}

	err := retry.Do(ctx, c.cfg.PersistRetryAttempts, 50*time.Millisecond, func() error {
		return c.repo.RecordFill(ctx, fill)
	})
	if err != nil {
		return fmt.Errorf("portfolio: persist fill: %w", err)
	}

	if err := c.mutateLocked(fill); err != nil {
		c.stop.Engage(fmt.Sprintf("portfolio mutation failed after persisting fill %s: %v", fill.FillID, err))
		c.publishAlert(trading.AlertFatal, fmt.Sprintf("portfolio invariant violation on fill %s: %v", fill.FillID, err))
		return fmt.Errorf("portfolio: mutate state: %w", err)
	}

	c.dedup.Add(fill.FillID)
	c.publishSnapshotLocked(fill.TimestampUTC)

	if err := c.repo.SnapshotPortfolio(ctx, c.Snapshot()); err != nil {
		c.logger.Warn("portfolio snapshot persist failed", "error", err)
	}
	return nil
}

// mutateLocked applies the cash/position bookkeeping for one fill. Caller
// holds c.mu.
func (c *Core) mutateLocked(fill trading.Fill) error {
	pos := c.positions[fill.Symbol]
	oldQty := pos.Quantity
	oldAvgCost := pos.AvgCost

	var delta decimal.Decimal
	switch fill.Side {
	case trading.BUY:
		delta = fill.Quantity
		c.cash = c.cash.Sub(fill.Quantity.Mul(fill.Price)).Sub(fill.Commission)
	case trading.SELL:
		delta = fill.Quantity.Neg()
		c.cash = c.cash.Add(fill.Quantity.Mul(fill.Price)).Sub(fill.Commission)
	default:
		return fmt.Errorf("unknown fill side %q", fill.Side)
	}

	newQty := oldQty.Add(delta)

	switch {
	case oldQty.IsZero() || sameSign(oldQty, delta):
		// Accretive: opening from flat, or adding to an existing long/short.
		pos.AvgCost = weightedAvgCost(oldQty, oldAvgCost, fill.Quantity, fill.Price, newQty)
		pos.Quantity = newQty

	case newQty.IsZero() || sameSign(oldQty, newQty):
		// Reducing or fully closing without flipping sign.
		closingQty := fill.Quantity
		pos.RealizedPnL = pos.RealizedPnL.Add(realizedPnL(oldQty, oldAvgCost, fill.Price, closingQty))
		pos.Quantity = newQty
		// AvgCost of the remaining (smaller) same-direction position is
		// unchanged; irrelevant once flat.

	default:
		// Sign flip: the fill closes the entire existing position and opens
		// a new one in the opposite direction at the fill price.
		closingQty := oldQty.Abs()
		pos.RealizedPnL = pos.RealizedPnL.Add(realizedPnL(oldQty, oldAvgCost, fill.Price, closingQty))
		pos.Quantity = newQty
		pos.AvgCost = fill.Price
	}

	pos.Symbol = fill.Symbol
	if mark, ok := c.marks[fill.Symbol]; ok {
		pos = markPosition(pos, mark)
	} else {
		pos = markPosition(pos, fill.Price)
	}

	if pos.Quantity.IsZero() {
		delete(c.positions, fill.Symbol)
	} else {
		c.positions[fill.Symbol] = pos
	}
	return nil
}

// sameSign reports whether a and b are both positive or both negative.
func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}

// weightedAvgCost recomputes average cost after an accretive fill.
func weightedAvgCost(oldQty, oldAvgCost, fillQty, fillPrice, newQty decimal.Decimal) decimal.Decimal {
	if newQty.IsZero() {
		return decimal.Zero
	}
	oldNotional := oldQty.Abs().Mul(oldAvgCost)
	fillNotional := fillQty.Mul(fillPrice)
	return oldNotional.Add(fillNotional).Div(newQty.Abs())
}

// realizedPnL computes the PnL crystallized by closing closingQty of a
// position with the given oldQty sign, oldAvgCost, at fillPrice.
func realizedPnL(oldQty, oldAvgCost, fillPrice, closingQty decimal.Decimal) decimal.Decimal {
	diff := fillPrice.Sub(oldAvgCost)
	if oldQty.IsNegative() {
		diff = diff.Neg()
	}
	return closingQty.Mul(diff)
}

func (c *Core) publishSnapshotLocked(asOf time.Time) {
	positions := make(map[trading.Symbol]trading.Position, len(c.positions))
	for sym, pos := range c.positions {
		positions[sym] = pos
	}
	equity := c.cash
	for _, pos := range positions {
		equity = equity.Add(pos.MarketValue)
	}
	snap := trading.Portfolio{
		Cash:        c.cash,
		Positions:   positions,
		TotalEquity: equity,
		AsOfUTC:     asOf,
	}
	c.snapshot.Store(&snap)

	if c.bus != nil {
		_, _ = c.bus.Publish(context.Background(), trading.TopicPortfolioUpdate, trading.PortfolioUpdatePayload{Portfolio: snap})
	}
}

func (c *Core) publishAlert(severity trading.AlertSeverity, message string) {
	if c.bus == nil {
		return
	}
	_, _ = c.bus.Publish(context.Background(), trading.TopicSystemAlert, trading.SystemAlertPayload{
		Severity:     severity,
		Source:       "portfolio",
		Message:      message,
		TimestampUTC: time.Now(),
	})
}
