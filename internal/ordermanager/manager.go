// Package ordermanager implements the order manager (C6): idempotent order
// creation from signals, the order-status state machine, rate limiting,
// timeout supervision, and execution-algorithm child-order splitting.
// Grounded on the teacher's engine.Engine (a central orchestrator owning a
// map of live units protected by a mutex, each fed events from the bus and
// torn down on Stop) generalized from one marketSlot per traded market to
// one tracked Order per signal, some of which fan out into child orders
// rather than running a strategy goroutine of their own.
package ordermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/internal/idempotency"
	"github.com/aristath/tradingcore/internal/repository"
	"github.com/aristath/tradingcore/internal/retry"
	"github.com/aristath/tradingcore/pkg/trading"
)

// orderRecord is the manager's private tracking wrapper around a
// trading.Order: the broker-assigned ID needed to route cancels, and the
// deadline at which timeout supervision cancels it.
type orderRecord struct {
	trading.Order
	brokerOrderID string
	brokerName    string
	timeoutAt     time.Time
}

// Manager is the order manager. It consumes signal events, validates and
// sizes them through a RiskValidator, routes accepted orders (or their
// algorithm-split children) through a BrokerSubmitter, and tracks every
// order's lifecycle from fill and order_status events observed on the bus.
type Manager struct {
	cfg       Config
	bus       *bus.Bus
	repo      repository.Repository
	risk      RiskValidator
	portfolio PortfolioSource
	broker    BrokerSubmitter
	stop      *emergencystop.Flag
	logger    *slog.Logger

	perMinute   *slidingWindow
	daily       *dayCounter
	signalDedup *idempotency.Set

	mu          sync.Mutex
	orders      map[string]*orderRecord
	childrenOf  map[string][]string
	lastVolume  map[trading.Symbol]decimal.Decimal
	timers      map[string][]*time.Timer
	stopHandled bool

	signalSub *bus.Subscription
	statusSub *bus.Subscription
	fillSub   *bus.Subscription
	mdSub     *bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. The broker/risk/portfolio dependencies are
// narrow ports (ports.go) so this package has no compile-time dependency
// on the concrete risk, portfolio, or broker packages.
func New(cfg Config, repo repository.Repository, risk RiskValidator, portfolio PortfolioSource, broker BrokerSubmitter, b *bus.Bus, stop *emergencystop.Flag, logger *slog.Logger) *Manager {
	if cfg.MaxOrdersPerMinute <= 0 && cfg.MaxDailyOrders <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:         cfg,
		bus:         b,
		repo:        repo,
		risk:        risk,
		portfolio:   portfolio,
		broker:      broker,
		stop:        stop,
		logger:      logger.With("component", "ordermanager"),
		perMinute:   newSlidingWindow(time.Minute, cfg.MaxOrdersPerMinute),
		daily:       newDayCounter(cfg.MaxDailyOrders),
		signalDedup: idempotency.NewSet(cfg.SignalDedupCacheSize),
		orders:      make(map[string]*orderRecord),
		childrenOf:  make(map[string][]string),
		lastVolume:  make(map[trading.Symbol]decimal.Decimal),
		timers:      make(map[string][]*time.Timer),
	}
}

// Start subscribes to signal, order_status, fill, and market_data, and
// begins the timeout-supervisor loop.
func (m *Manager) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	signalSub, err := m.bus.Subscribe(trading.TopicSignal, m.handleSignal)
	if err != nil {
		return fmt.Errorf("ordermanager: subscribe signal: %w", err)
	}
	m.signalSub = signalSub

	statusSub, err := m.bus.Subscribe(trading.TopicOrderStatus, m.handleOrderStatus)
	if err != nil {
		signalSub.Unsubscribe()
		return fmt.Errorf("ordermanager: subscribe order_status: %w", err)
	}
	m.statusSub = statusSub

	fillSub, err := m.bus.Subscribe(trading.TopicFill, m.handleFill)
	if err != nil {
		signalSub.Unsubscribe()
		statusSub.Unsubscribe()
		return fmt.Errorf("ordermanager: subscribe fill: %w", err)
	}
	m.fillSub = fillSub

	mdSub, err := m.bus.Subscribe(trading.TopicMarketData, m.handleMarketData)
	if err != nil {
		signalSub.Unsubscribe()
		statusSub.Unsubscribe()
		fillSub.Unsubscribe()
		return fmt.Errorf("ordermanager: subscribe market_data: %w", err)
	}
	m.mdSub = mdSub

	m.wg.Add(1)
	go m.timeoutLoop()

	return nil
}

// Stop unsubscribes from the bus, cancels every pending algorithm timer,
// and waits for the timeout supervisor and any running participation-rate
// loops to exit.
func (m *Manager) Stop() {
	if m.signalSub != nil {
		m.signalSub.Unsubscribe()
	}
	if m.statusSub != nil {
		m.statusSub.Unsubscribe()
	}
	if m.fillSub != nil {
		m.fillSub.Unsubscribe()
	}
	if m.mdSub != nil {
		m.mdSub.Unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for _, ts := range m.timers {
		for _, t := range ts {
			t.Stop()
		}
	}
	m.timers = make(map[string][]*time.Timer)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) handleMarketData(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.MarketDataPayload)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastVolume[payload.Bar.Symbol] = payload.Bar.Volume
	m.mu.Unlock()
}

// handleSignal is the entry point for order creation (§4.6). A HOLD signal
// produces no order. Duplicate signal.ids are dropped outright, before
// rate limiting or risk validation: idempotency takes priority over
// throttling so a re-delivered signal never consumes rate budget twice.
func (m *Manager) handleSignal(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.SignalPayload)
	if !ok {
		return
	}
	sig := payload.Signal
	if sig.Side == trading.HOLD {
		return
	}

	m.mu.Lock()
	seen := m.signalDedup.Contains(sig.ID)
	if !seen {
		m.signalDedup.Add(sig.ID)
	}
	m.mu.Unlock()
	if seen {
		return
	}

	now := time.Now()
	if !m.daily.Allow(now) {
		m.logger.Warn("daily order cap reached, dropping signal", "signal_id", sig.ID)
		m.publishAlert(trading.AlertWarning, fmt.Sprintf("maxDailyOrders reached: dropping signal %s", sig.ID))
		return
	}
	if !m.perMinute.Allow(now) {
		m.logger.Warn("order rate limit exceeded, dropping signal", "signal_id", sig.ID)
		m.publishAlert(trading.AlertWarning, fmt.Sprintf("maxOrdersPerMinute exceeded: dropping signal %s", sig.ID))
		return
	}

	snapshot := m.portfolio.Snapshot()
	decision, qty, reason := m.risk.Validate(sig, snapshot)
	if decision != trading.RiskAccept {
		m.logger.Info("signal rejected by risk engine", "signal_id", sig.ID, "reason", reason)
		return
	}

	if err := m.createOrder(sig, qty); err != nil {
		m.logger.Error("order creation failed", "signal_id", sig.ID, "error", err)
	}
}

func signalAlgorithm(sig trading.Signal) trading.ExecutionAlgorithm {
	v, ok := sig.Metadata["algorithm"]
	if !ok {
		return trading.AlgoImmediate
	}
	if s, ok := v.(string); ok && s != "" {
		return trading.ExecutionAlgorithm(s)
	}
	return trading.AlgoImmediate
}

// createOrder builds the parent Order for an accepted, sized signal and
// routes it according to its requested execution algorithm.
func (m *Manager) createOrder(sig trading.Signal, qty decimal.Decimal) error {
	now := time.Now()
	order := trading.Order{
		OrderID:     trading.NewOrderID(),
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		OrderType:   trading.MARKET,
		Quantity:    qty,
		TimeInForce: trading.TIFGoodTilCancelled,
		StrategyID:  sig.StrategyID,
		Status:      trading.OrderPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		SignalID:    sig.ID,
		Algorithm:   signalAlgorithm(sig),
	}
	if err := order.Validate(); err != nil {
		return fmt.Errorf("invalid order built from signal %s: %w", sig.ID, err)
	}

	rec := &orderRecord{Order: order, timeoutAt: now.Add(m.timeoutDuration())}
	m.registerOrder(rec)

	if err := m.persistOrder(rec); err != nil {
		return fmt.Errorf("persist order %s: %w", order.OrderID, err)
	}

	// execCfg resolves this signal's own algorithm parameters (N, horizon,
	// participation rate, urgency) over the manager-wide defaults — see
	// resolveExecConfig.
	execCfg := resolveExecConfig(m.cfg, sig)

	switch order.Algorithm {
	case trading.AlgoTWAP, trading.AlgoVWAP:
		m.transition(rec, trading.OrderSubmitted)
		m.scheduleChildren(rec, planChildren(execCfg, order.Algorithm, qty))

	case trading.AlgoImplementationShortfall:
		m.transition(rec, trading.OrderSubmitted)
		immediate, remainder := ShortfallSplit(execCfg, qty)
		if immediate.IsPositive() {
			m.scheduleChildren(rec, []childSpec{{quantity: immediate, delay: 0}})
		}
		if remainder.IsPositive() {
			m.scheduleChildren(rec, shortfallPlan(execCfg, remainder))
		}

	case trading.AlgoParticipationRate:
		m.transition(rec, trading.OrderSubmitted)
		m.wg.Add(1)
		go m.participationRateLoop(rec, execCfg.ParticipationRate, execCfg.ParticipationInterval)

	default:
		m.submitOrder(rec)
	}

	return nil
}

func (m *Manager) timeoutDuration() time.Duration {
	if m.cfg.OrderTimeout <= 0 {
		return DefaultConfig().OrderTimeout
	}
	return m.cfg.OrderTimeout
}

func (m *Manager) registerOrder(rec *orderRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[rec.OrderID] = rec
	if rec.ParentOrderID != "" {
		m.childrenOf[rec.ParentOrderID] = append(m.childrenOf[rec.ParentOrderID], rec.OrderID)
	}
}

// scheduleChildren arms one timer per childSpec, each building and
// submitting a MARKET child order of parent when its delay elapses.
func (m *Manager) scheduleChildren(parent *orderRecord, specs []childSpec) {
	for _, spec := range specs {
		spec := spec
		if !spec.quantity.IsPositive() {
			continue
		}
		timer := time.AfterFunc(spec.delay, func() { m.submitChild(parent, spec.quantity) })
		m.mu.Lock()
		m.timers[parent.OrderID] = append(m.timers[parent.OrderID], timer)
		m.mu.Unlock()
	}
}

func (m *Manager) submitChild(parent *orderRecord, qty decimal.Decimal) {
	select {
	case <-m.ctx.Done():
		return
	default:
	}

	m.mu.Lock()
	parentStatus := parent.Status
	m.mu.Unlock()
	if parentStatus.IsTerminal() {
		return
	}

	now := time.Now()
	child := &orderRecord{
		Order: trading.Order{
			OrderID:       trading.NewOrderID(),
			Symbol:        parent.Symbol,
			Side:          parent.Side,
			OrderType:     trading.MARKET,
			Quantity:      qty,
			TimeInForce:   trading.TIFImmediateOrCancel,
			StrategyID:    parent.StrategyID,
			Status:        trading.OrderPending,
			CreatedAt:     now,
			UpdatedAt:     now,
			SignalID:      parent.SignalID,
			Algorithm:     trading.AlgoImmediate,
			ParentOrderID: parent.OrderID,
		},
		timeoutAt: now.Add(m.timeoutDuration()),
	}
	m.registerOrder(child)
	if err := m.persistOrder(child); err != nil {
		m.logger.Error("persist child order failed", "order_id", child.OrderID, "error", err)
		return
	}
	m.submitOrder(child)
}

// participationRateLoop works AlgoParticipationRate orders (§4.6): at each
// interval, submit a child sized min(remaining, estimatedRecentVolume ×
// targetRate), using the most recently observed bar volume for the
// order's symbol as the volume estimate. rate and interval come from the
// signal's resolved execution config, not necessarily the manager default.
func (m *Manager) participationRateLoop(parent *orderRecord, rate decimal.Decimal, interval time.Duration) {
	defer m.wg.Done()

	if interval <= 0 {
		interval = DefaultConfig().ParticipationInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	remaining := parent.Quantity
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			status := parent.Status
			vol := m.lastVolume[parent.Symbol]
			m.mu.Unlock()
			if status.IsTerminal() {
				return
			}

			target := vol.Mul(rate)
			childQty := decimal.Min(remaining, target).Floor()
			if childQty.IsPositive() {
				m.submitChild(parent, childQty)
				remaining = remaining.Sub(childQty)
			}
			if !remaining.IsPositive() {
				return
			}
		}
	}
}

// submitOrder routes a leaf (non-split) order to the broker manager.
// Child orders and AlgoImmediate parents both pass through here.
func (m *Manager) submitOrder(rec *orderRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	brokerOrderID, brokerName, err := m.broker.Submit(ctx, rec.Order)
	if err != nil {
		m.logger.Warn("broker submit rejected order", "order_id", rec.OrderID, "error", err)
		m.transition(rec, trading.OrderRejected)
		m.publishAlert(trading.AlertWarning, fmt.Sprintf("order %s rejected: %v", rec.OrderID, err))
		return
	}

	m.mu.Lock()
	rec.brokerOrderID = brokerOrderID
	rec.brokerName = brokerName
	rec.BrokerName = brokerName
	m.mu.Unlock()

	m.transition(rec, trading.OrderSubmitted)
}

// handleOrderStatus applies a broker-observed status transition. Per §5,
// out-of-order messages that would regress the recorded status (or arrive
// for an order already in a terminal state) are dropped.
func (m *Manager) handleOrderStatus(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.OrderStatusPayload)
	if !ok {
		return
	}

	m.mu.Lock()
	rec, ok := m.orders[payload.OrderID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.transition(rec, payload.NewStatus)
}

// handleFill applies a confirmed fill to the tracked order (and, if it is
// a child, rolls the aggregate up to its parent). Fills for unknown or
// terminal orders are dropped.
func (m *Manager) handleFill(evt *trading.Event) {
	payload, ok := evt.Payload.(trading.FillPayload)
	if !ok {
		return
	}
	fill := payload.Fill

	m.mu.Lock()
	rec, ok := m.orders[fill.OrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if rec.Status.IsTerminal() {
		m.mu.Unlock()
		m.logger.Warn("fill for terminal order dropped", "order_id", fill.OrderID, "fill_id", fill.FillID)
		return
	}

	applyFillToRecord(rec, fill)
	parentID := rec.ParentOrderID
	m.mu.Unlock()

	newStatus := trading.OrderPartiallyFilled
	if rec.FilledQuantity.Equal(rec.Quantity) {
		newStatus = trading.OrderFilled
	}
	m.transition(rec, newStatus)

	if parentID != "" {
		m.rollUpParent(parentID)
	}
}

// applyFillToRecord updates FilledQuantity and the volume-weighted
// AvgFillPrice. Caller holds m.mu.
func applyFillToRecord(rec *orderRecord, fill trading.Fill) {
	priorNotional := rec.AvgFillPrice.Mul(rec.FilledQuantity)
	newFilled := rec.FilledQuantity.Add(fill.Quantity)
	if newFilled.GreaterThan(rec.Quantity) {
		newFilled = rec.Quantity
	}
	rec.Commission = rec.Commission.Add(fill.Commission)
	if newFilled.IsPositive() {
		rec.AvgFillPrice = priorNotional.Add(fill.Price.Mul(fill.Quantity)).Div(newFilled)
	}
	rec.FilledQuantity = newFilled
	rec.UpdatedAt = fill.TimestampUTC
}

// rollUpParent recomputes a parent order's aggregate fill state from its
// children (§4.6: "a parent order is FILLED only when the sum of
// children's fills equals its quantity").
func (m *Manager) rollUpParent(parentID string) {
	m.mu.Lock()
	parent, ok := m.orders[parentID]
	childIDs := append([]string(nil), m.childrenOf[parentID]...)
	m.mu.Unlock()
	if !ok || parent.Status.IsTerminal() {
		return
	}

	totalFilled := decimal.Zero
	totalNotional := decimal.Zero
	m.mu.Lock()
	for _, id := range childIDs {
		child, ok := m.orders[id]
		if !ok {
			continue
		}
		totalFilled = totalFilled.Add(child.FilledQuantity)
		totalNotional = totalNotional.Add(child.AvgFillPrice.Mul(child.FilledQuantity))
	}
	if totalFilled.GreaterThan(parent.Quantity) {
		totalFilled = parent.Quantity
	}
	parent.FilledQuantity = totalFilled
	if totalFilled.IsPositive() {
		parent.AvgFillPrice = totalNotional.Div(totalFilled)
	}
	parent.UpdatedAt = time.Now()
	m.mu.Unlock()

	if totalFilled.Equal(parent.Quantity) {
		m.transition(parent, trading.OrderFilled)
	} else if totalFilled.IsPositive() {
		m.transition(parent, trading.OrderPartiallyFilled)
	}
}

// transition applies a guarded status change: invalid edges (per the §4.6
// DAG) are dropped with a warning log, no-ops are ignored, valid ones are
// persisted and published on order_status.
func (m *Manager) transition(rec *orderRecord, newStatus trading.OrderStatus) {
	m.mu.Lock()
	prev := rec.Status
	if prev == newStatus {
		m.mu.Unlock()
		return
	}
	if prev != "" && !trading.CanTransition(prev, newStatus) {
		m.mu.Unlock()
		m.logger.Warn("dropped invalid order status transition", "order_id", rec.OrderID, "from", prev, "to", newStatus)
		return
	}
	rec.Status = newStatus
	rec.UpdatedAt = time.Now()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return m.repo.UpdateOrderStatus(ctx, rec.OrderID, newStatus, rec.UpdatedAt)
	}); err != nil {
		m.logger.Warn("persist order status failed", "order_id", rec.OrderID, "status", newStatus, "error", err)
	}

	_, _ = m.bus.Publish(context.Background(), trading.TopicOrderStatus, trading.OrderStatusPayload{
		OrderID:        rec.OrderID,
		PreviousStatus: prev,
		NewStatus:      newStatus,
		TimestampUTC:   rec.UpdatedAt,
	})
}

func (m *Manager) persistOrder(rec *orderRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		return m.repo.SaveOrder(ctx, rec.Order)
	})
}

// timeoutLoop periodically cancels orders that have exceeded orderTimeout
// and, while the emergency stop is engaged, cancels every non-terminal
// order (§4.9).
func (m *Manager) timeoutLoop() {
	defer m.wg.Done()

	interval := m.cfg.TimeoutCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().TimeoutCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepTimeouts()
			m.sweepEmergencyStop()
		}
	}
}

func (m *Manager) sweepTimeouts() {
	now := time.Now()
	var expired []*orderRecord
	m.mu.Lock()
	for _, rec := range m.orders {
		if !rec.Status.IsTerminal() && !rec.timeoutAt.IsZero() && now.After(rec.timeoutAt) {
			expired = append(expired, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		m.logger.Warn("order exceeded orderTimeout, cancelling", "order_id", rec.OrderID)
		m.cancelOrder(rec, "orderTimeout exceeded")
	}
}

func (m *Manager) sweepEmergencyStop() {
	active := m.stop.Active()

	m.mu.Lock()
	already := m.stopHandled
	m.stopHandled = active
	var toCancel []*orderRecord
	if active && !already {
		for _, rec := range m.orders {
			if !rec.Status.IsTerminal() {
				toCancel = append(toCancel, rec)
			}
		}
	}
	m.mu.Unlock()

	for _, rec := range toCancel {
		m.cancelOrder(rec, "emergency stop engaged: "+m.stop.Reason())
	}
}

// cancelOrder cancels every outstanding child of rec (if it has any),
// cancels rec itself through the broker if it was directly submitted, and
// transitions it to CANCELLED.
func (m *Manager) cancelOrder(rec *orderRecord, reason string) {
	m.mu.Lock()
	childIDs := append([]string(nil), m.childrenOf[rec.OrderID]...)
	timers := m.timers[rec.OrderID]
	delete(m.timers, rec.OrderID)
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	for _, id := range childIDs {
		m.mu.Lock()
		child, ok := m.orders[id]
		m.mu.Unlock()
		if ok && !child.Status.IsTerminal() {
			m.cancelOrder(child, reason)
		}
	}

	m.mu.Lock()
	brokerOrderID, brokerName := rec.brokerOrderID, rec.brokerName
	m.mu.Unlock()

	if brokerOrderID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.broker.Cancel(ctx, rec.OrderID, brokerOrderID, brokerName); err != nil {
			m.logger.Warn("broker cancel failed", "order_id", rec.OrderID, "error", err)
		}
		cancel()
	}

	m.transition(rec, trading.OrderCancelled)
	m.publishAlert(trading.AlertInfo, fmt.Sprintf("order %s cancelled: %s", rec.OrderID, reason))
}

func (m *Manager) publishAlert(severity trading.AlertSeverity, message string) {
	_, _ = m.bus.Publish(context.Background(), trading.TopicSystemAlert, trading.SystemAlertPayload{
		Severity:     severity,
		Source:       "ordermanager",
		Message:      message,
		TimestampUTC: time.Now(),
	})
}
