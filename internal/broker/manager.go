package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/aristath/tradingcore/pkg/trading"
)

// poolMember is one registered broker adapter plus its manager-owned
// bookkeeping: health, a local rate window, and per-broker guards
// supplemented from the Python broker_manager.py (SPEC_FULL §C.2/C.3).
type poolMember struct {
	broker Broker
	name   string
	cfg    BrokerConfig
	health *healthTracker
	window *slidingWindow
}

// Manager is the broker manager (C7): a pool of Broker (C8) adapters
// selected by a configurable routing policy, with failover, per-broker
// rate limiting, and order-to-broker affinity. Grounded on the teacher's
// engine.Engine orchestrator shape, generalized from one marketSlot per
// market to one poolMember per broker.
type Manager struct {
	cfg     Config
	members []*poolMember
	byName  map[string]*poolMember
	logger  *slog.Logger

	mu       sync.Mutex
	rrIndex  int
	affinity map[string]string // orderID -> brokerName

	probe  singleflight.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New constructs a Manager. brokerConfigs is keyed by Broker.Name(); a
// broker with no entry gets DefaultBrokerConfig().
func New(cfg Config, brokers []Broker, brokerConfigs map[string]BrokerConfig, logger *slog.Logger) *Manager {
	if cfg.MaxFailoverAttempts <= 0 {
		cfg = DefaultConfig()
	}
	m := &Manager{
		cfg:      cfg,
		byName:   make(map[string]*poolMember, len(brokers)),
		affinity: make(map[string]string),
		logger:   logger.With("component", "broker"),
		rng:      rand.New(rand.NewSource(1)),
	}
	for _, b := range brokers {
		name := b.Name()
		bc, ok := brokerConfigs[name]
		if !ok {
			bc = DefaultBrokerConfig()
		}
		pm := &poolMember{
			broker: b,
			name:   name,
			cfg:    bc,
			health: newHealthTracker(name, cfg),
			window: newSlidingWindow(time.Minute, bc.MaxOrdersPerMinute),
		}
		m.members = append(m.members, pm)
		m.byName[name] = pm
	}
	return m
}

// Start connects every registered broker and launches the background
// health prober (§4.7: "A background task probes each broker every
// healthCheckInterval").
func (m *Manager) Start(ctx context.Context) error {
	for _, pm := range m.members {
		if err := pm.broker.Connect(ctx); err != nil {
			return fmt.Errorf("broker: connect %s: %w", pm.name, err)
		}
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.healthProbeLoop(probeCtx)
	return nil
}

// Stop halts the health prober and disconnects every broker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, pm := range m.members {
		if err := pm.broker.Disconnect(ctx); err != nil {
			m.logger.Warn("broker disconnect failed", "broker", pm.name, "error", err)
		}
	}
}

// Submit implements ordermanager.BrokerSubmitter. It runs the §4.7
// failover algorithm: select a broker, submit, update health, and on
// failure retry against a different healthy broker up to
// cfg.MaxFailoverAttempts times.
func (m *Manager) Submit(ctx context.Context, order trading.Order) (string, string, error) {
	tried := make(map[string]bool)

	attempts := m.cfg.MaxFailoverAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		pm, err := m.selectEligible(order, tried)
		if err != nil {
			if lastErr != nil {
				return "", "", fmt.Errorf("%w: %v", ErrBrokerExhausted, lastErr)
			}
			return "", "", err
		}
		tried[pm.name] = true

		submitCtx, cancel := context.WithTimeout(ctx, m.submitTimeout())
		t0 := time.Now()
		brokerOrderID, err := pm.broker.Submit(submitCtx, order)
		latency := time.Since(t0)
		cancel()

		pm.health.recordSubmit(err == nil, latency)

		if err == nil {
			m.mu.Lock()
			m.affinity[order.OrderID] = pm.name
			m.mu.Unlock()
			return brokerOrderID, pm.name, nil
		}
		m.logger.Warn("broker submit failed, trying failover", "broker", pm.name, "order_id", order.OrderID, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoHealthyBroker
	}
	return "", "", fmt.Errorf("%w: %v", ErrBrokerExhausted, lastErr)
}

// Cancel implements ordermanager.BrokerSubmitter. It routes to the broker
// the order was originally bound to (§4.7 order-to-broker affinity), not
// through selection, since outstanding orders never migrate venues.
func (m *Manager) Cancel(ctx context.Context, orderID string, brokerOrderID string, brokerName string) error {
	pm, ok := m.byName[brokerName]
	if !ok {
		return fmt.Errorf("broker: unknown broker %q for order %s", brokerName, orderID)
	}
	cancelCtx, cancel := context.WithTimeout(ctx, m.submitTimeout())
	defer cancel()
	t0 := time.Now()
	err := pm.broker.Cancel(cancelCtx, brokerOrderID)
	pm.health.recordSubmit(err == nil, time.Since(t0))
	return err
}

// Health returns a snapshot of every pool member's current health, keyed
// by broker name.
func (m *Manager) Health() map[string]trading.BrokerHealth {
	out := make(map[string]trading.BrokerHealth, len(m.members))
	for _, pm := range m.members {
		out[pm.name] = pm.health.snapshot()
	}
	return out
}

func (m *Manager) submitTimeout() time.Duration {
	if m.cfg.SubmitTimeout <= 0 {
		return DefaultConfig().SubmitTimeout
	}
	return m.cfg.SubmitTimeout
}

// selectEligible filters the pool to brokers that are non-critical, not
// already tried this submission, within their rate window, permit this
// order's symbol, and satisfy the order's notional under this broker's
// maxOrderValue cap — then applies the configured selection policy.
func (m *Manager) selectEligible(order trading.Order, tried map[string]bool) (*poolMember, error) {
	now := time.Now()
	var eligible []*poolMember
	for _, pm := range m.members {
		if tried[pm.name] {
			continue
		}
		if pm.health.isCritical() {
			continue
		}
		if !pm.cfg.AllowedSymbols[order.Symbol] && len(pm.cfg.AllowedSymbols) > 0 {
			continue
		}
		if pm.cfg.MaxOrderValue.IsPositive() && orderNotional(order).GreaterThan(pm.cfg.MaxOrderValue) {
			continue
		}
		if !pm.window.Allow(now) {
			continue
		}
		eligible = append(eligible, pm)
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyBroker
	}
	return m.applyPolicy(eligible), nil
}

func (m *Manager) applyPolicy(eligible []*poolMember) *poolMember {
	switch m.cfg.Policy {
	case trading.PolicyRoundRobin:
		return m.roundRobin(eligible)
	case trading.PolicyHealthBased:
		return bestBy(eligible, func(pm *poolMember) float64 {
			h := pm.health.snapshot()
			return h.SuccessRate() - m.cfg.HealthBasedK*h.AvgResponseTimeMs
		})
	case trading.PolicyPerformanceBased:
		return bestBy(eligible, func(pm *poolMember) float64 {
			return -pm.health.snapshot().AvgResponseTimeMs
		})
	case trading.PolicyWeighted:
		return m.weighted(eligible)
	default: // trading.PolicyPriority
		return lowestPriority(eligible)
	}
}

func lowestPriority(eligible []*poolMember) *poolMember {
	best := eligible[0]
	for _, pm := range eligible[1:] {
		if pm.cfg.Priority < best.cfg.Priority {
			best = pm
		}
	}
	return best
}

func bestBy(eligible []*poolMember, score func(*poolMember) float64) *poolMember {
	best := eligible[0]
	bestScore := score(best)
	for _, pm := range eligible[1:] {
		if s := score(pm); s > bestScore {
			best, bestScore = pm, s
		}
	}
	return best
}

func (m *Manager) roundRobin(eligible []*poolMember) *poolMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm := eligible[m.rrIndex%len(eligible)]
	m.rrIndex++
	return pm
}

// weighted picks probabilistically among eligible brokers, weighted by
// recent success rate (SPEC_FULL §C.1, supplemented from the Python
// enable_load_balancing toggle). A broker with zero observed submissions
// defaults to a success rate of 1 via BrokerHealth.SuccessRate.
func (m *Manager) weighted(eligible []*poolMember) *poolMember {
	total := 0.0
	weights := make([]float64, len(eligible))
	for i, pm := range eligible {
		w := pm.health.snapshot().SuccessRate()
		if w <= 0 {
			w = 0.01 // keep a sliver of selection probability rather than zero
		}
		weights[i] = w
		total += w
	}

	m.rngMu.Lock()
	r := m.rng.Float64() * total
	m.rngMu.Unlock()

	for i, w := range weights {
		r -= w
		if r <= 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// orderNotional estimates an order's notional value for the maxOrderValue
// guard: limitPrice when set (LIMIT/STOP_LIMIT), otherwise stopPrice
// (STOP), otherwise the bare quantity (MARKET orders carry no price the
// manager can use, so only the size-based cap applies).
func orderNotional(order trading.Order) decimal.Decimal {
	price := order.LimitPrice
	if price == nil {
		price = order.StopPrice
	}
	if price == nil {
		return order.Quantity
	}
	return order.Quantity.Mul(*price)
}

// healthProbeLoop periodically calls AccountInfo on every broker as a
// cheap liveness probe (§4.7). Concurrent probes for the same broker
// (e.g. a slow probe still in flight when the next tick fires) are
// collapsed via singleflight so a stalled adapter never stacks up probe
// goroutines.
func (m *Manager) healthProbeLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	for _, pm := range m.members {
		pm := pm
		_, _, _ = m.probe.Do(pm.name, func() (any, error) {
			probeCtx, cancel := context.WithTimeout(ctx, m.submitTimeout())
			defer cancel()
			t0 := time.Now()
			_, err := pm.broker.AccountInfo(probeCtx)
			pm.health.recordProbe(err == nil, time.Since(t0))
			if err != nil {
				m.logger.Warn("broker health probe failed", "broker", pm.name, "error", err)
			}
			return nil, nil
		})
	}
}
