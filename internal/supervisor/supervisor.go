// Package supervisor is the lifecycle owner (C10): it constructs every
// component in dependency order, starts them in the sequence spec.md §2
// fixes (C1, C9, C5, C2, C8, C7, C4, C6, C3), and on Stop quiesces them in
// reverse, bounding each component's drain by cfg.Supervisor.DrainTimeout.
// Grounded on the teacher's engine.New/Start/Stop: construction wiring
// with a single shared *slog.Logger and emergencystop-style latch, ordered
// goroutine launch in Start, and a cancel -> safety-net -> persist -> wait
// -> close sequence in Stop — generalized here from the teacher's one
// fixed component set to the spec's explicit ten-component order, and from
// a bare sync.WaitGroup to golang.org/x/sync/errgroup so the first start
// failure is observable instead of only logged.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/tradingcore/internal/broker"
	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/internal/config"
	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/internal/marketdata"
	"github.com/aristath/tradingcore/internal/ordermanager"
	"github.com/aristath/tradingcore/internal/portfolio"
	"github.com/aristath/tradingcore/internal/repository"
	"github.com/aristath/tradingcore/internal/risk"
	"github.com/aristath/tradingcore/internal/strategyhost"
	"github.com/aristath/tradingcore/pkg/trading"
)

// StrategySpec is one strategy to register with the strategy host (C3) at
// startup. Registering additional strategies after Start is still
// possible directly against Supervisor.StrategyHost.Register.
type StrategySpec struct {
	ID       string
	Symbols  []trading.Symbol
	Strategy strategyhost.Strategy
	Params   map[string]any
}

// Dependencies are the external ports and pluggable adapters the
// supervisor wires together. Repository (C9) and every Broker (C8) are
// explicitly out of the core's scope per spec.md §1 ("only the contract is
// specified"); the caller supplies concrete adapters.
type Dependencies struct {
	Repository    repository.Repository
	Providers     []marketdata.Provider
	Symbols       []trading.Symbol
	Brokers       []broker.Broker
	BrokerConfigs map[string]broker.BrokerConfig
	Strategies    []StrategySpec

	// Bus lets the caller supply a pre-built event bus. This matters for
	// any Broker adapter that publishes its own fills directly onto a
	// bus.Bus (paperbroker's simulated fills, for one) — that adapter
	// must be constructed against the exact same bus instance the rest
	// of the graph publishes and subscribes on, which means the bus has
	// to exist before Dependencies.Brokers does. A nil Bus is the common
	// case: New constructs one from cfg.Bus as it always has.
	Bus *bus.Bus
}

// Supervisor owns the full component graph's lifecycle and the shared
// emergency-stop latch.
type Supervisor struct {
	cfg    config.Config
	deps   Dependencies
	logger *slog.Logger
	stop   *emergencystop.Flag

	Bus          *bus.Bus
	Portfolio    *portfolio.Core
	MarketData   *marketdata.Ingress
	Risk         *risk.Engine
	Broker       *broker.Manager
	OrderManager *ordermanager.Manager
	StrategyHost *strategyhost.Host

	started bool
}

// New wires every component's constructor, mirroring engine.New: no
// goroutines are launched here, only struct construction and dependency
// injection. Construction failures (e.g. an unparseable risk limit) are
// returned immediately rather than surfacing later from Start.
func New(cfg config.Config, deps Dependencies, logger *slog.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: invalid config: %w", err)
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("supervisor: Dependencies.Repository is required")
	}
	if len(deps.Brokers) == 0 {
		return nil, fmt.Errorf("supervisor: Dependencies.Brokers must be non-empty")
	}
	if len(deps.Providers) == 0 {
		return nil, fmt.Errorf("supervisor: Dependencies.Providers must be non-empty")
	}

	logger = logger.With("component", "supervisor")
	stop := emergencystop.New()

	b := deps.Bus
	if b == nil {
		b = bus.New(bus.Config{
			QueueDepth:          cfg.Bus.QueueDepth,
			BackpressureTimeout: cfg.Bus.BackpressureTimeout(),
		}, logger)
	}

	initialCash, err := decimal.NewFromString(cfg.Portfolio.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("supervisor: portfolio.initial_cash: %w", err)
	}
	pf := portfolio.New(portfolio.Config{
		FillDedupCacheSize:   cfg.Portfolio.FillDedupCacheSize,
		PersistRetryAttempts: cfg.Portfolio.PersistRetryAttempts,
	}, deps.Repository, b, stop, logger, initialCash)

	md := marketdata.New(marketdata.Config{
		HeartbeatInterval:    cfg.MarketData.HeartbeatInterval(),
		MaxConsecutiveErrors: cfg.MarketData.MaxConsecutiveErrors,
		CoolDown:             cfg.MarketData.CoolDown(),
		ProbeInterval:        cfg.MarketData.ProbeInterval(),
	}, b, logger, deps.Providers, deps.Symbols)

	limits, err := cfg.Risk.Limits()
	if err != nil {
		return nil, fmt.Errorf("supervisor: risk limits: %w", err)
	}
	riskEngine := risk.New(limits, stop, logger, initialCash)

	brokerCfgs := deps.BrokerConfigs
	if brokerCfgs == nil {
		brokerCfgs = make(map[string]broker.BrokerConfig)
	}
	brokerMgr := broker.New(broker.Config{
		Policy:                      cfg.Broker.Policy,
		MaxFailoverAttempts:         cfg.Broker.MaxFailoverAttempts,
		HealthCheckInterval:         cfg.Broker.HealthCheckInterval(),
		RecoveryThreshold:           cfg.Broker.RecoveryThreshold,
		ConsecutiveFailureThreshold: cfg.Broker.ConsecutiveFailureThreshold,
		MinSuccessRate:              cfg.Broker.MinSuccessRate,
		HealthBasedK:                cfg.Broker.HealthBasedK,
		LatencyEMAAlpha:             cfg.Broker.LatencyEMAAlpha,
		SubmitTimeout:               cfg.Broker.SubmitTimeout(),
	}, deps.Brokers, brokerCfgs, logger)

	om := ordermanager.New(ordermanager.Config{
		MaxOrdersPerMinute:    cfg.Order.MaxOrdersPerMinute,
		MaxDailyOrders:        cfg.Order.MaxDailyOrders,
		OrderTimeout:          cfg.Order.OrderTimeout(),
		TimeoutCheckInterval:  cfg.Order.TimeoutCheckInterval(),
		SignalDedupCacheSize:  cfg.Order.SignalDedupCacheSize,
		TWAPSlices:            cfg.Order.TWAPSlices,
		VWAPSlices:            cfg.Order.VWAPSlices,
		ParticipationRate:     decimal.NewFromFloat(cfg.Order.ParticipationRate),
		ParticipationInterval: cfg.Order.ParticipationInterval(),
		ShortfallUrgency:      decimal.NewFromFloat(cfg.Order.ShortfallUrgency),
		AlgoInterval:          cfg.Order.AlgoInterval(),
	}, deps.Repository, riskEngine, pf, brokerMgr, b, stop, logger)

	host := strategyhost.New(b, logger)

	return &Supervisor{
		cfg:          cfg,
		deps:         deps,
		logger:       logger,
		stop:         stop,
		Bus:          b,
		Portfolio:    pf,
		MarketData:   md,
		Risk:         riskEngine,
		Broker:       brokerMgr,
		OrderManager: om,
		StrategyHost: host,
	}, nil
}

// EmergencyStop returns the shared emergency-stop latch, so an operator
// surface outside the core can Engage/Clear it.
func (s *Supervisor) EmergencyStop() *emergencystop.Flag { return s.stop }

// Start brings up every component in the spec's fixed dependency order:
// C1 (bus, already constructed — nothing to start), C9 (repository is an
// external port with no lifecycle of its own), C5 (portfolio: restore from
// the last snapshot, then start), C2 (market data), C8+C7 (broker manager,
// which itself connects every registered broker), C4 (risk engine has no
// background loop — validated synchronously, nothing to start), C6 (order
// manager), C3 (strategy host, with every StrategySpec registered before
// it starts dispatching).
//
// A failure at any step stops everything already started, in reverse, and
// returns the error — Start never leaves a half-up component graph behind.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("supervisor: already started")
	}

	type step struct {
		name string
		up   func() error
		down func()
	}
	steps := []step{
		{"portfolio", func() error {
			if err := s.Portfolio.Restore(ctx); err != nil {
				s.logger.Warn("portfolio restore failed, starting from configured initial cash", "error", err)
			}
			return s.Portfolio.Start()
		}, s.Portfolio.Stop},
		{"marketdata", func() error { return s.MarketData.Start(ctx) }, s.MarketData.Stop},
		{"broker", func() error { return s.Broker.Start(ctx) }, s.Broker.Stop},
		{"ordermanager", s.OrderManager.Start, s.OrderManager.Stop},
		{"strategyhost", func() error {
			// Registrations are independent of one another (Host.Register
			// is mutex-guarded per call), so they fan out concurrently;
			// the host itself only starts dispatching once every
			// configured strategy is registered.
			g := new(errgroup.Group)
			for _, spec := range s.deps.Strategies {
				spec := spec
				g.Go(func() error {
					if err := s.StrategyHost.Register(spec.ID, spec.Symbols, spec.Strategy, spec.Params); err != nil {
						return fmt.Errorf("register strategy %s: %w", spec.ID, err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return s.StrategyHost.Start()
		}, s.StrategyHost.Stop},
	}

	started := make([]step, 0, len(steps))
	for _, st := range steps {
		if err := st.up(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				started[i].down()
			}
			return fmt.Errorf("supervisor: start %s: %w", st.name, err)
		}
		started = append(started, st)
		s.logger.Info("component started", "component", st.name)
	}

	s.started = true
	return nil
}

// Stop quiesces every component in reverse start order, bounding each
// component's drain by cfg.Supervisor.DrainTimeout. Each component's own
// Stop already blocks on its internal wait group; this only adds a
// ceiling so one wedged component cannot hang shutdown forever — it is
// logged and shutdown proceeds to the next component regardless.
func (s *Supervisor) Stop(ctx context.Context) {
	if !s.started {
		return
	}
	s.logger.Info("shutting down")

	order := []struct {
		name string
		stop func()
	}{
		{"strategyhost", s.StrategyHost.Stop},
		{"ordermanager", s.OrderManager.Stop},
		{"broker", s.Broker.Stop},
		{"marketdata", s.MarketData.Stop},
		{"portfolio", s.Portfolio.Stop},
	}

	for _, c := range order {
		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Supervisor.DrainTimeout())
		done := make(chan struct{})
		go func() { c.stop(); close(done) }()
		select {
		case <-done:
			s.logger.Info("component stopped", "component", c.name)
		case <-drainCtx.Done():
			s.logger.Error("component did not quiesce within drain timeout", "component", c.name)
		}
		cancel()
	}

	s.started = false
	s.logger.Info("shutdown complete")
}
