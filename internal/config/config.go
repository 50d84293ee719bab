// Package config defines the configuration surface of the core trading
// runtime. Every field maps onto one component's own Config struct; Default
// restates, as literal values, the defaults those sub-configs' own
// DefaultConfig functions return (bus.DefaultConfig,
// ordermanager.DefaultConfig, ...). The package does no file or env I/O, so
// the core itself stays free of it per spec.md §1 ("CLI entrypoints,
// configuration file loading... [is] out of scope"). The repository's
// cmd/tradingcore entrypoint loads a YAML file into this struct via
// viper and applies defaults; the core only ever receives an
// already-populated Config at supervisor construction.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

// BusConfig tunes the event bus (C1).
type BusConfig struct {
	QueueDepth            int `mapstructure:"queue_depth"`
	BackpressureTimeoutMs int `mapstructure:"backpressure_timeout_ms"`
}

func (c BusConfig) BackpressureTimeout() time.Duration {
	return time.Duration(c.BackpressureTimeoutMs) * time.Millisecond
}

// MarketDataConfig tunes market-data ingress failover (C2).
type MarketDataConfig struct {
	HeartbeatMs          int `mapstructure:"heartbeat_ms"`
	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors"`
	CoolDownMs           int `mapstructure:"cool_down_ms"`
	ProbeIntervalMs      int `mapstructure:"probe_interval_ms"`
}

func (c MarketDataConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (c MarketDataConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownMs) * time.Millisecond
}

func (c MarketDataConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// RiskConfig carries the risk engine's hard limits (C4), mirroring
// trading.RiskLimits field-for-field. Decimal-valued fields are carried as
// strings so a YAML author never has to reason about float precision;
// Limits() is the one seam where this layer converts to decimal.Decimal.
type RiskConfig struct {
	MaxPositionFractionOfEquity string            `mapstructure:"max_position_fraction_of_equity"`
	MaxGrossExposureFraction    string            `mapstructure:"max_gross_exposure_fraction"`
	MaxDailyLossFraction        string            `mapstructure:"max_daily_loss_fraction"`
	MaxLeverage                 string            `mapstructure:"max_leverage"`
	PerSymbolCaps               map[string]string `mapstructure:"per_symbol_caps"`
	AllowShortSelling           bool              `mapstructure:"allow_short_selling"`
}

// Limits converts the string-encoded fields into trading.RiskLimits.
func (c RiskConfig) Limits() (trading.RiskLimits, error) {
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
	maxPos, err := parse(c.MaxPositionFractionOfEquity)
	if err != nil {
		return trading.RiskLimits{}, fmt.Errorf("risk.max_position_fraction_of_equity: %w", err)
	}
	maxGross, err := parse(c.MaxGrossExposureFraction)
	if err != nil {
		return trading.RiskLimits{}, fmt.Errorf("risk.max_gross_exposure_fraction: %w", err)
	}
	maxLoss, err := parse(c.MaxDailyLossFraction)
	if err != nil {
		return trading.RiskLimits{}, fmt.Errorf("risk.max_daily_loss_fraction: %w", err)
	}
	maxLev, err := parse(c.MaxLeverage)
	if err != nil {
		return trading.RiskLimits{}, fmt.Errorf("risk.max_leverage: %w", err)
	}
	var perSymbol map[trading.Symbol]decimal.Decimal
	if len(c.PerSymbolCaps) > 0 {
		perSymbol = make(map[trading.Symbol]decimal.Decimal, len(c.PerSymbolCaps))
		for sym, s := range c.PerSymbolCaps {
			cap, err := parse(s)
			if err != nil {
				return trading.RiskLimits{}, fmt.Errorf("risk.per_symbol_caps[%s]: %w", sym, err)
			}
			perSymbol[trading.Symbol(sym)] = cap
		}
	}
	return trading.RiskLimits{
		MaxPositionFractionOfEquity: maxPos,
		MaxGrossExposureFraction:    maxGross,
		MaxDailyLossFraction:        maxLoss,
		MaxLeverage:                 maxLev,
		PerSymbolCaps:               perSymbol,
		AllowShortSelling:           c.AllowShortSelling,
	}, nil
}

// OrderConfig tunes the order manager (C6).
type OrderConfig struct {
	MaxOrdersPerMinute      int     `mapstructure:"max_orders_per_minute"`
	MaxDailyOrders          int     `mapstructure:"max_daily_orders"`
	OrderTimeoutSec         int     `mapstructure:"order_timeout_sec"`
	TimeoutCheckIntervalMs  int     `mapstructure:"timeout_check_interval_ms"`
	SignalDedupCacheSize    int     `mapstructure:"signal_dedup_cache_size"`
	TWAPSlices              int     `mapstructure:"twap_slices"`
	VWAPSlices              int     `mapstructure:"vwap_slices"`
	ParticipationRate       float64 `mapstructure:"participation_rate"`
	ParticipationIntervalMs int     `mapstructure:"participation_interval_ms"`
	ShortfallUrgency        float64 `mapstructure:"shortfall_urgency"`
	AlgoIntervalMs          int     `mapstructure:"algo_interval_ms"`
}

func (c OrderConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSec) * time.Second
}

func (c OrderConfig) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.TimeoutCheckIntervalMs) * time.Millisecond
}

func (c OrderConfig) ParticipationInterval() time.Duration {
	return time.Duration(c.ParticipationIntervalMs) * time.Millisecond
}

func (c OrderConfig) AlgoInterval() time.Duration {
	return time.Duration(c.AlgoIntervalMs) * time.Millisecond
}

// PortfolioConfig tunes the portfolio core (C5).
type PortfolioConfig struct {
	FillDedupCacheSize   int    `mapstructure:"fill_dedup_cache_size"`
	PersistRetryAttempts int    `mapstructure:"persist_retry_attempts"`
	InitialCash          string `mapstructure:"initial_cash"`
}

// BrokerPoolConfig tunes the broker manager (C7).
type BrokerPoolConfig struct {
	Policy                      trading.BrokerSelectionPolicy `mapstructure:"selection_policy"`
	MaxFailoverAttempts         int                            `mapstructure:"max_failover_attempts"`
	HealthCheckIntervalSec      int                            `mapstructure:"health_check_interval_sec"`
	RecoveryThreshold           int                            `mapstructure:"recovery_threshold"`
	ConsecutiveFailureThreshold int                            `mapstructure:"consecutive_failure_threshold"`
	MinSuccessRate              float64                        `mapstructure:"min_success_rate"`
	HealthBasedK                float64                        `mapstructure:"health_based_k"`
	LatencyEMAAlpha             float64                        `mapstructure:"latency_ema_alpha"`
	SubmitTimeoutSec            int                            `mapstructure:"submit_timeout_sec"`
}

func (c BrokerPoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSec) * time.Second
}

func (c BrokerPoolConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutSec) * time.Second
}

// SupervisorConfig tunes lifecycle and drain behavior (C10).
type SupervisorConfig struct {
	DrainTimeoutSec int `mapstructure:"drain_timeout_sec"`
}

func (c SupervisorConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSec) * time.Second
}

// Config is the top-level configuration the supervisor is constructed
// with. It is a plain struct tree, the way the teacher's Config is: no
// behavior beyond Validate, and no file/env access.
type Config struct {
	Bus        BusConfig        `mapstructure:"bus"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Order      OrderConfig      `mapstructure:"order"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Broker     BrokerPoolConfig `mapstructure:"broker"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// Default returns the spec's documented defaults (§6), written out as
// literals that match each component's own DefaultConfig.
func Default() Config {
	return Config{
		Bus: BusConfig{
			QueueDepth:            1024,
			BackpressureTimeoutMs: 5000,
		},
		MarketData: MarketDataConfig{
			HeartbeatMs:          10_000,
			MaxConsecutiveErrors: 3,
			CoolDownMs:           30_000,
			ProbeIntervalMs:      10_000,
		},
		Risk: RiskConfig{
			MaxPositionFractionOfEquity: "0.2",
			MaxGrossExposureFraction:    "1.0",
			MaxDailyLossFraction:        "0.03",
			MaxLeverage:                 "2",
			AllowShortSelling:           false,
		},
		Order: OrderConfig{
			MaxOrdersPerMinute:      60,
			MaxDailyOrders:          2000,
			OrderTimeoutSec:         3600,
			TimeoutCheckIntervalMs:  10_000,
			SignalDedupCacheSize:    10_000,
			TWAPSlices:              10,
			VWAPSlices:              10,
			ParticipationRate:       0.1,
			ParticipationIntervalMs: 30_000,
			ShortfallUrgency:        0.3,
			AlgoIntervalMs:          60_000,
		},
		Portfolio: PortfolioConfig{
			FillDedupCacheSize:   10_000,
			PersistRetryAttempts: 3,
			InitialCash:          "100000",
		},
		Broker: BrokerPoolConfig{
			Policy:                      trading.PolicyPriority,
			MaxFailoverAttempts:         3,
			HealthCheckIntervalSec:      30,
			RecoveryThreshold:           3,
			ConsecutiveFailureThreshold: 3,
			MinSuccessRate:              0.5,
			HealthBasedK:                0.01,
			LatencyEMAAlpha:             0.3,
			SubmitTimeoutSec:            10,
		},
		Supervisor: SupervisorConfig{
			DrainTimeoutSec: 30,
		},
	}
}

// Validate checks all required fields and value ranges, mirroring the
// teacher's own Config.Validate.
func (c *Config) Validate() error {
	if c.Bus.QueueDepth <= 0 {
		return fmt.Errorf("bus.queue_depth must be > 0")
	}
	if c.Bus.BackpressureTimeoutMs <= 0 {
		return fmt.Errorf("bus.backpressure_timeout_ms must be > 0")
	}
	if c.MarketData.HeartbeatMs <= 0 {
		return fmt.Errorf("market_data.heartbeat_ms must be > 0")
	}
	if c.MarketData.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("market_data.max_consecutive_errors must be > 0")
	}
	if _, err := c.Risk.Limits(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if c.Order.MaxOrdersPerMinute <= 0 {
		return fmt.Errorf("order.max_orders_per_minute must be > 0")
	}
	if c.Order.OrderTimeoutSec <= 0 {
		return fmt.Errorf("order.order_timeout_sec must be > 0")
	}
	if _, err := decimal.NewFromString(c.Portfolio.InitialCash); err != nil {
		return fmt.Errorf("portfolio.initial_cash: %w", err)
	}
	switch c.Broker.Policy {
	case trading.PolicyPriority, trading.PolicyRoundRobin, trading.PolicyHealthBased, trading.PolicyPerformanceBased, trading.PolicyWeighted:
	default:
		return fmt.Errorf("broker.selection_policy %q is not a recognized policy", c.Broker.Policy)
	}
	if c.Broker.MaxFailoverAttempts <= 0 {
		return fmt.Errorf("broker.max_failover_attempts must be > 0")
	}
	if c.Broker.MinSuccessRate < 0 || c.Broker.MinSuccessRate > 1 {
		return fmt.Errorf("broker.min_success_rate must be in [0,1]")
	}
	if c.Supervisor.DrainTimeoutSec <= 0 {
		return fmt.Errorf("supervisor.drain_timeout_sec must be > 0")
	}
	return nil
}
