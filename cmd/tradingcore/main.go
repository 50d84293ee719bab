// Command tradingcore is the reference entrypoint: it loads an optional
// YAML config over the core's documented defaults, wires the reference
// paperbroker/wsprovider adapters, constructs the supervisor, and runs
// until SIGINT/SIGTERM. Grounded on cmd/bot/main.go's load -> validate ->
// logger -> construct -> Start -> block-on-signal -> Stop shape; the
// config-file/env-var loading step itself lives only here, never in the
// internal packages, per internal/config's own package doc.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/aristath/tradingcore/internal/broker"
	"github.com/aristath/tradingcore/internal/broker/paperbroker"
	"github.com/aristath/tradingcore/internal/bus"
	"github.com/aristath/tradingcore/internal/config"
	"github.com/aristath/tradingcore/internal/marketdata"
	"github.com/aristath/tradingcore/internal/marketdata/wsprovider"
	"github.com/aristath/tradingcore/internal/repository/memstore"
	"github.com/aristath/tradingcore/internal/supervisor"
	"github.com/aristath/tradingcore/pkg/trading"

	"github.com/shopspring/decimal"
)

// runtimeConfig is the entrypoint's own settings layer: which symbols to
// trade and which market-data/broker adapters to wire up. It is separate
// from config.Config because the core has no notion of "which adapter" -
// that wiring decision belongs to whoever assembles a runnable binary.
type runtimeConfig struct {
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Symbols []string `mapstructure:"symbols"`

	// MarketData lists the websocket feeds to dial, in failover-priority
	// order. An empty list is invalid; the reference binary has nothing
	// to ingest without at least one feed.
	MarketData []struct {
		Name string `mapstructure:"name"`
		URL  string `mapstructure:"url"`
	} `mapstructure:"market_data_feeds"`

	// Broker.Mode selects the broker adapter. Only "paper" (the built-in
	// simulator, also used when Mode is empty) is wired; any other value,
	// "http" included, makes buildDependencies return an error, since
	// venue credentials are never read from this config.
	Broker struct {
		Mode string `mapstructure:"mode"`
	} `mapstructure:"broker"`

	Core config.Config `mapstructure:"core"`
}

func defaultRuntimeConfig() runtimeConfig {
	var rc runtimeConfig
	rc.Logging.Level = "info"
	rc.Logging.Format = "text"
	rc.Symbols = []string{"AAPL"}
	rc.Broker.Mode = "paper"
	rc.Core = config.Default()
	return rc
}

// loadRuntimeConfig reads an optional YAML file at path over the compiled
// defaults. TRADINGCORE_-prefixed env vars override only keys that the file
// sets; with an empty path the compiled defaults are returned unchanged and
// no env var is read.
func loadRuntimeConfig(path string) (runtimeConfig, error) {
	rc := defaultRuntimeConfig()

	v := viper.New()
	v.SetEnvPrefix("TRADINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return rc, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&rc); err != nil {
			return rc, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	return rc, nil
}

func main() {
	cfgPath := "configs/tradingcore.yaml"
	if p := os.Getenv("TRADINGCORE_CONFIG"); p != "" {
		cfgPath = p
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfgPath = ""
	}

	rc, err := loadRuntimeConfig(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := rc.Core.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(rc.Logging.Level)}
	if rc.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	deps, err := buildDependencies(rc, logger)
	if err != nil {
		logger.Error("failed to build dependencies", "error", err)
		os.Exit(1)
	}

	sup, err := supervisor.New(rc.Core, deps, logger)
	if err != nil {
		logger.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		os.Exit(1)
	}

	logger.Info("tradingcore started",
		"symbols", rc.Symbols,
		"broker_mode", rc.Broker.Mode,
		"broker_policy", rc.Core.Broker.Policy,
		"initial_cash", rc.Core.Portfolio.InitialCash,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(ctx, rc.Core.Supervisor.DrainTimeout()+5*time.Second)
	defer cancel()
	sup.Stop(stopCtx)
}

// buildDependencies wires the reference adapters named by rc. The event
// bus is built here, before the supervisor, because paperbroker publishes
// its simulated fills directly onto a bus.Bus and must share the exact
// instance the rest of the graph uses - supervisor.New accepts it back
// through Dependencies.Bus instead of constructing its own.
func buildDependencies(rc runtimeConfig, logger *slog.Logger) (supervisor.Dependencies, error) {
	symbols := make([]trading.Symbol, 0, len(rc.Symbols))
	for _, s := range rc.Symbols {
		symbols = append(symbols, trading.Symbol(s))
	}

	if len(rc.MarketData) == 0 {
		return supervisor.Dependencies{}, fmt.Errorf("at least one market_data_feeds entry is required")
	}
	providers := make([]marketdata.Provider, 0, len(rc.MarketData))
	for i, feed := range rc.MarketData {
		providers = append(providers, wsprovider.New(feed.Name, i, feed.URL, logger))
	}

	sharedBus := bus.New(bus.Config{
		QueueDepth:          rc.Core.Bus.QueueDepth,
		BackpressureTimeout: rc.Core.Bus.BackpressureTimeout(),
	}, logger)

	var brokers []broker.Broker
	switch rc.Broker.Mode {
	case "", "paper":
		paperCfg := paperbroker.DefaultConfig()
		if initialCash, err := decimal.NewFromString(rc.Core.Portfolio.InitialCash); err == nil {
			paperCfg.InitialCash = initialCash
		}
		brokers = []broker.Broker{paperbroker.New("paper", sharedBus, paperCfg, logger)}
	default:
		return supervisor.Dependencies{}, fmt.Errorf("unsupported broker.mode %q (reference binary only wires \"paper\"; an \"http\" venue needs real credentials supplied by its own deployment)", rc.Broker.Mode)
	}

	return supervisor.Dependencies{
		Repository: memstore.New(),
		Providers:  providers,
		Symbols:    symbols,
		Brokers:    brokers,
		Bus:        sharedBus,
	}, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
