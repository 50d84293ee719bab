// Package strategyhost implements the strategy host (C3): a registry of
// strategy instances, each running on its own goroutine, fed normalized
// bars in per-symbol timestamp order and isolated from one another by
// panic recovery. Grounded on the teacher's engine.marketSlot (one
// goroutine per active market, its own inbound channels) and
// strategy.Maker.Run's select-loop-over-channels shape, generalized from
// one hardcoded Avellaneda-Stoikov strategy per market to an arbitrary
// registry of named Strategy implementations, any of which may subscribe
// to any set of symbols.
package strategyhost

import "github.com/aristath/tradingcore/pkg/trading"

// Strategy is the capability set a strategy instance implements (§4.3).
// OnMarketData may return zero or more signals; the host assigns each a
// deterministic id and publishes it.
type Strategy interface {
	Initialize(params map[string]any) error
	OnMarketData(bar trading.MarketBar) ([]trading.Signal, error)
	OnFill(fill trading.Fill)
	OnPortfolioUpdate(snapshot trading.Portfolio)
	Shutdown()
}
