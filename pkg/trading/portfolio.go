package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one symbol's holding within a Portfolio. The portfolio core
// (C5) is the sole writer; quantity == 0 positions are removed, never kept
// as zero entries.
type Position struct {
	Symbol        Symbol
	Quantity      decimal.Decimal // signed: negative means short
	AvgCost       decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarketValue   decimal.Decimal
	LastUpdatedUTC time.Time
}

// IsFlat reports whether the position has been fully closed.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// IsLong reports whether the position is a net long holding.
func (p Position) IsLong() bool {
	return p.Quantity.IsPositive()
}

// IsShort reports whether the position is a net short holding.
func (p Position) IsShort() bool {
	return p.Quantity.IsNegative()
}

// Portfolio is an immutable, point-in-time snapshot of cash, positions, and
// derived equity (§3). Produced only by Portfolio.Snapshot(); never mutated
// after construction.
type Portfolio struct {
	Cash        decimal.Decimal
	Positions   map[Symbol]Position
	TotalEquity decimal.Decimal
	AsOfUTC     time.Time
}

// GrossExposure sums the absolute market value of every position.
func (p Portfolio) GrossExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue.Abs())
	}
	return total
}

// NetExposure sums the signed market value of every position.
func (p Portfolio) NetExposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue)
	}
	return total
}

// Clone returns a deep copy safe for concurrent reads independent of the
// original (the copy-on-write snapshot mechanism in §4.5).
func (p Portfolio) Clone() Portfolio {
	positions := make(map[Symbol]Position, len(p.Positions))
	for k, v := range p.Positions {
		positions[k] = v
	}
	return Portfolio{
		Cash:        p.Cash,
		Positions:   positions,
		TotalEquity: p.TotalEquity,
		AsOfUTC:     p.AsOfUTC,
	}
}

// RiskLimits is read-only configuration consumed by the risk engine (§4.4).
type RiskLimits struct {
	MaxPositionFractionOfEquity decimal.Decimal
	MaxGrossExposureFraction   decimal.Decimal
	MaxDailyLossFraction       decimal.Decimal
	MaxLeverage                decimal.Decimal
	PerSymbolCaps              map[Symbol]decimal.Decimal // optional, notional cap
	AllowShortSelling          bool
}

// PerSymbolCap returns the configured notional cap for symbol, or zero Decimal
// (meaning "unset" - callers must treat zero as "no per-symbol cap").
func (r RiskLimits) PerSymbolCap(symbol Symbol) decimal.Decimal {
	if r.PerSymbolCaps == nil {
		return decimal.Zero
	}
	return r.PerSymbolCaps[symbol]
}
