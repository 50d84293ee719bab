// Package risk implements the risk engine (C4): a pure, ordered set of
// pre-trade checks over a signal and a point-in-time portfolio snapshot,
// plus linear confidence-based position sizing. Grounded on the teacher's
// risk.Manager (per-market/global exposure tracking, a kill-switch latch
// read before every new quote) generalized from an always-on latch fed by
// a background report stream into a pure per-signal function fed the
// snapshot the caller already has; the emergency-stop latch itself moves
// to internal/emergencystop, shared with the portfolio core and
// supervisor rather than owned privately by this package.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/internal/emergencystop"
	"github.com/aristath/tradingcore/pkg/trading"
)

// Engine evaluates signals against configured RiskLimits.
type Engine struct {
	limits trading.RiskLimits
	stop   *emergencystop.Flag
	logger *slog.Logger

	mu               sync.Mutex
	dayStart         time.Time
	startOfDayEquity decimal.Decimal
}

// New constructs an Engine. startOfDayEquity seeds the first day's loss
// budget; it is re-baselined automatically at the first Validate call of
// each new UTC calendar day.
func New(limits trading.RiskLimits, stop *emergencystop.Flag, logger *slog.Logger, startOfDayEquity decimal.Decimal) *Engine {
	return &Engine{
		limits:           limits,
		stop:             stop,
		logger:           logger.With("component", "risk"),
		dayStart:         time.Now().UTC().Truncate(24 * time.Hour),
		startOfDayEquity: startOfDayEquity,
	}
}

// Validate runs the §4.4 ordered checks and, if accepted, sizes the order.
// sizedQty is the meaningful value only when decision == trading.RiskAccept.
func (e *Engine) Validate(signal trading.Signal, snapshot trading.Portfolio) (decision trading.RiskDecision, sizedQty decimal.Decimal, reason string) {
	if signal.Side == trading.HOLD {
		return trading.RiskReject, decimal.Zero, "HOLD signal produces no order"
	}

	if e.stop.Active() {
		return trading.RiskReject, decimal.Zero, "emergency stop active: " + e.stop.Reason()
	}

	e.rolloverDay(snapshot)

	dailyLoss := e.dailyLoss(snapshot)
	maxDailyLoss := e.limits.MaxDailyLossFraction.Mul(e.startOfDayEquity)
	if e.startOfDayEquity.IsPositive() && dailyLoss.GreaterThanOrEqual(maxDailyLoss) {
		return trading.RiskReject, decimal.Zero, "daily loss limit breached"
	}

	qty, reason := e.sizeSignal(signal, snapshot)
	if reason != "" {
		return trading.RiskReject, decimal.Zero, reason
	}

	existing := snapshot.Positions[signal.Symbol]
	sign := directionSign(signal.Side)
	signedDelta := qty.Mul(sign)

	qty, reason = e.checkPerSymbolCap(signal.Symbol, existing, signedDelta, qty, signal.ReferencePrice)
	if reason != "" {
		return trading.RiskReject, decimal.Zero, reason
	}
	if qty.IsZero() {
		return trading.RiskReject, decimal.Zero, "per-symbol cap already exceeded"
	}

	signedDelta = qty.Mul(sign)
	qty, reason = e.checkGrossExposure(existing, signedDelta, qty, signal.ReferencePrice, snapshot)
	if reason != "" {
		return trading.RiskReject, decimal.Zero, reason
	}
	if qty.IsZero() {
		return trading.RiskReject, decimal.Zero, "gross exposure cap already exceeded"
	}

	signedDelta = qty.Mul(sign)
	if reason := e.checkLeverage(existing, signedDelta, qty, signal.ReferencePrice, snapshot); reason != "" {
		return trading.RiskReject, decimal.Zero, reason
	}

	if reason := e.checkShortSelling(signal.Side, existing, qty); reason != "" {
		return trading.RiskReject, decimal.Zero, reason
	}

	return trading.RiskAccept, qty, ""
}

func (e *Engine) rolloverDay(snapshot trading.Portfolio) {
	e.mu.Lock()
	defer e.mu.Unlock()

	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(e.dayStart) {
		e.dayStart = today
		e.startOfDayEquity = snapshot.TotalEquity
	}
}

func (e *Engine) dailyLoss(snapshot trading.Portfolio) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startOfDayEquity.Sub(snapshot.TotalEquity)
}

// sizeSignal computes floor(min(maxPositionFractionOfEquity*equity,
// perSymbolCap) / referencePrice), scaled linearly by confidence (§4.4).
func (e *Engine) sizeSignal(signal trading.Signal, snapshot trading.Portfolio) (decimal.Decimal, string) {
	if !signal.ReferencePrice.IsPositive() {
		return decimal.Zero, "signal referencePrice must be > 0"
	}

	confidence := signal.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	maxPositionNotional := e.limits.MaxPositionFractionOfEquity.Mul(snapshot.TotalEquity)
	notionalCap := maxPositionNotional
	if perSymbol := e.limits.PerSymbolCap(signal.Symbol); perSymbol.IsPositive() && perSymbol.LessThan(notionalCap) {
		notionalCap = perSymbol
	}

	notional := notionalCap.Mul(decimal.NewFromFloat(confidence))
	qty := notional.Div(signal.ReferencePrice).Floor()
	if !qty.IsPositive() {
		return decimal.Zero, "sized quantity is zero"
	}
	return qty, ""
}

// checkPerSymbolCap enforces check 3: a per-symbol notional cap, sizing
// down to fit rather than rejecting outright when the cap is only
// partially available. Returns the (possibly reduced) quantity.
func (e *Engine) checkPerSymbolCap(symbol trading.Symbol, existing trading.Position, signedDelta, qty, referencePrice decimal.Decimal) (decimal.Decimal, string) {
	capLimit := e.limits.PerSymbolCap(symbol)
	if !capLimit.IsPositive() {
		return qty, ""
	}
	if !isIncreasingExposure(existing.Quantity, signedDelta) {
		return qty, ""
	}

	currentNotional := existing.Quantity.Abs().Mul(referencePrice)
	room := capLimit.Sub(currentNotional)
	if !room.IsPositive() {
		return decimal.Zero, ""
	}
	maxQty := room.Div(referencePrice).Floor()
	if maxQty.LessThan(qty) {
		qty = maxQty
	}
	return qty, ""
}

// checkGrossExposure enforces check 4 against the portfolio-wide cap.
func (e *Engine) checkGrossExposure(existing trading.Position, signedDelta, qty, referencePrice decimal.Decimal, snapshot trading.Portfolio) (decimal.Decimal, string) {
	if !isIncreasingExposure(existing.Quantity, signedDelta) {
		return qty, ""
	}

	maxGross := e.limits.MaxGrossExposureFraction.Mul(snapshot.TotalEquity)
	grossExcludingSymbol := snapshot.GrossExposure().Sub(existing.MarketValue.Abs())
	room := maxGross.Sub(grossExcludingSymbol).Sub(existing.Quantity.Abs().Mul(referencePrice))
	if !room.IsPositive() {
		return decimal.Zero, ""
	}
	maxQty := room.Div(referencePrice).Floor()
	if maxQty.LessThan(qty) {
		qty = maxQty
	}
	return qty, ""
}

// checkLeverage enforces check 5: a pure reject, no size-down, once the
// projected gross exposure would exceed maxLeverage * equity.
func (e *Engine) checkLeverage(existing trading.Position, signedDelta, qty, referencePrice decimal.Decimal, snapshot trading.Portfolio) string {
	if !e.limits.MaxLeverage.IsPositive() || !snapshot.TotalEquity.IsPositive() {
		return ""
	}

	projectedSymbolNotional := existing.Quantity.Add(signedDelta).Abs().Mul(referencePrice)
	projectedGross := snapshot.GrossExposure().Sub(existing.MarketValue.Abs()).Add(projectedSymbolNotional)
	projectedLeverage := projectedGross.Div(snapshot.TotalEquity)
	if projectedLeverage.GreaterThan(e.limits.MaxLeverage) {
		return "leverage cap would be exceeded"
	}
	return ""
}

// checkShortSelling enforces check 6.
func (e *Engine) checkShortSelling(side trading.Side, existing trading.Position, qty decimal.Decimal) string {
	if side != trading.SELL || e.limits.AllowShortSelling {
		return ""
	}
	availableLong := existing.Quantity
	if availableLong.IsNegative() {
		availableLong = decimal.Zero
	}
	if qty.GreaterThan(availableLong) {
		return "short selling disabled and position is insufficient to cover sale"
	}
	return ""
}

func directionSign(side trading.Side) decimal.Decimal {
	if side == trading.SELL {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// isIncreasingExposure reports whether adding signedDelta to existingQty
// moves the position further from zero (i.e. this order grows exposure
// rather than only reducing or flipping within the existing side).
func isIncreasingExposure(existingQty, signedDelta decimal.Decimal) bool {
	newQty := existingQty.Add(signedDelta)
	return newQty.Abs().GreaterThan(existingQty.Abs())
}
