package ordermanager

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

// RiskValidator is the subset of the risk engine (C4) the order manager
// depends on. Satisfied by *risk.Engine.
type RiskValidator interface {
	Validate(signal trading.Signal, snapshot trading.Portfolio) (decision trading.RiskDecision, sizedQty decimal.Decimal, reason string)
}

// PortfolioSource is the subset of the portfolio core (C5) the order
// manager depends on for pre-trade snapshots. Satisfied by *portfolio.Core.
type PortfolioSource interface {
	Snapshot() trading.Portfolio
}

// BrokerSubmitter is the subset of the broker manager (C7) the order
// manager depends on to route orders and cancels. Satisfied by
// *broker.Manager.
type BrokerSubmitter interface {
	Submit(ctx context.Context, order trading.Order) (brokerOrderID string, brokerName string, err error)
	Cancel(ctx context.Context, orderID string, brokerOrderID string, brokerName string) error
}
