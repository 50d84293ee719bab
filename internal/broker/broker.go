// Package broker implements the broker manager (C7): a pool of Broker (C8)
// adapters selected by a configurable policy, with health tracking,
// failover, per-broker rate limiting, and order-to-broker affinity.
//
// Grounded on the teacher's engine.Engine central-orchestrator shape
// (a mutex-guarded map of live units, here one per registered broker
// adapter instead of one per traded market) and risk.Manager's rolling
// counters generalized from a single kill switch to one BrokerHealth per
// pool member.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/tradingcore/pkg/trading"
)

// ErrBrokerExhausted is returned when every broker in the pool has been
// tried for one submission and all failed (§4.7 failover algorithm: "fail
// -> return error").
var ErrBrokerExhausted = errors.New("broker: all brokers exhausted")

// ErrNoHealthyBroker is returned when selection finds no non-critical
// broker before even attempting a submission.
var ErrNoHealthyBroker = errors.New("broker: no healthy broker available")

// AccountInfo is a broker-reported account snapshot (§4.7 accountInfo()).
// Shape is intentionally minimal: the core trading runtime does not
// interpret broker account data beyond surfacing it and using a
// successful call as the health-prober's liveness probe.
type AccountInfo struct {
	BrokerName    string
	Cash          decimal.Decimal
	BuyingPower   decimal.Decimal
	AsOfUTC       time.Time
}

// Broker is the external adapter contract (§4.8). Every concrete venue
// integration implements this; the broker manager never depends on a
// concrete adapter type. Status/fill updates are not returned from Submit
// (which only confirms acceptance) but are expected to be re-published by
// the adapter onto the shared event bus asynchronously, same as the
// teacher's WSFeed streams book updates independently of the REST calls
// that triggered them.
type Broker interface {
	// Name identifies this broker instance for health tracking, affinity,
	// and BrokerName on orders/fills.
	Name() string

	// Connect establishes whatever session/credentials the adapter needs
	// (e.g. opening the async update stream). Submit/Cancel may be called
	// only after Connect succeeds.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. Safe to call even if Connect was
	// never called or already failed.
	Disconnect(ctx context.Context) error

	// Submit places order and returns the broker-assigned order ID. The
	// broker manager retries/fails over on error; the adapter itself does
	// not retry.
	Submit(ctx context.Context, order trading.Order) (brokerOrderID string, err error)

	// Cancel cancels a previously submitted order by its broker-assigned ID.
	Cancel(ctx context.Context, brokerOrderID string) error

	// AccountInfo is used both for the public accountInfo() contract and,
	// by the manager's background prober, as a cheap liveness probe.
	AccountInfo(ctx context.Context) (AccountInfo, error)

	// Positions reports the broker's view of open positions, keyed by
	// symbol. May be empty for adapters that don't track positions
	// independently of the portfolio core (e.g. paperbroker).
	Positions(ctx context.Context) (map[trading.Symbol]trading.Position, error)
}
