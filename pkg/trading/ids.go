package trading

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// signalIDNamespace scopes the deterministic signal-ID hash so it never
// collides with IDs generated elsewhere in the system (RFC 4122 §4.3).
var signalIDNamespace = uuid.MustParse("6ba7b814-9dad-11d1-80b4-00c04fd430c8")

// NewSignalID derives the idempotency key for order creation described in
// §4.3: hash(strategyId, symbol, bar.timestamp, side). Using a deterministic
// SHA-1 UUID (rather than a random one) means a strategy re-emitting the
// same conviction on the same bar always yields the same ID, which is what
// makes downstream duplicate-signal suppression possible.
func NewSignalID(strategyID string, symbol Symbol, timestampUTC time.Time, side Side) string {
	name := fmt.Sprintf("%s|%s|%d|%s", strategyID, symbol, timestampUTC.UnixNano(), side)
	return uuid.NewSHA1(signalIDNamespace, []byte(name)).String()
}

// NewEventID returns a fresh random event ID.
func NewEventID() string {
	return uuid.NewString()
}

// NewOrderID returns a fresh random order ID.
func NewOrderID() string {
	return uuid.NewString()
}

// NewFillID returns a fresh random fill ID (used by reference broker
// adapters; real brokers supply their own).
func NewFillID() string {
	return uuid.NewString()
}
