// Package emergencystop holds the single process-wide latch the risk
// engine, order manager, portfolio core, and supervisor all read and
// write. Once engaged it stays engaged until an operator explicitly
// clears it (§4.4: "Emergency stop halts all new order submission until
// manually cleared").
package emergencystop

import "sync/atomic"

// Flag is a concurrency-safe latch with an attached reason string.
type Flag struct {
	active atomic.Bool
	reason atomic.Value // string
}

// New returns a disengaged Flag.
func New() *Flag {
	f := &Flag{}
	f.reason.Store("")
	return f
}

// Engage latches the flag. Calling Engage while already engaged overwrites
// the recorded reason with the latest one.
func (f *Flag) Engage(reason string) {
	f.reason.Store(reason)
	f.active.Store(true)
}

// Clear disengages the flag. Only an operator action should call this.
func (f *Flag) Clear() {
	f.active.Store(false)
	f.reason.Store("")
}

// Active reports whether the flag is currently engaged.
func (f *Flag) Active() bool {
	return f.active.Load()
}

// Reason returns the reason recorded at the most recent Engage call, or
// the empty string if the flag was never engaged or has been cleared.
func (f *Flag) Reason() string {
	return f.reason.Load().(string)
}
