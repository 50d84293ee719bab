package trading

import "fmt"

// ValidationError reports a violated data-model invariant (§3).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trading: invalid value: %s", e.Reason)
}

func errInvalidBar(reason string) error {
	return &ValidationError{Reason: reason}
}
