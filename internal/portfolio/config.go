package portfolio

// Config tunes the portfolio core's bookkeeping.
type Config struct {
	// FillDedupCacheSize bounds the recently-applied-fillId set (§4.5).
	// Default 10000.
	FillDedupCacheSize int
	// PersistRetryAttempts bounds the total number of RecordFill attempts,
	// the first call included, before the fill is rejected. Default 3.
	PersistRetryAttempts int
}

// DefaultConfig returns the portfolio core defaults.
func DefaultConfig() Config {
	return Config{
		FillDedupCacheSize:   10_000,
		PersistRetryAttempts: 3,
	}
}
