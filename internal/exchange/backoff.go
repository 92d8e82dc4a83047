package exchange

import "time"

const (
	// DefaultBaseDelay is the first reconnect delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps the reconnect delay.
	DefaultMaxDelay = 30 * time.Second
	// DefaultMaxAttempts is the number of automatic reconnects before giving up.
	DefaultMaxAttempts = 10
)

// Backoff returns min(base * 2^attempt, max) for a zero-indexed attempt without overflowing.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
