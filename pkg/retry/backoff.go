package retry

import (
	"math"
	"math/rand"
	"time"
)

// Backoff tracks reconnect delay state for a single owner. Unlike Do, which
// retries a closed operation a bounded number of times, Backoff supports the
// open-ended reconnect loop of a long-lived session: the owner asks for the
// next delay after each failure and resets once the session is healthy again.
//
// Backoff is not safe for concurrent use; it is intended to be owned by a
// single goroutine (the dispatcher).
type Backoff struct {
	base       time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
	attempt    int
}

// NewBackoff creates a backoff starting at base and growing by multiplier per
// failure, capped at max.
func NewBackoff(base, max time.Duration, multiplier float64, jitter bool) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &Backoff{
		base:       base,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Next returns the delay to wait before the next attempt and advances the
// backoff state. Successive delays never exceed the configured maximum.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.base) * math.Pow(b.multiplier, float64(b.attempt))
	delay = min(delay, float64(b.max))

	if b.jitter {
		delay += delay * 0.1 * rand.Float64()
		delay = min(delay, float64(b.max))
	}

	b.attempt++
	return time.Duration(delay)
}

// Reset returns the backoff to its minimum delay. Called after the session
// reaches a healthy state.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
