package resilience

import (
	"math/rand"
	"time"
)

const (
	// DefaultBackoffBase is the first retry delay before doubling.
	DefaultBackoffBase = time.Second
	// DefaultBackoffMax caps the exponential schedule.
	DefaultBackoffMax = 60 * time.Second
	// DefaultJitterFraction bounds the random jitter added to each delay.
	DefaultJitterFraction = 0.1
)

// Backoff computes exponential retry delays with bounded random jitter.
// The schedule is base*2^attempt capped at max, plus jitter of at most
// jitterFraction of the delay, so concurrent workers never retry in lockstep.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	fraction float64
	rand     func() float64
}

// NewBackoff creates a backoff schedule. Non-positive arguments fall back to
// the package defaults.
func NewBackoff(base, max time.Duration, jitterFraction float64) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if jitterFraction <= 0 {
		jitterFraction = DefaultJitterFraction
	}
	return &Backoff{
		base:     base,
		max:      max,
		fraction: jitterFraction,
		rand:     rand.Float64,
	}
}

// WithRand replaces the jitter source. Intended for tests.
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.rand = fn
	return b
}

// Delay returns the sleep duration before retrying attempt (zero-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := b.raw(attempt)
	jitter := time.Duration(b.rand() * b.fraction * float64(delay))
	return delay + jitter
}

// raw is the capped exponential delay before jitter.
func (b *Backoff) raw(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := b.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.max {
			return b.max
		}
	}
	if delay > b.max {
		delay = b.max
	}
	return delay
}

// Bounds returns the inclusive [min, max] range Delay can produce for an
// attempt, exposed so callers can assert schedule shape. It never touches
// the jitter source, so it is safe alongside concurrent Delay calls.
func (b *Backoff) Bounds(attempt int) (time.Duration, time.Duration) {
	delay := b.raw(attempt)
	return delay, delay + time.Duration(b.fraction*float64(delay))
}
