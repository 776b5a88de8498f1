package backoff

import (
	"math/rand"
	"time"
)

const multiplier = 2

// Backoff implements truncated exponential backoff with optional bounded jitter.
type Backoff struct {
	base     time.Duration
	max      time.Duration
	jitter   float64
	rand     func() float64
	failures int
}

// Option configures a Backoff.
type Option func(*Backoff)

// WithJitter spreads each delay by ±fraction. fraction is clamped to [0, 1].
func WithJitter(fraction float64) Option {
	return func(b *Backoff) {
		switch {
		case fraction < 0:
			fraction = 0
		case fraction > 1:
			fraction = 1
		}
		b.jitter = fraction
	}
}

// WithRand replaces the random source used for jitter. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(b *Backoff) { b.rand = fn }
}

// New returns a Backoff starting at base and capped at max.
// A max below base is raised to base.
func New(base, max time.Duration, opts ...Option) *Backoff {
	if base < 0 {
		base = 0
	}
	if max < base {
		max = base
	}
	b := &Backoff{
		base: base,
		max:  max,
		rand: rand.Float64, //nolint:gosec // not crypto
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Base returns the delay used for the first failure.
func (b *Backoff) Base() time.Duration { return b.base }

// Max returns the ceiling.
func (b *Backoff) Max() time.Duration { return b.max }

// Delay returns the un-jittered delay for the n-th consecutive failure.
// n < 1 is treated as 1.
func (b *Backoff) Delay(n int) time.Duration {
	d := b.base
	for i := 1; i < n; i++ {
		if d >= b.max/multiplier {
			return b.max
		}
		d *= multiplier
	}
	if d > b.max {
		return b.max
	}
	return d
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := b.Delay(b.failures)
	if b.jitter == 0 {
		return d
	}

	spread := float64(d) * b.jitter * (b.rand()*2 - 1)
	d += time.Duration(spread)
	if d < 0 {
		d = 0
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset records a success.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int {
	return b.failures
}
