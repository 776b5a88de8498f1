// Package backoff computes retry delays after consecutive failures.
//
// The delay for the n-th consecutive failure is base·2^(n-1), truncated at
// max. Delay(n) is a pure function of (base, max, n) so callers and tests
// can reason about it without a clock. A Backoff value additionally tracks
// the current failure streak: Next() records a failure and returns its
// delay, Reset() records a success and makes the next delay the base again.
//
// Setting base == max yields a constant delay, which is how the agent's
// reconnect loop uses it.
//
// WithJitter(f) spreads each delay uniformly over [d·(1-f), d·(1+f)] and
// then clamps it to max, so a jittered delay never exceeds max and never
// falls below base·(1-f).
//
// A Backoff is owned by a single goroutine and is not safe for concurrent use.
package backoff
