package infra

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultJitter    = 0.5
)

// Backoff configures reconnect delays: the n-th retry waits about
// min(Max, Base*2^n), randomized by ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.5 when zero
}

// NewExponential returns a fresh exponential backoff for one retry sequence.
// Call Reset on it after a successful attempt.
func (b Backoff) NewExponential() *backoff.ExponentialBackOff {
	base, max, jitter := b.Base, b.Max, b.Jitter
	if base <= 0 {
		base = defaultBaseDelay
	}
	if max <= 0 {
		max = defaultMaxDelay
	}
	if jitter <= 0 {
		jitter = defaultJitter
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         max,
	}
	bo.Reset()
	return bo
}
