package engine

import (
	"math"
	"math/rand"
	"time"

	"github.com/meridianhq/conduit/pkg/config"
)

// Backoff computes retry delays using capped exponential growth with
// symmetric jitter. Jitter keeps a burst of same-aged failures from
// re-hitting a recovering backend in lockstep.
type Backoff struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

// NewBackoff builds a Backoff from retry configuration.
func NewBackoff(cfg config.RetryConfig) *Backoff {
	return &Backoff{
		base:   cfg.BaseDelay,
		max:    cfg.MaxDelay,
		jitter: cfg.JitterFactor,
	}
}

// Delay returns the wait before the next attempt. attempt is the number of
// completed attempts, so the first retry (attempt=1) waits base*2.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.base) * math.Pow(2, float64(attempt))
	if d > float64(b.max) {
		d = float64(b.max)
	}

	if b.jitter > 0 {
		// Symmetric jitter in [-jitter, +jitter] of the delay.
		d += d * b.jitter * (2*rand.Float64() - 1)
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
