// Package backoff computes retry delays for failed deliveries: exponential
// growth with a cap, plus uniform jitter so large batches of failing
// deliveries do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction of the delay randomized in both directions,
	// e.g. 0.1 yields a delay in [0.9d, 1.1d]. The jittered delay never
	// exceeds MaxDelay.
	Jitter float64
}

// Default is the production policy: 10s, 20s, 40s, 80s, 160s nominal.
func Default() Policy {
	return Policy{
		BaseDelay:  10 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Delay returns the wait before the next attempt, given the number of the
// attempt that just failed (1-based). Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
		if d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
	}
	return time.Duration(d)
}
