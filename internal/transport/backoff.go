package transport

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with upward jitter.
//
// The delay before retry n (0-based) is base*2^n plus a random fraction of up
// to Jitter of that value, capped at Max. With Jitter <= 0.5 the sequence is
// non-decreasing for any random draw.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry n.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay < base {
		maxDelay = base
	}

	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.5 {
		jitter = 0.5
	}
	if jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d += time.Duration(r() * jitter * float64(d))
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
