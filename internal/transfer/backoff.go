package transfer

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is an exponential retry policy with jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the +/- fraction applied to each delay, 0 to disable.
	Jitter float64
	// Rand returns values in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// Exhausted reports whether retries have been used up.
func (b Backoff) Exhausted(retries int) bool {
	return b.MaxAttempts > 0 && retries >= b.MaxAttempts
}

// Delay returns the wait before retry number attempt (0-based):
// base * 2^attempt, jittered, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
