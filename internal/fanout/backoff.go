package fanout

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect delays: initial * multiplier^attempt, capped at
// max, with symmetric jitter.
type backoff struct {
	initial      time.Duration
	max          time.Duration
	multiplier   float64
	jitterFactor float64
}

func defaultBackoff() backoff {
	return backoff{
		initial:      250 * time.Millisecond,
		max:          30 * time.Second,
		multiplier:   2.0,
		jitterFactor: 0.2,
	}
}

func (b backoff) delay(attempt int) time.Duration {
	delay := float64(b.initial) * math.Pow(b.multiplier, float64(attempt))
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	if b.jitterFactor > 0 {
		//nolint:gosec // jitter only
		delay += delay * b.jitterFactor * (2*rand.Float64() - 1)
	}
	if delay < float64(b.initial) {
		delay = float64(b.initial)
	}
	return time.Duration(delay)
}
