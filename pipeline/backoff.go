package pipeline

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth from Base doubling per
// attempt, capped at Cap, with a symmetric jitter fraction applied last.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// DefaultBackoff matches the pipeline retry policy: 1s base, 5min cap,
// ±20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Cap:    5 * time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before redelivering a message on its given attempt
// count (0 for the first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if delay > b.Cap {
		delay = b.Cap
	}
	if b.Jitter > 0 {
		spread := float64(delay) * b.Jitter
		delay = time.Duration(float64(delay) - spread + rand.Float64()*2*spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
