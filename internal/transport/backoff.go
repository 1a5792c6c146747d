package transport

import (
	"math/rand"
	"time"
)

// Backoff computes capped exponential reconnect delays with jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%

	attempt int
}

// Next returns the delay before the next attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	if b.Jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * b.Jitter
	return time.Duration(float64(d) * (1 + spread))
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts the sequence over from Min.
func (b *Backoff) Reset() {
	b.attempt = 0
}
