package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

// New returns a fresh delay sequence for one operation. The sequence never
// stops on its own; callers count attempts against MaxAttempts.
func (b Backoff) New() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.BaseDelay
	eb.MaxInterval = b.MaxDelay
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxElapsedTime = 0
	if eb.Multiplier < 1 {
		eb.Multiplier = 1
	}
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.Reset()
	return eb
}

// Delay is the wait before retry number attempt (1-based) without jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= max(b.Multiplier, 1)
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && time.Duration(d) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(d)
}
