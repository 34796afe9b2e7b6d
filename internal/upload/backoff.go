package upload

import (
	"time"

	"github.com/juju/retry"
)

// Backoff is an exponential retry schedule
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used when the configuration leaves the schedule empty
var DefaultBackoff = Backoff{
	Initial:    5 * time.Second,
	Max:        10 * time.Minute,
	Multiplier: 2.0,
}

// schedule returns the backoff as a retry.CallArgs.BackoffFunc
func (b Backoff) schedule() func(time.Duration, int) time.Duration {
	return retry.ExpBackoff(b.Initial, b.Max, b.Multiplier, false)
}

// Delay returns the wait before the given retry, counting from 1. It is
// never shorter than Initial nor longer than Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.schedule()(b.Initial, attempt-1)
	if delay < b.Initial {
		delay = b.Initial
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}
