package dispatch

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds how often a transient publish failure is retried.
// Delays grow exponentially from Base, capped at Max, with a small random
// jitter so platforms that failed together do not retry in lockstep.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      float64 // fraction of the delay, 0..1
}

// DefaultRetryPolicy delays 30s, 1m, 2m, 4m and gives up after the fifth
// attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Max:         10 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.1
	}
	return p
}

// Delay returns the backoff before attempt n+1 given n failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.normalized()
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d))
		if d > p.Max {
			d = p.Max
		}
	}
	return d
}

// NextAttempt returns when the next attempt may run, or ok=false when the
// attempt budget is exhausted and the failure becomes terminal.
func (p RetryPolicy) NextAttempt(now time.Time, attempts int) (time.Time, bool) {
	p = p.normalized()
	if attempts >= p.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempts)), true
}
