package queue

import (
	"math"
	"time"
)

// RetryPolicy controls the retry ceiling and backoff curve.
type RetryPolicy struct {
	// MaxRetries is the failure count at which a mutation becomes
	// terminally failed. With the default of 5 the fifth failure is
	// terminal.
	MaxRetries int

	// Base is the exponential growth factor between attempts.
	Base float64

	// Initial is the delay after the first failure.
	Initial time.Duration

	// MaxDelay caps any single delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the documented defaults: ceiling 5, base 2,
// starting at one second and capped at five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Base:       2,
		Initial:    time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// normalized fills zero fields with defaults.
func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.Base < 1 {
		p.Base = d.Base
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Backoff returns the delay before the next attempt after retryCount
// failures: Initial * Base^(retryCount-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	p = p.normalized()
	if retryCount < 1 {
		return 0
	}
	d := float64(p.Initial) * math.Pow(p.Base, float64(retryCount-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether retryCount failures reach the ceiling.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.normalized().MaxRetries
}
