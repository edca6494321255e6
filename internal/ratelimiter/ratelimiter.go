// Package ratelimiter throttles how fast new connections are admitted.
//
// It wraps golang.org/x/time/rate with a nil-safe API: a nil *Limiter
// allows everything, so callers never need to branch on "unlimited".
package ratelimiter

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket refilled at a fixed rate.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter admitting perSecond events on average with bursts
// of up to burst. A non-positive perSecond means unlimited and returns nil.
// A burst below 1 defaults to twice the rate, rounded, and at least 1.
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(perSecond*2 + 0.5)
		if burst < 1 {
			burst = 1
		}
	}

	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Allow reports whether one event may happen now and consumes a token if so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// AllowAt is Allow evaluated at t.
func (l *Limiter) AllowAt(t time.Time) bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(t, 1)
}

// Limit returns the refill rate, or +Inf for a nil limiter.
func (l *Limiter) Limit() rate.Limit {
	if l == nil {
		return rate.Inf
	}
	return l.limiter.Limit()
}

// Burst returns the bucket size, or 0 for a nil limiter.
func (l *Limiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}
