// Package ratelimiter wraps golang.org/x/time/rate with the connection
// admission policy of the broker transport: a token bucket that either
// rejects (Allow) or throttles (Wait) inbound connections.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter. All methods are safe for concurrent
// use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained and burst
// immediate tokens. A zero rate disables limiting.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		// effectively unlimited; rate.Inf has edge cases with Wait
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow consumes a token if available and reports whether the request may
// proceed.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}
