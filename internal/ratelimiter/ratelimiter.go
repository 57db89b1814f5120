package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles connection accepts using the token bucket algorithm.
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket rate limiting (allows bursts while enforcing sustained rate)
//   - Context-aware waiting (respects cancellation)
//   - Thread-safe operation
//
// The acceptor uses it to bound the rate of new connections per second; a
// burst allows reconnect storms after a restart without rejecting clients.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a new RateLimiter with the specified rate and burst capacity.
//
// Special cases:
//   - acceptsPerSecond = 0: no rate limiting (effectively unlimited)
//   - burst = 0: no burst allowed (only sustained rate)
func New(acceptsPerSecond, burst uint) *RateLimiter {
	if acceptsPerSecond == 0 {
		// Unlimited rate: use a very high limit.
		// rate.Inf would be ideal but has edge cases, so use a large value.
		acceptsPerSecond = 1_000_000_000
		burst = acceptsPerSecond
	}
	if burst == 0 {
		// a zero-burst rate.Limiter admits nothing; one token is the
		// smallest bucket that still passes the sustained rate
		burst = 1
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(acceptsPerSecond), int(burst)),
	}
}

// Allow reports whether one accept is allowed right now, consuming a token
// if so. Fast path; never blocks.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
//
// Returns nil if a token was acquired, or the context error if the context
// was cancelled first.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens. Primarily useful
// for monitoring and tests; the value may change immediately after the call.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
