// Package limiter throttles how fast new backend calls are opened. Waiting for a slot is a
// suspension point: cancelling the request context abandons the wait.
package limiter

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/sweetpotato0/ai-relay/middleware"
)

// Limiter blocks until a call may proceed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Local is an in-process token bucket allowing n calls per window with bursts up to n.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal creates an in-process limiter. n <= 0 disables limiting.
func NewLocal(n int, window time.Duration) *Local {
	if n <= 0 || window <= 0 {
		return &Local{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Local{limiter: rate.NewLimiter(rate.Every(window/time.Duration(n)), n)}
}

// Wait blocks until a slot is free or ctx is done.
func (l *Local) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// the wait would outlast the context deadline
		return fmt.Errorf("%w: %v", middleware.ErrRateLimitExceeded, err)
	}
	return nil
}

// Allow takes a slot without waiting and reports whether one was free.
func (l *Local) Allow() bool {
	return l.limiter.Allow()
}

// RateLimiter middleware waits for a limiter slot before the call is opened
type RateLimiter struct {
	limiter Limiter
}

// NewRateLimiter creates a rate limiting middleware
func NewRateLimiter(l Limiter) *RateLimiter {
	return &RateLimiter{limiter: l}
}

// Name returns the middleware name
func (m *RateLimiter) Name() string {
	return "RateLimiter"
}

// Execute checks rate limit
func (m *RateLimiter) Execute(ctx *middleware.Context, next middleware.Handler) error {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx.Context()); err != nil {
			return err
		}
	}
	return next(ctx)
}
