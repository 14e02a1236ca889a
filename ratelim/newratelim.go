package ratelim

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound API calls, one token bucket per endpoint
// group so a burst of catalog reads cannot starve cart mutations.
type RateLimiter struct {
	groups map[string]*rate.Limiter
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
}

// NewRateLimiter allows rps requests per second per group with the given
// burst. rps <= 0 disables throttling.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		groups: make(map[string]*rate.Limiter),
		limit:  limit,
		burst:  burst,
	}
}

// Get or create the limiter for a group
func (rl *RateLimiter) getLimiter(group string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.groups[group]; exists {
		return limiter
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.groups[group] = limiter
	return limiter
}

// Wait blocks until group may send, or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, group string) error {
	if rl == nil {
		return nil
	}
	return rl.getLimiter(group).Wait(ctx)
}

// Allow reports whether group may send right now without waiting.
func (rl *RateLimiter) Allow(group string) bool {
	if rl == nil {
		return true
	}
	return rl.getLimiter(group).Allow()
}
