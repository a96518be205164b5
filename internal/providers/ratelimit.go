package providers

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound model calls per provider family using a
// token bucket. A zero rpm disables limiting for that family.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rpm      int
	burst    int
}

// NewRateLimiter creates a limiter shared by all loops in a process.
// rpm is model requests per minute per family.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 2
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rpm:      rpm,
		burst:    burst,
	}
}

// Wait blocks until a request to the family is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, family string) error {
	if rl == nil || rl.rpm <= 0 {
		return nil
	}
	return rl.limiter(family).Wait(ctx)
}

func (rl *RateLimiter) limiter(family string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[family]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(rl.rpm)/60.0), rl.burst)
		rl.limiters[family] = lim
	}
	return lim
}
