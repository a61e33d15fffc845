package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles inbound control-plane requests per client ID.
// rpm <= 0 disables rate limiting entirely.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing rpm requests/minute per ID,
// with the given burst capacity.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{rpm: rpm, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Enabled reports whether rate limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether id may proceed now.
func (r *RateLimiter) Allow(id string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[id] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
