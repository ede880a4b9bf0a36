package ipc

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket applied to privileged commands on a single
// connection. Refill is continuous at limit/window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  float64
	window time.Duration
	tokens float64
	last   time.Time
	now    func() time.Time
}

const (
	DefaultRateLimit  = 10
	DefaultRateWindow = time.Minute
)

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{
		limit:  float64(limit),
		window: window,
		tokens: float64(limit),
		last:   time.Now(),
		now:    time.Now,
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	elapsed := now.Sub(r.last)
	r.last = now
	r.tokens += elapsed.Seconds() * r.limit / r.window.Seconds()
	if r.tokens > r.limit {
		r.tokens = r.limit
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
