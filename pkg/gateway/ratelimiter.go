package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a per-client sliding window limiter.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	requests          []time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMinute requests in
// any trailing minute. A non-positive limit disables limiting.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	return &RateLimiter{requestsPerMinute: requestsPerMinute}
}

// Allow records the request if it fits the window and reports whether it
// was admitted.
func (r *RateLimiter) Allow() bool {
	if r.requestsPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept

	if len(r.requests) >= r.requestsPerMinute {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}
