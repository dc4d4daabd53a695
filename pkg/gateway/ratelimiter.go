package gateway

import (
	"sync"
	"time"
)

// ClientRateLimiter bounds one caller's request rate over a sliding minute
// and its number of concurrent requests.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter with the default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(120, 10)
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits a request or returns the error code and reason for
// rejecting it. An admitted request must be released.
func (r *ClientRateLimiter) Acquire() (int, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return TooManyConcurrent, "too many concurrent requests", false
	}

	now := r.now()
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept

	if len(r.requests) >= r.requestsPerMinute {
		return RateLimitExceeded, "rate limit exceeded", false
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return 0, "", true
}

// Release ends an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the requests in the current window and those in flight
func (r *ClientRateLimiter) Stats() (requests, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-time.Minute)
	for _, at := range r.requests {
		if at.After(cutoff) {
			requests++
		}
	}
	return requests, r.inFlight
}
