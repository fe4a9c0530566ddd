package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client token bucket refilled at
// requestsPerMinute, with a burst of one minute's worth, and a concurrency
// cap to report submissions.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	clients           map[string]*clientState
	now               func() time.Time
}

type clientState struct {
	bucket     *rate.Limiter // nil while the rate is unlimited
	concurrent int
}

// NewRateLimiter creates a limiter. A zero requestsPerMinute or
// maxConcurrent leaves that dimension unlimited.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		clients:           make(map[string]*clientState),
		now:               time.Now,
	}
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Acquire admits one request from client. When allowed, release must be
// called once the request finishes.
func (r *RateLimiter) Acquire(client string) (release func(), allowed bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := r.clients[client]
	if c == nil {
		c = &clientState{}
		r.clients[client] = c
	}
	if r.requestsPerMinute > 0 && c.bucket == nil {
		c.bucket = rate.NewLimiter(perMinute(r.requestsPerMinute), r.requestsPerMinute)
	}

	if r.maxConcurrent > 0 && c.concurrent >= r.maxConcurrent {
		return nil, false, "too many concurrent requests"
	}
	if r.requestsPerMinute > 0 && !c.bucket.AllowN(now, 1) {
		return nil, false, "rate limit exceeded"
	}
	c.concurrent++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c.concurrent > 0 {
				c.concurrent--
			}
		})
	}, true, ""
}

// UpdateLimits changes both limits. Buckets of known clients keep their
// current tokens and refill at the new rate.
func (r *RateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent

	now := r.now()
	for _, c := range r.clients {
		switch {
		case requestsPerMinute <= 0:
			c.bucket = nil
		case c.bucket != nil:
			c.bucket.SetLimitAt(now, perMinute(requestsPerMinute))
			c.bucket.SetBurstAt(now, requestsPerMinute)
		}
	}
}

// Stats returns the requests client may still send right now and its
// requests in flight. remaining is -1 when the rate is unlimited.
func (r *RateLimiter) Stats(client string) (remaining, concurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requestsPerMinute <= 0 {
		remaining = -1
	} else {
		remaining = r.requestsPerMinute
	}
	c := r.clients[client]
	if c == nil {
		return remaining, 0
	}
	if c.bucket != nil {
		remaining = int(c.bucket.TokensAt(r.now()))
	}
	return remaining, c.concurrent
}

// Sweep forgets clients with nothing in flight and a full bucket; a new
// state for them would be identical.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for client, c := range r.clients {
		if c.concurrent > 0 {
			continue
		}
		if c.bucket == nil || c.bucket.TokensAt(now) >= float64(c.bucket.Burst()) {
			delete(r.clients, client)
		}
	}
}
