package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Venues publish per-second request limits
// and answer bursts above them with bans, so calls wait for a token instead
// of failing.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// bursts of up to burst. A non-positive rate returns nil, which never waits.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.reserve() == 0
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	for {
		delay := r.reserve()
		if delay == 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns zero, or returns how long until the
// next token.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastUpdate = now

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	missing := 1 - r.tokens
	return time.Duration(missing / r.rate * float64(time.Second))
}
