/*
Package ratelimit throttles upstream messages on a single stream connection.
*/
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token bucket refilled continuously at rate tokens per second.
type Limiter struct {
	mu       sync.Mutex
	rate     float64   // tokens per second
	capacity float64   // bucket size, the allowed burst
	tokens   float64   // current token count
	last     time.Time // last refill
	now      func() time.Time
}

// New creates a limiter allowing rate operations per second with bursts of
// up to burst operations. A non-positive rate disables limiting.
func New(rate float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}

	limiter := &Limiter{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		now:      time.Now,
	}

	limiter.last = limiter.now()

	return limiter
}

func (limiter *Limiter) refill() {
	now := limiter.now()
	elapsed := now.Sub(limiter.last).Seconds()
	limiter.last = now

	limiter.tokens = min(limiter.capacity, limiter.tokens+elapsed*limiter.rate)
}

// Allow reports whether one more operation may happen now, consuming a
// token if so.
func (limiter *Limiter) Allow() bool {
	if limiter == nil || limiter.rate <= 0 {
		return true
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	limiter.refill()

	if limiter.tokens < 1.0 {
		return false
	}

	limiter.tokens--

	return true
}

// WaitTime returns how long until the next token is available.
func (limiter *Limiter) WaitTime() time.Duration {
	if limiter == nil || limiter.rate <= 0 {
		return 0
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	limiter.refill()

	if limiter.tokens >= 1.0 {
		return 0
	}

	return time.Duration((1.0 - limiter.tokens) / limiter.rate * float64(time.Second))
}
