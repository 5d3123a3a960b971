package relay

import (
	"sync"
	"time"
)

// RateLimit is the inbound token bucket applied to each session.
// A zero Burst disables limiting.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// rateLimiter refills Burst tokens every RefillInterval, continuously.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64 // tokens per second
	lastCheck time.Time
}

func newRateLimiter(rl RateLimit, now time.Time) *rateLimiter {
	if rl.Burst <= 0 {
		return nil
	}
	interval := rl.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &rateLimiter{
		tokens:    float64(rl.Burst),
		capacity:  float64(rl.Burst),
		rate:      float64(rl.Burst) / interval.Seconds(),
		lastCheck: now,
	}
}

// allow consumes a token if one is available. A nil limiter allows everything.
func (rl *rateLimiter) allow(now time.Time) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elapsed := now.Sub(rl.lastCheck).Seconds(); elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}
	rl.lastCheck = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
