package breakpoint

import (
	"sync"
	"time"
)

// maxCapturesPerSecond is the breakpoint-capture rate ceiling.
const maxCapturesPerSecond = 50

// rateLimiter is a sliding 1-second window counter: up to 50 captures
// are allowed per window, and the window resets once a full second has
// elapsed since it started.
type rateLimiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windowStart: time.Now()}
}

// allow reports whether another capture fits within the current window.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.windowStart) >= time.Second {
		r.count = 0
		r.windowStart = now
	}

	if r.count >= maxCapturesPerSecond {
		return false
	}
	r.count++
	return true
}
