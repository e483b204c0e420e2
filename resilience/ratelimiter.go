package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter implements a fixed-window request budget for the backend API.
// The window starts on the first request after a reset; when the budget is
// exhausted the caller either fails fast (Allow) or waits for the window to
// roll over (Acquire).
type RateLimiter struct {
	maxRequests int
	window      time.Duration

	mu          sync.Mutex
	windowStart time.Time
	count       int
	rejected    uint64
}

// NewRateLimiter creates a limiter allowing maxRequests per window.
// Non-positive arguments fall back to 100 requests per 60 seconds.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
	}
}

// rollLocked resets the window if it has expired. The mutex must be held.
func (r *RateLimiter) rollLocked(now time.Time) {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
}

// Allow consumes a slot if the current window has budget left
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rollLocked(time.Now())
	if r.count >= r.maxRequests {
		r.rejected++
		return false
	}
	r.count++
	return true
}

// Acquire blocks until a slot is available or the context is done. When the
// window is exhausted it sleeps until the window rolls over rather than
// polling.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.rollLocked(now)
		if r.count < r.maxRequests {
			r.count++
			r.mu.Unlock()
			return nil
		}
		r.rejected++
		wait := r.window - now.Sub(r.windowStart)
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait interrupted: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Stats returns a snapshot of the limiter for status reporting
func (r *RateLimiter) Stats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.maxRequests - r.count
	if remaining < 0 {
		remaining = 0
	}
	windowStart := 0.0
	if !r.windowStart.IsZero() {
		windowStart = float64(r.windowStart.UnixNano()) / float64(time.Second)
	}
	return map[string]interface{}{
		"limit":          r.maxRequests,
		"current_count":  r.count,
		"window_start":   windowStart,
		"window_seconds": r.window.Seconds(),
		"remaining":      remaining,
		"rejected":       r.rejected,
	}
}
