package gateway

import (
	"sync"
	"time"
)

const (
	// maxTrackedConns caps the number of tracked connections to prevent
	// memory exhaustion from connection churn.
	maxTrackedConns = 4096

	// rateLimitWindow is the admission window, anchored at the first call.
	rateLimitWindow = time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter admits at most maxPerSecond messages per connection within a
// one-second window anchored at the first admission. When the window has
// elapsed the next call re-anchors it. At most maxTrackedConns connections are
// tracked; a new connection arriving while every tracked window is still open
// is rejected. Safe for concurrent use.
type RateLimiter struct {
	mu           sync.Mutex
	maxPerSecond int
	entries      map[string]*rateLimitEntry
	now          func() time.Time
}

// NewRateLimiter creates a per-connection rate limiter. maxPerSecond below 1 is treated as 1.
func NewRateLimiter(maxPerSecond int) *RateLimiter {
	return NewRateLimiterWithClock(maxPerSecond, time.Now)
}

// NewRateLimiterWithClock is NewRateLimiter with an injected clock.
func NewRateLimiterWithClock(maxPerSecond int, now func() time.Time) *RateLimiter {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	return &RateLimiter{
		maxPerSecond: maxPerSecond,
		entries:      make(map[string]*rateLimitEntry),
		now:          now,
	}
}

// Allow reports whether connID may send another message now.
func (r *RateLimiter) Allow(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	e, ok := r.entries[connID]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		if !ok && len(r.entries) >= maxTrackedConns {
			r.prune(now)
			if len(r.entries) >= maxTrackedConns {
				// Every tracked window is still open; admitting an
				// untracked connection would mean evicting live state.
				return false
			}
		}
		r.entries[connID] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	if e.count >= r.maxPerSecond {
		return false
	}
	e.count++
	return true
}

// prune drops entries whose window has elapsed. Caller holds r.mu.
func (r *RateLimiter) prune(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.windowStart) >= rateLimitWindow {
			delete(r.entries, k)
		}
	}
}

// Remove drops the state for connID. Unknown ids are ignored.
func (r *RateLimiter) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, connID)
}

// Clear drops all connection state.
func (r *RateLimiter) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*rateLimitEntry)
}

// SetMaxPerSecond changes the limit. Open windows keep their counts and are
// judged against the new limit from the next call.
func (r *RateLimiter) SetMaxPerSecond(n int) {
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxPerSecond = n
}

// MaxPerSecond returns the current limit.
func (r *RateLimiter) MaxPerSecond() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxPerSecond
}

// Len returns the number of tracked connections.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
