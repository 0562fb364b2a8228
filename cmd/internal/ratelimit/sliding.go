package ratelimit

import (
	"sync"
	"time"
)

// Flood guard defaults (frames per window, per connection).
const (
	DefaultFloodEvents = 120
	DefaultFloodWindow = 10 * time.Second
)

// SlidingWindow is a per-connection sliding-window limiter.
type SlidingWindow struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewSlidingWindow constructs a SlidingWindow with safe defaults when inputs are invalid.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultFloodEvents
	}
	if window <= 0 {
		window = DefaultFloodWindow
	}
	return &SlidingWindow{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *SlidingWindow) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
