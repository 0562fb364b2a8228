package ratelimit

import (
	"sync"
	"time"
)

type windowKey struct {
	userID string
	action Action
}

type window struct {
	count int
	start time.Time
}

// Limiter is a per-user, per-action fixed-window counter.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[windowKey]*window
}

// NewLimiter constructs a Limiter. Non-positive limits disable throttling for that action.
func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.sanitized(),
		windows: make(map[windowKey]*window),
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.cfg.Window }

// Limit returns the threshold for an action.
func (l *Limiter) Limit(a Action) int { return l.cfg.Limit(a) }

// Init creates empty windows for every action of a user that has none yet.
// Existing windows are kept so that reconnecting does not reset a user's budget.
func (l *Limiter) Init(userID string, now time.Time) {
	if userID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, a := range Actions {
		k := windowKey{userID: userID, action: a}
		if _, ok := l.windows[k]; !ok {
			l.windows[k] = &window{start: now}
		}
	}
}

// IsLimited reports whether the user already used the whole budget of the current window.
func (l *Limiter) IsLimited(userID string, a Action, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitedLocked(userID, a, now)
}

// Increment counts one action in the current window.
func (l *Limiter) Increment(userID string, a Action, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.currentLocked(userID, a, now)
	w.count++
}

// Allow checks and counts in one step. It returns false without counting when limited.
func (l *Limiter) Allow(userID string, a Action, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limitedLocked(userID, a, now) {
		return false
	}
	l.currentLocked(userID, a, now).count++
	return true
}

// Remaining returns how many actions are left in the current window and when it resets.
func (l *Limiter) Remaining(userID string, a Action, now time.Time) (int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.Limit(a)
	w := l.currentLocked(userID, a, now)
	left := limit - w.count
	if limit <= 0 {
		left = -1
	} else if left < 0 {
		left = 0
	}
	return left, w.start.Add(l.cfg.Window)
}

// Forget drops every window of a user.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.windows {
		if k.userID == userID {
			delete(l.windows, k)
		}
	}
}

// Prune removes windows that expired before now and belong to no active user.
// active may be nil. It returns the number of removed windows.
func (l *Limiter) Prune(now time.Time, active func(userID string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.windows {
		if now.Sub(w.start) < l.cfg.Window {
			continue
		}
		if active != nil && active(k.userID) {
			continue
		}
		delete(l.windows, k)
		removed++
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) limitedLocked(userID string, a Action, now time.Time) bool {
	limit := l.cfg.Limit(a)
	if limit <= 0 {
		return false
	}
	return l.currentLocked(userID, a, now).count >= limit
}

// currentLocked returns the live window, resetting it when it expired.
func (l *Limiter) currentLocked(userID string, a Action, now time.Time) *window {
	k := windowKey{userID: userID, action: a}
	w, ok := l.windows[k]
	if !ok {
		w = &window{start: now}
		l.windows[k] = w
		return w
	}
	if now.Sub(w.start) >= l.cfg.Window {
		w.count = 0
		w.start = now
	}
	return w
}
