// Package typing tracks typing indicators per room and thread with timeout-based expiry.
//
// State per key is Idle -> Typing (Start) -> Idle (Stop, timeout, or disconnect cleanup).
// Reads sweep expired entries lazily; Sweep lets a periodic task publish expiries.
package typing

import (
	"sort"
	"sync"
	"time"
)

// DefaultTimeout is how long a typing entry lives without being refreshed.
const DefaultTimeout = 5 * time.Second

// Key identifies a typing scope. ThreadID is empty for room-level typing.
type Key struct {
	RoomID   string
	ThreadID string
}

// Entry is one active typist.
type Entry struct {
	UserID    string
	Username  string
	StartedAt time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[Key]map[string]Entry
}

// NewTracker constructs a Tracker. A non-positive timeout falls back to DefaultTimeout.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		entries: make(map[Key]map[string]Entry),
	}
}

// Timeout returns the configured expiry.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Start inserts or refreshes the user's entry. It reports whether the user was not typing before.
func (t *Tracker) Start(key Key, userID, username string, now time.Time) bool {
	if userID == "" || key.RoomID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[key]
	if users == nil {
		users = make(map[string]Entry)
		t.entries[key] = users
	}
	prev, existed := users[userID]
	fresh := !existed || t.expired(prev, now)
	users[userID] = Entry{UserID: userID, Username: username, StartedAt: now}
	return fresh
}

// Stop removes the user's entry. It reports whether an entry was removed.
func (t *Tracker) Stop(key Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(key, userID)
}

// Users returns the live typists of a key, oldest first. Expired entries are dropped.
func (t *Tracker) Users(key Key, now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[key]
	if len(users) == 0 {
		return []Entry{}
	}

	out := make([]Entry, 0, len(users))
	for id, e := range users {
		if t.expired(e, now) {
			delete(users, id)
			continue
		}
		out = append(out, e)
	}
	if len(users) == 0 {
		delete(t.entries, key)
	}

	sortEntries(out)
	return out
}

// RoomUsers returns the live typists across every thread of a room.
func (t *Tracker) RoomUsers(roomID string, now time.Time) []Entry {
	t.mu.Lock()
	keys := make([]Key, 0)
	for k := range t.entries {
		if k.RoomID == roomID {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]Entry, 0)
	for _, k := range keys {
		for _, e := range t.Users(k, now) {
			if _, dup := seen[e.UserID]; dup {
				continue
			}
			seen[e.UserID] = struct{}{}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// CleanupUser removes the user from every key and returns the affected keys.
func (t *Tracker) CleanupUser(userID string) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []Key
	for k := range t.entries {
		if t.removeLocked(k, userID) {
			affected = append(affected, k)
		}
	}
	sortKeys(affected)
	return affected
}

// CleanupUserInRoom removes the user from every key of one room and returns the affected keys.
func (t *Tracker) CleanupUserInRoom(userID, roomID string) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []Key
	for k := range t.entries {
		if k.RoomID != roomID {
			continue
		}
		if t.removeLocked(k, userID) {
			affected = append(affected, k)
		}
	}
	sortKeys(affected)
	return affected
}

// Sweep removes every expired entry and returns the keys whose typist set changed.
func (t *Tracker) Sweep(now time.Time) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var affected []Key
	for k, users := range t.entries {
		changed := false
		for id, e := range users {
			if t.expired(e, now) {
				delete(users, id)
				changed = true
			}
		}
		if len(users) == 0 {
			delete(t.entries, k)
		}
		if changed {
			affected = append(affected, k)
		}
	}
	sortKeys(affected)
	return affected
}

// Len returns the number of keys with at least one entry (expired entries included until swept).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) expired(e Entry, now time.Time) bool {
	return now.Sub(e.StartedAt) > t.timeout
}

func (t *Tracker) removeLocked(key Key, userID string) bool {
	users := t.entries[key]
	if users == nil {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, key)
	}
	return true
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].StartedAt.Equal(es[j].StartedAt) {
			return es[i].UserID < es[j].UserID
		}
		return es[i].StartedAt.Before(es[j].StartedAt)
	})
}

func sortKeys(ks []Key) {
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].RoomID == ks[j].RoomID {
			return ks[i].ThreadID < ks[j].ThreadID
		}
		return ks[i].RoomID < ks[j].RoomID
	})
}
