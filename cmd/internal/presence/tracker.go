// Package presence aggregates user status across devices.
//
// A user is online iff at least one device entry exists. Devices are
// reference counted: several connections may share one device id. Explicit status
// (away, busy, custom) survives device churn until the last device leaves.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is a presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusCustom  Status = "custom"
)

// ParseStatus maps a wire status to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline, true
	case StatusAway:
		return StatusAway, true
	case StatusBusy:
		return StatusBusy, true
	case StatusOffline:
		return StatusOffline, true
	case StatusCustom:
		return StatusCustom, true
	default:
		return "", false
	}
}

// Activity kinds recorded by UpdateActivity.
const (
	ActivityConnect   = "connect"
	ActivityHeartbeat = "heartbeat"
	ActivityMessage   = "message"
	ActivityTyping    = "typing"
	ActivityRead      = "read"
	ActivityStatus    = "status"
)

// Record is a user's presence snapshot. Devices is a copy.
type Record struct {
	UserID           string
	Username         string
	Status           Status
	CustomStatus     string
	Devices          []string
	LastActivity     time.Time
	LastActivityKind string
}

// Online reports whether the record has any active device.
func (r Record) Online() bool { return len(r.Devices) > 0 }

// OnlineInput describes a device coming online.
type OnlineInput struct {
	UserID       string
	Username     string
	DeviceID     string
	Status       Status
	CustomStatus string
	Now          time.Time
}

type record struct {
	username         string
	status           Status
	customStatus     string
	devices          map[string]int
	lastActivity     time.Time
	lastActivityKind string
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*record
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*record)}
}

// SetOnline registers a device. It reports whether the user transitioned from offline to online.
// An empty status keeps an explicit status already set, or falls back to online.
func (t *Tracker) SetOnline(in OnlineInput) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.users[in.UserID]
	if r == nil {
		r = &record{devices: make(map[string]int)}
		t.users[in.UserID] = r
	}
	wasOnline := len(r.devices) > 0

	if in.Username != "" {
		r.username = in.Username
	}
	r.devices[in.DeviceID]++

	switch {
	case in.Status != "" && in.Status != StatusOffline:
		r.status = in.Status
		r.customStatus = customFor(in.Status, in.CustomStatus)
	case !wasOnline || r.status == "" || r.status == StatusOffline:
		r.status = StatusOnline
		r.customStatus = ""
	}
	r.lastActivity = in.Now
	r.lastActivityKind = ActivityConnect

	return snapshot(in.UserID, r), !wasOnline
}

// SetOffline releases one reference to a device; the device leaves when its last
// reference does. It reports whether the user transitioned to offline.
// The record is kept with status offline so last-seen stays queryable.
func (t *Tracker) SetOffline(userID, deviceID string, now time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.users[userID]
	if r == nil {
		return offlineDefault(userID), false
	}
	n, ok := r.devices[deviceID]
	if !ok {
		return snapshot(userID, r), false
	}
	if n > 1 {
		r.devices[deviceID] = n - 1
		return snapshot(userID, r), false
	}
	delete(r.devices, deviceID)
	if len(r.devices) > 0 {
		return snapshot(userID, r), false
	}

	r.status = StatusOffline
	r.customStatus = ""
	r.lastActivity = now
	r.lastActivityKind = ActivityConnect
	return snapshot(userID, r), true
}

// SetStatus changes the explicit status of an online user. It reports false when the user has no device.
func (t *Tracker) SetStatus(userID string, status Status, custom string, now time.Time) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.users[userID]
	if r == nil || len(r.devices) == 0 || status == StatusOffline || status == "" {
		if r == nil {
			return offlineDefault(userID), false
		}
		return snapshot(userID, r), false
	}
	r.status = status
	r.customStatus = customFor(status, custom)
	r.lastActivity = now
	r.lastActivityKind = ActivityStatus
	return snapshot(userID, r), true
}

// UpdateActivity refreshes the last-activity timestamp without changing status.
func (t *Tracker) UpdateActivity(userID, kind string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.users[userID]
	if r == nil {
		return false
	}
	r.lastActivity = now
	r.lastActivityKind = kind
	return true
}

// OnlineUsers returns the online records sorted by user id.
func (t *Tracker) OnlineUsers() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, 0, len(t.users))
	for id, r := range t.users {
		if len(r.devices) > 0 {
			out = append(out, snapshot(id, r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UserPresence returns the user's record, or an implied offline default.
func (t *Tracker) UserPresence(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r := t.users[userID]; r != nil {
		return snapshot(userID, r)
	}
	return offlineDefault(userID)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.users[userID]
	return r != nil && len(r.devices) > 0
}

// OnlineCount returns the number of online users.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, r := range t.users {
		if len(r.devices) > 0 {
			n++
		}
	}
	return n
}

// Prune drops offline records whose last activity is older than retention.
func (t *Tracker) Prune(now time.Time, retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, r := range t.users {
		if len(r.devices) == 0 && now.Sub(r.lastActivity) > retention {
			delete(t.users, id)
			removed++
		}
	}
	return removed
}

func customFor(status Status, custom string) string {
	if status != StatusCustom {
		return ""
	}
	return custom
}

func offlineDefault(userID string) Record {
	return Record{UserID: userID, Status: StatusOffline, Devices: []string{}}
}

func snapshot(userID string, r *record) Record {
	devices := make([]string, 0, len(r.devices))
	for d := range r.devices {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return Record{
		UserID:           userID,
		Username:         r.username,
		Status:           r.status,
		CustomStatus:     r.customStatus,
		Devices:          devices,
		LastActivity:     r.lastActivity,
		LastActivityKind: r.lastActivityKind,
	}
}
