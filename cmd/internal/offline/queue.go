// Package offline buffers events for users without a live connection.
//
// Each user owns a three-tier queue (high, normal, low), FIFO within a tier.
// MarkUserOnline drains it in priority order through the user's registered
// DeliverFunc. Callbacks run outside the queue lock; a failing callback stops
// the drain, the undelivered remainder goes back to the front of the queue and
// the error is returned to the caller.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Priority orders delivery. The zero value is normal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

const tierCount = 3

// tierOrder lists priorities in drain order.
var tierOrder = [tierCount]Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) tier() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a wire priority to a tier. Unknown values are normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

func (p Priority) valid() bool { return p >= PriorityNormal && p <= PriorityLow }

const (
	DefaultMaxPerUser = 1000
	DefaultTTL        = 24 * time.Hour
)

var ErrNoDeliverer = errors.New("offline: no delivery callback registered")

// Message is one queued event. Payload is the encoded event payload, delivered under Event.
type Message struct {
	MessageID  string
	RoomID     string
	Event      string
	Payload    json.RawMessage
	Priority   Priority
	EnqueuedAt time.Time
}

// DeliverFunc pushes one message to the user. A non-nil error stops the drain.
type DeliverFunc func(ctx context.Context, msg Message) error

type Config struct {
	MaxPerUser int
	TTL        time.Duration
}

// Info describes a user's queue.
type Info struct {
	UserID     string
	Size       int
	Online     bool
	OldestAge  time.Duration
	ByPriority map[string]int
}

// Stats are process-wide queue counters.
type Stats struct {
	Users     int
	Messages  int
	Enqueued  int64
	Delivered int64
	Evicted   int64
	Expired   int64
}

type userQueue struct {
	tiers   [tierCount][]Message
	online  bool
	deliver DeliverFunc
}

func (u *userQueue) size() int {
	n := 0
	for _, t := range u.tiers {
		n += len(t)
	}
	return n
}

// Queue is safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userQueue

	enqueued  int64
	delivered int64
	evicted   int64
	expired   int64
}

func NewQueue(cfg Config) *Queue {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = DefaultMaxPerUser
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Queue{cfg: cfg, users: make(map[string]*userQueue)}
}

// Register installs the user's delivery callback, replacing any previous one.
func (q *Queue) Register(userID string, deliver DeliverFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.userLocked(userID).deliver = deliver
}

// Unregister removes the callback. Queued messages stay.
func (q *Queue) Unregister(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if u := q.users[userID]; u != nil {
		u.deliver = nil
		q.dropIfIdleLocked(userID, u)
	}
}

// QueueMessage appends msg to the queue of every target currently marked offline.
// It returns the user ids that received a copy.
func (q *Queue) QueueMessage(msg Message, userIDs ...string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if u := q.users[id]; u != nil && u.online {
			continue
		}
		q.enqueueLocked(id, msg)
		queued = append(queued, id)
	}
	return queued
}

// Enqueue appends msg for one user regardless of the online flag.
// Used when every live delivery attempt failed.
func (q *Queue) Enqueue(userID string, msg Message) {
	if userID == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(userID, msg)
}

// MarkUserOnline flags the user online and drains the queue in priority order.
// It returns how many messages were delivered. On a callback failure the rest stays queued.
func (q *Queue) MarkUserOnline(ctx context.Context, userID string) (int, error) {
	q.mu.Lock()
	u := q.userLocked(userID)
	u.online = true
	if u.size() == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	deliver := u.deliver
	if deliver == nil {
		q.mu.Unlock()
		return 0, ErrNoDeliverer
	}
	pending := make([]Message, 0, u.size())
	for i := range u.tiers {
		pending = append(pending, u.tiers[i]...)
		u.tiers[i] = nil
	}
	q.mu.Unlock()

	for i, msg := range pending {
		err := ctx.Err()
		if err == nil {
			err = deliver(ctx, msg)
		}
		if err != nil {
			q.requeueFront(userID, pending[i:])
			q.addDelivered(i)
			return i, fmt.Errorf("offline: deliver %s to %s: %w", msg.MessageID, userID, err)
		}
	}
	q.addDelivered(len(pending))
	return len(pending), nil
}

// MarkUserOffline flags the user offline. Queue contents remain.
func (q *Queue) MarkUserOffline(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if u := q.users[userID]; u != nil {
		u.online = false
	}
}

// IsOnline reports the online flag.
func (q *Queue) IsOnline(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	u := q.users[userID]
	return u != nil && u.online
}

// UserQueueInfo describes one user's queue.
func (q *Queue) UserQueueInfo(userID string, now time.Time) Info {
	q.mu.Lock()
	defer q.mu.Unlock()

	info := Info{
		UserID: userID,
		ByPriority: map[string]int{
			PriorityHigh.String():   0,
			PriorityNormal.String(): 0,
			PriorityLow.String():    0,
		},
	}
	u := q.users[userID]
	if u == nil {
		return info
	}
	info.Online = u.online
	var oldest time.Time
	for i, tier := range u.tiers {
		info.ByPriority[tierOrder[i].String()] = len(tier)
		info.Size += len(tier)
		if len(tier) > 0 && (oldest.IsZero() || tier[0].EnqueuedAt.Before(oldest)) {
			oldest = tier[0].EnqueuedAt
		}
	}
	if !oldest.IsZero() {
		info.OldestAge = now.Sub(oldest)
	}
	return info
}

// Messages returns a copy of the user's queue in delivery order.
func (q *Queue) Messages(userID string) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.users[userID]
	if u == nil {
		return []Message{}
	}
	out := make([]Message, 0, u.size())
	for _, tier := range u.tiers {
		out = append(out, tier...)
	}
	return out
}

// Prune drops messages older than the TTL and forgets idle empty users.
func (q *Queue) Prune(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, u := range q.users {
		for i, tier := range u.tiers {
			kept := tier[:0]
			for _, m := range tier {
				if now.Sub(m.EnqueuedAt) > q.cfg.TTL {
					removed++
					continue
				}
				kept = append(kept, m)
			}
			u.tiers[i] = kept
		}
		q.dropIfIdleLocked(id, u)
	}
	q.expired += int64(removed)
	return removed
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued:  q.enqueued,
		Delivered: q.delivered,
		Evicted:   q.evicted,
		Expired:   q.expired,
	}
	for _, u := range q.users {
		if n := u.size(); n > 0 {
			s.Users++
			s.Messages += n
		}
	}
	return s
}

func (q *Queue) userLocked(userID string) *userQueue {
	u := q.users[userID]
	if u == nil {
		u = &userQueue{}
		q.users[userID] = u
	}
	return u
}

func (q *Queue) enqueueLocked(userID string, msg Message) {
	if !msg.Priority.valid() {
		msg.Priority = PriorityNormal
	}
	u := q.userLocked(userID)
	t := msg.Priority.tier()
	u.tiers[t] = append(u.tiers[t], msg)
	q.enqueued++
	q.trimLocked(u)
}

// trimLocked evicts the oldest messages of the lowest non-empty tier until u fits MaxPerUser.
func (q *Queue) trimLocked(u *userQueue) {
	for u.size() > q.cfg.MaxPerUser {
		for i := tierCount - 1; i >= 0; i-- {
			if len(u.tiers[i]) > 0 {
				u.tiers[i] = u.tiers[i][1:]
				q.evicted++
				break
			}
		}
	}
}

func (q *Queue) requeueFront(userID string, msgs []Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := q.userLocked(userID)
	var back [tierCount][]Message
	for _, m := range msgs {
		back[m.Priority.tier()] = append(back[m.Priority.tier()], m)
	}
	for p := range u.tiers {
		if len(back[p]) > 0 {
			u.tiers[p] = append(back[p], u.tiers[p]...)
		}
	}
	q.trimLocked(u)
}

func (q *Queue) addDelivered(n int) {
	q.mu.Lock()
	q.delivered += int64(n)
	q.mu.Unlock()
}

func (q *Queue) dropIfIdleLocked(userID string, u *userQueue) {
	if u.size() == 0 && !u.online && u.deliver == nil {
		delete(q.users, userID)
	}
}
