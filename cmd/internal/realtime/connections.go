package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	v1 "hearth/shared/contracts/realtime/v1"
)

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 8
)

// ConnectionInfo identifies a connection at registration time.
// UserID is empty for anonymous connections.
type ConnectionInfo struct {
	ID       string
	UserID   string
	Username string
	DeviceID string
	Remote   string
}

// Connection is one live transport session.
//
// The send queue is never closed by the server; done signals shutdown.
// Close is idempotent and records the first reason.
type Connection struct {
	ID       string
	UserID   string
	Username string
	DeviceID string
	Remote   string
	JoinedAt time.Time

	send chan v1.Envelope

	lastHeartbeat atomic.Int64

	done        chan struct{}
	closeOnce   sync.Once
	closeReason atomic.Value
}

// NewConnection constructs a Connection with a bounded send queue.
// An empty DeviceID falls back to the connection id.
func NewConnection(info ConnectionInfo, sendQueueSize int, now time.Time) *Connection {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	if info.DeviceID == "" {
		info.DeviceID = info.ID
	}
	c := &Connection{
		ID:       info.ID,
		UserID:   info.UserID,
		Username: info.Username,
		DeviceID: info.DeviceID,
		Remote:   info.Remote,
		JoinedAt: now,
		send:     make(chan v1.Envelope, sendQueueSize),
		done:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Authenticated reports whether the connection carries a user.
func (c *Connection) Authenticated() bool { return c.UserID != "" }

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan v1.Envelope { return c.send }

// Done is closed when the connection is shutting down.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close signals shutdown. It does NOT close the send queue.
func (c *Connection) Close(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
	})
}

// CloseReason returns the reason passed to the first Close.
func (c *Connection) CloseReason() string {
	s, _ := c.closeReason.Load().(string)
	return s
}

// LastHeartbeat returns the last liveness signal.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load()).UTC()
}

func (c *Connection) touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// Emit enqueues env. A full queue is waited on for at most timeout; expiry is a delivery failure.
func (c *Connection) Emit(ctx context.Context, env v1.Envelope, timeout time.Duration) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
	}

	if timeout <= 0 {
		return fmt.Errorf("%w: send queue full", ErrDeliveryFailure)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, ctx.Err())
	case <-t.C:
		return fmt.Errorf("%w: send queue full after %s", ErrDeliveryFailure, timeout)
	}
}

// ConnectionTable indexes live connections by id and by user.
type ConnectionTable struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers c. It reports whether c is the user's first live connection.
func (t *ConnectionTable) Add(c *Connection) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[c.ID] = c
	if c.UserID == "" {
		return false
	}
	m := t.byUser[c.UserID]
	if m == nil {
		m = make(map[string]*Connection)
		t.byUser[c.UserID] = m
	}
	m[c.ID] = c
	return len(m) == 1
}

// Remove unregisters a connection. last reports whether it was the user's final live connection.
func (t *ConnectionTable) Remove(connID string) (c *Connection, last bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok = t.byID[connID]
	if !ok {
		return nil, false, false
	}
	delete(t.byID, connID)
	if c.UserID == "" {
		return c, false, true
	}
	m := t.byUser[c.UserID]
	delete(m, connID)
	if len(m) == 0 {
		delete(t.byUser, c.UserID)
		return c, true, true
	}
	return c, false, true
}

func (t *ConnectionTable) Get(connID string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byID[connID]
	return c, ok
}

// ForUser returns the user's live connections, oldest first.
func (t *ConnectionTable) ForUser(userID string) []*Connection {
	t.mu.RLock()
	m := t.byUser[userID]
	out := make([]*Connection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sortConnections(out)
	return out
}

// UserConnectionCount returns how many live connections the user has.
func (t *ConnectionTable) UserConnectionCount(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser[userID])
}

// All returns every live connection, oldest first.
func (t *ConnectionTable) All() []*Connection {
	t.mu.RLock()
	out := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sortConnections(out)
	return out
}

// Stale returns connections whose last heartbeat is before cutoff.
func (t *ConnectionTable) Stale(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, c := range t.All() {
		if c.LastHeartbeat().Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns total and authenticated connection counts.
func (t *ConnectionTable) Len() (total, authenticated int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.byID {
		if c.Authenticated() {
			authenticated++
		}
	}
	return len(t.byID), authenticated
}

// PruneOrphans drops user index entries that no longer point at live connections.
func (t *ConnectionTable) PruneOrphans() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for uid, m := range t.byUser {
		for id, c := range m {
			if live, ok := t.byID[id]; !ok || live != c {
				delete(m, id)
				removed++
			}
		}
		if len(m) == 0 {
			delete(t.byUser, uid)
		}
	}
	return removed
}

func sortConnections(cs []*Connection) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].JoinedAt.Equal(cs[j].JoinedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].JoinedAt.Before(cs[j].JoinedAt)
	})
}
