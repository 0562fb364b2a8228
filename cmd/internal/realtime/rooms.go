package realtime

import (
	"sort"
	"sync"
	"time"
)

// JoinResult describes the effect of RoomRegistry.Join.
type JoinResult struct {
	RoomID      string
	MemberCount int
	// UserJoined is true when the user had no other connection in the room.
	UserJoined bool
	// ConnJoined is false when the connection was already in the room.
	ConnJoined bool
}

// LeaveResult describes the effect of RoomRegistry.Leave.
type LeaveResult struct {
	RoomID      string
	UserID      string
	MemberCount int
	// UserLeft is true when the user has no connection left in the room.
	UserLeft bool
	// ConnLeft is false when the connection was not in the room.
	ConnLeft bool
}

// RoomInfo is a room snapshot.
type RoomInfo struct {
	ID              string
	Members         []string
	MemberCount     int
	ConnectionCount int
	Subscribers     int
	CreatedAt       time.Time
	LastActivity    time.Time
}

// RoomStats summarizes the registry.
type RoomStats struct {
	Rooms         int
	Memberships   int
	Connections   int
	Subscriptions int
}

type room struct {
	users        map[string]map[string]struct{}
	conns        map[string]string
	createdAt    time.Time
	lastActivity time.Time
}

// RoomRegistry tracks membership at user and connection granularity.
//
// A user is a member of a room iff at least one of their live connections joined it.
// Separately, users who joined and never explicitly left stay subscribed after they
// disconnect, so queueable broadcasts can reach them through the offline queue.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]map[string]struct{}
	byUser map[string]map[string]struct{}

	// roomID -> userID -> last time the user had a live connection in the room.
	subscribers map[string]map[string]time.Time
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:       make(map[string]*room),
		byConn:      make(map[string]map[string]struct{}),
		byUser:      make(map[string]map[string]struct{}),
		subscribers: make(map[string]map[string]time.Time),
	}
}

// Join adds connID (owned by userID) to roomID. Idempotent.
func (r *RoomRegistry) Join(roomID, userID, connID string, now time.Time) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{
			users:     make(map[string]map[string]struct{}),
			conns:     make(map[string]string),
			createdAt: now,
		}
		r.rooms[roomID] = rm
	}
	rm.lastActivity = now

	res := JoinResult{RoomID: roomID}
	if _, ok := rm.conns[connID]; ok {
		res.MemberCount = len(rm.users)
		return res
	}

	conns := rm.users[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		rm.users[userID] = conns
		res.UserJoined = true
	}
	conns[connID] = struct{}{}
	rm.conns[connID] = userID
	res.ConnJoined = true
	res.MemberCount = len(rm.users)

	addIndex(r.byConn, connID, roomID)
	addIndex(r.byUser, userID, roomID)

	subs := r.subscribers[roomID]
	if subs == nil {
		subs = make(map[string]time.Time)
		r.subscribers[roomID] = subs
	}
	subs[userID] = now

	return res
}

// Leave removes connID from roomID. Idempotent. An explicit full leave ends the subscription.
func (r *RoomRegistry) Leave(roomID, userID, connID string, now time.Time) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := r.leaveLocked(roomID, connID, now)
	if res.UserLeft {
		r.unsubscribeLocked(roomID, res.UserID)
	}
	if !res.ConnLeft {
		res.UserID = userID
	}
	return res
}

// LeaveAll removes connID from every room (disconnect). Subscriptions are kept.
func (r *RoomRegistry) LeaveAll(connID string, now time.Time) []LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomIDs := sortedKeys(r.byConn[connID])
	out := make([]LeaveResult, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		res := r.leaveLocked(roomID, connID, now)
		if res.ConnLeft {
			out = append(out, res)
		}
	}
	return out
}

func (r *RoomRegistry) leaveLocked(roomID, connID string, now time.Time) LeaveResult {
	res := LeaveResult{RoomID: roomID}
	rm := r.rooms[roomID]
	if rm == nil {
		return res
	}
	userID, ok := rm.conns[connID]
	if !ok {
		res.MemberCount = len(rm.users)
		return res
	}

	res.UserID = userID
	res.ConnLeft = true
	delete(rm.conns, connID)
	removeIndex(r.byConn, connID, roomID)

	conns := rm.users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(rm.users, userID)
		removeIndex(r.byUser, userID, roomID)
		res.UserLeft = true
		if subs := r.subscribers[roomID]; subs != nil {
			if _, ok := subs[userID]; ok {
				subs[userID] = now
			}
		}
	}
	rm.lastActivity = now
	res.MemberCount = len(rm.users)

	if len(rm.users) == 0 {
		delete(r.rooms, roomID)
	}
	return res
}

func (r *RoomRegistry) unsubscribeLocked(roomID, userID string) {
	subs := r.subscribers[roomID]
	if subs == nil {
		return
	}
	delete(subs, userID)
	if len(subs) == 0 {
		delete(r.subscribers, roomID)
	}
}

// Unsubscribe ends the subscription of a user who has no live connection in roomID.
// It reports false when the user is a member or was not subscribed.
func (r *RoomRegistry) Unsubscribe(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm := r.rooms[roomID]; rm != nil && rm.users[userID] != nil {
		return false
	}
	if _, ok := r.subscribers[roomID][userID]; !ok {
		return false
	}
	r.unsubscribeLocked(roomID, userID)
	return true
}

// MembersOf returns the user ids with a live connection in roomID, sorted.
func (r *RoomRegistry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return []string{}
	}
	return sortedKeys(rm.users)
}

// SubscribersOf returns members plus users who disconnected without leaving, sorted.
func (r *RoomRegistry) SubscribersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.subscribers[roomID])
}

// IsMember reports whether userID has a live connection in roomID.
func (r *RoomRegistry) IsMember(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return false
	}
	_, ok := rm.users[userID]
	return ok
}

// InRoom reports whether connID joined roomID.
func (r *RoomRegistry) InRoom(roomID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byConn[connID][roomID]
	return ok
}

// RoomsOf returns the rooms in which the user has a live connection, sorted.
func (r *RoomRegistry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// RoomsOfConnection returns the rooms connID joined, sorted.
func (r *RoomRegistry) RoomsOfConnection(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byConn[connID])
}

// ConnectionsIn returns the connection ids in roomID, sorted.
func (r *RoomRegistry) ConnectionsIn(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return []string{}
	}
	return sortedKeys(rm.conns)
}

// Info returns a room snapshot. ok is false for unknown rooms.
func (r *RoomRegistry) Info(roomID string) (RoomInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm := r.rooms[roomID]
	if rm == nil {
		return RoomInfo{ID: roomID, Members: []string{}}, false
	}
	members := sortedKeys(rm.users)
	return RoomInfo{
		ID:              roomID,
		Members:         members,
		MemberCount:     len(members),
		ConnectionCount: len(rm.conns),
		Subscribers:     len(r.subscribers[roomID]),
		CreatedAt:       rm.createdAt,
		LastActivity:    rm.lastActivity,
	}, true
}

// Touch refreshes a room's last activity.
func (r *RoomRegistry) Touch(roomID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm := r.rooms[roomID]; rm != nil {
		rm.lastActivity = now
	}
}

// PruneEmpty removes rooms without connections and dangling index entries.
func (r *RoomRegistry) PruneEmpty() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rm := range r.rooms {
		if len(rm.conns) == 0 || len(rm.users) == 0 {
			delete(r.rooms, id)
			removed++
		}
	}
	for connID, rooms := range r.byConn {
		for roomID := range rooms {
			if rm := r.rooms[roomID]; rm == nil || rm.conns[connID] == "" {
				delete(rooms, roomID)
			}
		}
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
	for userID, rooms := range r.byUser {
		for roomID := range rooms {
			if rm := r.rooms[roomID]; rm == nil || rm.users[userID] == nil {
				delete(rooms, roomID)
			}
		}
		if len(rooms) == 0 {
			delete(r.byUser, userID)
		}
	}
	return removed
}

// PruneSubscriptions drops subscriptions of users absent from the room since before.
func (r *RoomRegistry) PruneSubscriptions(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for roomID, subs := range r.subscribers {
		rm := r.rooms[roomID]
		for userID, seen := range subs {
			if rm != nil && rm.users[userID] != nil {
				continue
			}
			if seen.Before(before) {
				delete(subs, userID)
				removed++
			}
		}
		if len(subs) == 0 {
			delete(r.subscribers, roomID)
		}
	}
	return removed
}

func (r *RoomRegistry) Stats() RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := RoomStats{Rooms: len(r.rooms)}
	for _, rm := range r.rooms {
		s.Memberships += len(rm.users)
		s.Connections += len(rm.conns)
	}
	for _, subs := range r.subscribers {
		s.Subscriptions += len(subs)
	}
	return s
}

func addIndex(idx map[string]map[string]struct{}, key, val string) {
	m := idx[key]
	if m == nil {
		m = make(map[string]struct{})
		idx[key] = m
	}
	m[val] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, val string) {
	m := idx[key]
	if m == nil {
		return
	}
	delete(m, val)
	if len(m) == 0 {
		delete(idx, key)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
