// Package receipts records per-message read events and delivery marks.
package receipts

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrInvalidReceipt = errors.New("invalid receipt")

// Receipt is one user's read of one message.
type Receipt struct {
	MessageID    string
	UserID       string
	Username     string
	RoomID       string
	ThreadID     string
	ConnectionID string
	ReadAt       time.Time
}

// ReadInput is the argument to MarkAsRead.
type ReadInput struct {
	MessageID    string
	UserID       string
	Username     string
	RoomID       string
	ThreadID     string
	ConnectionID string
	Now          time.Time
}

// Status aggregates receipts of one message. Readers are ordered by read time.
type Status struct {
	MessageID      string
	RoomID         string
	ReadCount      int
	DeliveredCount int
	Readers        []Receipt
}

type messageState struct {
	roomID    string
	readers   map[string]Receipt
	delivered map[string]struct{}
	touched   time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	messages map[string]*messageState
}

func NewTracker() *Tracker {
	return &Tracker{messages: make(map[string]*messageState)}
}

// MarkAsRead records a read. Re-marking returns the existing receipt and created=false.
// A reader also counts as delivered.
func (t *Tracker) MarkAsRead(in ReadInput) (Receipt, bool, error) {
	if in.MessageID == "" || in.UserID == "" {
		return Receipt{}, false, ErrInvalidReceipt
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(in.MessageID, in.RoomID)
	if existing, ok := st.readers[in.UserID]; ok {
		return existing, false, nil
	}

	r := Receipt{
		MessageID:    in.MessageID,
		UserID:       in.UserID,
		Username:     in.Username,
		RoomID:       in.RoomID,
		ThreadID:     in.ThreadID,
		ConnectionID: in.ConnectionID,
		ReadAt:       in.Now,
	}
	st.readers[in.UserID] = r
	st.delivered[in.UserID] = struct{}{}
	st.touched = in.Now
	return r, true, nil
}

// MarkDelivered records that userIDs received the message live. It returns how many marks were new.
func (t *Tracker) MarkDelivered(messageID, roomID string, userIDs []string, now time.Time) int {
	if messageID == "" || len(userIDs) == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(messageID, roomID)
	added := 0
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := st.delivered[id]; ok {
			continue
		}
		st.delivered[id] = struct{}{}
		added++
	}
	st.touched = now
	return added
}

// MessageReadStatus aggregates a message. Unknown messages yield zero counts.
func (t *Tracker) MessageReadStatus(messageID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.messages[messageID]
	if st == nil {
		return Status{MessageID: messageID, Readers: []Receipt{}}
	}

	readers := make([]Receipt, 0, len(st.readers))
	for _, r := range st.readers {
		readers = append(readers, r)
	}
	sort.Slice(readers, func(i, j int) bool {
		if readers[i].ReadAt.Equal(readers[j].ReadAt) {
			return readers[i].UserID < readers[j].UserID
		}
		return readers[i].ReadAt.Before(readers[j].ReadAt)
	})

	return Status{
		MessageID:      messageID,
		RoomID:         st.roomID,
		ReadCount:      len(st.readers),
		DeliveredCount: len(st.delivered),
		Readers:        readers,
	}
}

// HasRead reports whether userID already read messageID.
func (t *Tracker) HasRead(messageID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.messages[messageID]
	if st == nil {
		return false
	}
	_, ok := st.readers[userID]
	return ok
}

// Prune drops aggregates not touched since before.
func (t *Tracker) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, st := range t.messages {
		if st.touched.Before(before) {
			delete(t.messages, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *Tracker) stateLocked(messageID, roomID string) *messageState {
	st := t.messages[messageID]
	if st == nil {
		st = &messageState{
			roomID:    roomID,
			readers:   make(map[string]Receipt),
			delivered: make(map[string]struct{}),
		}
		t.messages[messageID] = st
	}
	if st.roomID == "" {
		st.roomID = roomID
	}
	return st
}
