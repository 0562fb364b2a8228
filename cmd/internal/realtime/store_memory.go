package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is a dev-only MessageService used when no database is configured.
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq    int64
	dedupe map[string]PersistedMessage // client_msg_id -> stored message
	msgs   []PersistedMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageService.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
	}
}

// Close is a noop for in-memory.
func (s *InMemoryStore) Close() error { return nil }

// CreateMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if in.RoomID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return CreateMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[in.RoomID]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]PersistedMessage),
			msgs:   make([]PersistedMessage, 0, 256),
		}
		s.rooms[in.RoomID] = r
	}

	if existing, ok := r.dedupe[in.ClientMsgID]; ok {
		return CreateMessageResult{Message: existing, Duplicated: true}, nil
	}

	r.seq++
	msg := PersistedMessage{
		RoomID:      in.RoomID,
		ThreadID:    in.ThreadID,
		ClientMsgID: in.ClientMsgID,
		MessageID:   NewServerMsgID(now),
		Seq:         r.seq,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		Type:        in.Type,
		CreatedAt:   now,
	}
	r.dedupe[in.ClientMsgID] = msg
	r.msgs = append(r.msgs, msg)

	if len(r.msgs) > memMaxMessagesPerRoom {
		r.msgs = r.msgs[len(r.msgs)-memMaxMessagesPerRoom:]
	}

	return CreateMessageResult{Message: msg}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	r := s.rooms[in.RoomID]
	var snap []PersistedMessage
	if r != nil {
		snap = append([]PersistedMessage(nil), r.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}

// Count returns the number of stored messages in a room.
func (s *InMemoryStore) Count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.rooms[roomID]; r != nil {
		return len(r.msgs)
	}
	return 0
}
