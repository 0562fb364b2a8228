package realtime

import (
	"context"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// PersistedMessage is the canonical stored message.
type PersistedMessage struct {
	RoomID      string
	ThreadID    string
	ClientMsgID string
	MessageID   string
	Seq         int64
	SenderID    string
	SenderName  string
	Content     string
	Type        string
	CreatedAt   time.Time
}

// MessageService persists and queries messages.
//
// Requirements:
//   - Idempotency per (room_id, client_msg_id)
//   - Monotonic seq per room (no gaps for duplicates)
//   - History query ordered by seq ASC
type MessageService interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// CreateMessageInput describes a message create request.
type CreateMessageInput struct {
	RoomID      string
	ThreadID    string
	ClientMsgID string
	SenderID    string
	SenderName  string
	Content     string
	Type        string
	Now         time.Time
}

// CreateMessageResult is the create operation result.
type CreateMessageResult struct {
	Message    PersistedMessage
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []PersistedMessage
	HasMore  bool
}

func clampHistoryLimit(n int) int {
	if n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

// ReceiptStore writes read receipts through to durable storage.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, r ReceiptRecord) error
}

// ReceiptRecord is the persisted form of a read receipt.
type ReceiptRecord struct {
	MessageID    string
	RoomID       string
	ThreadID     string
	UserID       string
	ConnectionID string
	ReadAt       time.Time
}

// NopReceiptStore discards receipts.
type NopReceiptStore struct{}

func (NopReceiptStore) SaveReceipt(context.Context, ReceiptRecord) error { return nil }
