package v1

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxMessageChars bounds message content length (runes).
const MaxMessageChars = 4000

// Presence statuses accepted from clients.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
	StatusCustom  = "custom"
)

// Message priorities accepted from clients.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// ErrInvalidPayload marks payload decoding and validation failures.
var ErrInvalidPayload = errors.New("invalid payload")

// Command is one decoded client event. The set of implementations is closed.
type Command interface {
	Event() string
	Validate() error
	command()
}

// Decode turns a validated envelope into its typed command.
// Missing payloads decode as empty objects; unknown fields are ignored.
func Decode(env Envelope) (Command, error) {
	var cmd Command
	switch env.Event {
	case EventJoinRoom:
		cmd = &JoinRoomPayload{}
	case EventLeaveRoom:
		cmd = &LeaveRoomPayload{}
	case EventSendMessage:
		cmd = &SendMessagePayload{}
	case EventTyping:
		cmd = &TypingPayload{}
	case EventMessageRead:
		cmd = &MessageReadPayload{}
	case EventHeartbeat:
		cmd = &HeartbeatPayload{}
	case EventUpdatePresence:
		cmd = &UpdatePresencePayload{}
	case EventGetRoomStats:
		cmd = &GetRoomStatsPayload{}
	case EventGetPresence:
		cmd = &GetPresencePayload{}
	case EventGetStats:
		cmd = &GetStatsPayload{}
	case EventGetQueuedMessages:
		cmd = &GetQueuedMessagesPayload{}
	case EventGetReadStatus:
		cmd = &GetReadStatusPayload{}
	case EventGetHistory:
		cmd = &GetHistoryPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, env.Event)
	}

	raw := bytes.TrimSpace(env.Payload)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return cmd, nil
}

// ---- inbound payloads ----

// JoinRoomPayload requests membership in a room.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (*JoinRoomPayload) Event() string { return EventJoinRoom }
func (*JoinRoomPayload) command()      {}

func (p *JoinRoomPayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	return validateID("roomId", p.RoomID, maxRoomIDLength, true)
}

// LeaveRoomPayload requests leaving a room.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (*LeaveRoomPayload) Event() string { return EventLeaveRoom }
func (*LeaveRoomPayload) command()      {}

func (p *LeaveRoomPayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	return validateID("roomId", p.RoomID, maxRoomIDLength, true)
}

// SendMessagePayload is the message DTO sent by clients.
type SendMessagePayload struct {
	RoomID      string `json:"roomId"`
	ThreadID    string `json:"threadId,omitempty"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

func (*SendMessagePayload) Event() string { return EventSendMessage }
func (*SendMessagePayload) command()      {}

func (p *SendMessagePayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	p.ClientMsgID = strings.TrimSpace(p.ClientMsgID)
	p.Content = strings.TrimSpace(p.Content)
	p.Type = strings.TrimSpace(p.Type)
	p.Priority = strings.ToLower(strings.TrimSpace(p.Priority))

	if err := validateID("roomId", p.RoomID, maxRoomIDLength, true); err != nil {
		return err
	}
	if err := validateID("threadId", p.ThreadID, maxThreadIDLength, false); err != nil {
		return err
	}
	if err := validateID("clientMsgId", p.ClientMsgID, maxClientMsgIDLength, false); err != nil {
		return err
	}
	if p.Content == "" {
		return errors.New("empty content")
	}
	if utf8.RuneCountInString(p.Content) > MaxMessageChars {
		return fmt.Errorf("content too long: max=%d chars", MaxMessageChars)
	}
	if p.Type == "" {
		p.Type = "text"
	}
	switch p.Priority {
	case "":
		p.Priority = PriorityNormal
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		return fmt.Errorf("unknown priority: %q", p.Priority)
	}
	return nil
}

// TypingPayload starts or stops a typing indicator.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	ThreadID string `json:"threadId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

func (*TypingPayload) Event() string { return EventTyping }
func (*TypingPayload) command()      {}

func (p *TypingPayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	if err := validateID("roomId", p.RoomID, maxRoomIDLength, true); err != nil {
		return err
	}
	return validateID("threadId", p.ThreadID, maxThreadIDLength, false)
}

// MessageReadPayload marks a message as read by the caller.
type MessageReadPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	ThreadID  string `json:"threadId,omitempty"`
}

func (*MessageReadPayload) Event() string { return EventMessageRead }
func (*MessageReadPayload) command()      {}

func (p *MessageReadPayload) Validate() error {
	p.MessageID = strings.TrimSpace(p.MessageID)
	p.RoomID = strings.TrimSpace(p.RoomID)
	p.ThreadID = strings.TrimSpace(p.ThreadID)
	if err := validateID("messageId", p.MessageID, maxMessageIDLength, true); err != nil {
		return err
	}
	if err := validateID("roomId", p.RoomID, maxRoomIDLength, true); err != nil {
		return err
	}
	return validateID("threadId", p.ThreadID, maxThreadIDLength, false)
}

// HeartbeatPayload is empty.
type HeartbeatPayload struct{}

func (*HeartbeatPayload) Event() string   { return EventHeartbeat }
func (*HeartbeatPayload) command()        {}
func (*HeartbeatPayload) Validate() error { return nil }

// UpdatePresencePayload changes the caller's presence status.
type UpdatePresencePayload struct {
	Status       string `json:"status"`
	CustomStatus string `json:"customStatus,omitempty"`
}

func (*UpdatePresencePayload) Event() string { return EventUpdatePresence }
func (*UpdatePresencePayload) command()      {}

func (p *UpdatePresencePayload) Validate() error {
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
	p.CustomStatus = strings.TrimSpace(p.CustomStatus)
	switch p.Status {
	case StatusOnline, StatusAway, StatusBusy, StatusCustom:
	case StatusOffline:
		return errors.New("status offline is derived from connections")
	case "":
		return errors.New("missing status")
	default:
		return fmt.Errorf("unknown status: %q", p.Status)
	}
	if p.Status == StatusCustom && p.CustomStatus == "" {
		return errors.New("customStatus required for custom status")
	}
	if utf8.RuneCountInString(p.CustomStatus) > maxCustomStatusLength {
		return fmt.Errorf("customStatus too long: max=%d chars", maxCustomStatusLength)
	}
	return nil
}

// GetRoomStatsPayload queries one room.
type GetRoomStatsPayload struct {
	RoomID string `json:"roomId"`
}

func (*GetRoomStatsPayload) Event() string { return EventGetRoomStats }
func (*GetRoomStatsPayload) command()      {}

func (p *GetRoomStatsPayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	return validateID("roomId", p.RoomID, maxRoomIDLength, true)
}

// GetPresencePayload queries presence; an empty list means "all online users".
type GetPresencePayload struct {
	UserIDs []string `json:"userIds,omitempty"`
}

func (*GetPresencePayload) Event() string { return EventGetPresence }
func (*GetPresencePayload) command()      {}

func (p *GetPresencePayload) Validate() error {
	if len(p.UserIDs) > maxPresenceQueryUserIDs {
		return fmt.Errorf("too many userIds: max=%d", maxPresenceQueryUserIDs)
	}
	out := p.UserIDs[:0]
	for _, id := range p.UserIDs {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	p.UserIDs = out
	return nil
}

// GetStatsPayload is empty.
type GetStatsPayload struct{}

func (*GetStatsPayload) Event() string   { return EventGetStats }
func (*GetStatsPayload) command()        {}
func (*GetStatsPayload) Validate() error { return nil }

// GetQueuedMessagesPayload is empty; the caller's own queue is returned.
type GetQueuedMessagesPayload struct{}

func (*GetQueuedMessagesPayload) Event() string   { return EventGetQueuedMessages }
func (*GetQueuedMessagesPayload) command()        {}
func (*GetQueuedMessagesPayload) Validate() error { return nil }

// GetReadStatusPayload queries aggregated receipts of a message.
type GetReadStatusPayload struct {
	MessageID string `json:"messageId"`
}

func (*GetReadStatusPayload) Event() string { return EventGetReadStatus }
func (*GetReadStatusPayload) command()      {}

func (p *GetReadStatusPayload) Validate() error {
	p.MessageID = strings.TrimSpace(p.MessageID)
	return validateID("messageId", p.MessageID, maxMessageIDLength, true)
}

// GetHistoryPayload requests a history window for a room.
type GetHistoryPayload struct {
	RoomID   string `json:"roomId"`
	AfterSeq *int64 `json:"afterSeq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (*GetHistoryPayload) Event() string { return EventGetHistory }
func (*GetHistoryPayload) command()      {}

func (p *GetHistoryPayload) Validate() error {
	p.RoomID = strings.TrimSpace(p.RoomID)
	if p.Limit < 0 {
		return errors.New("negative limit")
	}
	return validateID("roomId", p.RoomID, maxRoomIDLength, true)
}

func validateID(field, v string, maxLen int, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("missing %s", field)
		}
		return nil
	}
	if len(v) > maxLen {
		return fmt.Errorf("%s too long: max=%d bytes", field, maxLen)
	}
	return nil
}

// ---- outbound payloads ----

// ConnectedPayload greets a freshly registered connection.
type ConnectedPayload struct {
	ConnectionID  string    `json:"connectionId"`
	UserID        string    `json:"userId,omitempty"`
	Username      string    `json:"username,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ServerTime    time.Time `json:"serverTime"`
}

// JoinedRoomPayload acknowledges joinRoom with the current member list.
type JoinedRoomPayload struct {
	RoomID      string   `json:"roomId"`
	Members     []string `json:"members"`
	MemberCount int      `json:"memberCount"`
}

// LeftRoomPayload acknowledges leaveRoom.
type LeftRoomPayload struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// MemberNoticePayload is broadcast as userJoined / userLeft.
type MemberNoticePayload struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username,omitempty"`
	MemberCount int       `json:"memberCount"`
	At          time.Time `json:"at"`
}

// MessagePayload is the canonical persisted message on the wire.
type MessagePayload struct {
	MessageID   string    `json:"messageId"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	RoomID      string    `json:"roomId"`
	ThreadID    string    `json:"threadId,omitempty"`
	Seq         int64     `json:"seq"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}

// MessageSentPayload acknowledges sendMessage.
type MessageSentPayload struct {
	Message    MessagePayload `json:"message"`
	Duplicated bool           `json:"duplicated,omitempty"`
}

// TypingUpdatedPayload acknowledges typing.
type TypingUpdatedPayload struct {
	RoomID   string `json:"roomId"`
	ThreadID string `json:"threadId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// TypingUser is one active typist.
type TypingUser struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// TypingStatusPayload is broadcast with the current typists of a room/thread.
type TypingStatusPayload struct {
	RoomID   string       `json:"roomId"`
	ThreadID string       `json:"threadId,omitempty"`
	Users    []TypingUser `json:"users"`
}

// ReadReceiptPayload is one read receipt.
type ReadReceiptPayload struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	RoomID    string    `json:"roomId"`
	ThreadID  string    `json:"threadId,omitempty"`
	ReadAt    time.Time `json:"readAt"`
}

// ReadStatusPayload aggregates receipts for one message.
type ReadStatusPayload struct {
	MessageID      string               `json:"messageId"`
	RoomID         string               `json:"roomId,omitempty"`
	ReadCount      int                  `json:"readCount"`
	DeliveredCount int                  `json:"deliveredCount"`
	Readers        []ReadReceiptPayload `json:"readers"`
}

// MessageReadAckPayload acknowledges messageRead.
type MessageReadAckPayload struct {
	Receipt     ReadReceiptPayload `json:"receipt"`
	Status      ReadStatusPayload  `json:"status"`
	AlreadyRead bool               `json:"alreadyRead,omitempty"`
}

// MessageReadUpdatePayload is broadcast when a user reads a message for the first time.
type MessageReadUpdatePayload struct {
	MessageID      string    `json:"messageId"`
	RoomID         string    `json:"roomId"`
	ThreadID       string    `json:"threadId,omitempty"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username,omitempty"`
	ReadAt         time.Time `json:"readAt"`
	ReadCount      int       `json:"readCount"`
	DeliveredCount int       `json:"deliveredCount"`
}

// HeartbeatResponsePayload answers heartbeat.
type HeartbeatResponsePayload struct {
	ConnectionID string    `json:"connectionId"`
	ServerTime   time.Time `json:"serverTime"`
}

// PresencePayload is one user's presence.
type PresencePayload struct {
	UserID           string    `json:"userId"`
	Username         string    `json:"username,omitempty"`
	Status           string    `json:"status"`
	CustomStatus     string    `json:"customStatus,omitempty"`
	Online           bool      `json:"online"`
	Devices          int       `json:"devices"`
	LastActivity     time.Time `json:"lastActivity,omitempty"`
	LastActivityKind string    `json:"lastActivityKind,omitempty"`
}

// PresenceStatusPayload answers getPresence.
type PresenceStatusPayload struct {
	Users []PresencePayload `json:"users"`
}

// RoomStatsPayload answers getRoomStats.
type RoomStatsPayload struct {
	RoomID           string       `json:"roomId"`
	MemberCount      int          `json:"memberCount"`
	ConnectionCount  int          `json:"connectionCount"`
	Members          []string     `json:"members"`
	CreatedAt        time.Time    `json:"createdAt"`
	LastActivity     time.Time    `json:"lastActivity"`
	TypingUsers      []TypingUser `json:"typingUsers"`
	RecentBroadcasts int          `json:"recentBroadcasts"`
	LastBroadcastAt  *time.Time   `json:"lastBroadcastAt,omitempty"`
}

// StatsPayload answers getStats.
type StatsPayload struct {
	Connections              int       `json:"connections"`
	AuthenticatedConnections int       `json:"authenticatedConnections"`
	OnlineUsers              int       `json:"onlineUsers"`
	Rooms                    int       `json:"rooms"`
	TypingKeys               int       `json:"typingKeys"`
	QueuedMessages           int       `json:"queuedMessages"`
	QueuedUsers              int       `json:"queuedUsers"`
	TrackedReceiptMessages   int       `json:"trackedReceiptMessages"`
	RateLimitWindows         int       `json:"rateLimitWindows"`
	BroadcastsTotal          int64     `json:"broadcastsTotal"`
	DeliveriesTotal          int64     `json:"deliveriesTotal"`
	DeliveryFailuresTotal    int64     `json:"deliveryFailuresTotal"`
	QueuedTotal              int64     `json:"queuedTotal"`
	StartedAt                time.Time `json:"startedAt"`
	ServerTime               time.Time `json:"serverTime"`
}

// QueueInfoPayload describes one user's offline queue.
type QueueInfoPayload struct {
	UserID      string         `json:"userId"`
	Size        int            `json:"size"`
	Online      bool           `json:"online"`
	OldestAgeMS int64          `json:"oldestAgeMs"`
	ByPriority  map[string]int `json:"byPriority"`
}

// QueuedMessagePayload is one queued message summary.
type QueuedMessagePayload struct {
	MessageID  string    `json:"messageId"`
	RoomID     string    `json:"roomId"`
	Event      string    `json:"event"`
	Priority   string    `json:"priority"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// QueuedMessagesPayload answers getQueuedMessages.
type QueuedMessagesPayload struct {
	Info     QueueInfoPayload       `json:"info"`
	Messages []QueuedMessagePayload `json:"messages"`
}

// HistoryPayload answers getHistory.
type HistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

// OfflineDeliveredPayload follows the drain of an offline queue.
type OfflineDeliveredPayload struct {
	Count int `json:"count"`
}

// DeliveryDegradedPayload tells a sender that real-time fan-out partially failed.
type DeliveryDegradedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}
