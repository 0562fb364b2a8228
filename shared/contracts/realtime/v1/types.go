// Package v1 defines the Hearth Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "hearth.realtime.v1"

// Client -> server events (wire-stable).
const (
	EventJoinRoom          = "joinRoom"
	EventLeaveRoom         = "leaveRoom"
	EventSendMessage       = "sendMessage"
	EventTyping            = "typing"
	EventMessageRead       = "messageRead"
	EventHeartbeat         = "heartbeat"
	EventUpdatePresence    = "updatePresence"
	EventGetRoomStats      = "getRoomStats"
	EventGetPresence       = "getPresence"
	EventGetStats          = "getStats"
	EventGetQueuedMessages = "getQueuedMessages"
	EventGetReadStatus     = "getReadStatus"
	EventGetHistory        = "getHistory"
)

// Server -> client events (wire-stable).
const (
	EventConnected         = "connected"
	EventJoinedRoom        = "joinedRoom"
	EventLeftRoom          = "leftRoom"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventMessageSent       = "messageSent"
	EventNewMessage        = "newMessage"
	EventTypingUpdated     = "typingUpdated"
	EventTypingStatus      = "typingStatus"
	EventMessageReadUpdate = "messageReadUpdate"
	EventHeartbeatResponse = "heartbeatResponse"
	EventPresenceUpdated   = "presenceUpdated"
	EventUserOnline        = "userOnline"
	EventUserOffline       = "userOffline"
	EventUserStatusChanged = "userStatusChanged"
	EventRoomStats         = "roomStats"
	EventPresenceStatus    = "presenceStatus"
	EventStats             = "stats"
	EventQueuedMessages    = "queuedMessages"
	EventReadStatus        = "readStatus"
	EventHistory           = "history"
	EventOfflineDelivered  = "offlineMessagesDelivered"
	EventDeliveryDegraded  = "deliveryDegraded"
	EventProtocolError     = "protocolError"
)

// Boundary limits.
const (
	errorEventSuffix        = "Error"
	maxEventNameLength      = 64
	maxEnvelopeIDLength     = 64
	maxRoomIDLength         = 128
	maxThreadIDLength       = 128
	maxMessageIDLength      = 128
	maxCustomStatusLength   = 128
	maxClientMsgIDLength    = 128
	maxPresenceQueryUserIDs = 200
)

// Error codes carried by error envelopes.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeDeliveryFailure        = "DELIVERY_FAILURE"
	CodePersistenceFailure     = "PERSISTENCE_FAILURE"
	CodeInternal               = "INTERNAL_ERROR"
)

// Envelope is the canonical wire wrapper.
//
// Inbound envelopes carry Event + Payload. Outbound responses also carry Success,
// and error responses carry Error instead of Payload.
type Envelope struct {
	V       string          `json:"v"`
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the uniform error description.
type ErrorBody struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("missing field: event")
	}
	if len(e.Event) > maxEventNameLength {
		return errors.New("event name too long")
	}
	if len(e.ID) > maxEnvelopeIDLength {
		return errors.New("id too long")
	}
	if !IsClientEvent(e.Event) {
		return fmt.Errorf("unknown event: %q", e.Event)
	}
	return nil
}

// IsClientEvent reports whether name is an event clients may send.
func IsClientEvent(name string) bool {
	switch name {
	case EventJoinRoom,
		EventLeaveRoom,
		EventSendMessage,
		EventTyping,
		EventMessageRead,
		EventHeartbeat,
		EventUpdatePresence,
		EventGetRoomStats,
		EventGetPresence,
		EventGetStats,
		EventGetQueuedMessages,
		EventGetReadStatus,
		EventGetHistory:
		return true
	default:
		return false
	}
}

// ErrorEventFor returns the error event name for an originating event ("joinRoom" -> "joinRoomError").
func ErrorEventFor(event string) string {
	event = strings.TrimSpace(event)
	if event == "" {
		return EventProtocolError
	}
	return event + errorEventSuffix
}

// NewErrorEnvelope builds the uniform error response for an originating event.
func NewErrorEnvelope(event, code, message, id string, now time.Time) Envelope {
	failed := false
	return Envelope{
		V:       Version,
		Event:   ErrorEventFor(event),
		ID:      id,
		TS:      now,
		Success: &failed,
		Error: &ErrorBody{
			Message:   message,
			Code:      code,
			Timestamp: now,
		},
	}
}

// NewEnvelope builds a successful outbound envelope. Payload is JSON encoded.
func NewEnvelope(event, id string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	ok := true
	return Envelope{
		V:       Version,
		Event:   event,
		ID:      id,
		TS:      now,
		Payload: raw,
		Success: &ok,
	}, nil
}
