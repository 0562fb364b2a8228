package v1

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	env := Envelope{V: Version, Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	return env
}

func TestDecode_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		event   string
		payload any
		wantErr string
	}{
		{name: "message at limit", event: EventSendMessage, payload: map[string]any{"roomId": "r1", "content": strings.Repeat("é", MaxMessageChars)}},
		{name: "message over limit", event: EventSendMessage, payload: map[string]any{"roomId": "r1", "content": strings.Repeat("é", MaxMessageChars+1)}, wantErr: "content too long"},
		{name: "blank content", event: EventSendMessage, payload: map[string]any{"roomId": "r1", "content": "  \n "}, wantErr: "empty content"},
		{name: "missing room", event: EventSendMessage, payload: map[string]any{"content": "hi"}, wantErr: "missing roomId"},
		{name: "unknown priority", event: EventSendMessage, payload: map[string]any{"roomId": "r1", "content": "hi", "priority": "urgent"}, wantErr: "unknown priority"},
		{name: "wrong content type", event: EventSendMessage, payload: map[string]any{"roomId": "r1", "content": 42}, wantErr: "invalid payload"},
		{name: "room id too long", event: EventJoinRoom, payload: map[string]any{"roomId": strings.Repeat("r", maxRoomIDLength+1)}, wantErr: "roomId too long"},
		{name: "join without payload", event: EventJoinRoom, wantErr: "missing roomId"},
		{name: "read needs message id", event: EventMessageRead, payload: map[string]any{"roomId": "r1"}, wantErr: "missing messageId"},
		{name: "unknown status", event: EventUpdatePresence, payload: map[string]any{"status": "sleeping"}, wantErr: "unknown status"},
		{name: "offline status", event: EventUpdatePresence, payload: map[string]any{"status": "offline"}, wantErr: "derived from connections"},
		{name: "custom without text", event: EventUpdatePresence, payload: map[string]any{"status": "custom"}, wantErr: "customStatus required"},
		{name: "custom too long", event: EventUpdatePresence, payload: map[string]any{"status": "custom", "customStatus": strings.Repeat("x", maxCustomStatusLength+1)}, wantErr: "customStatus too long"},
		{name: "negative history limit", event: EventGetHistory, payload: map[string]any{"roomId": "r1", "limit": -1}, wantErr: "negative limit"},
		{name: "heartbeat null payload", event: EventHeartbeat},
		{name: "unknown event", event: "explode", wantErr: "unknown event"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(envelope(t, tc.event, tc.payload))
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidPayload)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDecode_NormalizesSendMessage(t *testing.T) {
	t.Parallel()

	cmd, err := Decode(envelope(t, EventSendMessage, map[string]any{
		"roomId":   " r1 ",
		"content":  "  hello  ",
		"priority": "HIGH",
		"extra":    true,
	}))
	require.NoError(t, err)

	p, ok := cmd.(*SendMessagePayload)
	require.True(t, ok)
	require.Equal(t, "r1", p.RoomID)
	require.Equal(t, "hello", p.Content)
	require.Equal(t, PriorityHigh, p.Priority)
	require.Equal(t, "text", p.Type)
}

func TestDecode_PresenceQueryDropsBlankIDs(t *testing.T) {
	t.Parallel()

	cmd, err := Decode(envelope(t, EventGetPresence, map[string]any{"userIds": []string{"u1", " ", "u2"}}))
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, cmd.(*GetPresencePayload).UserIDs)

	_, err = Decode(envelope(t, EventGetPresence, map[string]any{"userIds": make([]string, maxPresenceQueryUserIDs+1)}))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Envelope{V: Version, Event: EventHeartbeat}.Validate())
	require.ErrorContains(t, Envelope{Event: EventHeartbeat}.Validate(), "missing field: v")
	require.ErrorContains(t, Envelope{V: "v0", Event: EventHeartbeat}.Validate(), "unsupported protocol version")
	require.ErrorContains(t, Envelope{V: Version}.Validate(), "missing field: event")
	require.ErrorContains(t, Envelope{V: Version, Event: EventNewMessage}.Validate(), "unknown event")

	require.Equal(t, "joinRoomError", ErrorEventFor(EventJoinRoom))
	require.Equal(t, EventProtocolError, ErrorEventFor(" "))
}
