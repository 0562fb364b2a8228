// Package main provides a CI-friendly WebSocket smoke test for Hearth realtime.
//
// It validates:
//   - handshake + subprotocol selection + token authentication
//   - connected greeting and default room auto-join
//   - joinRoom ack
//   - sendMessage -> messageSent
//   - newMessage fan-out to another user
//   - getHistory paging
//   - idempotent dedupe by clientMsgId
//   - heartbeat
//
// Tokens are passed with -token-a/-token-b, or minted locally from
// HEARTH_PASETO_V4_SECRET_KEY_HEX (the same key the server verifies with).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "hearth/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		roomID  = flag.String("room", "smoke-room", "Room to join")
		text    = flag.String("text", "hello hearth 👋", "Message text to send")
		tokenA  = flag.String("token-a", "", "Access token for client A (minted when empty)")
		tokenB  = flag.String("token-b", "", "Access token for client B (minted when empty)")
		issuer  = flag.String("issuer", "hearth", "Issuer for minted tokens")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	run := time.Now().UnixNano()
	if *tokenA == "" || *tokenB == "" {
		key := strings.TrimSpace(os.Getenv("HEARTH_PASETO_V4_SECRET_KEY_HEX"))
		if key == "" {
			fatalf("no tokens: pass -token-a/-token-b or set HEARTH_PASETO_V4_SECRET_KEY_HEX")
		}
		var err error
		if *tokenA == "" {
			if *tokenA, err = mintToken(key, *issuer, fmt.Sprintf("smoke-a-%d", run), "smoke-a"); err != nil {
				fatalf("mint token A: %v", err)
			}
		}
		if *tokenB == "" {
			if *tokenB, err = mintToken(key, *issuer, fmt.Sprintf("smoke-b-%d", run), "smoke-b"); err != nil {
				fatalf("mint token B: %v", err)
			}
		}
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	mustJoin(root, a, *roomID, *timeout)
	mustJoin(root, b, *roomID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", run)

	sent := mustSendAndAssertAck(root, a, *roomID, clientMsgID, *text, false, *timeout)
	mustAssertNew(root, b, sent, *timeout)

	mustHistoryContains(root, b, *roomID, sent, *timeout)
	after := sent.Seq
	mustHistoryEmptyAfter(root, b, *roomID, after, *timeout)

	again := mustSendAndAssertAck(root, a, *roomID, clientMsgID, *text, true, *timeout)
	if again.Seq != sent.Seq || again.MessageID != sent.MessageID {
		fatalf("dedupe: mismatch: first=%d/%s second=%d/%s", sent.Seq, sent.MessageID, again.Seq, again.MessageID)
	}
	mustAssertNoEvent(root, b, v1.EventNewMessage, 1200*time.Millisecond)

	mustHeartbeat(root, a, *timeout)

	fmt.Printf("OK: A=%s B=%s room=%s seq=%d message_id=%s\n", a.userID, b.userID, *roomID, sent.Seq, sent.MessageID)
}

func mintToken(secretHex, issuer, userID, name string) (string, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	tok := paseto.NewToken()
	tok.SetIssuer(issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(now.Add(5 * time.Minute))
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", "smoke-"+userID)
	_ = tok.Set("name", name)
	return tok.V4Sign(secret, nil), nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Device-ID", "smoke-"+strings.ToLower(name))

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	greet := c.mustReadUntil(parent, v1.EventConnected, stepTimeout)
	var p v1.ConnectedPayload
	mustDecode(greet, &p)
	if !p.Authenticated || strings.TrimSpace(p.UserID) == "" {
		fatalf("connected (%s): not authenticated", name)
	}
	c.userID = p.UserID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if env.V != v1.Version || env.Event == "" {
				c.fail(fmt.Errorf("bad envelope: v=%q event=%q", env.V, env.Event))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) send(parent context.Context, event string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Event:   event,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, event, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	c.send(parent, v1.EventJoinRoom, v1.JoinRoomPayload{RoomID: roomID}, stepTimeout)

	for {
		env := c.mustReadUntil(parent, v1.EventJoinedRoom, stepTimeout)
		var p v1.JoinedRoomPayload
		mustDecode(env, &p)
		// The default room greeting may still be queued ahead of this ack.
		if p.RoomID != roomID {
			continue
		}
		if p.MemberCount < 1 {
			fatalf("joinedRoom (%s): memberCount=%d", c.name, p.MemberCount)
		}
		return
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, clientMsgID, text string, wantDup bool, stepTimeout time.Duration) v1.MessagePayload {
	c.send(parent, v1.EventSendMessage, v1.SendMessagePayload{
		RoomID:      roomID,
		ClientMsgID: clientMsgID,
		Content:     text,
	}, stepTimeout)

	ack := c.mustReadUntil(parent, v1.EventMessageSent, stepTimeout)
	var p v1.MessageSentPayload
	mustDecode(ack, &p)

	m := p.Message
	switch {
	case p.Duplicated != wantDup:
		fatalf("messageSent (%s): duplicated=%v want %v", c.name, p.Duplicated, wantDup)
	case m.RoomID != roomID:
		fatalf("messageSent (%s): roomId=%q want %q", c.name, m.RoomID, roomID)
	case m.ClientMsgID != clientMsgID:
		fatalf("messageSent (%s): clientMsgId=%q want %q", c.name, m.ClientMsgID, clientMsgID)
	case strings.TrimSpace(m.MessageID) == "":
		fatalf("messageSent (%s): missing messageId", c.name)
	case m.Seq <= 0:
		fatalf("messageSent (%s): invalid seq %d", c.name, m.Seq)
	}
	return m
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.MessagePayload, stepTimeout time.Duration) {
	env := c.mustReadUntil(parent, v1.EventNewMessage, stepTimeout)
	var got v1.MessagePayload
	mustDecode(env, &got)

	if got.MessageID != want.MessageID || got.Seq != want.Seq || got.SenderID != want.SenderID || got.Content != want.Content {
		fatalf("newMessage mismatch (%s): got=%+v want=%+v", c.name, got, want)
	}
	if got.CreatedAt.IsZero() {
		fatalf("newMessage createdAt missing (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, roomID string, want v1.MessagePayload, stepTimeout time.Duration) {
	c.send(parent, v1.EventGetHistory, v1.GetHistoryPayload{RoomID: roomID, Limit: 50}, stepTimeout)

	env := c.mustReadUntil(parent, v1.EventHistory, stepTimeout)
	var p v1.HistoryPayload
	mustDecode(env, &p)
	if p.RoomID != roomID {
		fatalf("history roomId mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	for _, m := range p.Messages {
		if m.MessageID == want.MessageID && m.Seq == want.Seq && m.Content == want.Content {
			return
		}
	}
	fatalf("history missing expected message (%s)", c.name)
}

func mustHistoryEmptyAfter(parent context.Context, c *smokeClient, roomID string, afterSeq int64, stepTimeout time.Duration) {
	c.send(parent, v1.EventGetHistory, v1.GetHistoryPayload{RoomID: roomID, AfterSeq: &afterSeq, Limit: 50}, stepTimeout)

	env := c.mustReadUntil(parent, v1.EventHistory, stepTimeout)
	var p v1.HistoryPayload
	mustDecode(env, &p)
	if len(p.Messages) != 0 {
		fatalf("expected empty history after seq=%d (%s), got=%d", afterSeq, c.name, len(p.Messages))
	}
}

func mustHeartbeat(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	c.send(parent, v1.EventHeartbeat, v1.HeartbeatPayload{}, stepTimeout)
	c.mustReadUntil(parent, v1.EventHeartbeatResponse, stepTimeout)
}

func mustAssertNoEvent(parent context.Context, c *smokeClient, forbidden string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			failOnError(c, env)
			if env.Event == forbidden {
				fatalf("unexpected %s received (%s)", forbidden, c.name)
			}
		}
	}
}

// mustReadUntil skips unrelated notices (presence, member changes) until want arrives.
func (c *smokeClient) mustReadUntil(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			failOnError(c, env)
			if env.Event == want {
				return env
			}
		}
	}
}

func failOnError(c *smokeClient, env v1.Envelope) {
	if env.Error == nil {
		return
	}
	fatalf("server error (%s): event=%q code=%q msg=%q", c.name, env.Event, env.Error.Code, env.Error.Message)
}

func mustDecode(env v1.Envelope, dst any) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload: %v", env.Event, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
