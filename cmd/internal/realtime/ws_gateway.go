package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"hearth/cmd/internal/ratelimit"
	v1 "hearth/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultPingTimeout  = 10 * time.Second
	wsDefaultReadLimit    = 64 << 10
	wsCloseGrace          = 1 * time.Second
	wsMaxPingFailures     = 3
)

// ErrNoCredentials is returned by an Authenticator when the request carries no token.
// Such connections are accepted anonymously and may only send heartbeat.
var ErrNoCredentials = errors.New("no credentials")

// Identity is the authenticated principal of a WebSocket handshake.
type Identity struct {
	UserID    string
	Username  string
	DeviceID  string
	SessionID string
}

// Authenticator verifies the handshake request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// WSConfig tunes the WebSocket transport.
type WSConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool
	AllowedOrigins []string
	// DevInsecure disables the library's origin verification. Development only.
	DevInsecure bool

	WriteTimeout time.Duration
	// ReadIdleTimeout bounds the wait for the next frame. Defaults to the gateway heartbeat timeout.
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration
	ReadLimit       int64

	FloodEvents int
	FloodWindow time.Duration
}

// WSGateway is the WebSocket entrypoint. It owns the socket goroutines and feeds
// decoded envelopes to the Gateway.
type WSGateway struct {
	log  *slog.Logger
	gw   *Gateway
	auth Authenticator
	cfg  WSConfig

	// Derived for websocket.Accept origin checks.
	// Accept authorizes same-host origins by default, cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway builds the transport. A nil Authenticator accepts every connection anonymously.
func NewWSGateway(log *slog.Logger, gw *Gateway, auth Authenticator, cfg WSConfig) *WSGateway {
	if log == nil {
		log = gw.log
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = gw.cfg.HeartbeatTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = gw.cfg.HeartbeatInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = wsDefaultPingTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = wsDefaultReadLimit
	}
	if cfg.FloodEvents <= 0 {
		cfg.FloodEvents = ratelimit.DefaultFloodEvents
	}
	if cfg.FloodWindow <= 0 {
		cfg.FloodWindow = ratelimit.DefaultFloodWindow
	}

	return &WSGateway{
		log:            log,
		gw:             gw,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates and upgrades the request, then runs the connection until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	id, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(g.cfg.ReadLimit)
	g.log.Debug("ws.accept", "user_id", id.UserID, "session_id", id.SessionID, "remote", r.RemoteAddr)

	g.serve(r.Context(), conn, id, r.RemoteAddr)
}

func (g *WSGateway) authenticate(r *http.Request) (Identity, error) {
	if g.auth == nil {
		return Identity{}, nil
	}
	id, err := g.auth.Authenticate(r)
	if errors.Is(err, ErrNoCredentials) {
		return Identity{}, nil
	}
	return id, err
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, id Identity, remote string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := g.gw.Connect(ctx, ConnectionInfo{
		UserID:   id.UserID,
		Username: id.Username,
		DeviceID: id.DeviceID,
		Remote:   remote,
	})

	var (
		closeOnce sync.Once
		reason    string
	)
	shutdown := func(code websocket.StatusCode, why string) {
		closeOnce.Do(func() {
			reason = why
			_ = conn.Close(code, why)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, c, shutdown)
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		g.pingLoop(ctx, conn, c, shutdown)
	}()

	g.readLoop(ctx, conn, c, shutdown)
	shutdown(websocket.StatusNormalClosure, "peer closed")

	g.gw.Disconnect(context.WithoutCancel(parent), c.ID, reason)
	<-writerDone
	select {
	case <-pingDone:
	case <-time.After(wsCloseGrace):
	}
}

type shutdownFunc func(code websocket.StatusCode, reason string)

// writeLoop drains the connection's outbound queue. When the gateway closes the
// connection (eviction, shutdown) the socket is closed with that reason.
func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, c *Connection, shutdown shutdownFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			shutdown(websocket.StatusGoingAway, c.CloseReason())
			return
		case env := <-c.Outbound():
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "conn_id", c.ID, "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *WSGateway) pingLoop(ctx context.Context, conn *websocket.Conn, c *Connection, shutdown shutdownFunc) {
	t := time.NewTicker(g.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "conn_id", c.ID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
			g.gw.Touch(c)
		}
	}
}

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, c *Connection, shutdown shutdownFunc) {
	flood := ratelimit.NewSlidingWindow(g.cfg.FloodEvents, g.cfg.FloodWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				if ctx.Err() != nil {
					shutdown(websocket.StatusNormalClosure, "context done")
				} else {
					shutdown(websocket.StatusPolicyViolation, "read idle timeout")
				}
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				g.log.Info("ws.read.fail", "conn_id", c.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		now := g.gw.now()
		if !flood.Allow(now) {
			g.log.Warn("ws.flood", "conn_id", c.ID, "user_id", c.UserID)
			env := v1.NewErrorEnvelope("", v1.CodeRateLimitExceeded, "too many events", "", now)
			_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.protocolError(ctx, c, "invalid JSON", now)
			continue
		}
		g.gw.Dispatch(ctx, c, env)
	}
}

func (g *WSGateway) protocolError(ctx context.Context, c *Connection, msg string, now time.Time) {
	env := v1.NewErrorEnvelope("", v1.CodeValidation, msg, "", now)
	if err := c.Emit(ctx, env, g.gw.cfg.DeliveryTimeout); err != nil {
		g.log.Info("ws.protocol_error.emit.fail", "conn_id", c.ID, "err", err)
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns maps the allowlist to the host patterns websocket.Accept matches against.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
