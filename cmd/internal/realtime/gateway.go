// Package realtime contains the Hearth connection gateway, its fan-out router and
// room registry, the WebSocket transport, and the message persistence adapters.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"hearth/cmd/internal/offline"
	"hearth/cmd/internal/presence"
	"hearth/cmd/internal/ratelimit"
	"hearth/cmd/internal/receipts"
	"hearth/cmd/internal/typing"
	v1 "hearth/shared/contracts/realtime/v1"
)

// Gateway orchestrates connection lifecycle, event dispatch and periodic maintenance.
//
// Each collaborator guards its own state. The gateway is the only component that
// crosses boundaries, and it never holds one collaborator's lock while calling another.
type Gateway struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	conns    *ConnectionTable
	rooms    *RoomRegistry
	router   *Router
	presence *presence.Tracker
	typing   *typing.Tracker
	receipts *receipts.Tracker
	queue    *offline.Queue
	limiter  *ratelimit.Limiter
	metrics  *Metrics

	broadcaster  Broadcaster
	messages     MessageService
	receiptStore ReceiptStore
	access       RoomAccess

	startedAt time.Time

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running bool
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func WithMetrics(m *Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithBroadcaster replaces the router used for fan-out. Stats and batches still come from the router.
func WithBroadcaster(b Broadcaster) Option {
	return func(g *Gateway) {
		if b != nil {
			g.broadcaster = b
		}
	}
}

func WithRoomAccess(a RoomAccess) Option {
	return func(g *Gateway) {
		if a != nil {
			g.access = a
		}
	}
}

func WithReceiptStore(s ReceiptStore) Option {
	return func(g *Gateway) {
		if s != nil {
			g.receiptStore = s
		}
	}
}

// NewGateway wires a Gateway. A nil MessageService falls back to the in-memory store.
func NewGateway(log *slog.Logger, cfg Config, messages MessageService, opts ...Option) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if messages == nil {
		messages = NewInMemoryStore()
	}
	cfg = cfg.normalized()

	g := &Gateway{
		log:          log,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		conns:        NewConnectionTable(),
		rooms:        NewRoomRegistry(),
		presence:     presence.NewTracker(),
		typing:       typing.NewTracker(cfg.TypingTimeout),
		receipts:     receipts.NewTracker(),
		queue:        offline.NewQueue(offline.Config{MaxPerUser: cfg.OfflineMaxPerUser, TTL: cfg.OfflineTTL}),
		limiter:      ratelimit.NewLimiter(cfg.RateLimit),
		messages:     messages,
		receiptStore: NopReceiptStore{},
		access:       OpenRoomAccess{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	g.router = NewRouter(log, g.conns, g.rooms, g.queue, g.metrics, RouterConfig{
		DeliveryTimeout:   cfg.DeliveryTimeout,
		MaxBatchesPerRoom: cfg.MaxBatchesPerRoom,
	})
	g.router.now = g.now
	if g.broadcaster == nil {
		g.broadcaster = g.router
	}
	g.startedAt = g.now()
	return g
}

// Accessors for the transport, diagnostics and tests.

func (g *Gateway) Config() Config { return g.cfg }
func (g *Gateway) Connections() *ConnectionTable { return g.conns }
func (g *Gateway) Rooms() *RoomRegistry { return g.rooms }
func (g *Gateway) Router() *Router { return g.router }
func (g *Gateway) Presence() *presence.Tracker { return g.presence }
func (g *Gateway) Typing() *typing.Tracker { return g.typing }
func (g *Gateway) Receipts() *receipts.Tracker { return g.receipts }
func (g *Gateway) OfflineQueue() *offline.Queue { return g.queue }
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }
func (g *Gateway) MessageService() MessageService { return g.messages }

// ---- lifecycle: connect / disconnect ----

// Connect registers a connection and runs the onboarding side effects for authenticated users.
// Individual onboarding failures are logged; the connection stays registered.
func (g *Gateway) Connect(ctx context.Context, info ConnectionInfo) *Connection {
	now := g.now()
	if info.ID == "" {
		info.ID = NewConnectionID(now)
	}
	c := NewConnection(info, g.cfg.SendQueueSize, now)
	g.conns.Add(c)

	g.reply(ctx, c, v1.EventConnected, "", v1.ConnectedPayload{
		ConnectionID:  c.ID,
		UserID:        c.UserID,
		Username:      c.Username,
		DeviceID:      c.DeviceID,
		Authenticated: c.Authenticated(),
		ServerTime:    now,
	})

	if !c.Authenticated() {
		g.log.Info("gateway.connect", "conn_id", c.ID, "authenticated", false, "remote", c.Remote)
		g.refreshGauges()
		return c
	}

	uid := c.UserID
	var wentOnline bool
	g.step("connect.presence", c, func() {
		_, wentOnline = g.presence.SetOnline(presence.OnlineInput{
			UserID:   uid,
			Username: c.Username,
			DeviceID: c.DeviceID,
			Now:      now,
		})
	})

	g.step("connect.ratelimit", c, func() { g.limiter.Init(uid, now) })

	if room := g.cfg.DefaultRoom; room != "" {
		g.step("connect.default_room", c, func() {
			res := g.rooms.Join(room, uid, c.ID, now)
			g.reply(ctx, c, v1.EventJoinedRoom, "", v1.JoinedRoomPayload{
				RoomID:      room,
				Members:     g.rooms.MembersOf(room),
				MemberCount: res.MemberCount,
			})
			if res.UserJoined {
				g.noticeMember(ctx, v1.EventUserJoined, room, c, res.MemberCount, now)
			}
		})
	}

	g.step("connect.offline_queue", c, func() {
		g.queue.Register(uid, g.deliverOffline(uid))
		n, err := g.queue.MarkUserOnline(ctx, uid)
		g.metrics.observeDrained(n)
		if err != nil {
			g.log.Warn("gateway.offline.drain.fail", "conn_id", c.ID, "user_id", uid, "delivered", n, "err", err)
		}
		if n > 0 {
			g.reply(ctx, c, v1.EventOfflineDelivered, "", v1.OfflineDeliveredPayload{Count: n})
		}
	})

	if wentOnline {
		g.step("connect.user_online", c, func() {
			rooms := g.rooms.RoomsOf(uid)
			if len(rooms) == 0 {
				return
			}
			g.broadcast(ctx, Event{
				Name:         v1.EventUserOnline,
				Payload:      g.presencePayload(g.presence.UserPresence(uid)),
				Rooms:        rooms,
				ExcludeUsers: []string{uid},
			})
		})
	}

	g.log.Info("gateway.connect",
		"conn_id", c.ID,
		"user_id", uid,
		"device_id", c.DeviceID,
		"first_device", wentOnline,
		"remote", c.Remote,
	)
	g.refreshGauges()
	return c
}

// Disconnect removes a connection and cleans up after it. Idempotent.
// Each cleanup step is isolated: a failing step is logged and the rest still run.
func (g *Gateway) Disconnect(ctx context.Context, connID, reason string) {
	c, last, ok := g.conns.Remove(connID)
	if !ok {
		return
	}
	c.Close(reason)
	now := g.now()
	uid := c.UserID

	var left []LeaveResult
	g.step("disconnect.rooms", c, func() { left = g.rooms.LeaveAll(c.ID, now) })

	if uid == "" {
		g.log.Info("gateway.disconnect", "conn_id", c.ID, "reason", reason, "authenticated", false)
		g.refreshGauges()
		return
	}

	var wentOffline bool
	g.step("disconnect.presence", c, func() {
		var rec presence.Record
		rec, wentOffline = g.presence.SetOffline(uid, c.DeviceID, now)
		if !wentOffline || !last || len(left) == 0 {
			return
		}
		g.broadcast(ctx, Event{
			Name:         v1.EventUserOffline,
			Payload:      g.presencePayload(rec),
			Rooms:        leaveRoomIDs(left),
			ExcludeUsers: []string{uid},
		})
	})

	if last {
		g.step("disconnect.offline_queue", c, func() {
			g.queue.MarkUserOffline(uid)
			g.queue.Unregister(uid)
		})
	}

	g.step("disconnect.typing", c, func() {
		var keys []typing.Key
		if last {
			keys = g.typing.CleanupUser(uid)
		} else {
			for _, res := range left {
				if res.UserLeft {
					keys = append(keys, g.typing.CleanupUserInRoom(uid, res.RoomID)...)
				}
			}
		}
		for _, k := range keys {
			g.broadcastTyping(ctx, k, "", now)
		}
	})

	g.step("disconnect.user_left", c, func() {
		for _, res := range left {
			if res.UserLeft {
				g.noticeMember(ctx, v1.EventUserLeft, res.RoomID, c, res.MemberCount, now)
			}
		}
	})

	g.log.Info("gateway.disconnect",
		"conn_id", c.ID,
		"user_id", uid,
		"reason", reason,
		"last_device", last,
		"rooms_left", len(left),
	)
	g.refreshGauges()
}

// Touch records transport-level liveness (WebSocket pong).
func (g *Gateway) Touch(c *Connection) {
	if c != nil {
		c.touch(g.now())
	}
}

// ---- dispatch ----

// Dispatch validates and handles one inbound envelope. Errors are answered to the caller only.
func (g *Gateway) Dispatch(ctx context.Context, c *Connection, env v1.Envelope) {
	started := time.Now()
	event := env.Event

	defer func() {
		if p := recover(); p != nil {
			g.log.Error("gateway.handler.panic", "conn_id", c.ID, "event", event, "panic", fmt.Sprint(p))
			g.sendError(ctx, c, event, env.ID, fmt.Errorf("panic in %s handler", event))
		}
	}()

	if err := g.dispatch(ctx, c, env); err != nil {
		g.sendError(ctx, c, event, env.ID, err)
	}
	g.metrics.observeEvent(event, started)
}

func (g *Gateway) dispatch(ctx context.Context, c *Connection, env v1.Envelope) error {
	if err := env.Validate(); err != nil {
		return newError(ErrValidation, err.Error(), nil)
	}
	if env.Event != v1.EventHeartbeat && !c.Authenticated() {
		return newError(ErrAuthenticationRequired, "authentication required", nil)
	}
	cmd, err := v1.Decode(env)
	if err != nil {
		return newError(ErrValidation, err.Error(), nil)
	}
	return g.handle(ctx, c, env.ID, cmd)
}

// ---- send helpers ----

// reply emits a success envelope to one connection. Failures are logged.
func (g *Gateway) reply(ctx context.Context, c *Connection, event, id string, payload any) {
	now := g.now()
	env, err := v1.NewEnvelope(event, id, payload, now)
	if err != nil {
		g.log.Error("gateway.reply.encode.fail", "conn_id", c.ID, "event", event, "err", err)
		return
	}
	if err := c.Emit(ctx, env, g.cfg.DeliveryTimeout); err != nil {
		g.log.Info("gateway.reply.fail", "conn_id", c.ID, "event", event, "err", err)
	}
}

func (g *Gateway) sendError(ctx context.Context, c *Connection, event, id string, err error) {
	code := CodeOf(err)
	g.metrics.observeError(event, code)

	level := slog.LevelInfo
	if code == v1.CodeInternal {
		level = slog.LevelError
	}
	g.log.Log(ctx, level, "gateway.event.fail", "conn_id", c.ID, "user_id", c.UserID, "event", event, "code", code, "err", err)

	env := v1.NewErrorEnvelope(event, code, clientMessage(err), id, g.now())
	if emitErr := c.Emit(ctx, env, g.cfg.DeliveryTimeout); emitErr != nil {
		g.log.Info("gateway.error.emit.fail", "conn_id", c.ID, "event", event, "err", emitErr)
	}
}

// broadcast fans out through the Broadcaster. A router failure falls back to direct emits.
// degraded reports whether any live delivery failed.
func (g *Gateway) broadcast(ctx context.Context, ev Event) (rep DeliveryReport, degraded bool) {
	rep, err := g.broadcaster.Broadcast(ctx, ev)
	if err == nil {
		return rep, rep.Failed > 0
	}
	g.log.Error("broadcast.router.fail", "event", ev.Name, "rooms", ev.Rooms, "err", err)
	return g.directEmit(ctx, ev), true
}

// directEmit writes ev to the known live connections of its rooms and users, bypassing the router.
func (g *Gateway) directEmit(ctx context.Context, ev Event) DeliveryReport {
	now := g.now()
	var rep DeliveryReport

	env, err := v1.NewEnvelope(ev.Name, NewEnvelopeID(now), ev.Payload, now)
	if err != nil {
		g.log.Error("broadcast.fallback.encode.fail", "event", ev.Name, "err", err)
		return rep
	}

	skipConns := toSet(ev.ExcludeConns)
	skipUsers := toSet(ev.ExcludeUsers)
	targets := make(map[string]struct{})
	for _, roomID := range ev.Rooms {
		for _, id := range g.rooms.ConnectionsIn(roomID) {
			targets[id] = struct{}{}
		}
	}
	for _, uid := range ev.Users {
		for _, c := range g.conns.ForUser(uid) {
			targets[c.ID] = struct{}{}
		}
	}

	delivered := make(map[string]struct{})
	for _, id := range sortedKeys(targets) {
		c, ok := g.conns.Get(id)
		if !ok {
			continue
		}
		if _, skip := skipConns[id]; skip {
			continue
		}
		if _, skip := skipUsers[c.UserID]; skip {
			continue
		}
		if err := c.Emit(ctx, env, g.cfg.DeliveryTimeout); err != nil {
			rep.Failed++
			rep.FailedConns = append(rep.FailedConns, id)
			g.log.Warn("broadcast.fallback.emit.fail", "event", ev.Name, "conn_id", id, "err", err)
			continue
		}
		rep.Delivered++
		delivered[c.UserID] = struct{}{}
	}
	rep.DeliveredUsers = sortedKeys(delivered)
	rep.Recipients = len(delivered)
	g.metrics.observeDeliveries(rep.Delivered, rep.Failed, 0)
	return rep
}

func (g *Gateway) broadcastTyping(ctx context.Context, key typing.Key, excludeUser string, now time.Time) {
	ev := Event{
		Name: v1.EventTypingStatus,
		Payload: v1.TypingStatusPayload{
			RoomID:   key.RoomID,
			ThreadID: key.ThreadID,
			Users:    typingUsers(g.typing.Users(key, now)),
		},
		Rooms: []string{key.RoomID},
	}
	if excludeUser != "" {
		ev.ExcludeUsers = []string{excludeUser}
	}
	g.broadcast(ctx, ev)
}

func (g *Gateway) noticeMember(ctx context.Context, event, roomID string, c *Connection, count int, now time.Time) {
	g.broadcast(ctx, Event{
		Name: event,
		Payload: v1.MemberNoticePayload{
			RoomID:      roomID,
			UserID:      c.UserID,
			Username:    c.Username,
			MemberCount: count,
			At:          now,
		},
		Rooms:        []string{roomID},
		ExcludeUsers: []string{c.UserID},
	})
}

// deliverOffline emits a queued message to every live connection of the user.
// It succeeds when at least one connection accepted it.
func (g *Gateway) deliverOffline(userID string) offline.DeliverFunc {
	return func(ctx context.Context, msg offline.Message) error {
		now := g.now()
		env, err := v1.NewEnvelope(msg.Event, NewEnvelopeID(now), msg.Payload, now)
		if err != nil {
			return err
		}
		live := g.conns.ForUser(userID)
		if len(live) == 0 {
			return fmt.Errorf("%w: no live connection", ErrDeliveryFailure)
		}
		var errs []error
		for _, c := range live {
			err := c.Emit(ctx, env, g.cfg.DeliveryTimeout)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
}

// step runs one isolated side effect. Panics are logged and swallowed.
func (g *Gateway) step(name string, c *Connection, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("gateway.step.fail", "step", name, "conn_id", c.ID, "user_id", c.UserID, "panic", fmt.Sprint(p))
		}
	}()
	fn()
}

func (g *Gateway) refreshGauges() {
	if g.metrics == nil {
		return
	}
	total, _ := g.conns.Len()
	g.metrics.setGauges(total, g.presence.OnlineCount(), g.rooms.Stats().Rooms, g.queue.Stats().Messages)
}

// Stats returns the diagnostics snapshot served by getStats.
func (g *Gateway) Stats() v1.StatsPayload {
	total, authed := g.conns.Len()
	q := g.queue.Stats()
	rs := g.router.Stats()
	return v1.StatsPayload{
		Connections:              total,
		AuthenticatedConnections: authed,
		OnlineUsers:              g.presence.OnlineCount(),
		Rooms:                    g.rooms.Stats().Rooms,
		TypingKeys:               g.typing.Len(),
		QueuedMessages:           q.Messages,
		QueuedUsers:              q.Users,
		TrackedReceiptMessages:   g.receipts.Len(),
		RateLimitWindows:         g.limiter.Len(),
		BroadcastsTotal:          rs.Broadcasts,
		DeliveriesTotal:          rs.Deliveries,
		DeliveryFailuresTotal:    rs.Failures,
		QueuedTotal:              rs.Queued,
		StartedAt:                g.startedAt,
		ServerTime:               g.now(),
	}
}

func leaveRoomIDs(rs []LeaveResult) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.RoomID)
	}
	return out
}
