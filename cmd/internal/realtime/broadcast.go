package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hearth/cmd/internal/offline"
	v1 "hearth/shared/contracts/realtime/v1"
)

const (
	defaultDeliveryTimeout   = time.Second
	defaultMaxBatchesPerRoom = 50
)

var errEmptyEvent = errors.New("realtime: empty event name")

// Event is a logical broadcast target.
//
// Recipients are the members of Rooms plus Users, minus ExcludeUsers. Connections in
// ExcludeConns are skipped without counting the user as offline. When Queueable is set,
// room subscribers without a live connection and users whose every emit failed are handed
// to the offline queue. A subscriber who is connected but not a member of any target room
// gets neither a live delivery nor a queued copy.
type Event struct {
	Name         string
	Payload      any
	Rooms        []string
	Users        []string
	ExcludeUsers []string
	ExcludeConns []string

	Queueable bool
	MessageID string
	Priority  offline.Priority
}

// DeliveryReport summarizes one broadcast.
type DeliveryReport struct {
	Recipients     int
	Delivered      int
	Failed         int
	DeliveredUsers []string
	QueuedUsers    []string
	FailedConns    []string
}

// Broadcaster resolves and delivers events. Implemented by Router.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) (DeliveryReport, error)
}

// Batch records one room broadcast.
type Batch struct {
	ID         string
	Event      string
	At         time.Time
	Recipients int
	Delivered  int
	Failed     int
	Queued     int
}

// RouterStats are cumulative router counters.
type RouterStats struct {
	Broadcasts int64
	Deliveries int64
	Failures   int64
	Queued     int64
}

// RouterConfig tunes a Router.
type RouterConfig struct {
	DeliveryTimeout   time.Duration
	MaxBatchesPerRoom int
}

// Router resolves logical targets to connection deliveries.
type Router struct {
	log     *slog.Logger
	conns   *ConnectionTable
	rooms   *RoomRegistry
	queue   *offline.Queue
	metrics *Metrics
	now     func() time.Time

	timeout    time.Duration
	maxBatches int

	mu      sync.Mutex
	batches map[string][]Batch

	broadcasts atomic.Int64
	deliveries atomic.Int64
	failures   atomic.Int64
	queued     atomic.Int64
}

// NewRouter constructs a Router. queue and metrics may be nil.
func NewRouter(log *slog.Logger, conns *ConnectionTable, rooms *RoomRegistry, queue *offline.Queue, metrics *Metrics, cfg RouterConfig) *Router {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.MaxBatchesPerRoom <= 0 {
		cfg.MaxBatchesPerRoom = defaultMaxBatchesPerRoom
	}
	return &Router{
		log:        log,
		conns:      conns,
		rooms:      rooms,
		queue:      queue,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		timeout:    cfg.DeliveryTimeout,
		maxBatches: cfg.MaxBatchesPerRoom,
		batches:    make(map[string][]Batch),
	}
}

// Broadcast delivers ev. Per-recipient failures are isolated and reported, not returned.
// An error means nothing was attempted.
func (r *Router) Broadcast(ctx context.Context, ev Event) (DeliveryReport, error) {
	if ev.Name == "" {
		return DeliveryReport{}, errEmptyEvent
	}
	now := r.now()
	env, err := v1.NewEnvelope(ev.Name, NewEnvelopeID(now), ev.Payload, now)
	if err != nil {
		return DeliveryReport{}, err
	}

	excludedConns := toSet(ev.ExcludeConns)
	targets := r.resolve(ev)

	rep := DeliveryReport{}
	var offlineUsers []string

	for _, t := range targets {
		uid := t.userID
		live := r.conns.ForUser(uid)
		if len(live) == 0 {
			rep.Recipients++
			if ev.Queueable {
				offlineUsers = append(offlineUsers, uid)
			}
			continue
		}
		if t.subscriberOnly {
			continue
		}
		rep.Recipients++

		attempted, ok := 0, 0
		for _, c := range live {
			if _, skip := excludedConns[c.ID]; skip {
				continue
			}
			attempted++
			if err := c.Emit(ctx, env, r.timeout); err != nil {
				rep.Failed++
				rep.FailedConns = append(rep.FailedConns, c.ID)
				r.log.Warn("broadcast.emit.fail", "event", ev.Name, "user_id", uid, "conn_id", c.ID, "err", err)
				continue
			}
			ok++
		}
		rep.Delivered += ok

		switch {
		case ok > 0:
			rep.DeliveredUsers = append(rep.DeliveredUsers, uid)
		case attempted > 0 && ev.Queueable && r.queue != nil:
			r.queue.Enqueue(uid, r.queuedMessage(ev, env, now))
			rep.QueuedUsers = append(rep.QueuedUsers, uid)
		}
	}

	if len(offlineUsers) > 0 && r.queue != nil {
		msg := r.queuedMessage(ev, env, now)
		queued := toSet(r.queue.QueueMessage(msg, offlineUsers...))
		for _, uid := range offlineUsers {
			if _, ok := queued[uid]; !ok {
				// Still flagged online by the queue while between connections.
				r.queue.Enqueue(uid, msg)
			}
			rep.QueuedUsers = append(rep.QueuedUsers, uid)
		}
	}
	sort.Strings(rep.QueuedUsers)

	r.broadcasts.Add(1)
	r.deliveries.Add(int64(rep.Delivered))
	r.failures.Add(int64(rep.Failed))
	r.queued.Add(int64(len(rep.QueuedUsers)))
	r.metrics.observeDeliveries(rep.Delivered, rep.Failed, len(rep.QueuedUsers))

	for _, roomID := range ev.Rooms {
		r.record(roomID, Batch{
			ID:         env.ID,
			Event:      ev.Name,
			At:         now,
			Recipients: rep.Recipients,
			Delivered:  rep.Delivered,
			Failed:     rep.Failed,
			Queued:     len(rep.QueuedUsers),
		})
	}

	r.log.Debug("broadcast.done",
		"event", ev.Name,
		"rooms", ev.Rooms,
		"recipients", rep.Recipients,
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"queued", len(rep.QueuedUsers),
	)
	return rep, nil
}

// SendToRoom broadcasts to a room's live members.
func (r *Router) SendToRoom(ctx context.Context, roomID, name string, payload any, excludeUserIDs ...string) (DeliveryReport, error) {
	return r.Broadcast(ctx, Event{Name: name, Payload: payload, Rooms: []string{roomID}, ExcludeUsers: excludeUserIDs})
}

// SendToUser broadcasts to every live connection of one user.
func (r *Router) SendToUser(ctx context.Context, userID, name string, payload any) (DeliveryReport, error) {
	return r.Broadcast(ctx, Event{Name: name, Payload: payload, Users: []string{userID}})
}

// SendToConnection emits directly to one connection.
func (r *Router) SendToConnection(ctx context.Context, connID, name string, payload any) error {
	c, ok := r.conns.Get(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", ErrConnectionClosed, connID)
	}
	now := r.now()
	env, err := v1.NewEnvelope(name, NewEnvelopeID(now), payload, now)
	if err != nil {
		return err
	}
	return c.Emit(ctx, env, r.timeout)
}

// RecentBatches returns the recorded broadcasts of a room, oldest first.
func (r *Router) RecentBatches(roomID string) []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches[roomID]...)
}

// PruneBatches drops batches recorded before cutoff.
func (r *Router) PruneBatches(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for roomID, bs := range r.batches {
		i := sort.Search(len(bs), func(i int) bool { return !bs[i].At.Before(before) })
		removed += i
		if i == len(bs) {
			delete(r.batches, roomID)
			continue
		}
		r.batches[roomID] = append([]Batch(nil), bs[i:]...)
	}
	return removed
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Broadcasts: r.broadcasts.Load(),
		Deliveries: r.deliveries.Load(),
		Failures:   r.failures.Load(),
		Queued:     r.queued.Load(),
	}
}

// target is one resolved recipient. subscriberOnly marks users reached through a
// room subscription while holding no live connection in any target room.
type target struct {
	userID         string
	subscriberOnly bool
}

func (r *Router) resolve(ev Event) []target {
	excluded := toSet(ev.ExcludeUsers)
	index := make(map[string]int)
	var out []target

	add := func(uid string, subscriberOnly bool) {
		if uid == "" {
			return
		}
		if _, skip := excluded[uid]; skip {
			return
		}
		if i, dup := index[uid]; dup {
			if !subscriberOnly {
				out[i].subscriberOnly = false
			}
			return
		}
		index[uid] = len(out)
		out = append(out, target{userID: uid, subscriberOnly: subscriberOnly})
	}

	for _, roomID := range ev.Rooms {
		members := r.rooms.MembersOf(roomID)
		for _, uid := range members {
			add(uid, false)
		}
		if !ev.Queueable {
			continue
		}
		isMember := toSet(members)
		for _, uid := range r.rooms.SubscribersOf(roomID) {
			if _, ok := isMember[uid]; !ok {
				add(uid, true)
			}
		}
	}
	for _, uid := range ev.Users {
		add(uid, false)
	}
	return out
}

func (r *Router) queuedMessage(ev Event, env v1.Envelope, now time.Time) offline.Message {
	roomID := ""
	if len(ev.Rooms) > 0 {
		roomID = ev.Rooms[0]
	}
	id := ev.MessageID
	if id == "" {
		id = env.ID
	}
	return offline.Message{
		MessageID:  id,
		RoomID:     roomID,
		Event:      ev.Name,
		Payload:    env.Payload,
		Priority:   ev.Priority,
		EnqueuedAt: now,
	}
}

func (r *Router) record(roomID string, b Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bs := append(r.batches[roomID], b)
	if len(bs) > r.maxBatches {
		bs = bs[len(bs)-r.maxBatches:]
	}
	r.batches[roomID] = bs
}

func toSet(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}
