package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrAlreadyRunning is returned by Start when the maintenance loops are active.
var ErrAlreadyRunning = errors.New("gateway already running")

// Start launches the heartbeat, cleanup and typing sweep loops. They stop when ctx
// is cancelled or Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.running = true

	g.every(ctx, "heartbeat", g.cfg.HeartbeatInterval, func(ctx context.Context) { g.SweepStale(ctx) })
	g.every(ctx, "cleanup", g.cfg.CleanupInterval, g.Cleanup)
	g.every(ctx, "typing", g.cfg.TypingSweepInterval, func(ctx context.Context) { g.SweepTyping(ctx) })

	g.log.Info("gateway.start",
		"heartbeat_interval", g.cfg.HeartbeatInterval.String(),
		"heartbeat_timeout", g.cfg.HeartbeatTimeout.String(),
		"cleanup_interval", g.cfg.CleanupInterval.String(),
		"typing_timeout", g.cfg.TypingTimeout.String(),
	)
	return nil
}

// Running reports whether the maintenance loops are active.
func (g *Gateway) Running() bool {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	return g.running
}

// Stop cancels the loops, waits for them, and disconnects every remaining connection.
func (g *Gateway) Stop(ctx context.Context) {
	g.lifeMu.Lock()
	if g.running {
		g.cancel()
		g.running = false
	}
	g.lifeMu.Unlock()

	waited := make(chan struct{})
	go func() {
		g.loops.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		g.log.Warn("gateway.stop.timeout", "err", ctx.Err())
	}

	conns := g.conns.All()
	for _, c := range conns {
		g.Disconnect(context.WithoutCancel(ctx), c.ID, "server shutdown")
	}
	g.log.Info("gateway.stop", "disconnected", len(conns))
}

func (g *Gateway) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	g.loops.Add(1)
	go func() {
		defer g.loops.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.tick(ctx, name, fn)
			}
		}
	}()
}

// tick runs one loop iteration. A panic is logged and the loop keeps going.
func (g *Gateway) tick(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			g.log.Error("gateway.loop.fail", "loop", name, "panic", p)
		}
	}()
	fn(ctx)
}

// SweepStale disconnects connections whose last heartbeat is older than HeartbeatTimeout.
func (g *Gateway) SweepStale(ctx context.Context) int {
	cutoff := g.now().Add(-g.cfg.HeartbeatTimeout)
	stale := g.conns.Stale(cutoff)
	for _, c := range stale {
		g.log.Info("gateway.heartbeat.evict",
			"conn_id", c.ID,
			"user_id", c.UserID,
			"last_heartbeat", c.LastHeartbeat(),
		)
		g.metrics.observeEviction()
		g.Disconnect(ctx, c.ID, "heartbeat timeout")
	}
	return len(stale)
}

// Cleanup prunes idle state across every collaborator.
func (g *Gateway) Cleanup(ctx context.Context) {
	now := g.now()

	rooms := g.rooms.PruneEmpty()
	orphans := g.conns.PruneOrphans()
	batches := g.router.PruneBatches(now.Add(-g.cfg.BatchRetention))
	queued := g.queue.Prune(now)
	windows := g.limiter.Prune(now, func(uid string) bool {
		return g.conns.UserConnectionCount(uid) > 0
	})
	presence := g.presence.Prune(now, g.cfg.PresenceRetention)
	receipts := g.receipts.Prune(now.Add(-g.cfg.ReceiptRetention))
	subs := g.rooms.PruneSubscriptions(now.Add(-g.cfg.SubscriptionRetention))

	g.refreshGauges()
	level := slog.LevelDebug
	if rooms+orphans+batches+queued+windows+presence+receipts+subs > 0 {
		level = slog.LevelInfo
	}
	g.log.Log(ctx, level, "gateway.cleanup",
		"rooms", rooms,
		"orphans", orphans,
		"batches", batches,
		"queued_expired", queued,
		"rate_windows", windows,
		"presence", presence,
		"receipts", receipts,
		"subscriptions", subs,
	)
}

// SweepTyping expires typing indicators and broadcasts the updated typist lists.
func (g *Gateway) SweepTyping(ctx context.Context) int {
	now := g.now()
	keys := g.typing.Sweep(now)
	for _, k := range keys {
		g.broadcastTyping(ctx, k, "", now)
	}
	return len(keys)
}
