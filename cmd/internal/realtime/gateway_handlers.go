package realtime

import (
	"context"
	"fmt"
	"time"

	"hearth/cmd/internal/offline"
	"hearth/cmd/internal/presence"
	"hearth/cmd/internal/ratelimit"
	"hearth/cmd/internal/receipts"
	"hearth/cmd/internal/typing"
	v1 "hearth/shared/contracts/realtime/v1"
)

func (g *Gateway) handle(ctx context.Context, c *Connection, id string, cmd v1.Command) error {
	now := g.now()
	switch p := cmd.(type) {
	case *v1.JoinRoomPayload:
		return g.onJoinRoom(ctx, c, id, p, now)
	case *v1.LeaveRoomPayload:
		return g.onLeaveRoom(ctx, c, id, p, now)
	case *v1.SendMessagePayload:
		return g.onSendMessage(ctx, c, id, p, now)
	case *v1.TypingPayload:
		return g.onTyping(ctx, c, id, p, now)
	case *v1.MessageReadPayload:
		return g.onMessageRead(ctx, c, id, p, now)
	case *v1.HeartbeatPayload:
		return g.onHeartbeat(ctx, c, id, now)
	case *v1.UpdatePresencePayload:
		return g.onUpdatePresence(ctx, c, id, p, now)
	case *v1.GetRoomStatsPayload:
		return g.onGetRoomStats(ctx, c, id, p, now)
	case *v1.GetPresencePayload:
		return g.onGetPresence(ctx, c, id, p)
	case *v1.GetStatsPayload:
		g.reply(ctx, c, v1.EventStats, id, g.Stats())
		return nil
	case *v1.GetQueuedMessagesPayload:
		return g.onGetQueuedMessages(ctx, c, id, now)
	case *v1.GetReadStatusPayload:
		return g.onGetReadStatus(ctx, c, id, p)
	case *v1.GetHistoryPayload:
		return g.onGetHistory(ctx, c, id, p)
	default:
		return newError(ErrValidation, fmt.Sprintf("unsupported event: %s", cmd.Event()), nil)
	}
}

// ---- rooms ----

func (g *Gateway) onJoinRoom(ctx context.Context, c *Connection, id string, p *v1.JoinRoomPayload, now time.Time) error {
	if !g.limiter.Allow(c.UserID, ratelimit.ActionJoinRoom, now) {
		g.metrics.observeRateLimited(string(ratelimit.ActionJoinRoom))
		return newError(ErrRateLimitExceeded, "too many room joins", nil)
	}

	ok, err := g.access.CanJoin(ctx, c.UserID, p.RoomID)
	if err != nil {
		return fmt.Errorf("room access %s: %w", p.RoomID, err)
	}
	if !ok {
		return newError(ErrNotFound, "room not found", nil)
	}

	res := g.rooms.Join(p.RoomID, c.UserID, c.ID, now)
	g.reply(ctx, c, v1.EventJoinedRoom, id, v1.JoinedRoomPayload{
		RoomID:      p.RoomID,
		Members:     g.rooms.MembersOf(p.RoomID),
		MemberCount: res.MemberCount,
	})
	if res.UserJoined {
		g.noticeMember(ctx, v1.EventUserJoined, p.RoomID, c, res.MemberCount, now)
	}

	g.log.Info("gateway.room.join", "conn_id", c.ID, "user_id", c.UserID, "room_id", p.RoomID, "members", res.MemberCount)
	g.refreshGauges()
	return nil
}

func (g *Gateway) onLeaveRoom(ctx context.Context, c *Connection, id string, p *v1.LeaveRoomPayload, now time.Time) error {
	if !g.rooms.InRoom(p.RoomID, c.ID) {
		// A subscription left over from an earlier connection can still be ended.
		if !g.rooms.Unsubscribe(p.RoomID, c.UserID) {
			return newError(ErrNotFound, "not in room", nil)
		}
		info, _ := g.rooms.Info(p.RoomID)
		g.reply(ctx, c, v1.EventLeftRoom, id, v1.LeftRoomPayload{RoomID: p.RoomID, MemberCount: info.MemberCount})
		g.log.Info("gateway.room.unsubscribe", "conn_id", c.ID, "user_id", c.UserID, "room_id", p.RoomID)
		return nil
	}

	res := g.rooms.Leave(p.RoomID, c.UserID, c.ID, now)
	g.reply(ctx, c, v1.EventLeftRoom, id, v1.LeftRoomPayload{
		RoomID:      p.RoomID,
		MemberCount: res.MemberCount,
	})

	if res.UserLeft {
		for _, k := range g.typing.CleanupUserInRoom(c.UserID, p.RoomID) {
			g.broadcastTyping(ctx, k, "", now)
		}
		g.noticeMember(ctx, v1.EventUserLeft, p.RoomID, c, res.MemberCount, now)
	}

	g.log.Info("gateway.room.leave", "conn_id", c.ID, "user_id", c.UserID, "room_id", p.RoomID, "members", res.MemberCount)
	g.refreshGauges()
	return nil
}

// ---- messages ----

func (g *Gateway) onSendMessage(ctx context.Context, c *Connection, id string, p *v1.SendMessagePayload, now time.Time) error {
	if !g.rooms.IsMember(p.RoomID, c.UserID) {
		return newError(ErrValidation, "not a member of room", nil)
	}
	if !g.limiter.Allow(c.UserID, ratelimit.ActionMessage, now) {
		g.metrics.observeRateLimited(string(ratelimit.ActionMessage))
		return newError(ErrRateLimitExceeded, "too many messages", nil)
	}

	clientMsgID := p.ClientMsgID
	if clientMsgID == "" {
		clientMsgID = NewServerMsgID(now)
	}

	res, err := g.messages.CreateMessage(ctx, CreateMessageInput{
		RoomID:      p.RoomID,
		ThreadID:    p.ThreadID,
		ClientMsgID: clientMsgID,
		SenderID:    c.UserID,
		SenderName:  c.Username,
		Content:     p.Content,
		Type:        p.Type,
		Now:         now,
	})
	if err != nil {
		return newError(ErrPersistenceFailure, "failed to persist message", err)
	}

	msg := messagePayload(res.Message)
	g.reply(ctx, c, v1.EventMessageSent, id, v1.MessageSentPayload{Message: msg, Duplicated: res.Duplicated})
	if res.Duplicated {
		return nil
	}

	rep, degraded := g.broadcast(ctx, Event{
		Name:         v1.EventNewMessage,
		Payload:      msg,
		Rooms:        []string{p.RoomID},
		ExcludeConns: []string{c.ID},
		Queueable:    true,
		MessageID:    msg.MessageID,
		Priority:     offline.ParsePriority(p.Priority),
	})
	g.receipts.MarkDelivered(msg.MessageID, p.RoomID, rep.DeliveredUsers, now)

	if degraded {
		g.reply(ctx, c, v1.EventDeliveryDegraded, id, v1.DeliveryDegradedPayload{
			MessageID: msg.MessageID,
			RoomID:    p.RoomID,
			Code:      v1.CodeDeliveryFailure,
			Reason:    fmt.Sprintf("%d live deliveries failed", rep.Failed),
		})
	}

	key := typing.Key{RoomID: p.RoomID, ThreadID: p.ThreadID}
	if g.typing.Stop(key, c.UserID) {
		g.broadcastTyping(ctx, key, c.UserID, now)
	}
	g.presence.UpdateActivity(c.UserID, presence.ActivityMessage, now)
	g.rooms.Touch(p.RoomID, now)

	g.log.Info("gateway.message.sent",
		"conn_id", c.ID,
		"user_id", c.UserID,
		"room_id", p.RoomID,
		"message_id", msg.MessageID,
		"seq", msg.Seq,
		"delivered", rep.Delivered,
		"failed", rep.Failed,
		"queued", len(rep.QueuedUsers),
	)
	return nil
}

// ---- typing ----

func (g *Gateway) onTyping(ctx context.Context, c *Connection, id string, p *v1.TypingPayload, now time.Time) error {
	if !g.rooms.IsMember(p.RoomID, c.UserID) {
		return newError(ErrValidation, "not a member of room", nil)
	}
	if !g.limiter.Allow(c.UserID, ratelimit.ActionTyping, now) {
		g.metrics.observeRateLimited(string(ratelimit.ActionTyping))
		g.log.Debug("gateway.typing.dropped", "conn_id", c.ID, "user_id", c.UserID, "room_id", p.RoomID)
		return nil
	}

	key := typing.Key{RoomID: p.RoomID, ThreadID: p.ThreadID}
	if p.IsTyping {
		g.typing.Start(key, c.UserID, c.Username, now)
	} else {
		g.typing.Stop(key, c.UserID)
	}
	g.presence.UpdateActivity(c.UserID, presence.ActivityTyping, now)

	g.reply(ctx, c, v1.EventTypingUpdated, id, v1.TypingUpdatedPayload{
		RoomID:   p.RoomID,
		ThreadID: p.ThreadID,
		IsTyping: p.IsTyping,
	})
	g.broadcastTyping(ctx, key, c.UserID, now)
	return nil
}

// ---- receipts ----

func (g *Gateway) onMessageRead(ctx context.Context, c *Connection, id string, p *v1.MessageReadPayload, now time.Time) error {
	if !g.rooms.IsMember(p.RoomID, c.UserID) {
		return newError(ErrValidation, "not a member of room", nil)
	}

	r, created, err := g.receipts.MarkAsRead(receipts.ReadInput{
		MessageID:    p.MessageID,
		UserID:       c.UserID,
		Username:     c.Username,
		RoomID:       p.RoomID,
		ThreadID:     p.ThreadID,
		ConnectionID: c.ID,
		Now:          now,
	})
	if err != nil {
		return newError(ErrValidation, err.Error(), nil)
	}

	if created {
		if err := g.receiptStore.SaveReceipt(ctx, ReceiptRecord{
			MessageID:    r.MessageID,
			RoomID:       r.RoomID,
			ThreadID:     r.ThreadID,
			UserID:       r.UserID,
			ConnectionID: r.ConnectionID,
			ReadAt:       r.ReadAt,
		}); err != nil {
			g.log.Warn("gateway.receipt.persist.fail", "message_id", r.MessageID, "user_id", r.UserID, "err", err)
		}
	}
	g.presence.UpdateActivity(c.UserID, presence.ActivityRead, now)

	status := g.receipts.MessageReadStatus(p.MessageID)
	g.reply(ctx, c, v1.EventMessageRead, id, v1.MessageReadAckPayload{
		Receipt:     receiptPayload(r),
		Status:      readStatusPayload(status),
		AlreadyRead: !created,
	})
	if !created {
		return nil
	}

	g.broadcast(ctx, Event{
		Name: v1.EventMessageReadUpdate,
		Payload: v1.MessageReadUpdatePayload{
			MessageID:      r.MessageID,
			RoomID:         r.RoomID,
			ThreadID:       r.ThreadID,
			UserID:         r.UserID,
			Username:       r.Username,
			ReadAt:         r.ReadAt,
			ReadCount:      status.ReadCount,
			DeliveredCount: status.DeliveredCount,
		},
		Rooms:        []string{p.RoomID},
		ExcludeUsers: []string{c.UserID},
	})
	return nil
}

// ---- presence ----

func (g *Gateway) onHeartbeat(ctx context.Context, c *Connection, id string, now time.Time) error {
	c.touch(now)
	if c.Authenticated() {
		g.presence.UpdateActivity(c.UserID, presence.ActivityHeartbeat, now)
	}
	g.reply(ctx, c, v1.EventHeartbeatResponse, id, v1.HeartbeatResponsePayload{
		ConnectionID: c.ID,
		ServerTime:   now,
	})
	return nil
}

func (g *Gateway) onUpdatePresence(ctx context.Context, c *Connection, id string, p *v1.UpdatePresencePayload, now time.Time) error {
	status, ok := presence.ParseStatus(p.Status)
	if !ok {
		return newError(ErrValidation, "unknown status", nil)
	}
	rec, ok := g.presence.SetStatus(c.UserID, status, p.CustomStatus, now)
	if !ok {
		return newError(ErrNotFound, "no active presence", nil)
	}

	payload := g.presencePayload(rec)
	g.reply(ctx, c, v1.EventPresenceUpdated, id, payload)

	if rooms := g.rooms.RoomsOf(c.UserID); len(rooms) > 0 {
		g.broadcast(ctx, Event{
			Name:         v1.EventUserStatusChanged,
			Payload:      payload,
			Rooms:        rooms,
			ExcludeUsers: []string{c.UserID},
		})
	}
	return nil
}

// ---- queries ----

func (g *Gateway) onGetRoomStats(ctx context.Context, c *Connection, id string, p *v1.GetRoomStatsPayload, now time.Time) error {
	info, ok := g.rooms.Info(p.RoomID)
	if !ok {
		return newError(ErrNotFound, "room not found", nil)
	}

	out := v1.RoomStatsPayload{
		RoomID:          info.ID,
		MemberCount:     info.MemberCount,
		ConnectionCount: info.ConnectionCount,
		Members:         info.Members,
		CreatedAt:       info.CreatedAt,
		LastActivity:    info.LastActivity,
		TypingUsers:     typingUsers(g.typing.RoomUsers(p.RoomID, now)),
	}
	batches := g.router.RecentBatches(p.RoomID)
	out.RecentBroadcasts = len(batches)
	if n := len(batches); n > 0 {
		at := batches[n-1].At
		out.LastBroadcastAt = &at
	}

	g.reply(ctx, c, v1.EventRoomStats, id, out)
	return nil
}

func (g *Gateway) onGetPresence(ctx context.Context, c *Connection, id string, p *v1.GetPresencePayload) error {
	var recs []presence.Record
	if len(p.UserIDs) == 0 {
		recs = g.presence.OnlineUsers()
	} else {
		for _, uid := range p.UserIDs {
			recs = append(recs, g.presence.UserPresence(uid))
		}
	}

	users := make([]v1.PresencePayload, 0, len(recs))
	for _, r := range recs {
		users = append(users, g.presencePayload(r))
	}
	g.reply(ctx, c, v1.EventPresenceStatus, id, v1.PresenceStatusPayload{Users: users})
	return nil
}

func (g *Gateway) onGetQueuedMessages(ctx context.Context, c *Connection, id string, now time.Time) error {
	info := g.queue.UserQueueInfo(c.UserID, now)
	msgs := g.queue.Messages(c.UserID)

	out := v1.QueuedMessagesPayload{
		Info: v1.QueueInfoPayload{
			UserID:      info.UserID,
			Size:        info.Size,
			Online:      info.Online,
			OldestAgeMS: info.OldestAge.Milliseconds(),
			ByPriority:  info.ByPriority,
		},
		Messages: make([]v1.QueuedMessagePayload, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, v1.QueuedMessagePayload{
			MessageID:  m.MessageID,
			RoomID:     m.RoomID,
			Event:      m.Event,
			Priority:   m.Priority.String(),
			EnqueuedAt: m.EnqueuedAt,
		})
	}
	g.reply(ctx, c, v1.EventQueuedMessages, id, out)
	return nil
}

func (g *Gateway) onGetReadStatus(ctx context.Context, c *Connection, id string, p *v1.GetReadStatusPayload) error {
	status := g.receipts.MessageReadStatus(p.MessageID)
	if status.ReadCount == 0 && status.DeliveredCount == 0 {
		return newError(ErrNotFound, "message not found", nil)
	}
	g.reply(ctx, c, v1.EventReadStatus, id, readStatusPayload(status))
	return nil
}

func (g *Gateway) onGetHistory(ctx context.Context, c *Connection, id string, p *v1.GetHistoryPayload) error {
	if !g.rooms.IsMember(p.RoomID, c.UserID) {
		return newError(ErrValidation, "not a member of room", nil)
	}

	res, err := g.messages.FetchHistory(ctx, FetchHistoryInput{
		RoomID:   p.RoomID,
		AfterSeq: p.AfterSeq,
		Limit:    clampHistoryLimit(p.Limit),
	})
	if err != nil {
		return newError(ErrPersistenceFailure, "failed to load history", err)
	}

	msgs := make([]v1.MessagePayload, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, messagePayload(m))
	}
	g.reply(ctx, c, v1.EventHistory, id, v1.HistoryPayload{
		RoomID:   p.RoomID,
		Messages: msgs,
		HasMore:  res.HasMore,
	})
	return nil
}

// ---- payload mapping ----

func messagePayload(m PersistedMessage) v1.MessagePayload {
	return v1.MessagePayload{
		MessageID:   m.MessageID,
		ClientMsgID: m.ClientMsgID,
		RoomID:      m.RoomID,
		ThreadID:    m.ThreadID,
		Seq:         m.Seq,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Content:     m.Content,
		Type:        m.Type,
		CreatedAt:   m.CreatedAt,
	}
}

func typingUsers(es []typing.Entry) []v1.TypingUser {
	out := make([]v1.TypingUser, 0, len(es))
	for _, e := range es {
		out = append(out, v1.TypingUser{UserID: e.UserID, Username: e.Username, StartedAt: e.StartedAt})
	}
	return out
}

func receiptPayload(r receipts.Receipt) v1.ReadReceiptPayload {
	return v1.ReadReceiptPayload{
		MessageID: r.MessageID,
		UserID:    r.UserID,
		Username:  r.Username,
		RoomID:    r.RoomID,
		ThreadID:  r.ThreadID,
		ReadAt:    r.ReadAt,
	}
}

func readStatusPayload(s receipts.Status) v1.ReadStatusPayload {
	readers := make([]v1.ReadReceiptPayload, 0, len(s.Readers))
	for _, r := range s.Readers {
		readers = append(readers, receiptPayload(r))
	}
	return v1.ReadStatusPayload{
		MessageID:      s.MessageID,
		RoomID:         s.RoomID,
		ReadCount:      s.ReadCount,
		DeliveredCount: s.DeliveredCount,
		Readers:        readers,
	}
}

func (g *Gateway) presencePayload(r presence.Record) v1.PresencePayload {
	return v1.PresencePayload{
		UserID:           r.UserID,
		Username:         r.Username,
		Status:           string(r.Status),
		CustomStatus:     r.CustomStatus,
		Online:           r.Online(),
		Devices:          len(r.Devices),
		LastActivity:     r.LastActivity,
		LastActivityKind: r.LastActivityKind,
	}
}
