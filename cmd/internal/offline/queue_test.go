package offline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, p Priority, at time.Time) Message {
	return Message{MessageID: id, RoomID: "general", Event: "newMessage", Priority: p, EnqueuedAt: at}
}

func ids(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.MessageID)
	}
	return out
}

type recorder struct {
	got    []Message
	failAt int
}

func (r *recorder) deliver(_ context.Context, m Message) error {
	if r.failAt > 0 && len(r.got)+1 == r.failAt {
		return errors.New("socket gone")
	}
	r.got = append(r.got, m)
	return nil
}

func TestQueue_DrainsInPriorityOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	q.QueueMessage(msg("n1", PriorityNormal, t0), "a")
	q.QueueMessage(msg("l1", PriorityLow, t0.Add(time.Second)), "a")
	q.QueueMessage(msg("h1", PriorityHigh, t0.Add(2*time.Second)), "a")
	q.QueueMessage(msg("n2", PriorityNormal, t0.Add(3*time.Second)), "a")

	rec := &recorder{}
	q.Register("a", rec.deliver)

	n, err := q.MarkUserOnline(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []string{"h1", "n1", "n2", "l1"}, ids(rec.got))
	require.Empty(t, q.Messages("a"))
}

func TestQueue_EmptyDrainIsNoop(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	rec := &recorder{}
	q.Register("a", rec.deliver)

	n, err := q.MarkUserOnline(context.Background(), "a")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, rec.got)
	require.True(t, q.IsOnline("a"))
}

func TestQueue_SkipsOnlineTargets(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	q.Register("online", (&recorder{}).deliver)
	_, err := q.MarkUserOnline(context.Background(), "online")
	require.NoError(t, err)

	queued := q.QueueMessage(msg("m", PriorityNormal, t0), "online", "offline", "")
	require.Equal(t, []string{"offline"}, queued)

	q.Enqueue("online", msg("forced", PriorityNormal, t0))
	require.Equal(t, []string{"forced"}, ids(q.Messages("online")))
}

func TestQueue_FailureSurfacesAndKeepsRemainder(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	q.QueueMessage(msg("h1", PriorityHigh, t0), "a")
	q.QueueMessage(msg("n1", PriorityNormal, t0), "a")
	q.QueueMessage(msg("l1", PriorityLow, t0), "a")

	rec := &recorder{failAt: 2}
	q.Register("a", rec.deliver)

	n, err := q.MarkUserOnline(context.Background(), "a")
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"h1"}, ids(rec.got))
	require.Equal(t, []string{"n1", "l1"}, ids(q.Messages("a")))

	rec.failAt = 0
	n, err = q.MarkUserOnline(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"h1", "n1", "l1"}, ids(rec.got))
}

func TestQueue_NoDelivererKeepsMessages(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{})
	q.QueueMessage(msg("m", PriorityNormal, t0), "a")

	_, err := q.MarkUserOnline(context.Background(), "a")
	require.ErrorIs(t, err, ErrNoDeliverer)
	require.Len(t, q.Messages("a"), 1)
}

func TestQueue_CapEvictsOldestLowest(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{MaxPerUser: 3})
	q.QueueMessage(msg("h1", PriorityHigh, t0), "a")
	q.QueueMessage(msg("l1", PriorityLow, t0), "a")
	q.QueueMessage(msg("l2", PriorityLow, t0), "a")
	q.QueueMessage(msg("n1", PriorityNormal, t0), "a")

	require.Equal(t, []string{"h1", "n1", "l2"}, ids(q.Messages("a")))
	require.Equal(t, int64(1), q.Stats().Evicted)
}

func TestQueue_FailedDrainRespectsCap(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{MaxPerUser: 3})
	q.QueueMessage(msg("h1", PriorityHigh, t0), "a")
	q.QueueMessage(msg("n1", PriorityNormal, t0), "a")
	q.QueueMessage(msg("l1", PriorityLow, t0), "a")

	// Messages arriving while the drain is in flight land behind the requeued remainder.
	q.Register("a", func(context.Context, Message) error {
		q.Enqueue("a", msg("n2", PriorityNormal, t0.Add(time.Second)))
		q.Enqueue("a", msg("n3", PriorityNormal, t0.Add(2*time.Second)))
		return errors.New("socket gone")
	})

	n, err := q.MarkUserOnline(context.Background(), "a")
	require.Error(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{"h1", "n2", "n3"}, ids(q.Messages("a")))
	require.Equal(t, int64(2), q.Stats().Evicted)
}

func TestQueue_InfoAndPrune(t *testing.T) {
	t.Parallel()

	q := NewQueue(Config{TTL: time.Hour})
	q.QueueMessage(msg("old", PriorityLow, t0), "a")
	q.QueueMessage(msg("new", PriorityHigh, t0.Add(50*time.Minute)), "a")

	info := q.UserQueueInfo("a", t0.Add(55*time.Minute))
	require.Equal(t, 2, info.Size)
	require.False(t, info.Online)
	require.Equal(t, 55*time.Minute, info.OldestAge)
	require.Equal(t, map[string]int{"high": 1, "normal": 0, "low": 1}, info.ByPriority)

	require.Equal(t, 1, q.Prune(t0.Add(61*time.Minute)))
	require.Equal(t, []string{"new"}, ids(q.Messages("a")))

	require.Equal(t, 1, q.Prune(t0.Add(3*time.Hour)))
	st := q.Stats()
	require.Zero(t, st.Users)
	require.Equal(t, int64(2), st.Expired)
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	require.Equal(t, PriorityHigh, ParsePriority("HIGH"))
	require.Equal(t, PriorityLow, ParsePriority("low"))
	require.Equal(t, PriorityNormal, ParsePriority(""))
	require.Equal(t, PriorityNormal, ParsePriority("urgent"))
	require.Equal(t, "normal", Priority(9).String())
}
