package receipts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTracker_MarkAsReadIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	in := ReadInput{MessageID: "m1", UserID: "u1", Username: "alice", RoomID: "general", Now: t0}

	first, created, err := tr.MarkAsRead(in)
	require.NoError(t, err)
	require.True(t, created)

	in.Now = t0.Add(time.Minute)
	second, created, err := tr.MarkAsRead(in)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, second, "existing receipt is returned unchanged")

	st := tr.MessageReadStatus("m1")
	require.Equal(t, 1, st.ReadCount)
	require.Equal(t, 1, st.DeliveredCount)
	require.Len(t, st.Readers, 1)
	require.Equal(t, "general", st.RoomID)
}

func TestTracker_MarkAsReadRejectsMissingIDs(t *testing.T) {
	t.Parallel()

	_, _, err := NewTracker().MarkAsRead(ReadInput{MessageID: "m1"})
	require.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestTracker_DeliveredAndReadCounts(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	require.Equal(t, 3, tr.MarkDelivered("m1", "general", []string{"a", "b", "c"}, t0))
	require.Equal(t, 0, tr.MarkDelivered("m1", "general", []string{"a", ""}, t0))

	_, _, _ = tr.MarkAsRead(ReadInput{MessageID: "m1", UserID: "b", Now: t0.Add(2 * time.Second)})
	_, _, _ = tr.MarkAsRead(ReadInput{MessageID: "m1", UserID: "a", Now: t0.Add(time.Second)})
	_, _, _ = tr.MarkAsRead(ReadInput{MessageID: "m1", UserID: "d", Now: t0.Add(3 * time.Second)})

	st := tr.MessageReadStatus("m1")
	require.Equal(t, 3, st.ReadCount)
	require.Equal(t, 4, st.DeliveredCount)
	require.Equal(t, "a", st.Readers[0].UserID)
	require.Equal(t, "b", st.Readers[1].UserID)
	require.True(t, tr.HasRead("m1", "d"))
	require.False(t, tr.HasRead("m1", "c"))
}

func TestTracker_UnknownMessage(t *testing.T) {
	t.Parallel()

	st := NewTracker().MessageReadStatus("nope")
	require.Equal(t, "nope", st.MessageID)
	require.Zero(t, st.ReadCount)
	require.NotNil(t, st.Readers)
}

func TestTracker_Prune(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	_, _, _ = tr.MarkAsRead(ReadInput{MessageID: "old", UserID: "u", Now: t0})
	_, _, _ = tr.MarkAsRead(ReadInput{MessageID: "new", UserID: "u", Now: t0.Add(time.Hour)})

	require.Equal(t, 1, tr.Prune(t0.Add(30*time.Minute)))
	require.Equal(t, 1, tr.Len())
	require.False(t, tr.HasRead("old", "u"))
}
