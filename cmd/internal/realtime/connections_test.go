package realtime

import (
	"context"
	"testing"
	"time"

	v1 "hearth/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func TestConnection_EmitAndClose(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewConnection(ConnectionInfo{ID: "c1", UserID: "u1"}, 1, now)

	require.Equal(t, "c1", c.DeviceID, "device falls back to connection id")
	require.Equal(t, minSendQueueSize, cap(c.send))

	ctx := context.Background()
	for range minSendQueueSize {
		require.NoError(t, c.Emit(ctx, v1.Envelope{Event: "x"}, 0))
	}
	require.ErrorIs(t, c.Emit(ctx, v1.Envelope{Event: "x"}, 0), ErrDeliveryFailure)
	require.ErrorIs(t, c.Emit(ctx, v1.Envelope{Event: "x"}, time.Millisecond), ErrDeliveryFailure)

	c.Close("first")
	c.Close("second")
	require.True(t, c.Closed())
	require.Equal(t, "first", c.CloseReason())
	require.ErrorIs(t, c.Emit(ctx, v1.Envelope{Event: "x"}, 0), ErrConnectionClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestConnection_EmitWaitsForRoom(t *testing.T) {
	t.Parallel()
	c := NewConnection(ConnectionInfo{ID: "c1"}, minSendQueueSize, time.Now())
	for range minSendQueueSize {
		require.NoError(t, c.Emit(context.Background(), v1.Envelope{}, 0))
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-c.Outbound()
	}()
	require.NoError(t, c.Emit(context.Background(), v1.Envelope{Event: "late"}, 2*time.Second))
}

func TestConnectionTable_IndexesByUser(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl := NewConnectionTable()

	a := NewConnection(ConnectionInfo{ID: "a", UserID: "u1"}, 0, now)
	b := NewConnection(ConnectionInfo{ID: "b", UserID: "u1"}, 0, now.Add(time.Second))
	anon := NewConnection(ConnectionInfo{ID: "z"}, 0, now)

	require.True(t, tbl.Add(a))
	require.False(t, tbl.Add(b))
	require.False(t, tbl.Add(anon))

	total, authed := tbl.Len()
	require.Equal(t, 3, total)
	require.Equal(t, 2, authed)

	got := tbl.ForUser("u1")
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, 2, tbl.UserConnectionCount("u1"))

	_, last, ok := tbl.Remove("a")
	require.True(t, ok)
	require.False(t, last)

	_, last, ok = tbl.Remove("b")
	require.True(t, ok)
	require.True(t, last)

	_, _, ok = tbl.Remove("b")
	require.False(t, ok)
	require.Empty(t, tbl.ForUser("u1"))
}

func TestConnectionTable_Stale(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tbl := NewConnectionTable()
	old := NewConnection(ConnectionInfo{ID: "old", UserID: "u1"}, 0, now)
	fresh := NewConnection(ConnectionInfo{ID: "fresh", UserID: "u2"}, 0, now)
	fresh.touch(now.Add(time.Minute))
	tbl.Add(old)
	tbl.Add(fresh)

	stale := tbl.Stale(now.Add(30 * time.Second))
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].ID)
	require.Zero(t, tbl.PruneOrphans())
}
