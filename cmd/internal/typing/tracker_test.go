package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func userIDs(es []Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.UserID)
	}
	return out
}

func TestTracker_StartStop(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Second)
	general := Key{RoomID: "general"}

	require.True(t, tr.Start(general, "a", "alice", t0))
	require.False(t, tr.Start(general, "a", "alice", t0.Add(time.Second)), "refresh is not a new typist")
	require.True(t, tr.Start(general, "b", "bob", t0.Add(2*time.Second)))

	require.Equal(t, []string{"a", "b"}, userIDs(tr.Users(general, t0.Add(2*time.Second))))

	require.True(t, tr.Stop(general, "a"))
	require.False(t, tr.Stop(general, "a"))
	require.Equal(t, []string{"b"}, userIDs(tr.Users(general, t0.Add(2*time.Second))))
}

func TestTracker_ExpiresAfterTimeout(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Second)
	general := Key{RoomID: "general"}
	tr.Start(general, "a", "alice", t0)

	require.Equal(t, []string{"a"}, userIDs(tr.Users(general, t0.Add(5*time.Second))))
	require.Empty(t, tr.Users(general, t0.Add(5*time.Second+time.Millisecond)))
	require.Equal(t, 0, tr.Len(), "lazy sweep drops the empty key")
}

func TestTracker_RefreshExtendsLifetime(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Second)
	k := Key{RoomID: "general"}
	tr.Start(k, "a", "alice", t0)
	tr.Start(k, "a", "alice", t0.Add(4*time.Second))

	require.Len(t, tr.Users(k, t0.Add(8*time.Second)), 1)
}

func TestTracker_ThreadsAreSeparate(t *testing.T) {
	t.Parallel()

	tr := NewTracker(0)
	room := Key{RoomID: "general"}
	thread := Key{RoomID: "general", ThreadID: "t1"}

	tr.Start(room, "a", "alice", t0)
	tr.Start(thread, "b", "bob", t0)

	require.Equal(t, []string{"a"}, userIDs(tr.Users(room, t0)))
	require.Equal(t, []string{"b"}, userIDs(tr.Users(thread, t0)))
	require.Equal(t, []string{"a", "b"}, userIDs(tr.RoomUsers("general", t0)))
}

func TestTracker_CleanupUser(t *testing.T) {
	t.Parallel()

	tr := NewTracker(time.Minute)
	tr.Start(Key{RoomID: "r2"}, "a", "alice", t0)
	tr.Start(Key{RoomID: "r1", ThreadID: "t"}, "a", "alice", t0)
	tr.Start(Key{RoomID: "r1"}, "b", "bob", t0)

	affected := tr.CleanupUser("a")
	require.Equal(t, []Key{{RoomID: "r1", ThreadID: "t"}, {RoomID: "r2"}}, affected)
	require.Empty(t, tr.CleanupUser("a"))
	require.Equal(t, []string{"b"}, userIDs(tr.Users(Key{RoomID: "r1"}, t0)))
}

func TestTracker_CleanupUserInRoom(t *testing.T) {
	t.Parallel()

	tr := NewTracker(time.Minute)
	tr.Start(Key{RoomID: "r1"}, "a", "alice", t0)
	tr.Start(Key{RoomID: "r2"}, "a", "alice", t0)

	require.Equal(t, []Key{{RoomID: "r1"}}, tr.CleanupUserInRoom("a", "r1"))
	require.Len(t, tr.Users(Key{RoomID: "r2"}, t0), 1)
}

func TestTracker_Sweep(t *testing.T) {
	t.Parallel()

	tr := NewTracker(5 * time.Second)
	tr.Start(Key{RoomID: "r1"}, "a", "alice", t0)
	tr.Start(Key{RoomID: "r2"}, "b", "bob", t0.Add(4*time.Second))

	require.Equal(t, []Key{{RoomID: "r1"}}, tr.Sweep(t0.Add(6*time.Second)))
	require.Empty(t, tr.Sweep(t0.Add(6*time.Second)))
	require.Equal(t, 1, tr.Len())
}
