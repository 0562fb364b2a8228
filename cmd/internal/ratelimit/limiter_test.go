package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(limit int) Config {
	return Config{
		Window: time.Minute,
		Limits: map[Action]int{
			ActionMessage:  limit,
			ActionTyping:   limit,
			ActionJoinRoom: limit,
		},
	}
}

func TestLimiter_ExactlyNWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(30))

	for i := 0; i < 30; i++ {
		require.True(t, l.Allow("u1", ActionMessage, now.Add(time.Duration(i)*time.Second)), "action %d", i+1)
	}
	require.False(t, l.Allow("u1", ActionMessage, now.Add(40*time.Second)), "31st action must be rejected")
	require.True(t, l.IsLimited("u1", ActionMessage, now.Add(59*time.Second)))

	// Other kinds and other users have their own windows.
	require.True(t, l.Allow("u1", ActionTyping, now))
	require.True(t, l.Allow("u2", ActionMessage, now))
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(2))

	require.True(t, l.Allow("u1", ActionJoinRoom, now))
	require.True(t, l.Allow("u1", ActionJoinRoom, now))
	require.False(t, l.Allow("u1", ActionJoinRoom, now.Add(30*time.Second)))

	later := now.Add(time.Minute)
	require.False(t, l.IsLimited("u1", ActionJoinRoom, later), "first read after expiry resets the window")
	require.True(t, l.Allow("u1", ActionJoinRoom, later))
	require.True(t, l.Allow("u1", ActionJoinRoom, later))
	require.False(t, l.Allow("u1", ActionJoinRoom, later))
}

func TestLimiter_IsLimitedAndIncrementAgree(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(3))

	for i := 0; i < 3; i++ {
		require.False(t, l.IsLimited("u1", ActionMessage, now))
		l.Increment("u1", ActionMessage, now)
	}
	require.True(t, l.IsLimited("u1", ActionMessage, now))

	left, reset := l.Remaining("u1", ActionMessage, now)
	require.Equal(t, 0, left)
	require.Equal(t, now.Add(time.Minute), reset)
}

func TestLimiter_InitKeepsExistingBudget(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(1))

	l.Init("u1", now)
	require.Equal(t, len(Actions), l.Len())
	require.True(t, l.Allow("u1", ActionMessage, now))

	l.Init("u1", now.Add(time.Second))
	require.False(t, l.Allow("u1", ActionMessage, now.Add(2*time.Second)))
}

func TestLimiter_UnlimitedAction(t *testing.T) {
	t.Parallel()

	l := NewLimiter(Config{Window: time.Minute, Limits: map[Action]int{ActionMessage: 1}})
	now := time.Now()
	for i := 0; i < 50; i++ {
		require.True(t, l.Allow("u1", ActionTyping, now))
	}
}

func TestLimiter_Prune(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(testConfig(5))
	l.Init("gone", now)
	l.Init("active", now)

	removed := l.Prune(now.Add(2*time.Minute), func(userID string) bool { return userID == "active" })
	require.Equal(t, len(Actions), removed)
	require.Equal(t, len(Actions), l.Len())
}

func TestDefaultConfig_ProductionIsStricter(t *testing.T) {
	t.Parallel()

	prod := DefaultConfig("production")
	dev := DefaultConfig("development")
	for _, a := range Actions {
		require.Less(t, prod.Limit(a), dev.Limit(a), "action %s", a)
	}
	require.Equal(t, 30, prod.Limit(ActionMessage))
	require.Equal(t, DefaultWindow, DefaultConfig("test").Window)
}
