package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_Allow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewSlidingWindow(3, 10*time.Second)

	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now.Add(1*time.Second)))
	require.True(t, rl.Allow(now.Add(2*time.Second)))
	require.False(t, rl.Allow(now.Add(3*time.Second)))

	// The first event leaves the window after 10s.
	require.True(t, rl.Allow(now.Add(10*time.Second+time.Millisecond)))
}

func TestSlidingWindow_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewSlidingWindow(0, 0)
	require.Equal(t, DefaultFloodEvents, rl.limit)
	require.Equal(t, DefaultFloodWindow, rl.window)
}
