package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewULID_SortsByTime(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := NewULID(t0)
	require.NoError(t, err)
	b, err := NewULID(t0.Add(time.Second))
	require.NoError(t, err)

	require.Len(t, a, 26)
	require.Less(t, a, b)
	require.True(t, Valid(a))
}

func TestNew_ZeroTime(t *testing.T) {
	t.Parallel()

	id := New(time.Time{})
	require.True(t, Valid(id))
	require.False(t, Valid("not-a-ulid"))
}
