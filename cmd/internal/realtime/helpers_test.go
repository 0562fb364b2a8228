package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "hearth/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gatewayFixture struct {
	g     *Gateway
	clock *testClock
	store *InMemoryStore
}

func newFixture(t *testing.T, env string, opts ...Option) *gatewayFixture {
	t.Helper()
	clock := newTestClock()
	store := NewInMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	g := NewGateway(discardLogger(), DefaultConfig(env), store, opts...)
	return &gatewayFixture{g: g, clock: clock, store: store}
}

func (f *gatewayFixture) connect(t *testing.T, userID string) *Connection {
	t.Helper()
	return f.connectDevice(t, userID, "")
}

func (f *gatewayFixture) connectDevice(t *testing.T, userID, deviceID string) *Connection {
	t.Helper()
	c := f.g.Connect(context.Background(), ConnectionInfo{
		UserID:   userID,
		Username: userID + "-name",
		DeviceID: deviceID,
	})
	require.NotNil(t, c)
	return c
}

// send dispatches one client event synchronously.
func (f *gatewayFixture) send(t *testing.T, c *Connection, event string, payload any) {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Event: event, ID: "req-" + event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = raw
	}
	f.g.Dispatch(context.Background(), c, env)
}

// drain returns everything queued on c without blocking.
func drain(c *Connection) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Event)
	}
	return out
}

func findEvent(t *testing.T, envs []v1.Envelope, event string) v1.Envelope {
	t.Helper()
	for _, e := range envs {
		if e.Event == event {
			return e
		}
	}
	require.Failf(t, "event not found", "want %q in %v", event, events(envs))
	return v1.Envelope{}
}

func countEvent(envs []v1.Envelope, event string) int {
	n := 0
	for _, e := range envs {
		if e.Event == event {
			n++
		}
	}
	return n
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}

// requireError asserts envs carries the error response for event with code.
func requireError(t *testing.T, envs []v1.Envelope, event, code string) v1.Envelope {
	t.Helper()
	env := findEvent(t, envs, v1.ErrorEventFor(event))
	require.NotNil(t, env.Success)
	require.False(t, *env.Success)
	require.NotNil(t, env.Error)
	require.Equal(t, code, env.Error.Code)
	return env
}
