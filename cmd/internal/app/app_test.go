package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hearth/cmd/internal/auth/session"
	"hearth/cmd/internal/ratelimit"
	"hearth/cmd/internal/realtime"
	v1 "hearth/shared/contracts/realtime/v1"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, runtimeBaseURL(tc.in))
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ws://127.0.0.1:8080", wsBaseURL("http://127.0.0.1:8080"))
	require.Equal(t, "wss://chat.example.com", wsBaseURL("https://chat.example.com"))
	require.Equal(t, "ws://127.0.0.1:8080", wsBaseURL("127.0.0.1:8080"))
}

// clearEnv blanks every variable the app reads so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HEARTH_ENV", "HEARTH_DATABASE_URL", "HEARTH_DB_APPLY_SCHEMA",
		"HEARTH_PASETO_V4_SECRET_KEY_HEX", "HEARTH_PASETO_V4_PUBLIC_KEY_HEX",
		"HEARTH_AUTH_ISSUER", "HEARTH_AUTH_ACCESS_TTL", "HEARTH_AUTH_CLOCK_SKEW",
		"HEARTH_WS_ORIGIN_REQUIRED", "HEARTH_WS_ALLOWED_ORIGINS", "HEARTH_CORS_ALLOWED_ORIGINS",
		"HEARTH_OPEN_ROOMS", "HEARTH_DEFAULT_ROOM", "HEARTH_RATE_MESSAGES", "HEARTH_RATE_WINDOW",
		"HEARTH_HEARTBEAT_TIMEOUT", "HEARTH_READINESS_REQUIRE_DB",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := LoadConfig()
	require.Equal(t, "development", cfg.Env)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.False(t, cfg.WSOriginRequired)
	require.Equal(t, []string{realtime.DefaultRoom}, cfg.OpenRooms)
	require.Equal(t, realtime.DefaultRoom, cfg.Gateway.DefaultRoom)
	require.Equal(t, 100, cfg.Gateway.RateLimit.Limit(ratelimit.ActionMessage))
	require.Equal(t, realtime.DefaultHeartbeatTimeout, cfg.Gateway.HeartbeatTimeout)
	require.Nil(t, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_ProductionOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEARTH_ENV", "prod")
	t.Setenv("HEARTH_RATE_MESSAGES", "5")
	t.Setenv("HEARTH_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("HEARTH_DEFAULT_ROOM", "lobby")
	t.Setenv("HEARTH_CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")

	cfg := LoadConfig()
	require.Equal(t, "production", cfg.Env)
	require.True(t, cfg.WSOriginRequired)
	require.Equal(t, 5, cfg.Gateway.RateLimit.Limit(ratelimit.ActionMessage))
	require.Equal(t, 60, cfg.Gateway.RateLimit.Limit(ratelimit.ActionTyping))
	require.Equal(t, 45*time.Second, cfg.Gateway.HeartbeatTimeout)
	require.Equal(t, []string{"lobby"}, cfg.OpenRooms)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestEnvHelpers_FallBackOnInvalid(t *testing.T) {
	t.Setenv("HEARTH_X_INT", "-3")
	t.Setenv("HEARTH_X_INT32", "abc")
	t.Setenv("HEARTH_X_DUR", "soon")
	t.Setenv("HEARTH_X_BOOL", "maybe")

	require.Equal(t, 7, EnvInt("HEARTH_X_INT", 7))
	require.EqualValues(t, 9, EnvInt32("HEARTH_X_INT32", 9))
	require.Equal(t, time.Second, EnvDuration("HEARTH_X_DUR", time.Second))
	require.True(t, EnvBool("HEARTH_X_BOOL", true))
	require.Nil(t, EnvCSV("HEARTH_X_UNSET"))
}

type stubPrincipals struct {
	p   session.Principal
	err error
}

func (s stubPrincipals) Authenticate(*http.Request) (session.Principal, error) { return s.p, s.err }

func TestHandshakeAuth_MapsPrincipal(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)

	id, err := handshakeAuth{sessions: stubPrincipals{p: session.Principal{
		UserID: "u1", Username: "ana", SessionID: "s1", DeviceID: "d1",
	}}}.Authenticate(r)
	require.NoError(t, err)
	require.Equal(t, realtime.Identity{UserID: "u1", Username: "ana", SessionID: "s1", DeviceID: "d1"}, id)

	_, err = handshakeAuth{sessions: stubPrincipals{err: session.ErrMissingToken}}.Authenticate(r)
	require.ErrorIs(t, err, realtime.ErrNoCredentials)

	_, err = handshakeAuth{sessions: stubPrincipals{err: session.ErrSessionRevoked}}.Authenticate(r)
	require.ErrorIs(t, err, session.ErrSessionRevoked)
	require.False(t, errors.Is(err, realtime.ErrNoCredentials))
}

func TestNewHandshakeAuth_ProductionNeedsKey(t *testing.T) {
	clearEnv(t)

	_, err := newHandshakeAuth(Config{Env: "production"}, nil, discardLogger())
	require.ErrorIs(t, err, session.ErrConfig)

	auth, err := newHandshakeAuth(Config{Env: "development"}, nil, discardLogger())
	require.NoError(t, err)
	require.Nil(t, auth)
}

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(context.Background(), LoadConfig(), discardLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		a.Gateway().Stop(context.Background())
		srv.Close()
	})
	return a, srv
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(b)
}

func TestApp_HealthReadinessAndMetrics(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEARTH_ENV", "test")

	a, srv := newTestApp(t)

	code, body := getBody(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	code, _ = getBody(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code, "gateway loops not started")

	require.NoError(t, a.Gateway().Start(context.Background()))
	code, _ = getBody(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body = getBody(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "hearth_gateway_connections")
	require.Contains(t, body, "go_goroutines")
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEARTH_READINESS_REQUIRE_DB", "true")

	a, srv := newTestApp(t)
	require.NoError(t, a.Gateway().Start(context.Background()))

	code, body := getBody(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Contains(t, body, "db not configured")
}

func TestApp_AuthenticatedWebSocket(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEARTH_ENV", "test")
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("HEARTH_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())

	_, srv := newTestApp(t)

	scfg, err := session.LoadConfigFromEnv()
	require.NoError(t, err)
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	require.NoError(t, err)
	tok, _, err := tokens.Issue(session.IssueInput{UserID: "u1", SessionID: "s1", Username: "ana"}, time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer " + tok}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env v1.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, v1.EventConnected, env.Event)

	var p v1.ConnectedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, "ana", p.Username)
	require.Equal(t, "s1", p.DeviceID)
	require.True(t, p.Authenticated)

	// A forged token is rejected at the handshake.
	_, res, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": {"Bearer v4.public.forged"}},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
