package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

// Integration tests run when HEARTH_TEST_DATABASE_URL is set.

func TestPostgresStore_GetByID(t *testing.T) {
	ctx := context.Background()
	pool, schema := mustSessionSchema(ctx, t)
	store, err := NewPostgresStore(pool, schema)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err = pool.Exec(ctx, `INSERT INTO `+schema+`.sessions (id, user_id, created_at, expires_at, revoked_at)
		VALUES ('s-live', 'u1', $1, $2, NULL), ('s-revoked', 'u1', $1, $2, $1)`, now, now.Add(time.Hour))
	require.NoError(t, err)

	row, err := store.GetByID(ctx, "s-live")
	require.NoError(t, err)
	require.Equal(t, "u1", row.UserID)
	require.Nil(t, row.RevokedAt)
	require.NoError(t, row.Check(AccessClaims{UserID: "u1"}, now))

	row, err = store.GetByID(ctx, "s-revoked")
	require.NoError(t, err)
	require.ErrorIs(t, row.Check(AccessClaims{UserID: "u1"}, now), ErrSessionRevoked)

	_, err = store.GetByID(ctx, "s-missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	_, err := NewPostgresStore(&pgxpool.Pool{}, "bad;schema")
	require.ErrorIs(t, err, ErrConfig)
}

func mustSessionSchema(ctx context.Context, t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	dsn := os.Getenv("HEARTH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HEARTH_TEST_DATABASE_URL is not set; skipping Postgres integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		if os.Getenv("CI") != "" {
			t.Fatalf("postgres unreachable in CI: %v", err)
		}
		t.Skipf("postgres unreachable: %v", err)
	}

	schema := "hearth_sess_" + strings.ToLower(ulid.Make().String())
	_, err = pool.Exec(ctx, fmt.Sprintf(`
		CREATE SCHEMA %[1]s;
		CREATE TABLE %[1]s.sessions (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			created_at timestamptz NOT NULL,
			expires_at timestamptz NOT NULL,
			revoked_at timestamptz,
			replaced_by_session_id text
		);`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
	})
	return pool, schema
}
