package realtime

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

// Integration tests run when HEARTH_TEST_DATABASE_URL is set.

func TestPostgresStore_Create_Dedupe_NoSeqWaste(t *testing.T) {
	pool, schema := mustTestSchema(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	in := CreateMessageInput{
		RoomID:      "general",
		ClientMsgID: "c-1",
		SenderID:    "u1",
		SenderName:  "ana",
		Content:     "hello",
		Type:        "text",
		Now:         now,
	}
	first, err := st.CreateMessage(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Duplicated)
	require.EqualValues(t, 1, first.Message.Seq)

	again, err := st.CreateMessage(ctx, in)
	require.NoError(t, err)
	require.True(t, again.Duplicated)
	require.Equal(t, first.Message.MessageID, again.Message.MessageID)

	in.ClientMsgID = "c-2"
	second, err := st.CreateMessage(ctx, in)
	require.NoError(t, err)
	require.EqualValues(t, 2, second.Message.Seq, "duplicate must not consume a seq")

	require.Equal(t, 2, countRows(t, pool, schema, "messages", "general"))
}

func TestPostgresStore_History_Order_AfterSeq_HasMore(t *testing.T) {
	pool, schema := mustTestSchema(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := st.CreateMessage(ctx, CreateMessageInput{
			RoomID:      "r1",
			ClientMsgID: fmt.Sprintf("c-%d", i),
			SenderID:    "u1",
			Content:     fmt.Sprintf("m%d", i),
			Type:        "text",
		})
		require.NoError(t, err)
	}

	res, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: "r1", Limit: 3})
	require.NoError(t, err)
	require.True(t, res.HasMore)
	require.Equal(t, []int64{1, 2, 3}, seqsOf(res.Messages))

	after := int64(3)
	res, err = st.FetchHistory(ctx, FetchHistoryInput{RoomID: "r1", AfterSeq: &after, Limit: 3})
	require.NoError(t, err)
	require.False(t, res.HasMore)
	require.Equal(t, []int64{4, 5}, seqsOf(res.Messages))
	require.Equal(t, "m5", res.Messages[1].Content)
}

func TestPostgresStore_ConcurrentCreate_StrictSeq_NoGaps(t *testing.T) {
	pool, schema := mustTestSchema(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	const n = 40
	ctx := context.Background()
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CreateMessage(ctx, CreateMessageInput{
				RoomID:      "busy",
				ClientMsgID: fmt.Sprintf("c-%d", i),
				SenderID:    "u1",
				Content:     "x",
				Type:        "text",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	res, err := st.FetchHistory(ctx, FetchHistoryInput{RoomID: "busy", Limit: maxHistoryLimit})
	require.NoError(t, err)
	seqs := seqsOf(res.Messages)
	require.Len(t, seqs, n)
	require.True(t, slices.IsSorted(seqs))
	require.EqualValues(t, 1, seqs[0])
	require.EqualValues(t, n, seqs[n-1])
}

func TestPostgresReceiptStore_SaveIsIdempotent(t *testing.T) {
	pool, schema := mustTestSchema(t)
	st, err := NewPostgresReceiptStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx := context.Background()
	r := ReceiptRecord{MessageID: "m1", RoomID: "general", UserID: "u2", ConnectionID: "c1", ReadAt: time.Now().UTC()}
	require.NoError(t, st.SaveReceipt(ctx, r))
	require.NoError(t, st.SaveReceipt(ctx, r))
	require.Equal(t, 1, countRows(t, pool, schema, "read_receipts", "general"))

	require.Error(t, st.SaveReceipt(ctx, ReceiptRecord{RoomID: "general"}))
}

func TestPostgresRoomAccess_OpenRoomsAndGrants(t *testing.T) {
	pool, schema := mustTestSchema(t)
	access, err := NewPostgresRoomAccess(pool, []string{"general"}, WithSchema(schema))
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := access.CanJoin(ctx, "u1", "general")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = access.CanJoin(ctx, "u1", "private")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, access.Grant(ctx, "u1", "private"))
	require.NoError(t, access.Grant(ctx, "u1", "private"))

	ok, err = access.CanJoin(ctx, "u1", "private")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = access.CanJoin(ctx, "u2", "private")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	_, err := resolveSchema([]PostgresOption{WithSchema("bad-schema;drop")})
	require.Error(t, err)
	_, err = resolveSchema([]PostgresOption{WithSchema("  ")})
	require.Error(t, err)

	schema, err := resolveSchema(nil)
	require.NoError(t, err)
	require.Equal(t, defaultSchema, schema)
}

// ---- test helpers ----

func mustTestSchema(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("HEARTH_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: HEARTH_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	c, err := pool.Acquire(ctx)
	require.NoError(t, err, "acquire")
	c.Release()

	schema := "hearth_it_" + strings.ToLower(ulid.Make().String())
	require.NoError(t, ApplySchema(ctx, pool, schema))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return pool, schema
}

func countRows(t *testing.T, pool *pgxpool.Pool, schema, table, roomID string) int {
	t.Helper()

	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM `+pgIdent(schema, table)+` WHERE room_id = $1`, roomID,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func seqsOf(msgs []PersistedMessage) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}
