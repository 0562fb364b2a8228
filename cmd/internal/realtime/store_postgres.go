package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultSchema = "hearth"

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the tables used by the PostgreSQL adapters. Idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if schema == "" {
		schema = defaultSchema
	}
	if !isValidPGIdent(schema) {
		return errors.New("realtime: invalid schema identifier")
	}
	ddl := strings.ReplaceAll(schemaSQL, "__SCHEMA__", pgx.Identifier{schema}.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PostgresStore is a MessageService backed by PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op.
// Writes take a per-room transactional advisory lock so seq stays gapless and strictly monotonic.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the PostgreSQL adapters.
type PostgresOption func(*string) error

// WithSchema sets the DB schema (default: "hearth"). The name is validated and quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(dst *string) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		*dst = schema
		return nil
	}
}

func resolveSchema(opts []PostgresOption) (string, error) {
	schema := defaultSchema
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&schema); err != nil {
			return "", err
		}
	}
	return schema, nil
}

// NewPostgresStore constructs a Postgres-backed MessageService.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	schema, err := resolveSchema(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) Close() error { return nil }

const messageColumns = `room_id, thread_id, client_msg_id, message_id, seq, sender_id, sender_name, content, type, created_at`

func scanMessage(row pgx.Row) (PersistedMessage, error) {
	var m PersistedMessage
	err := row.Scan(&m.RoomID, &m.ThreadID, &m.ClientMsgID, &m.MessageID, &m.Seq,
		&m.SenderID, &m.SenderName, &m.Content, &m.Type, &m.CreatedAt)
	return m, err
}

// CreateMessage inserts a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (CreateMessageResult, error) {
	if s == nil || s.pool == nil {
		return CreateMessageResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" || in.ClientMsgID == "" || in.SenderID == "" {
		return CreateMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return CreateMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return CreateMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rooms := pgIdent(s.schema, "rooms")
	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return CreateMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+rooms+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return CreateMessageResult{}, err
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE room_id = $1 AND client_msg_id = $2`,
		in.RoomID, in.ClientMsgID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return CreateMessageResult{}, err
		}
		return CreateMessageResult{Message: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return CreateMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return CreateMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&seq); err != nil {
		return CreateMessageResult{}, err
	}

	msg := PersistedMessage{
		RoomID:      in.RoomID,
		ThreadID:    in.ThreadID,
		ClientMsgID: in.ClientMsgID,
		MessageID:   NewServerMsgID(now),
		Seq:         seq,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		Content:     in.Content,
		Type:        in.Type,
		CreatedAt:   now,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.RoomID, msg.ThreadID, msg.ClientMsgID, msg.MessageID, msg.Seq,
		msg.SenderID, msg.SenderName, msg.Content, msg.Type, msg.CreatedAt,
	); err != nil {
		return CreateMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateMessageResult{}, err
	}
	return CreateMessageResult{Message: msg}, nil
}

// FetchHistory returns messages ordered by seq ASC, with optional paging by AfterSeq.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" {
		return FetchHistoryResult{}, errors.New("missing room_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1
	after := int64(0)
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE room_id = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		in.RoomID, after, fetch,
	)
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]PersistedMessage, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// PostgresReceiptStore writes read receipts to <schema>.read_receipts.
type PostgresReceiptStore struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresReceiptStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresReceiptStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	schema, err := resolveSchema(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresReceiptStore{pool: pool, schema: schema}, nil
}

// SaveReceipt inserts the receipt; an existing (message_id, user_id) row is kept.
func (s *PostgresReceiptStore) SaveReceipt(ctx context.Context, r ReceiptRecord) error {
	if r.MessageID == "" || r.UserID == "" {
		return errors.New("invalid receipt")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "read_receipts")+`
		   (message_id, user_id, room_id, thread_id, connection_id, read_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		r.MessageID, r.UserID, r.RoomID, r.ThreadID, r.ConnectionID, r.ReadAt,
	)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
