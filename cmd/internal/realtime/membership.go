package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RoomAccess is the optional authorization boundary for joining rooms.
type RoomAccess interface {
	// CanJoin reports whether userID may join roomID.
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
}

// OpenRoomAccess admits everyone.
type OpenRoomAccess struct{}

func (OpenRoomAccess) CanJoin(context.Context, string, string) (bool, error) { return true, nil }

// PostgresRoomAccess checks membership via <schema>.room_members.
// Rooms listed in open are joinable without a membership row.
type PostgresRoomAccess struct {
	pool   *pgxpool.Pool
	schema string
	open   map[string]struct{}
}

// NewPostgresRoomAccess constructs a RoomAccess backed by PostgreSQL.
func NewPostgresRoomAccess(pool *pgxpool.Pool, openRooms []string, opts ...PostgresOption) (*PostgresRoomAccess, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	schema, err := resolveSchema(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresRoomAccess{pool: pool, schema: schema, open: toSet(openRooms)}, nil
}

func (a *PostgresRoomAccess) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	if a == nil || a.pool == nil {
		return false, errors.New("realtime: nil room access")
	}
	userID = strings.TrimSpace(userID)
	roomID = strings.TrimSpace(roomID)
	if userID == "" || roomID == "" {
		return false, nil
	}
	if _, ok := a.open[roomID]; ok {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var one int
	err := a.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(a.schema, "room_members")+` WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Grant inserts a membership row, creating the room when needed.
func (a *PostgresRoomAccess) Grant(ctx context.Context, userID, roomID string) error {
	if _, err := a.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(a.schema, "rooms")+` (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		roomID,
	); err != nil {
		return err
	}
	_, err := a.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(a.schema, "room_members")+` (room_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (room_id, user_id) DO NOTHING`,
		roomID, userID,
	)
	return err
}
