package session

import (
	"context"
	"time"
)

// Row mirrors the sessions row consulted at handshake.
type Row struct {
	ID                  string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	RevokedAt           *time.Time
	ReplacedBySessionID *string
}

// Check reports why the session cannot back claims at now, or nil.
func (r Row) Check(claims AccessClaims, now time.Time) error {
	if r.UserID != claims.UserID {
		return ErrInvalidToken
	}
	if r.RevokedAt != nil || r.ReplacedBySessionID != nil {
		return ErrSessionRevoked
	}
	if !r.ExpiresAt.After(now) {
		return ErrSessionExpired
	}
	return nil
}

// Store loads session rows. The identity service owns writes.
type Store interface {
	// GetByID loads a session row by ID. Returns ErrSessionNotFound when missing.
	GetByID(ctx context.Context, sessionID string) (Row, error)
}
