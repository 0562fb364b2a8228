package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"hearth/cmd/internal/auth/session"
	"hearth/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// principalAuthenticator is the part of session.Authenticator the handshake needs.
type principalAuthenticator interface {
	Authenticate(r *http.Request) (session.Principal, error)
}

// handshakeAuth adapts session verification to the realtime handshake.
type handshakeAuth struct {
	sessions principalAuthenticator
}

func (a handshakeAuth) Authenticate(r *http.Request) (realtime.Identity, error) {
	p, err := a.sessions.Authenticate(r)
	if errors.Is(err, session.ErrMissingToken) {
		return realtime.Identity{}, realtime.ErrNoCredentials
	}
	if err != nil {
		return realtime.Identity{}, err
	}
	return realtime.Identity{
		UserID:    p.UserID,
		Username:  p.Username,
		DeviceID:  p.DeviceID,
		SessionID: p.SessionID,
	}, nil
}

// newHandshakeAuth builds token verification from HEARTH_PASETO_* settings.
//
// Outside production a missing key pair leaves the gateway anonymous-only (nil
// authenticator) with a warning. With a pool and SessionCheck, every handshake is
// also checked against <schema>.sessions.
func newHandshakeAuth(cfg Config, pool *pgxpool.Pool, log *slog.Logger) (realtime.Authenticator, error) {
	if !pasetoKeysConfigured() {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("%w: HEARTH_PASETO_V4_PUBLIC_KEY_HEX is required in production", session.ErrConfig)
		}
		log.Warn("auth.disabled", "reason", "no_paseto_key", "env", cfg.Env)
		return nil, nil
	}

	scfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewPasetoV4PublicManager(scfg)
	if err != nil {
		return nil, err
	}

	var store session.Store
	if pool != nil && cfg.SessionCheck {
		pg, err := session.NewPostgresStore(pool, cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		store = pg
	}

	log.Info("auth.enabled",
		"issuer", scfg.Issuer,
		"public_key", tokens.PublicKeyHex(),
		"session_check", store != nil,
	)
	return handshakeAuth{sessions: session.NewAuthenticator(tokens, store)}, nil
}

func pasetoKeysConfigured() bool {
	return strings.TrimSpace(os.Getenv("HEARTH_PASETO_V4_PUBLIC_KEY_HEX")) != "" ||
		strings.TrimSpace(os.Getenv("HEARTH_PASETO_V4_SECRET_KEY_HEX")) != ""
}
