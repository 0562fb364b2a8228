package session

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// AccessTokenQueryParam carries the token for clients that cannot set headers on
// the WebSocket handshake (browsers).
const AccessTokenQueryParam = "access_token"

// DeviceIDHeader optionally names the client device. Defaults to the session id.
const DeviceIDHeader = "X-Device-ID"

// Principal is the verified identity of a request.
type Principal struct {
	UserID    string
	Username  string
	SessionID string
	DeviceID  string
}

// Authenticator verifies requests against an AccessTokenManager and, when set, a session Store.
type Authenticator struct {
	tokens   AccessTokenManager
	sessions Store
	now      func() time.Time
}

// NewAuthenticator builds an Authenticator. sessions may be nil to skip the revocation check.
func NewAuthenticator(tokens AccessTokenManager, sessions Store) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate returns ErrMissingToken when the request carries no token.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	return a.Verify(r.Context(), token, strings.TrimSpace(r.Header.Get(DeviceIDHeader)))
}

// Verify checks token and the backing session.
func (a *Authenticator) Verify(ctx context.Context, token, deviceID string) (Principal, error) {
	now := a.now()
	claims, err := a.tokens.Verify(token, now)
	if err != nil {
		return Principal{}, err
	}

	if a.sessions != nil {
		row, err := a.sessions.GetByID(ctx, claims.SessionID)
		if err != nil {
			return Principal{}, err
		}
		if err := row.Check(claims, now); err != nil {
			return Principal{}, err
		}
	}

	switch {
	case deviceID != "":
	case claims.DeviceID != "":
		deviceID = claims.DeviceID
	default:
		deviceID = claims.SessionID
	}

	return Principal{
		UserID:    claims.UserID,
		Username:  claims.Username,
		SessionID: claims.SessionID,
		DeviceID:  deviceID,
	}, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get(AccessTokenQueryParam))
}
