package session

import (
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the identity carried by an access token.
type AccessClaims struct {
	UserID    string
	SessionID string
	Username  string
	DeviceID  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// IssueInput describes a token to mint.
type IssueInput struct {
	UserID    string
	SessionID string
	Username  string
	DeviceID  string
}

// AccessTokenManager verifies (and, given a secret key, issues) short-lived access tokens.
type AccessTokenManager interface {
	Issue(in IssueInput, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

// ErrCannotIssue is returned by Issue on a verify-only manager.
var ErrCannotIssue = errors.New("token manager has no secret key")

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// With only a public key the manager verifies but cannot issue.
// Clock skew is applied during verification via ValidAt.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.canIssue = true
		m.public = secret.Public()
		if cfg.PasetoV4PublicKeyHex != "" && cfg.PasetoV4PublicKeyHex != m.public.ExportHex() {
			return nil, ErrConfig
		}
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	return m, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(in IssueInput, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrCannotIssue
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", in.UserID)
	_ = tok.Set("sid", in.SessionID)
	if in.Username != "" {
		_ = tok.Set("name", in.Username)
	}
	if in.DeviceID != "" {
		_ = tok.Set("did", in.DeviceID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	// Validate slightly in the future so "nbf" survives small clock differences.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	name, _ := parsed.GetString("name")
	did, _ := parsed.GetString("did")

	return AccessClaims{
		UserID:    uid,
		SessionID: sid,
		Username:  name,
		DeviceID:  did,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
