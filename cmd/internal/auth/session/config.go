package session

import (
	"os"
	"time"
)

// Config defines the token verification settings.
//
// A secret key enables Issue (development tooling, tests). The public key alone
// is enough to verify, which is how the gateway runs in production.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string

	// AccessTokenTTL is the lifetime of tokens minted by Issue.
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key. Optional.
	PasetoV4SecretKeyHex string

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key.
	// Derived from the secret key when empty.
	PasetoV4PublicKeyHex string
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:         "hearth",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads verification settings from the environment.
//
// One of these is required:
//   - HEARTH_PASETO_V4_PUBLIC_KEY_HEX
//   - HEARTH_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - HEARTH_AUTH_ISSUER
//   - HEARTH_AUTH_ACCESS_TTL
//   - HEARTH_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("HEARTH_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("HEARTH_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("HEARTH_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("HEARTH_PASETO_V4_SECRET_KEY_HEX")
	cfg.PasetoV4PublicKeyHex = os.Getenv("HEARTH_PASETO_V4_PUBLIC_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" && cfg.PasetoV4PublicKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
