package realtime

import (
	"time"

	"hearth/cmd/internal/offline"
	"hearth/cmd/internal/ratelimit"
	"hearth/cmd/internal/typing"
)

// Gateway defaults.
const (
	DefaultRoom                = "general"
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHeartbeatTimeout    = 120 * time.Second
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultTypingSweepInterval = time.Second
	DefaultPresenceRetention   = time.Hour
	DefaultReceiptRetention    = 24 * time.Hour
	DefaultBatchRetention      = 10 * time.Minute
)

// Config tunes the Gateway. Zero values fall back to the defaults above.
type Config struct {
	Env string

	// DefaultRoom is joined by every authenticated connection. Empty disables it.
	DefaultRoom string

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	CleanupInterval     time.Duration
	TypingSweepInterval time.Duration
	TypingTimeout       time.Duration
	DeliveryTimeout     time.Duration

	SendQueueSize int

	PresenceRetention     time.Duration
	ReceiptRetention      time.Duration
	SubscriptionRetention time.Duration
	BatchRetention        time.Duration
	MaxBatchesPerRoom     int

	OfflineMaxPerUser int
	OfflineTTL        time.Duration

	RateLimit ratelimit.Config
}

// DefaultConfig returns the defaults for env (production, development or test).
func DefaultConfig(env string) Config {
	return Config{
		Env:                   env,
		DefaultRoom:           DefaultRoom,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		HeartbeatTimeout:      DefaultHeartbeatTimeout,
		CleanupInterval:       DefaultCleanupInterval,
		TypingSweepInterval:   DefaultTypingSweepInterval,
		TypingTimeout:         typing.DefaultTimeout,
		DeliveryTimeout:       defaultDeliveryTimeout,
		SendQueueSize:         defaultSendQueueSize,
		PresenceRetention:     DefaultPresenceRetention,
		ReceiptRetention:      DefaultReceiptRetention,
		SubscriptionRetention: offline.DefaultTTL,
		BatchRetention:        DefaultBatchRetention,
		MaxBatchesPerRoom:     defaultMaxBatchesPerRoom,
		OfflineMaxPerUser:     offline.DefaultMaxPerUser,
		OfflineTTL:            offline.DefaultTTL,
		RateLimit:             ratelimit.DefaultConfig(env),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig(c.Env)
	setDuration(&c.HeartbeatInterval, def.HeartbeatInterval)
	setDuration(&c.HeartbeatTimeout, def.HeartbeatTimeout)
	setDuration(&c.CleanupInterval, def.CleanupInterval)
	setDuration(&c.TypingSweepInterval, def.TypingSweepInterval)
	setDuration(&c.TypingTimeout, def.TypingTimeout)
	setDuration(&c.DeliveryTimeout, def.DeliveryTimeout)
	setDuration(&c.PresenceRetention, def.PresenceRetention)
	setDuration(&c.ReceiptRetention, def.ReceiptRetention)
	setDuration(&c.SubscriptionRetention, def.SubscriptionRetention)
	setDuration(&c.BatchRetention, def.BatchRetention)
	setDuration(&c.OfflineTTL, def.OfflineTTL)
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxBatchesPerRoom <= 0 {
		c.MaxBatchesPerRoom = def.MaxBatchesPerRoom
	}
	if c.OfflineMaxPerUser <= 0 {
		c.OfflineMaxPerUser = def.OfflineMaxPerUser
	}
	if c.RateLimit.Limits == nil {
		c.RateLimit = def.RateLimit
	}
	return c
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}
