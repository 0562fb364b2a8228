package app

import (
	"strings"
	"time"

	"hearth/cmd/internal/ratelimit"
	"hearth/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// Env is production, development or test. It selects rate-limit defaults and
	// whether the gateway may start without token verification.
	Env string

	HTTPAddr string
	// PublicBaseURL is only used in startup logs. Derived from HTTPAddr when empty.
	PublicBaseURL string

	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBApplySchema bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSOriginRequired bool
	WSAllowedOrigins []string
	WSDevInsecure    bool
	WSFloodEvents    int
	WSFloodWindow    time.Duration

	// RoomACL enables the room_members check on join. OpenRooms are always joinable.
	RoomACL   bool
	OpenRooms []string

	// SessionCheck verifies every handshake against the sessions table (DB mode only).
	SessionCheck bool

	Gateway realtime.Config
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	env := normalizeEnv(EnvString("HEARTH_ENV", "development"))

	gw := realtime.DefaultConfig(env)
	gw.DefaultRoom = EnvString("HEARTH_DEFAULT_ROOM", gw.DefaultRoom)
	gw.HeartbeatInterval = EnvDuration("HEARTH_HEARTBEAT_INTERVAL", gw.HeartbeatInterval)
	gw.HeartbeatTimeout = EnvDuration("HEARTH_HEARTBEAT_TIMEOUT", gw.HeartbeatTimeout)
	gw.CleanupInterval = EnvDuration("HEARTH_CLEANUP_INTERVAL", gw.CleanupInterval)
	gw.TypingSweepInterval = EnvDuration("HEARTH_TYPING_SWEEP_INTERVAL", gw.TypingSweepInterval)
	gw.TypingTimeout = EnvDuration("HEARTH_TYPING_TIMEOUT", gw.TypingTimeout)
	gw.DeliveryTimeout = EnvDuration("HEARTH_DELIVERY_TIMEOUT", gw.DeliveryTimeout)
	gw.SendQueueSize = EnvInt("HEARTH_SEND_QUEUE_SIZE", gw.SendQueueSize)
	gw.PresenceRetention = EnvDuration("HEARTH_PRESENCE_RETENTION", gw.PresenceRetention)
	gw.ReceiptRetention = EnvDuration("HEARTH_RECEIPT_RETENTION", gw.ReceiptRetention)
	gw.SubscriptionRetention = EnvDuration("HEARTH_SUBSCRIPTION_RETENTION", gw.SubscriptionRetention)
	gw.BatchRetention = EnvDuration("HEARTH_BATCH_RETENTION", gw.BatchRetention)
	gw.MaxBatchesPerRoom = EnvInt("HEARTH_MAX_BATCHES_PER_ROOM", gw.MaxBatchesPerRoom)
	gw.OfflineMaxPerUser = EnvInt("HEARTH_OFFLINE_MAX_PER_USER", gw.OfflineMaxPerUser)
	gw.OfflineTTL = EnvDuration("HEARTH_OFFLINE_TTL", gw.OfflineTTL)
	gw.RateLimit = loadRateLimit(gw.RateLimit)

	return Config{
		Env: env,

		HTTPAddr:      EnvString("HEARTH_HTTP_ADDR", "0.0.0.0:8080"),
		PublicBaseURL: EnvString("HEARTH_PUBLIC_BASE_URL", ""),

		LogLevel:  EnvString("HEARTH_LOG_LEVEL", "info"),
		LogFormat: EnvString("HEARTH_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HEARTH_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HEARTH_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HEARTH_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HEARTH_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("HEARTH_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("HEARTH_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL:   EnvString("HEARTH_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("HEARTH_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("HEARTH_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("HEARTH_DB_SCHEMA", "hearth"),
		DBApplySchema: EnvBool("HEARTH_DB_APPLY_SCHEMA", false),

		ReadinessRequireDB: EnvBool("HEARTH_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("HEARTH_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("HEARTH_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("HEARTH_CORS_MAX_AGE_SECONDS", 600),

		WSOriginRequired: EnvBool("HEARTH_WS_ORIGIN_REQUIRED", env == "production"),
		WSAllowedOrigins: EnvCSV("HEARTH_WS_ALLOWED_ORIGINS"),
		WSDevInsecure:    EnvBool("HEARTH_WS_DEV_INSECURE", false),
		WSFloodEvents:    EnvInt("HEARTH_WS_FLOOD_EVENTS", ratelimit.DefaultFloodEvents),
		WSFloodWindow:    EnvDuration("HEARTH_WS_FLOOD_WINDOW", ratelimit.DefaultFloodWindow),

		RoomACL:   EnvBool("HEARTH_ROOM_ACL", false),
		OpenRooms: envCSVDefault("HEARTH_OPEN_ROOMS", []string{gw.DefaultRoom}),

		SessionCheck: EnvBool("HEARTH_AUTH_SESSION_CHECK", true),

		Gateway: gw,
	}
}

func loadRateLimit(def ratelimit.Config) ratelimit.Config {
	out := ratelimit.Config{
		Window: EnvDuration("HEARTH_RATE_WINDOW", def.Window),
		Limits: make(map[ratelimit.Action]int, len(def.Limits)),
	}
	for a, n := range def.Limits {
		out.Limits[a] = n
	}
	out.Limits[ratelimit.ActionMessage] = EnvInt("HEARTH_RATE_MESSAGES", def.Limit(ratelimit.ActionMessage))
	out.Limits[ratelimit.ActionTyping] = EnvInt("HEARTH_RATE_TYPING", def.Limit(ratelimit.ActionTyping))
	out.Limits[ratelimit.ActionJoinRoom] = EnvInt("HEARTH_RATE_JOIN_ROOM", def.Limit(ratelimit.ActionJoinRoom))
	return out
}

func normalizeEnv(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "production", "prod":
		return "production"
	case "test":
		return "test"
	default:
		return "development"
	}
}

func envCSVDefault(key string, def []string) []string {
	if v := EnvCSV(key); len(v) > 0 {
		return v
	}
	return def
}
