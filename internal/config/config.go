// Package config loads the gateway configuration from environment variables.
// Every knob has a default so a bare `chatwire-server` starts with sane
// behavior; a .env file in the working directory is honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, grouped by concern.
type Config struct {
	HTTPAddr  string
	DBDriver  string // "sqlite" or "postgres"
	DBDSN     string
	SecretKey string // AES-256 key for encrypting session blobs at rest
	LogLevel  string
	DataDir   string // local auth directories live under <DataDir>/auth/<account-id>

	Pacing    Pacing
	Webhook   Webhook
	Retry     Retry
	Lifecycle Lifecycle
	Bridge    Bridge
	Autoreply Autoreply
}

// Autoreply configures the optional auto-responder. An empty template
// disables it entirely.
type Autoreply struct {
	Template string
	System   string
}

// Bridge locates the external protocol engine that owns pairing and the
// encrypted socket. The gateway drives it over a websocket session endpoint.
type Bridge struct {
	URL         string        // ws:// endpoint, one connection per account session
	DialTimeout time.Duration // websocket handshake deadline
	CallTimeout time.Duration // per-command response deadline
}

// Pacing controls the anti-detection send shaping. The floor interval is
// clamped to no less than 3 seconds regardless of configuration.
type Pacing struct {
	MinInterval    time.Duration // floor between sends per account
	MaxPerHour     int
	MaxPerDay      int
	JitterMax      time.Duration // uniform jitter added to any non-zero delay
	DuplicateTTL   time.Duration // window for the duplicate guard
	TypingCharsSec float64       // simulated typing speed
	TypingMin      time.Duration
	TypingMax      time.Duration
}

// Webhook controls the durable delivery queue worker.
type Webhook struct {
	TickInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Staleness    time.Duration // processing rows older than this are recovered
	MaxPayload   int64         // bytes; larger payloads dead-letter as 413
}

// Retry controls the two-tier wire-message store.
type Retry struct {
	CacheSize int           // L1 LRU capacity
	CacheTTL  time.Duration // L1 entry lifetime
	Retention time.Duration // L2 row retention
}

// Lifecycle controls the supervisor's startup and housekeeping behavior.
type Lifecycle struct {
	StaggerWindow    time.Duration // rolling window for startup connects
	StaggerBurst     int           // max connects per window
	StaggerGapMin    time.Duration // min gap between consecutive connects
	StaggerGapMax    time.Duration
	AuthSyncInterval time.Duration // periodic debounced save of ready runtimes
	KeepaliveURL     string        // optional outbound ping target
	KeepaliveEvery   time.Duration
	MemoryWarnMB     uint64
	MemoryCriticalMB uint64
	OwnershipStale   time.Duration // lock age after which it may be stolen
}

// Load reads the configuration from the environment. A .env file is loaded
// first when one exists; real environment variables win over .env entries.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:  envStr("CHATWIRE_HTTP_ADDR", ":8080"),
		DBDriver:  envStr("CHATWIRE_DB_DRIVER", "sqlite"),
		DBDSN:     envStr("CHATWIRE_DB_DSN", "./chatwire.db"),
		SecretKey: envStr("CHATWIRE_SECRET_KEY", ""),
		LogLevel:  envStr("CHATWIRE_LOG_LEVEL", "info"),
		DataDir:   envStr("CHATWIRE_DATA_DIR", "./data"),

		Pacing: Pacing{
			MinInterval:    envDur("CHATWIRE_MSG_MIN_INTERVAL", 5*time.Second),
			MaxPerHour:     envInt("CHATWIRE_MSG_MAX_PER_HOUR", 60),
			MaxPerDay:      envInt("CHATWIRE_MSG_MAX_PER_DAY", 500),
			JitterMax:      envDur("CHATWIRE_MSG_JITTER_MAX", 2*time.Second),
			DuplicateTTL:   envDur("CHATWIRE_DUPLICATE_WINDOW", 60*time.Second),
			TypingCharsSec: 3.3,
			TypingMin:      1500 * time.Millisecond,
			TypingMax:      8 * time.Second,
		},

		Webhook: Webhook{
			TickInterval: envDur("CHATWIRE_WEBHOOK_TICK", 3*time.Second),
			BatchSize:    envInt("CHATWIRE_WEBHOOK_BATCH", 20),
			MaxRetries:   envInt("CHATWIRE_WEBHOOK_MAX_RETRIES", 5),
			BackoffBase:  envDur("CHATWIRE_WEBHOOK_BACKOFF_BASE", 2*time.Second),
			BackoffMax:   envDur("CHATWIRE_WEBHOOK_BACKOFF_MAX", 60*time.Second),
			Staleness:    envDur("CHATWIRE_WEBHOOK_STALENESS", 5*time.Minute),
			MaxPayload:   50 << 20,
		},

		Retry: Retry{
			CacheSize: envInt("CHATWIRE_MSG_CACHE_SIZE", 1000),
			CacheTTL:  envDur("CHATWIRE_MSG_CACHE_TTL", 10*time.Minute),
			Retention: envDur("CHATWIRE_MSG_RETENTION", 7*24*time.Hour),
		},

		Lifecycle: Lifecycle{
			StaggerWindow:    envDur("CHATWIRE_STAGGER_WINDOW", 10*time.Minute),
			StaggerBurst:     envInt("CHATWIRE_STAGGER_BURST", 3),
			StaggerGapMin:    envDur("CHATWIRE_STAGGER_GAP_MIN", 30*time.Second),
			StaggerGapMax:    envDur("CHATWIRE_STAGGER_GAP_MAX", 60*time.Second),
			AuthSyncInterval: envDur("CHATWIRE_AUTH_SYNC_INTERVAL", 5*time.Minute),
			KeepaliveURL:     envStr("CHATWIRE_KEEPALIVE_URL", ""),
			KeepaliveEvery:   envDur("CHATWIRE_KEEPALIVE_INTERVAL", 10*time.Minute),
			MemoryWarnMB:     uint64(envInt("CHATWIRE_MEMORY_WARN_MB", 400)),
			MemoryCriticalMB: uint64(envInt("CHATWIRE_MEMORY_CRITICAL_MB", 600)),
			OwnershipStale:   envDur("CHATWIRE_OWNERSHIP_STALE", 15*time.Minute),
		},

		Bridge: Bridge{
			URL:         envStr("CHATWIRE_BRIDGE_URL", "ws://127.0.0.1:3441/session"),
			DialTimeout: envDur("CHATWIRE_BRIDGE_DIAL_TIMEOUT", 15*time.Second),
			CallTimeout: envDur("CHATWIRE_BRIDGE_CALL_TIMEOUT", 30*time.Second),
		},

		Autoreply: Autoreply{
			Template: envStr("CHATWIRE_AUTOREPLY_TEMPLATE", ""),
			System:   envStr("CHATWIRE_AUTOREPLY_SYSTEM", ""),
		},
	}

	// The floor exists to keep per-account send cadence human-shaped; values
	// under 3s defeat that purpose and are clamped rather than rejected.
	if cfg.Pacing.MinInterval < 3*time.Second {
		cfg.Pacing.MinInterval = 3 * time.Second
	}

	// A live instance only re-stamps its ownership lock when it saves, which
	// on a quiet session happens once per auth-sync interval. A staleness
	// window shorter than two sync intervals would let a second process steal
	// an account whose owner is merely between syncs.
	if floor := 2 * cfg.Lifecycle.AuthSyncInterval; cfg.Lifecycle.OwnershipStale < floor {
		cfg.Lifecycle.OwnershipStale = floor
	}

	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
