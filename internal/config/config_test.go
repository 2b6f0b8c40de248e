package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 5*time.Second, cfg.Pacing.MinInterval)
	assert.Equal(t, 60, cfg.Pacing.MaxPerHour)
	assert.Equal(t, 500, cfg.Pacing.MaxPerDay)
	assert.Equal(t, 3*time.Second, cfg.Webhook.TickInterval)
	assert.Equal(t, 5, cfg.Webhook.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Webhook.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Webhook.BackoffMax)
	assert.Equal(t, 1000, cfg.Retry.CacheSize)
	assert.Equal(t, 10*time.Minute, cfg.Retry.CacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Retry.Retention)
	assert.Equal(t, 3, cfg.Lifecycle.StaggerBurst)
	assert.Equal(t, "ws://127.0.0.1:3441/session", cfg.Bridge.URL)
	assert.Equal(t, 30*time.Second, cfg.Bridge.CallTimeout)
	assert.Empty(t, cfg.Autoreply.Template)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHATWIRE_MSG_MAX_PER_HOUR", "30")
	t.Setenv("CHATWIRE_WEBHOOK_TICK", "10s")
	t.Setenv("CHATWIRE_HTTP_ADDR", ":9999")

	cfg := Load()

	assert.Equal(t, 30, cfg.Pacing.MaxPerHour)
	assert.Equal(t, 10*time.Second, cfg.Webhook.TickInterval)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}

func TestLoad_FloorClamp(t *testing.T) {
	t.Setenv("CHATWIRE_MSG_MIN_INTERVAL", "1s")

	cfg := Load()

	require.Equal(t, 3*time.Second, cfg.Pacing.MinInterval,
		"floor interval below 3s must be clamped")
}

func TestLoad_OwnershipStaleCoversSyncCadence(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 15*time.Minute, cfg.Lifecycle.OwnershipStale)
	assert.GreaterOrEqual(t, cfg.Lifecycle.OwnershipStale, 2*cfg.Lifecycle.AuthSyncInterval,
		"a lock held by a quiet owner is only re-stamped on auth sync")

	t.Setenv("CHATWIRE_OWNERSHIP_STALE", "1m")
	cfg = Load()
	assert.Equal(t, 2*cfg.Lifecycle.AuthSyncInterval, cfg.Lifecycle.OwnershipStale,
		"windows below two sync intervals are clamped")
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CHATWIRE_MSG_MAX_PER_DAY", "not-a-number")
	t.Setenv("CHATWIRE_WEBHOOK_BACKOFF_MAX", "soon")

	cfg := Load()

	assert.Equal(t, 500, cfg.Pacing.MaxPerDay)
	assert.Equal(t, 60*time.Second, cfg.Webhook.BackoffMax)
}
