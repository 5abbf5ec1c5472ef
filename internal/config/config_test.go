package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "POLL_TIMEOUT", "DELETED_PLACEHOLDER", "NATS_URL", "AUDIT_ENABLED"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 25*time.Second, cfg.PollTimeout)
	assert.Equal(t, "[This message was deleted]", cfg.DeletedPlaceholder)
	assert.Empty(t, cfg.NATSURL)
	assert.True(t, cfg.AuditEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	t.Setenv("POLL_TIMEOUT", "5s")
	t.Setenv("REALTIME_INBOUND_RATE", "2.5")
	t.Setenv("AUDIT_ENABLED", "false")
	t.Setenv("REDIS_DB", "3")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.PollTimeout)
	assert.Equal(t, 2.5, cfg.InboundRatePerSec)
	assert.False(t, cfg.AuditEnabled)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("POLL_TIMEOUT", "soon")
	t.Setenv("REDIS_DB", "three")
	t.Setenv("TRACING_ENABLED", "maybe")
	t.Setenv("ALLOWED_ORIGINS", " , ")

	cfg := Load()

	assert.Equal(t, 25*time.Second, cfg.PollTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, []string{"https://*", "http://*"}, cfg.AllowedOrigins)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "https://chat.example.com")
	t.Setenv("CHAT_TRANSPORTS", "polling")
	t.Setenv("CHAT_MAX_RETRIES", "3")

	cfg := LoadClient()

	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, []string{"polling"}, cfg.Transports)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.OpenTimeout)
	assert.Equal(t, 2*time.Second, cfg.InitialBackoff)
}
