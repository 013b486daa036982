package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "SIGNALING_STORE", "ICE_SERVERS", "NEGOTIATION_TIMEOUT", "ROOM_TTL", "REDIS_DB"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis", cfg.Signaling.Store)
	assert.Len(t, cfg.Signaling.ICEServers, 3)
	assert.Equal(t, 90*time.Second, cfg.Signaling.NegotiationTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Signaling.RoomTTL)
	assert.Equal(t, 0, cfg.Redis.DB)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SIGNALING_STORE", "memory")
	t.Setenv("ICE_SERVERS", "stun:stun.example.org:3478")
	t.Setenv("NEGOTIATION_TIMEOUT", "0")
	t.Setenv("ROOM_TTL", "2h")
	t.Setenv("DEVICE_IDENTITY", "cam-kitchen")

	cfg := Load()

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "memory", cfg.Signaling.Store)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Signaling.ICEServers)
	assert.Equal(t, time.Duration(0), cfg.Signaling.NegotiationTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Signaling.RoomTTL)
	assert.Equal(t, "cam-kitchen", cfg.Signaling.DeviceIdentity)
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("REDIS_DB", "primary")
	t.Setenv("NEGOTIATION_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 90*time.Second, cfg.Signaling.NegotiationTimeout)
}
