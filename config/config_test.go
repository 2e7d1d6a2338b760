package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	assert.Equal(t, "8080", cfg.AppPort)
	assert.Equal(t, DeliveryLocal, cfg.DeliveryMode)
	assert.Equal(t, DefaultMaxLength, cfg.MaxContentLength)
	assert.Equal(t, "dmsync.db", cfg.BoltPath)
	assert.False(t, cfg.RedisEnabled())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("STORAGE", StorageBolt)
	t.Setenv("BOLT_PATH", "/tmp/chat.db")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("DELIVERY_MODE", DeliveryRedis)
	t.Setenv("MAX_CONTENT_LENGTH", "500")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, "9090", cfg.AppPort)
	assert.Equal(t, StorageBolt, cfg.Storage)
	assert.Equal(t, "/tmp/chat.db", cfg.BoltPath)
	assert.True(t, cfg.RedisEnabled())
	assert.Equal(t, DeliveryRedis, cfg.DeliveryMode)
	assert.Equal(t, 500, cfg.MaxContentLength)
	assert.Equal(t, 10, cfg.DBMaxConns)
}
