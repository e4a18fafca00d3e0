package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	unset(t, "PORT", "PRESENCE_BACKEND", "QUEUE_ORDER", "STORE_TIMEOUT", "ALLOWED_ORIGINS",
		"KAFKA_BROKERS", "SPOTIFY_CLIENT_ID", "SPOTIFY_CLIENT_SECRET", "LOG_FORMAT", "ENV")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.PresenceBackend)
	assert.Equal(t, "manual", cfg.QueueOrder)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.SpotifyEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ENV", "production")
	t.Setenv("PRESENCE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("QUEUE_ORDER", "votes")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SEED_CATALOG", "false")
	t.Setenv("SPOTIFY_CLIENT_ID", "id")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "redis", cfg.PresenceBackend)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, "votes", cfg.QueueOrder)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.SeedCatalog)
	assert.True(t, cfg.SpotifyEnabled())
}

func TestLoadAcceptsKafkaWithRedisPresence(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("PRESENCE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	unset(t, "QUEUE_ORDER", "LOG_FORMAT", "STORE_TIMEOUT")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
}

func TestLoadEnvFile(t *testing.T) {
	unset(t, "KAFKA_TOPIC")
	t.Setenv("PORT", "7000")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("KAFKA_TOPIC=from-file\nPORT=1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.KafkaTopic)
	assert.Equal(t, "7000", cfg.Port, "environment wins over the file")
}

func TestLoadRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown presence backend", map[string]string{"PRESENCE_BACKEND": "etcd"}},
		{"redis backend without address", map[string]string{"PRESENCE_BACKEND": "redis", "REDIS_ADDR": ""}},
		{"kafka relay with in-process presence", map[string]string{"KAFKA_BROKERS": "k1:9092,k2:9092", "PRESENCE_BACKEND": "memory"}},
		{"unknown queue order", map[string]string{"QUEUE_ORDER": "random"}},
		{"unknown log format", map[string]string{"LOG_FORMAT": "xml"}},
		{"zero store timeout", map[string]string{"STORE_TIMEOUT": "0s"}},
		{"unparsable store timeout", map[string]string{"STORE_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unset(t, "PRESENCE_BACKEND", "QUEUE_ORDER", "LOG_FORMAT", "STORE_TIMEOUT", "KAFKA_BROKERS")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
