package params

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 10, cfg.API.DepthLevels)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.MarkPrice.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("API_DEPTH_LEVELS", "25")
	t.Setenv("DATA_DIR", "/var/lib/crossline")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MARK_PRICE_INTERVAL_MS", "250")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadFromEnv("")

	assert.Equal(t, ":9000", cfg.API.Addr)
	assert.Equal(t, 25, cfg.API.DepthLevels)
	assert.Equal(t, "/var/lib/crossline", cfg.Storage.DataDir)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.MarkPrice.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("API_DEPTH_LEVELS", "not-a-number")
	t.Setenv("MARK_PRICE_INTERVAL_MS", "-5")

	cfg := LoadFromEnv("")

	assert.Equal(t, 10, cfg.API.DepthLevels)
	assert.Equal(t, time.Second, cfg.MarkPrice.Interval)
}
