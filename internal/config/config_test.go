package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "any", cfg.Sync.NetworkThreshold)
	assert.Equal(t, 10, cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, 1000, cfg.Realtime.BufferCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9999
storage:
  driver: memory
sync:
  interval_ms: 5000
  network_threshold: wifi-only
  remote_url: https://api.example.com
realtime:
  collections:
    - projects
    - equipment
  reconnect_max_attempts: 5
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "wifi-only", cfg.Sync.NetworkThreshold)
	assert.Equal(t, "https://api.example.com", cfg.Sync.RemoteURL)
	assert.Equal(t, []string{"projects", "equipment"}, cfg.Realtime.Collections)
	assert.Equal(t, 5, cfg.Realtime.ReconnectMaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys still fall back to defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync: [not: valid"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	s := SyncConfig{IntervalMs: 30000, RetryBaseMs: 1000, RetryMaxMs: 60000}
	assert.Equal(t, 30*time.Second, s.Interval())
	assert.Equal(t, time.Second, s.RetryBase())
	assert.Equal(t, time.Minute, s.RetryMax())

	r := RealtimeConfig{ReconnectBaseMs: 500, ReconnectMaxMs: 30000, HeartbeatMs: 15000}
	assert.Equal(t, 500*time.Millisecond, r.ReconnectBase())
	assert.Equal(t, 30*time.Second, r.ReconnectMax())
	assert.Equal(t, 15*time.Second, r.Heartbeat())

	m := MonitorConfig{IntervalMs: 10000}
	assert.Equal(t, 10*time.Second, m.Interval())
}
