package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	require.NoError(t, Validate(&cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Metadata.Type)
	assert.Equal(t, time.Second, cfg.Broker.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Broker.HeartbeatWindow)
	assert.Equal(t, 30*time.Second, cfg.Broker.OfflineWindow)
	assert.Equal(t, 120*time.Second, cfg.Broker.RemoveWindow)
	assert.Equal(t, 16, cfg.Broker.QuotaCheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Broker.FlushTTL)
}

func TestLevelNormalised(t *testing.T) {
	cfg := Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(&cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidateRejectsBadWindows(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Broker.OfflineWindow = 200 * time.Second
	assert.Error(t, Validate(&cfg))
}

func TestValidateBadgerNeedsPath(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Metadata.Type = "badger"
	assert.Error(t, Validate(&cfg))

	cfg.Metadata.Badger = map[string]any{"path": "/var/lib/meridian"}
	assert.NoError(t, Validate(&cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: warn
server:
  port: "2200"
  workers: 4
broker:
  heartbeat_window: 3s
  offline_window: 20s
  remove_window: 60s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "2200", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 3*time.Second, cfg.Broker.HeartbeatWindow)
	assert.Equal(t, 20*time.Second, cfg.Broker.OfflineWindow)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
