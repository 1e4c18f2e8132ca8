// Package config loads and validates the broker configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MERIDIAN_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete broker configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the transport settings
	Server ServerConfig `mapstructure:"server"`

	// Metadata selects and configures the namespace store
	Metadata MetadataConfig `mapstructure:"metadata"`

	// Broker contains the session/cap/flush tuning
	Broker BrokerConfig `mapstructure:"broker"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format is "text" or "json"
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is "stdout", "stderr" or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the transport settings.
type ServerConfig struct {
	// Port to listen on
	Port string `mapstructure:"port" validate:"required"`

	// Workers is the request worker pool size
	Workers int `mapstructure:"workers" validate:"gte=1"`

	// MaxConnections caps concurrent connections (0 = unlimited)
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// RateLimit/Burst shape connection admission (0 = unlimited)
	RateLimit uint `mapstructure:"rate_limit"`
	Burst     uint `mapstructure:"burst"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// MetadataConfig selects the namespace store implementation. Only the
// section matching Type is used.
type MetadataConfig struct {
	// Type is "memory" or "badger"
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger holds badger-specific options (path, sync_writes,
	// gc_interval); only used when Type is "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// BrokerConfig tunes the session registry, caps and flush tracking.
type BrokerConfig struct {
	// HeartbeatInterval is the rate announced to clients
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`

	// HeartbeatWindow / OfflineWindow / RemoveWindow drive the session
	// state machine
	HeartbeatWindow time.Duration `mapstructure:"heartbeat_window" validate:"gt=0"`
	OfflineWindow   time.Duration `mapstructure:"offline_window" validate:"gt=0"`
	RemoveWindow    time.Duration `mapstructure:"remove_window" validate:"gt=0"`

	// QuotaCheckInterval is the monitor tick divisor of the quota refresh
	QuotaCheckInterval int `mapstructure:"quota_check_interval" validate:"gte=1"`

	// FlushTTL bounds a flush window whose ENDFLUSH never arrives
	FlushTTL time.Duration `mapstructure:"flush_ttl" validate:"gt=0"`

	// RecycleBin names the recycle container at the namespace root;
	// empty disables the recycle bin
	RecycleBin string `mapstructure:"recycle_bin"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled switches metric collection on
	Enabled bool `mapstructure:"enabled"`

	// Listen is the metrics HTTP address (":9155" style)
	Listen string `mapstructure:"listen"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values; level names are normalised to upper
// case.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "1100"
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 8
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Metadata.Type == "" {
		cfg.Metadata.Type = "memory"
	}

	if cfg.Broker.HeartbeatInterval == 0 {
		cfg.Broker.HeartbeatInterval = time.Second
	}
	if cfg.Broker.HeartbeatWindow == 0 {
		cfg.Broker.HeartbeatWindow = 5 * time.Second
	}
	if cfg.Broker.OfflineWindow == 0 {
		cfg.Broker.OfflineWindow = 30 * time.Second
	}
	if cfg.Broker.RemoveWindow == 0 {
		cfg.Broker.RemoveWindow = 120 * time.Second
	}
	if cfg.Broker.QuotaCheckInterval == 0 {
		cfg.Broker.QuotaCheckInterval = 16
	}
	if cfg.Broker.FlushTTL == 0 {
		cfg.Broker.FlushTTL = 30 * time.Second
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9155"
	}
}

// setupViper configures environment variables and config file search.
// Example: MERIDIAN_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no config file: defaults apply
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/meridian, ~/.config/meridian, or "."
// when no home directory is known.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "meridian")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "meridian")
}
