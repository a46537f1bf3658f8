package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite or memory
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

type SyncConfig struct {
	IntervalMs       int    `mapstructure:"interval_ms"`
	BatchSize        int    `mapstructure:"batch_size"`
	MaxRetries       int    `mapstructure:"max_retries"`
	RetryBaseMs      int    `mapstructure:"retry_base_ms"`
	RetryMaxMs       int    `mapstructure:"retry_max_ms"`
	NetworkThreshold string `mapstructure:"network_threshold"` // any, wifi-only, good-connection-only
	RemoteURL        string `mapstructure:"remote_url"`
}

type RealtimeConfig struct {
	URL                  string   `mapstructure:"url"`
	Collections          []string `mapstructure:"collections"`
	ReconnectBaseMs      int      `mapstructure:"reconnect_base_ms"`
	ReconnectMaxMs       int      `mapstructure:"reconnect_max_ms"`
	ReconnectMaxAttempts int      `mapstructure:"reconnect_max_attempts"`
	HeartbeatMs          int      `mapstructure:"heartbeat_ms"`
	BufferCapacity       int      `mapstructure:"buffer_capacity"`
}

type MonitorConfig struct {
	ProbeURL   string `mapstructure:"probe_url"`
	IntervalMs int    `mapstructure:"interval_ms"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

func (s SyncConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMs) * time.Millisecond
}

func (s SyncConfig) RetryMax() time.Duration {
	return time.Duration(s.RetryMaxMs) * time.Millisecond
}

func (r RealtimeConfig) ReconnectBase() time.Duration {
	return time.Duration(r.ReconnectBaseMs) * time.Millisecond
}

func (r RealtimeConfig) ReconnectMax() time.Duration {
	return time.Duration(r.ReconnectMaxMs) * time.Millisecond
}

func (r RealtimeConfig) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatMs) * time.Millisecond
}

func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine, defaults apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "fieldsync.db")
	v.SetDefault("storage.busy_timeout_ms", 5000)

	v.SetDefault("sync.interval_ms", 30000)
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_base_ms", 1000)
	v.SetDefault("sync.retry_max_ms", 60000)
	v.SetDefault("sync.network_threshold", "any")

	v.SetDefault("realtime.reconnect_base_ms", 1000)
	v.SetDefault("realtime.reconnect_max_ms", 30000)
	v.SetDefault("realtime.reconnect_max_attempts", 10)
	v.SetDefault("realtime.heartbeat_ms", 15000)
	v.SetDefault("realtime.buffer_capacity", 1000)

	v.SetDefault("monitor.interval_ms", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
