package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/jobstream/internal/logger"
)

// Config is the top-level TOML structure.
//
// Example:
//
//	[engine]
//	base_url = "http://localhost:8791"
//	token = "..."
//
//	[stream]
//	base_delay = "1s"
//	max_delay = "30s"
//	dedup_window = 5000
//
//	[journal]
//	dsn = "sqlite:///var/lib/jobstream/journal.db"
type Config struct {
	Engine  EngineConfig  `toml:"engine" mapstructure:"engine"`
	Stream  StreamConfig  `toml:"stream" mapstructure:"stream"`
	Journal JournalConfig `toml:"journal" mapstructure:"journal"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Resync  ResyncConfig  `toml:"resync" mapstructure:"resync"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
}

// EngineConfig locates and authenticates against the remote engine.
type EngineConfig struct {
	BaseURL    string        `toml:"base_url" mapstructure:"base_url"`
	Token      string        `toml:"token" mapstructure:"token"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	CACert     string        `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string        `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string        `toml:"client_key" mapstructure:"client_key"`
	Insecure   bool          `toml:"insecure" mapstructure:"insecure"`
}

// StreamConfig tunes sessions. DedupWindow is deliberately a tunable: size
// it against the expected reconnect-gap event volume rather than trusting
// the default.
type StreamConfig struct {
	BaseDelay   time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	DedupWindow int           `toml:"dedup_window" mapstructure:"dedup_window"`
	Buffer      int           `toml:"buffer" mapstructure:"buffer"`
	LogLimit    int           `toml:"log_limit" mapstructure:"log_limit"`
}

// JournalConfig selects event journal destinations by DSN.
type JournalConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// ServerConfig configures the local read-only status API.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Addr     string `toml:"addr" mapstructure:"addr"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// ResyncConfig schedules full snapshot refreshes from the control surface.
type ResyncConfig struct {
	Schedule string `toml:"schedule" mapstructure:"schedule"`
	Limit    int    `toml:"limit" mapstructure:"limit"`
}

// LogConfig mirrors logger.Config for TOML loading.
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	Level      string `toml:"level" mapstructure:"level"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ToLogger converts the TOML block to the logger package's config.
func (c LogConfig) ToLogger() logger.Config {
	return logger.Config{
		Dir:        c.Dir,
		File:       c.File,
		Level:      c.Level,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			BaseURL: "http://localhost:8791",
			Timeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			DedupWindow: 5000,
			Buffer:      64,
			LogLimit:    500,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8723",
		},
		Resync: ResyncConfig{
			Schedule: "@every 5m",
			Limit:    200,
		},
	}
}

// LoadConfig reads a TOML config file, applying defaults for absent keys.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the subsystem cannot run with.
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Stream.BaseDelay < 0 || c.Stream.MaxDelay < 0 {
		return fmt.Errorf("stream delays must not be negative")
	}
	if c.Stream.MaxDelay > 0 && c.Stream.BaseDelay > c.Stream.MaxDelay {
		return fmt.Errorf("stream.base_delay exceeds stream.max_delay")
	}
	if c.Stream.DedupWindow < 0 {
		return fmt.Errorf("stream.dedup_window must not be negative")
	}
	return nil
}
