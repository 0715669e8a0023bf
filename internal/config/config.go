// Package config provides YAML-based configuration loading for the peermux executables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Relay configures the relay server
	Relay RelayConfig `mapstructure:"relay"`

	// Client configures connections dialed to a relay
	Client ClientConfig `mapstructure:"client"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	// Addr is the listen address, e.g. ":9009"
	Addr string `mapstructure:"addr"`
	// AllowAllOrigins disables the same-origin check on WebSocket upgrades
	AllowAllOrigins bool `mapstructure:"allow_all_origins"`
	// RateLimit limits inbound envelopes per member
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	WriteWaitMS int `mapstructure:"write_wait_ms"`
	PongWaitMS  int `mapstructure:"pong_wait_ms"`
}

// RateLimitConfig is a token bucket per connection.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ClientConfig configures a root socket dialed to a relay.
type ClientConfig struct {
	// Endpoint is the relay base URL, ws:// or wss://
	Endpoint string `mapstructure:"endpoint"`
	// Service is the named service to join
	Service string `mapstructure:"service"`
	// PeerID is the local id; empty picks a random one
	PeerID string `mapstructure:"peer_id"`
	// Topic is the topic the pubsub tool subscribes and publishes to
	Topic string `mapstructure:"topic"`

	OpenDelayMS        int `mapstructure:"open_delay_ms"`
	HandshakeTimeoutMS int `mapstructure:"handshake_timeout_ms"`
}

// WriteWait returns the relay write deadline.
func (c RelayConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitMS) * time.Millisecond
}

// PongWait returns how long the relay keeps a silent member.
func (c RelayConfig) PongWait() time.Duration {
	return time.Duration(c.PongWaitMS) * time.Millisecond
}

// OpenDelay returns how long new peers stay connecting.
func (c ClientConfig) OpenDelay() time.Duration {
	return time.Duration(c.OpenDelayMS) * time.Millisecond
}

// HandshakeTimeout bounds the WebSocket opening handshake.
func (c ClientConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMS) * time.Millisecond
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/peermux.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Relay: RelayConfig{
			Addr:            ":9009",
			AllowAllOrigins: false,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				MessagesPerSecond: 100,
				Burst:             200,
			},
			WriteWaitMS: 10000,
			PongWaitMS:  60000,
		},
		Client: ClientConfig{
			Endpoint:           "ws://localhost:9009",
			Service:            "default",
			Topic:              "news",
			OpenDelayMS:        200,
			HandshakeTimeoutMS: 5000,
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PEERMUX and `.`/`-` are replaced with `_`.
// Example: PEERMUX_RELAY_ADDR=:8080
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	// Relay defaults
	v.SetDefault("relay.addr", cfg.Relay.Addr)
	v.SetDefault("relay.allow_all_origins", cfg.Relay.AllowAllOrigins)
	v.SetDefault("relay.rate_limit.enabled", cfg.Relay.RateLimit.Enabled)
	v.SetDefault("relay.rate_limit.messages_per_second", cfg.Relay.RateLimit.MessagesPerSecond)
	v.SetDefault("relay.rate_limit.burst", cfg.Relay.RateLimit.Burst)
	v.SetDefault("relay.write_wait_ms", cfg.Relay.WriteWaitMS)
	v.SetDefault("relay.pong_wait_ms", cfg.Relay.PongWaitMS)
	// Client defaults
	v.SetDefault("client.endpoint", cfg.Client.Endpoint)
	v.SetDefault("client.service", cfg.Client.Service)
	v.SetDefault("client.peer_id", cfg.Client.PeerID)
	v.SetDefault("client.topic", cfg.Client.Topic)
	v.SetDefault("client.open_delay_ms", cfg.Client.OpenDelayMS)
	v.SetDefault("client.handshake_timeout_ms", cfg.Client.HandshakeTimeoutMS)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("PEERMUX_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `peermux`
		v.SetConfigName("peermux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".peermux"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if strings.TrimSpace(c.Relay.Addr) == "" {
		return errors.New("relay.addr must not be empty")
	}
	if c.Relay.RateLimit.Enabled && (c.Relay.RateLimit.MessagesPerSecond <= 0 || c.Relay.RateLimit.Burst <= 0) {
		return fmt.Errorf("relay.rate_limit needs positive messages_per_second and burst, got %v and %d",
			c.Relay.RateLimit.MessagesPerSecond, c.Relay.RateLimit.Burst)
	}
	if c.Relay.WriteWaitMS < 0 || c.Relay.PongWaitMS < 0 {
		return errors.New("relay timings must not be negative")
	}
	if c.Client.OpenDelayMS < 0 || c.Client.HandshakeTimeoutMS < 0 {
		return errors.New("client timings must not be negative")
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
