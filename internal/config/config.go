// Package config loads the client configuration from file, environment, and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	URL                 string `mapstructure:"url"`
	HandshakeTimeoutSec int    `mapstructure:"handshake_timeout_sec"`
}

type StreamConfig struct {
	// BackoffSec overrides the reconnect schedule; empty keeps the default.
	BackoffSec []int `mapstructure:"backoff_sec"`

	// Routes maps inbound entity field names to group names.
	Routes map[string]string `mapstructure:"routes"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.url", "ws://localhost:8080/stream")
	v.SetDefault("server.handshake_timeout_sec", 10)
	v.SetDefault("logging.level", "info")

	v.SetEnvPrefix("STREAMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// URL, got %q", c.Server.URL)
	}
	for _, sec := range c.Stream.BackoffSec {
		if sec < 0 {
			return fmt.Errorf("stream.backoff_sec entries must be >= 0")
		}
	}
	return nil
}

// HandshakeTimeout returns the websocket handshake timeout.
func (c *ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// Backoff converts the configured schedule; nil when unset.
func (c *StreamConfig) Backoff() []time.Duration {
	if len(c.BackoffSec) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.BackoffSec))
	for i, sec := range c.BackoffSec {
		out[i] = time.Duration(sec) * time.Second
	}
	return out
}
