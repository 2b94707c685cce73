package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectBaseDelayMS = 1000
	DefaultReconnectMaxDelayMS  = 30000
	DefaultFeedPageSize         = 10
)

// Config represents the global ~/.pulse/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Endpoint is the base URL of the publishing platform
	// ("https://example.com"). The realtime socket and the REST API
	// both derive from it.
	Endpoint string `toml:"endpoint"`

	Reconnect ReconnectConfig `toml:"reconnect"`
	Feed      FeedConfig      `toml:"feed"`
}

// ReconnectConfig bounds the automatic reconnect loop.
type ReconnectConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// BaseDelay returns the backoff base as a duration.
func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff ceiling as a duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// FeedConfig controls conversation list paging.
type FeedConfig struct {
	PageSize int `toml:"page_size"`
}

// Load reads config from the given path and applies defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Default returns a config with all defaults applied and no endpoint.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.Reconnect.BaseDelayMS == 0 {
		c.Reconnect.BaseDelayMS = DefaultReconnectBaseDelayMS
	}
	if c.Reconnect.MaxDelayMS == 0 {
		c.Reconnect.MaxDelayMS = DefaultReconnectMaxDelayMS
	}
	if c.Feed.PageSize == 0 {
		c.Feed.PageSize = DefaultFeedPageSize
	}
}
