package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.wastechat/config.toml.
type Config struct {
	DefaultProfile string    `toml:"default_profile"`
	Backend        Backend   `toml:"backend"`
	Store          Store     `toml:"store"`
	Stream         Stream    `toml:"stream"`
	History        History   `toml:"history"`
	Location       *Location `toml:"location,omitempty"`
}

// Backend configures the chat REST/SSE backend.
type Backend struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
	Model   string `toml:"model"`
}

// Store configures local retention.
type Store struct {
	// CommittedRetention is how long a committed, synced message stays local.
	CommittedRetention Duration `toml:"committed_retention"`
	// TTL bounds the age of any local record regardless of status.
	TTL             Duration `toml:"ttl"`
	CleanupSchedule string   `toml:"cleanup_schedule"`
}

// Stream configures reconnection of the job event stream.
type Stream struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
}

// History configures history paging.
type History struct {
	PageSize int `toml:"page_size"`
}

// Location is a fixed position attached to outbound messages.
type Location struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
}

// Duration is a time.Duration encoded as a Go duration string ("30s", "24h").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Backend: Backend{
			BaseURL: "http://127.0.0.1:8787",
			Model:   "default",
		},
		Store: Store{
			CommittedRetention: Duration{30 * time.Second},
			TTL:                Duration{24 * time.Hour},
			CleanupSchedule:    "@every 30s",
		},
		Stream: Stream{
			MaxReconnectAttempts: 3,
			ReconnectBaseDelay:   Duration{time.Second},
		},
		History: History{PageSize: 50},
	}
}

// Load reads config from the given path on top of Default. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fill()
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// fill restores defaults for values explicitly zeroed in the file.
func (c *Config) fill() {
	def := Default()
	if c.Store.CommittedRetention.Duration <= 0 {
		c.Store.CommittedRetention = def.Store.CommittedRetention
	}
	if c.Store.TTL.Duration <= 0 {
		c.Store.TTL = def.Store.TTL
	}
	if c.Store.CleanupSchedule == "" {
		c.Store.CleanupSchedule = def.Store.CleanupSchedule
	}
	if c.Stream.MaxReconnectAttempts <= 0 {
		c.Stream.MaxReconnectAttempts = def.Stream.MaxReconnectAttempts
	}
	if c.Stream.ReconnectBaseDelay.Duration <= 0 {
		c.Stream.ReconnectBaseDelay = def.Stream.ReconnectBaseDelay
	}
	if c.History.PageSize <= 0 {
		c.History.PageSize = def.History.PageSize
	}
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
