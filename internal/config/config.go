package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the corresponding field is absent from the file.
const (
	DefaultTypingWindow  = 7 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 2 * time.Second
)

// Config represents the global ~/.koi/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Server holds the chat backend endpoints and credentials.
	Server ServerConfig `toml:"server"`

	// Sync tunes the synchronization engine.
	Sync SyncConfig `toml:"sync"`
}

// ServerConfig holds the chat backend endpoints and credentials.
type ServerConfig struct {
	BaseURL   string `toml:"base_url"`
	WSURL     string `toml:"ws_url"`
	APIKey    string `toml:"api_key"`
	UserToken string `toml:"user_token"`
}

// SyncConfig tunes replay and typing behavior.
type SyncConfig struct {
	TypingWindowMs  int `toml:"typing_window_ms"`
	RetryAttempts   int `toml:"retry_attempts"`
	RetryBackoffMs  int `toml:"retry_backoff_ms"`
	HistoryPageSize int `toml:"history_page_size"`
}

// TypingWindow returns the configured typing expiry window.
func (c *Config) TypingWindow() time.Duration {
	if c.Sync.TypingWindowMs <= 0 {
		return DefaultTypingWindow
	}
	return time.Duration(c.Sync.TypingWindowMs) * time.Millisecond
}

// RetryAttempts returns the configured retry attempt count.
func (c *Config) RetryAttempts() int {
	if c.Sync.RetryAttempts <= 0 {
		return DefaultRetryAttempts
	}
	return c.Sync.RetryAttempts
}

// RetryBackoff returns the base backoff between retry attempts.
func (c *Config) RetryBackoff() time.Duration {
	if c.Sync.RetryBackoffMs <= 0 {
		return DefaultRetryBackoff
	}
	return time.Duration(c.Sync.RetryBackoffMs) * time.Millisecond
}

// Validate checks that the server section is usable for connecting.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
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
