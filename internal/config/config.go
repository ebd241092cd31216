// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// lightgpt.
//
// Configuration lives in TOML with sensible defaults and environment
// variable overrides. File location: ~/.lightgpt/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lightgpt/lightgpt/internal/cloud"
	"github.com/lightgpt/lightgpt/internal/keystore"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete lightgpt configuration.
type Config struct {
	// DefaultModel is the model used for new conversations.
	DefaultModel string `toml:"default_model"`

	Cloud     CloudConfig     `toml:"cloud"`
	History   HistoryConfig   `toml:"history"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// CloudConfig holds the upstream API settings.
type CloudConfig struct {
	// APIKey is the upstream API key, stored obfuscated with an
	// "enc:" prefix. Use Config.APIKey / Config.SetAPIKey.
	APIKey string `toml:"api_key"`
	// BaseURL overrides the API base URL. Empty uses the default.
	BaseURL string `toml:"base_url"`
	// Format selects the stream transport shape: "chat" or "responses".
	Format string `toml:"format"`
	// ReasoningEffort is the reasoning effort hint for responses-format
	// models: "low", "medium" or "high".
	ReasoningEffort string `toml:"reasoning_effort"`
	// ReasoningSummary requests reasoning summaries: "auto" or "detailed".
	ReasoningSummary string `toml:"reasoning_summary"`
}

// HistoryConfig holds the persistence settings.
type HistoryConfig struct {
	// Backend selects where history lives: "sqlite" or "http".
	Backend string `toml:"backend"`
	// DBPath is the sqlite database path (sqlite backend).
	DBPath string `toml:"db_path"`
	// ServerURL is the history server base URL (http backend).
	ServerURL string `toml:"server_url"`
	// ListenAddr is the bind address for the historyd server.
	ListenAddr string `toml:"listen_addr"`
}

// RateLimitConfig holds the client-side submission limits.
type RateLimitConfig struct {
	// MaxPerWindow is the number of submissions allowed per window.
	MaxPerWindow int `toml:"max_per_window"`
	// WindowSecs is the window length in seconds.
	WindowSecs int `toml:"window_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DefaultModel: cloud.DefaultModelID,

		Cloud: CloudConfig{
			Format:           "responses",
			ReasoningEffort:  "medium",
			ReasoningSummary: "auto",
		},

		History: HistoryConfig{
			Backend:    "sqlite",
			ListenAddr: "127.0.0.1:8321",
		},

		RateLimit: RateLimitConfig{
			MaxPerWindow: 10,
			WindowSecs:   60,
		},
	}
}

// ConfigDir returns the lightgpt configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".lightgpt"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the config file, applies environment overrides and
// validates the result. A missing file yields defaults.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		}
	}

	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the default path with owner-only
// permissions, since it carries the obfuscated API key.
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.toml")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	fmt.Fprintln(file, "# lightgpt configuration file")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// fillDefaults fills missing values from Default.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.DefaultModel == "" {
		c.DefaultModel = defaults.DefaultModel
	}
	if c.Cloud.Format == "" {
		c.Cloud.Format = defaults.Cloud.Format
	}
	if c.Cloud.ReasoningEffort == "" {
		c.Cloud.ReasoningEffort = defaults.Cloud.ReasoningEffort
	}
	if c.Cloud.ReasoningSummary == "" {
		c.Cloud.ReasoningSummary = defaults.Cloud.ReasoningSummary
	}
	if c.History.Backend == "" {
		c.History.Backend = defaults.History.Backend
	}
	if c.History.ListenAddr == "" {
		c.History.ListenAddr = defaults.History.ListenAddr
	}
	if c.RateLimit.MaxPerWindow == 0 {
		c.RateLimit.MaxPerWindow = defaults.RateLimit.MaxPerWindow
	}
	if c.RateLimit.WindowSecs == 0 {
		c.RateLimit.WindowSecs = defaults.RateLimit.WindowSecs
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Cloud.Format) {
	case "chat", "responses":
	default:
		return fmt.Errorf("cloud.format must be 'chat' or 'responses', got %q", c.Cloud.Format)
	}

	switch strings.ToLower(c.History.Backend) {
	case "sqlite":
	case "http":
		if c.History.ServerURL == "" {
			return fmt.Errorf("history.server_url is required for the http backend")
		}
	default:
		return fmt.Errorf("history.backend must be 'sqlite' or 'http', got %q", c.History.Backend)
	}

	if c.RateLimit.MaxPerWindow < 1 {
		return fmt.Errorf("rate_limit.max_per_window must be positive, got %d", c.RateLimit.MaxPerWindow)
	}
	if c.RateLimit.WindowSecs < 1 {
		return fmt.Errorf("rate_limit.window_secs must be positive, got %d", c.RateLimit.WindowSecs)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - LIGHTGPT_API_KEY: overrides cloud.api_key (plaintext)
//   - LIGHTGPT_MODEL: overrides default_model
//   - LIGHTGPT_BASE_URL: overrides cloud.base_url
//   - LIGHTGPT_FORMAT: overrides cloud.format
//   - LIGHTGPT_DB_PATH: overrides history.db_path
//   - LIGHTGPT_HISTORY_URL: overrides history.server_url and selects
//     the http backend
//   - LIGHTGPT_RATE_LIMIT: overrides rate_limit.max_per_window
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("LIGHTGPT_API_KEY"); key != "" {
		c.Cloud.APIKey = key
	}
	if model := os.Getenv("LIGHTGPT_MODEL"); model != "" {
		c.DefaultModel = model
	}
	if url := os.Getenv("LIGHTGPT_BASE_URL"); url != "" {
		c.Cloud.BaseURL = url
	}
	if format := os.Getenv("LIGHTGPT_FORMAT"); format != "" {
		c.Cloud.Format = format
	}
	if path := os.Getenv("LIGHTGPT_DB_PATH"); path != "" {
		c.History.DBPath = path
	}
	if url := os.Getenv("LIGHTGPT_HISTORY_URL"); url != "" {
		c.History.ServerURL = url
		c.History.Backend = "http"
	}
	if limit := os.Getenv("LIGHTGPT_RATE_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			c.RateLimit.MaxPerWindow = n
		}
	}
}

// =============================================================================
// API KEY HELPERS
// =============================================================================

// APIKey returns the plaintext API key, revealing it when the stored
// value is obfuscated.
func (c *Config) APIKey() string {
	if keystore.IsObfuscated(c.Cloud.APIKey) {
		plain, err := keystore.Reveal(c.Cloud.APIKey)
		if err != nil {
			return ""
		}
		return plain
	}
	return c.Cloud.APIKey
}

// SetAPIKey stores the key in obfuscated form.
func (c *Config) SetAPIKey(plain string) error {
	enc, err := keystore.Obfuscate(plain)
	if err != nil {
		return err
	}
	c.Cloud.APIKey = enc
	return nil
}

// Window returns the rate limit window as a duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSecs) * time.Second
}

// StreamFormat maps the configured format string to the transport
// shape discriminator.
func (c *Config) StreamFormat() cloud.StreamFormat {
	if strings.ToLower(c.Cloud.Format) == "chat" {
		return cloud.FormatChat
	}
	return cloud.FormatResponses
}

// DBPath returns the sqlite path, defaulting under the config dir.
func (c *Config) DBPath() (string, error) {
	if c.History.DBPath != "" {
		return c.History.DBPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}
