// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete ragchat configuration.
type Config struct {
	Version string `toml:"version"`

	// Server configuration
	Server ServerConfig `toml:"server"`

	// Widget (embed) configuration
	Widget WidgetConfig `toml:"widget"`

	// UI configuration
	UI UIConfig `toml:"ui"`

	// History cache configuration
	History HistoryConfig `toml:"history"`

	// Pacing is the local advisory send-rate guard
	Pacing PacingConfig `toml:"pacing"`
}

// ServerConfig contains backend connection configuration.
type ServerConfig struct {
	// BaseURL is the backend base URL
	BaseURL string `toml:"base_url"`
	// TimeoutSecs is the timeout for non-streaming requests in seconds
	TimeoutSecs int `toml:"timeout_secs"`
}

// WidgetConfig contains the embed identity for the widget surface.
type WidgetConfig struct {
	// EmbedKey identifies the site this client embeds for.
	// Empty means the account surface is used instead.
	EmbedKey string `toml:"embed_key"`
}

// UIConfig contains terminal UI configuration.
type UIConfig struct {
	// Theme selects the color theme: "dark", "light", or "auto"
	Theme string `toml:"theme"`
	// Markdown enables rendered markdown for assistant replies
	Markdown bool `toml:"markdown"`
	// SyntaxHighlight enables code block highlighting in plain mode
	SyntaxHighlight bool `toml:"syntax_highlight"`
	// Compact reduces vertical padding between messages
	Compact bool `toml:"compact"`
}

// HistoryConfig contains the local conversation cache configuration.
type HistoryConfig struct {
	// Enabled turns the local SQLite history cache on
	Enabled bool `toml:"enabled"`
	// MaxConversations caps how many conversations the cache keeps
	MaxConversations int `toml:"max_conversations"`
	// Path overrides the database location (empty = ~/.ragchat/history.db)
	Path string `toml:"path"`
}

// PacingConfig contains the advisory local send-rate guard. It only warns;
// the server's rate limit is the authority.
type PacingConfig struct {
	// SendsPerMinute is the advisory budget (0 = disabled)
	SendsPerMinute int `toml:"sends_per_minute"`
	// Burst is the burst allowance
	Burst int `toml:"burst"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			BaseURL:     "http://localhost:8080",
			TimeoutSecs: 30,
		},
		UI: UIConfig{
			Theme:           "auto",
			Markdown:        true,
			SyntaxHighlight: true,
		},
		History: HistoryConfig{
			Enabled:          true,
			MaxConversations: 200,
		},
		Pacing: PacingConfig{
			SendsPerMinute: 0,
			Burst:          1,
		},
	}
}

// fillDefaults fills zero values with defaults after a partial file load.
func fillDefaults(cfg *Config) {
	def := Default()
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = def.Server.BaseURL
	}
	if cfg.Server.TimeoutSecs == 0 {
		cfg.Server.TimeoutSecs = def.Server.TimeoutSecs
	}
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = def.UI.Theme
	}
	if cfg.History.MaxConversations == 0 {
		cfg.History.MaxConversations = def.History.MaxConversations
	}
	if cfg.Pacing.Burst == 0 {
		cfg.Pacing.Burst = def.Pacing.Burst
	}
}

// =============================================================================
// PATHS
// =============================================================================

// ConfigDir returns the ragchat configuration directory (~/.ragchat).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".ragchat"), nil
}

// ConfigPath returns the path to the TOML configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir creates the configuration directory if needed.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file to owner-only access.
// SECURITY: The config can contain an embed key; keep it private.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Mode().Perm()&0077 != 0 {
		return os.Chmod(path, 0600)
	}
	return nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load loads configuration from the default path, falling back to defaults
// when no file exists.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadFromPath(path string) (*Config, error) {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML file: %w", err)
	}
	fillDefaults(cfg)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// SECURITY: Ensure permissions are correct even if file already existed
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# ragchat configuration file")
	fmt.Fprintln(file, "# Generated by ragchat - edit with care")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported variables:
//   - RAGCHAT_SERVER: overrides server.base_url
//   - RAGCHAT_EMBED_KEY: overrides widget.embed_key
//   - RAGCHAT_THEME: overrides ui.theme
//   - RAGCHAT_NO_MARKDOWN: "1" or "true" disables markdown rendering
//   - RAGCHAT_NO_HISTORY: "1" or "true" disables the local history cache
func (c *Config) ApplyEnvOverrides() {
	if server := os.Getenv("RAGCHAT_SERVER"); server != "" {
		c.Server.BaseURL = server
	}
	if key := os.Getenv("RAGCHAT_EMBED_KEY"); key != "" {
		c.Widget.EmbedKey = key
	}
	if theme := os.Getenv("RAGCHAT_THEME"); theme != "" {
		c.UI.Theme = theme
	}
	if v := os.Getenv("RAGCHAT_NO_MARKDOWN"); v == "1" || strings.EqualFold(v, "true") {
		c.UI.Markdown = false
	}
	if v := os.Getenv("RAGCHAT_NO_HISTORY"); v == "1" || strings.EqualFold(v, "true") {
		c.History.Enabled = false
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("invalid URL %q, must be http(s)://host", c.Server.BaseURL),
		})
	}

	if c.Server.TimeoutSecs < 1 || c.Server.TimeoutSecs > 600 {
		errs = append(errs, ValidationError{
			Field:   "server.timeout_secs",
			Message: fmt.Sprintf("invalid timeout %d, must be 1-600", c.Server.TimeoutSecs),
		})
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme %q, must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if c.History.MaxConversations < 1 {
		errs = append(errs, ValidationError{
			Field:   "history.max_conversations",
			Message: "must be at least 1",
		})
	}

	if c.Pacing.SendsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "pacing.sends_per_minute",
			Message: "must not be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process-wide configuration, loading it on first use.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
