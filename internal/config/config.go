// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for vaultchat.
//
// Supports TOML configuration with sensible defaults, environment
// variable overrides, and validation.
//
// Configuration locations (in order of precedence):
//   - path passed explicitly (the -config flag)
//   - ~/.vaultchat/config.toml
//   - Built-in defaults
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete vaultchat configuration.
type Config struct {
	// Listen is the address the localhost HTTP facade binds to.
	Listen string `toml:"listen"`

	// StorageDir is the directory holding the SQLite vault database.
	StorageDir string `toml:"storage_dir"`

	Backend BackendConfig `toml:"backend"`
	Log     LogConfig     `toml:"log"`
}

// BackendConfig contains inference backend configuration.
type BackendConfig struct {
	// URL is the base URL of the backend server.
	URL string `toml:"url"`
	// HealthTimeoutSecs bounds each reconnect probe, in seconds.
	HealthTimeoutSecs int `toml:"health_timeout_secs"`
}

// HealthTimeout returns the probe timeout as a duration.
func (b BackendConfig) HealthTimeout() time.Duration {
	return time.Duration(b.HealthTimeoutSecs) * time.Second
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// Pretty switches to human-readable console output.
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS AND PATHS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:     "127.0.0.1:8844",
		StorageDir: "",
		Backend: BackendConfig{
			URL:               "http://localhost:11434",
			HealthTimeoutSecs: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Dir returns the vaultchat configuration directory (~/.vaultchat).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve home directory")
	}
	return filepath.Join(home, ".vaultchat"), nil
}

// DefaultPath returns the default configuration file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path, falling back to defaults for any
// unset field. An empty path uses the default location; a missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported variables:
//   - VAULTCHAT_LISTEN: facade listen address
//   - VAULTCHAT_STORAGE_DIR: vault storage directory
//   - VAULTCHAT_BACKEND_URL: inference backend base URL
//   - VAULTCHAT_LOG_LEVEL: log level
func (c *Config) ApplyEnvOverrides() {
	if listen := os.Getenv("VAULTCHAT_LISTEN"); listen != "" {
		c.Listen = listen
	}
	if dir := os.Getenv("VAULTCHAT_STORAGE_DIR"); dir != "" {
		c.StorageDir = dir
	}
	if backendURL := os.Getenv("VAULTCHAT_BACKEND_URL"); backendURL != "" {
		c.Backend.URL = backendURL
	}
	if level := os.Getenv("VAULTCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Errorf("invalid backend url %q", c.Backend.URL)
	}
	if c.Backend.HealthTimeoutSecs <= 0 {
		return errors.New("backend health_timeout_secs must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}

// StoragePath resolves the vault database location, defaulting to the
// configuration directory.
func (c *Config) StoragePath() (string, error) {
	dir := c.StorageDir
	if dir == "" {
		d, err := Dir()
		if err != nil {
			return "", err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(err, "failed to create storage dir %s", dir)
	}
	return filepath.Join(dir, "vault.db"), nil
}
