// Copyright 2026 The Matrix Secretary Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the secretary service.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Bot configures the bot account and command handling.
	Bot BotConfig `yaml:"bot"`

	// Store configures the policy store database.
	Store StoreConfig `yaml:"store"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Homeserver *HomeserverConfig `yaml:"homeserver,omitempty"`
	Bot        *BotConfig        `yaml:"bot,omitempty"`
	Store      *StoreConfig      `yaml:"store,omitempty"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// URL is the base URL of the homeserver, e.g. "https://matrix.example.org".
	URL string `yaml:"url"`

	// ServerName is the Matrix server name used when minting aliases,
	// e.g. "example.org". May differ from the URL's host.
	ServerName string `yaml:"server_name"`
}

// BotConfig configures the bot account and command handling.
type BotConfig struct {
	// UserID is the fully qualified Matrix user ID of the bot account,
	// e.g. "@bot.secretary:example.org".
	UserID string `yaml:"user_id"`

	// CommandPrefix is the prefix that marks a room message as a command.
	// Default: "!sec"
	CommandPrefix string `yaml:"command_prefix"`

	// BotPrefix is the localpart prefix that identifies bot accounts when
	// deciding whether a room is abandoned. Default: "bot."
	BotPrefix string `yaml:"bot_prefix"`

	// NoticeRoom is an optional room ID or alias that receives service
	// notices. Empty disables notices.
	NoticeRoom string `yaml:"notice_room"`
}

// StoreConfig configures the policy store database.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file.
	// Default: ${HOME}/.local/share/matrix-secretary/secretary.db
	Path string `yaml:"path"`

	// PoolSize is the number of connections in the pool. Zero means the
	// pool picks a default based on CPU count.
	PoolSize int `yaml:"pool_size"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		Bot: BotConfig{
			CommandPrefix: "!sec",
			BotPrefix:     "bot.",
		},
		Store: StoreConfig{
			Path: filepath.Join(homeDir, ".local", "share", "matrix-secretary", "secretary.db"),
		},
	}
}

// Load loads configuration from the SECRETARY_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if SECRETARY_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("SECRETARY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SECRETARY_CONFIG environment variable not set; " +
			"set it to the path of your secretary.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Homeserver != nil {
		if overrides.Homeserver.URL != "" {
			c.Homeserver.URL = overrides.Homeserver.URL
		}
		if overrides.Homeserver.ServerName != "" {
			c.Homeserver.ServerName = overrides.Homeserver.ServerName
		}
	}

	if overrides.Bot != nil {
		if overrides.Bot.UserID != "" {
			c.Bot.UserID = overrides.Bot.UserID
		}
		if overrides.Bot.CommandPrefix != "" {
			c.Bot.CommandPrefix = overrides.Bot.CommandPrefix
		}
		if overrides.Bot.BotPrefix != "" {
			c.Bot.BotPrefix = overrides.Bot.BotPrefix
		}
		if overrides.Bot.NoticeRoom != "" {
			c.Bot.NoticeRoom = overrides.Bot.NoticeRoom
		}
	}

	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Store.Path = expandVars(c.Store.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	}

	if c.Homeserver.ServerName == "" {
		errs = append(errs, fmt.Errorf("homeserver.server_name is required"))
	}

	if c.Bot.UserID == "" {
		errs = append(errs, fmt.Errorf("bot.user_id is required"))
	}

	if c.Bot.CommandPrefix == "" {
		errs = append(errs, fmt.Errorf("bot.command_prefix is required"))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the store's parent directory if it does not exist.
func (c *Config) EnsurePaths() error {
	if c.Store.Path == "" {
		return nil
	}
	directory := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	return nil
}
