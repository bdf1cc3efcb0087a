// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for engine hosts.
//
// Configuration is loaded from a single file specified by:
//   - ALLOW2_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

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

// Config is the master configuration for an engine host.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Service configures the remote parental-controls service.
	Service ServiceConfig `yaml:"service"`

	// Device configures this device's identity.
	Device DeviceConfig `yaml:"device"`

	// Enforcement configures the local decision loop.
	Enforcement EnforcementConfig `yaml:"enforcement"`

	// Store configures durable preference storage.
	Store StoreConfig `yaml:"store"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	Service     *ServiceConfig     `yaml:"service,omitempty"`
	Enforcement *EnforcementConfig `yaml:"enforcement,omitempty"`
	Store       *StoreConfig       `yaml:"store,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for engine data.
	Root string `yaml:"root"`

	// Keys is where signing key material lives: the parent public
	// key trusted for grant tokens, and on parent devices the seed.
	Keys string `yaml:"keys"`

	// State is where runtime state is stored.
	State string `yaml:"state"`
}

// ServiceConfig configures the remote service connection.
type ServiceConfig struct {
	// BaseURL is the service endpoint.
	// Default: https://api.allow2.com
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each request, as a Go duration string.
	// Default: 15s
	Timeout string `yaml:"timeout"`
}

// DeviceConfig configures this device's identity.
type DeviceConfig struct {
	// Name is the human label shown to the parent during pairing.
	Name string `yaml:"name"`

	// Timezone is the device's IANA zone, used for travel detection
	// against the schedule's home zone. Empty means the home zone.
	Timezone string `yaml:"timezone"`
}

// EnforcementConfig configures the local decision loop.
type EnforcementConfig struct {
	// DefaultActivity is the activity the periodic check evaluates.
	// Default: 1 (internet)
	DefaultActivity int `yaml:"default_activity"`

	// CheckInterval is the periodic check cadence, as a Go duration
	// string. Default: 10s
	CheckInterval string `yaml:"check_interval"`
}

// StoreConfig configures durable preference storage.
type StoreConfig struct {
	// Backend selects the preference store: "sqlite" or "memory".
	// Default: sqlite
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Ignored for memory.
	Path string `yaml:"path"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible zero-value before the file is loaded,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "allow2")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			Keys:  filepath.Join(defaultRoot, "keys"),
			State: filepath.Join(defaultRoot, "state"),
		},
		Service: ServiceConfig{
			BaseURL: "https://api.allow2.com",
			Timeout: "15s",
		},
		Enforcement: EnforcementConfig{
			DefaultActivity: 1,
			CheckInterval:   "10s",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(defaultRoot, "state", "prefs.db"),
		},
	}
}

// Load loads configuration from the ALLOW2_CONFIG environment
// variable. There are no fallbacks - if ALLOW2_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ALLOW2_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ALLOW2_CONFIG environment variable not set; " +
			"set it to the path of your allow2.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides applies the environment-specific
// overrides.
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

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Keys != "" {
			c.Paths.Keys = overrides.Paths.Keys
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
	}

	if overrides.Service != nil {
		if overrides.Service.BaseURL != "" {
			c.Service.BaseURL = overrides.Service.BaseURL
		}
		if overrides.Service.Timeout != "" {
			c.Service.Timeout = overrides.Service.Timeout
		}
	}

	if overrides.Enforcement != nil {
		if overrides.Enforcement.DefaultActivity != 0 {
			c.Enforcement.DefaultActivity = overrides.Enforcement.DefaultActivity
		}
		if overrides.Enforcement.CheckInterval != "" {
			c.Enforcement.CheckInterval = overrides.Enforcement.CheckInterval
		}
	}

	if overrides.Store != nil {
		if overrides.Store.Backend != "" {
			c.Store.Backend = overrides.Store.Backend
		}
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"ALLOW2_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["ALLOW2_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Keys = expandVars(c.Paths.Keys, vars)
	c.Paths.State = expandVars(c.Paths.State, vars)
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

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	if c.Service.BaseURL == "" {
		errs = append(errs, fmt.Errorf("service.base_url is required"))
	}
	if _, err := time.ParseDuration(c.Service.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("service.timeout: %w", err))
	}

	if c.Enforcement.DefaultActivity < 1 || c.Enforcement.DefaultActivity > 255 {
		errs = append(errs, fmt.Errorf("enforcement.default_activity must be 1-255"))
	}
	if _, err := time.ParseDuration(c.Enforcement.CheckInterval); err != nil {
		errs = append(errs, fmt.Errorf("enforcement.check_interval: %w", err))
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be sqlite or memory"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.Keys,
		c.Paths.State,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
