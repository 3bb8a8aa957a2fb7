// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/kestrel/config.yaml",
	"/etc/kestrel/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "KESTREL_CONFIG_PATH"

// envPrefix namespaces environment overrides, e.g.
// KESTREL_SERVER_PORT=8080 sets server.port.
const envPrefix = "KESTREL_"

// defaultConfig returns the built-in defaults applied before file and
// environment overrides.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Policy: PolicyConfig{
			Mode:       "production",
			Enabled:    true,
			StrictMode: false,
			MaxDepth:   50,
		},
		Tracker: TrackerConfig{
			RingCapacity:        10000,
			MaxIPs:              100000,
			TTL:                 24 * time.Hour,
			CompactionInterval:  time.Hour,
			PerSetCap:           256,
			UserIPHistoryCap:    32,
			BruteForceWindow:    5 * time.Minute,
			BruteForceThreshold: 5,
			AutoBlockThreshold:  10,
			RateLimitWindow:     time.Minute,
			RateLimitThreshold:  100,
			SuspiciousThreshold: 70,
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8480,
			Timeout:            30 * time.Second,
			RateLimitPerMinute: 120,
		},
		Webhook: WebhookConfig{
			Enabled:       false,
			RatePerSecond: 2,
		},
		Snapshot: SnapshotConfig{
			Enabled:  false,
			Path:     "/data/kestrel/snapshots",
			Interval: 15 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file, then
// KESTREL_ environment overrides, then validation.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile builds the configuration from a specific YAML file.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyMapper maps KESTREL_SERVER_PORT to server.port. Only the first
// underscore becomes a dot, so multi-word leaf keys keep their underscores
// (KESTREL_TRACKER_MAX_IPS -> tracker.max_ips).
func envKeyMapper(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// findConfigFile returns the explicit KESTREL_CONFIG_PATH or the first
// default path that exists, or empty.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
