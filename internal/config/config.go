// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package config holds the embedder-facing configuration for the Kestrel
// service binary.
//
// Configuration loading order (koanf v2):
//  1. Defaults: built-in sensible defaults for all settings
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: KESTREL_ prefixed overrides
//
// The core library itself never reads the process environment; everything it
// needs is passed in as constructed values. This package is the place where
// the embedding binary turns the environment into those values.
//
// Config is immutable after Load and safe for concurrent reads.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the Kestrel server binary.
type Config struct {
	Logging  LoggingConfig  `koanf:"logging"`
	Policy   PolicyConfig   `koanf:"policy"`
	Tracker  TrackerConfig  `koanf:"tracker"`
	Server   ServerConfig   `koanf:"server"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	Snapshot SnapshotConfig `koanf:"snapshot"`
}

// LoggingConfig controls the ambient zerolog logger.
type LoggingConfig struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// PolicyConfig seeds the sanitizer masking policy. The mode string is the
// single environment input policy construction depends on; the sanitizer
// itself never reads the process environment.
type PolicyConfig struct {
	// Mode is "development" or "production".
	Mode string `koanf:"mode"`

	// Enabled switches sanitization on. Development mode is the identity
	// regardless.
	Enabled bool `koanf:"enabled"`

	// StrictMode turns PII detection in log metadata into emit failures.
	StrictMode bool `koanf:"strict_mode"`

	// MaxDepth bounds sanitization traversal.
	MaxDepth int `koanf:"max_depth"`

	// ExtraSensitiveFields extends the built-in sensitive field name set.
	ExtraSensitiveFields []string `koanf:"extra_sensitive_fields"`
}

// TrackerConfig tunes the access tracker.
type TrackerConfig struct {
	RingCapacity        int           `koanf:"ring_capacity"`
	MaxIPs              int           `koanf:"max_ips"`
	TTL                 time.Duration `koanf:"ttl"`
	CompactionInterval  time.Duration `koanf:"compaction_interval"`
	PerSetCap           int           `koanf:"per_set_cap"`
	UserIPHistoryCap    int           `koanf:"user_ip_history_cap"`
	BruteForceWindow    time.Duration `koanf:"brute_force_window"`
	BruteForceThreshold int           `koanf:"brute_force_threshold"`
	AutoBlockThreshold  int           `koanf:"auto_block_threshold"`
	RateLimitWindow     time.Duration `koanf:"rate_limit_window"`
	RateLimitThreshold  int           `koanf:"rate_limit_threshold"`
	SuspiciousThreshold int           `koanf:"suspicious_threshold"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// AuthSecret signs admin bearer tokens (HS256). Empty disables auth;
	// only do that behind a trusted reverse proxy.
	AuthSecret string `koanf:"auth_secret"`

	// RateLimitPerMinute caps admin API requests per client IP.
	RateLimitPerMinute int `koanf:"rate_limit_per_minute"`

	// CORSOrigins lists allowed origins for the dashboard.
	CORSOrigins []string `koanf:"cors_origins"`
}

// WebhookConfig configures the outbound alert webhook.
type WebhookConfig struct {
	Enabled       bool              `koanf:"enabled"`
	URL           string            `koanf:"url"`
	Headers       map[string]string `koanf:"headers"`
	RatePerSecond float64           `koanf:"rate_per_second"`
}

// SnapshotConfig configures optional durable tracker snapshots.
type SnapshotConfig struct {
	Enabled bool `koanf:"enabled"`

	// Path is the Badger database directory.
	Path string `koanf:"path"`

	// Interval between automatic snapshots.
	Interval time.Duration `koanf:"interval"`
}

// Validate checks cross-field constraints not expressible as tags.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.Policy.Mode != "development" && c.Policy.Mode != "production" {
		return fmt.Errorf("config: policy mode %q must be development or production", c.Policy.Mode)
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("config: webhook enabled without url")
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return fmt.Errorf("config: snapshot enabled without path")
	}
	return nil
}
