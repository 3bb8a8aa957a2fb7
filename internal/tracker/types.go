// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"time"
)

// AlertType identifies the class of a security alert.
type AlertType string

const (
	AlertBruteForce             AlertType = "bruteForce"
	AlertRateLimitExceeded      AlertType = "rateLimitExceeded"
	AlertSuspiciousIP           AlertType = "suspiciousIP"
	AlertGeoAnomaly             AlertType = "geoAnomaly"
	AlertNewIPForUser           AlertType = "newIPForUser"
	AlertMultipleFailedAttempts AlertType = "multipleFailedAttempts"
)

// Severity indicates the severity level of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AccessEvent is one request observation ingested by the tracker.
// Events are immutable once handed to Track.
type AccessEvent struct {
	IP         string    `json:"ip"`
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	UserID     string    `json:"user_id,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
}

// Alert is a security alert produced by Track. The tracker only produces the
// value; its fate (notify, log, drop) is decided by the caller.
type Alert struct {
	Type        AlertType      `json:"type"`
	Severity    Severity       `json:"severity"`
	IP          string         `json:"ip"`
	UserID      string         `json:"user_id,omitempty"`
	Description string         `json:"description"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ShouldBlock bool           `json:"should_block"`
}

// IPStats is the per-IP aggregate exposed to callers. Lookups return copies;
// mutating a returned value does not affect tracker state.
type IPStats struct {
	IP              string    `json:"ip"`
	Total           int       `json:"total"`
	Failed          int       `json:"failed"`
	Success         int       `json:"success"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	Endpoints       []string  `json:"endpoints"`
	UserAgents      []string  `json:"user_agents"`
	UserIDs         []string  `json:"user_ids"`
	SuspiciousScore int       `json:"suspicious_score"`
}

// Summary is the aggregate view returned by Summary().
type Summary struct {
	TotalIPs       int        `json:"total_ips"`
	BlockedIPs     int        `json:"blocked_ips"`
	WhitelistedIPs int        `json:"whitelisted_ips"`
	SuspiciousIPs  int        `json:"suspicious_ips"`
	TotalRequests  int        `json:"total_requests"`
	TotalEvents    int        `json:"total_events"`
	OldestEvent    *time.Time `json:"oldest_event,omitempty"`
	MemoryBytes    int        `json:"memory_bytes,omitempty"`
}

// GeoLocation is the result of a geo-resolver lookup.
type GeoLocation struct {
	Country string `json:"country"`
	Region  string `json:"region"`
}

// GeoResolver maps an IP to a location. Implementations must be pure and
// non-blocking; a blocking resolver will block ingestion. The default
// resolver is absent, which disables the geo-anomaly probe.
type GeoResolver func(ip string) (GeoLocation, bool)

// Config tunes the tracker's windows, thresholds and memory bounds.
type Config struct {
	// RingCapacity bounds the recent-events ring.
	RingCapacity int

	// MaxIPs is the hard cap on live per-IP entries; capacity eviction
	// removes least-recently-seen entries above it.
	MaxIPs int

	// TTL evicts stats and ring events whose last activity is older.
	TTL time.Duration

	// CompactionInterval is the background sweep cadence.
	CompactionInterval time.Duration

	// PerSetCap bounds each per-IP endpoint/user-agent/user-id set.
	PerSetCap int

	// UserIPHistoryCap bounds the per-user IP history set.
	UserIPHistoryCap int

	// BruteForceWindow and thresholds for the brute-force probe.
	BruteForceWindow    time.Duration
	BruteForceThreshold int
	AutoBlockThreshold  int

	// RepeatedFailureThreshold is the lower bound for the
	// multipleFailedAttempts advisory alert.
	RepeatedFailureThreshold int

	// RateLimitWindow and RateLimitThreshold for the rate-limit probe.
	RateLimitWindow    time.Duration
	RateLimitThreshold int

	// SuspiciousThreshold is the default score cutoff for Suspicious and
	// the Summary suspicious count.
	SuspiciousThreshold int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RingCapacity:             10000,
		MaxIPs:                   100000,
		TTL:                      24 * time.Hour,
		CompactionInterval:       time.Hour,
		PerSetCap:                256,
		UserIPHistoryCap:         32,
		BruteForceWindow:         5 * time.Minute,
		BruteForceThreshold:      5,
		AutoBlockThreshold:       10,
		RepeatedFailureThreshold: 3,
		RateLimitWindow:          time.Minute,
		RateLimitThreshold:       100,
		SuspiciousThreshold:      70,
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.RingCapacity <= 0 {
		c.RingCapacity = def.RingCapacity
	}
	if c.MaxIPs <= 0 {
		c.MaxIPs = def.MaxIPs
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = def.CompactionInterval
	}
	if c.PerSetCap <= 0 {
		c.PerSetCap = def.PerSetCap
	}
	if c.UserIPHistoryCap <= 0 {
		c.UserIPHistoryCap = def.UserIPHistoryCap
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = def.BruteForceWindow
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = def.BruteForceThreshold
	}
	if c.AutoBlockThreshold <= 0 {
		c.AutoBlockThreshold = def.AutoBlockThreshold
	}
	if c.RepeatedFailureThreshold <= 0 {
		c.RepeatedFailureThreshold = def.RepeatedFailureThreshold
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = def.RateLimitWindow
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = def.RateLimitThreshold
	}
	if c.SuspiciousThreshold <= 0 {
		c.SuspiciousThreshold = def.SuspiciousThreshold
	}
	return c
}
