// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package tracker maintains per-IP access statistics under bounded memory
// and turns access events into security alerts: brute force, rate-limit
// breach, new IP for a user, blocklist hits, and (when a geo resolver is
// configured) geographic anomalies.
//
// Track is the single ingestion point. It uses the event's own timestamp as
// the authority for windowing, so replayed or delayed events are judged
// against the window they belong to, not against the wall clock. Alerts are
// returned to the caller; registered observers receive them as well.
//
//	trk := tracker.New(tracker.DefaultConfig())
//	alerts := trk.Track(tracker.AccessEvent{IP: ip, Timestamp: now, Success: false})
package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/metrics"
	"github.com/kestrelsec/kestrel/internal/validation"
)

// compactChunk bounds how many entries a compaction sweep deletes per
// critical section, so ingestion latency stays stable during sweeps.
const compactChunk = 1024

// ipEntry is the internal mutable aggregate behind IPStats.
type ipEntry struct {
	ip        string
	total     int
	failed    int
	success   int
	firstSeen time.Time
	lastSeen  time.Time
	endpoints *boundedSet
	agents    *boundedSet
	users     *boundedSet
	score     int
}

// Tracker is the in-memory access tracker. All methods are safe for
// concurrent use.
type Tracker struct {
	cfg Config
	geo GeoResolver
	now func() time.Time

	// mu guards stats, userIPs and userGeo.
	mu      sync.RWMutex
	stats   map[string]*ipEntry
	userIPs map[string]*boundedSet
	userGeo map[string]*boundedSet

	// adminMu guards the block and allow lists.
	adminMu     sync.RWMutex
	blocked     map[string]string
	whitelisted map[string]struct{}

	ring *eventRing

	obsMu     sync.RWMutex
	observers []func(Alert)

	logger zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGeoResolver installs the geo-anomaly hook. The resolver must be pure
// and non-blocking.
func WithGeoResolver(r GeoResolver) Option {
	return func(t *Tracker) { t.geo = r }
}

// WithClock overrides the wall clock used for TTL decisions. For tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker with the given configuration.
func New(cfg Config, opts ...Option) *Tracker {
	cfg = cfg.normalize()
	t := &Tracker{
		cfg:         cfg,
		now:         time.Now,
		stats:       make(map[string]*ipEntry),
		userIPs:     make(map[string]*boundedSet),
		userGeo:     make(map[string]*boundedSet),
		blocked:     make(map[string]string),
		whitelisted: make(map[string]struct{}),
		ring:        newEventRing(cfg.RingCapacity),
		logger:      logging.WithComponent("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnAlert registers an observer invoked for every produced alert, in
// detection order. Observers must not block; slow delivery belongs in the
// observer (see WebhookNotifier).
func (t *Tracker) OnAlert(fn func(Alert)) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, fn)
}

// Track ingests one access event, updates statistics and returns the alerts
// it warrants, in detection order. Track never fails on valid input; an
// event with an empty IP is dropped.
func (t *Tracker) Track(e AccessEvent) []Alert {
	if e.IP == "" {
		return nil
	}

	outcome := "failure"
	if e.Success {
		outcome = "success"
	}
	metrics.AccessEventsTotal.WithLabelValues(outcome).Inc()

	t.ring.Append(e)
	hadHistory, knownIP, prevIPs, failedTotal := t.updateStats(e)

	t.adminMu.RLock()
	blockReason, isBlocked := t.blocked[e.IP]
	_, isWhitelisted := t.whitelisted[e.IP]
	t.adminMu.RUnlock()

	if isBlocked {
		alert := Alert{
			Type:        AlertSuspiciousIP,
			Severity:    SeverityCritical,
			IP:          e.IP,
			UserID:      e.UserID,
			Description: fmt.Sprintf("Access attempt from blocked IP %s", e.IP),
			Timestamp:   e.Timestamp,
			Metadata:    map[string]any{"blockReason": blockReason, "endpoint": e.Endpoint},
			ShouldBlock: true,
		}
		t.dispatch([]Alert{alert})
		return []Alert{alert}
	}

	if isWhitelisted {
		return nil
	}

	var alerts []Alert

	if !e.Success {
		if a := t.checkBruteForce(e, failedTotal); a != nil {
			alerts = append(alerts, *a)
		}
	}
	if a := t.checkRateLimit(e); a != nil {
		alerts = append(alerts, *a)
	}
	if e.Success && e.UserID != "" && hadHistory && !knownIP {
		alerts = append(alerts, Alert{
			Type:        AlertNewIPForUser,
			Severity:    SeverityLow,
			IP:          e.IP,
			UserID:      e.UserID,
			Description: fmt.Sprintf("User %s seen from new IP %s", e.UserID, e.IP),
			Timestamp:   e.Timestamp,
			Metadata:    map[string]any{"previousIPs": prevIPs},
		})
	}
	if a := t.checkGeoAnomaly(e); a != nil {
		alerts = append(alerts, *a)
	}

	t.dispatch(alerts)
	return alerts
}

// updateStats applies the event to the per-IP aggregate and the per-user IP
// history. It returns the history state as it was before this event, which
// is what the new-IP probe judges against.
func (t *Tracker) updateStats(e AccessEvent) (hadHistory, knownIP bool, prevIPs []string, failedTotal int) {
	t.mu.Lock()

	entry, ok := t.stats[e.IP]
	if !ok {
		entry = &ipEntry{
			ip:        e.IP,
			firstSeen: e.Timestamp,
			endpoints: newBoundedSet(t.cfg.PerSetCap),
			agents:    newBoundedSet(t.cfg.PerSetCap),
			users:     newBoundedSet(t.cfg.PerSetCap),
		}
		t.stats[e.IP] = entry
	}

	entry.lastSeen = e.Timestamp
	entry.total++
	if e.Success {
		entry.success++
	} else {
		entry.failed++
	}
	if e.Endpoint != "" {
		entry.endpoints.Add(e.Endpoint)
	}
	if e.UserAgent != "" {
		entry.agents.Add(e.UserAgent)
	}
	if e.UserID != "" {
		entry.users.Add(e.UserID)
	}

	if e.UserID != "" {
		hist, ok := t.userIPs[e.UserID]
		if !ok {
			hist = newBoundedSet(t.cfg.UserIPHistoryCap)
			t.userIPs[e.UserID] = hist
		}
		hadHistory = hist.Len() > 0
		knownIP = hist.Contains(e.IP)
		if hadHistory && !knownIP {
			prevIPs = hist.Values()
		}
		hist.Add(e.IP)
	}

	entry.score = computeScore(entry)
	failedTotal = entry.failed
	live := len(t.stats)

	t.mu.Unlock()

	metrics.TrackedIPs.Set(float64(live))
	return hadHistory, knownIP, prevIPs, failedTotal
}

// computeScore derives the suspicious score as a sum of bounded
// contributions clamped to [0,100]. Caller holds mu.
func computeScore(e *ipEntry) int {
	score := 0
	if e.total > 0 {
		failRate := float64(e.failed) / float64(e.total)
		switch {
		case failRate > 0.5:
			score += 30
		case failRate > 0.3:
			score += 15
		}
	}
	if e.agents.Len() > 10 {
		score += 20
	}
	if e.users.Len() > 5 {
		score += 25
	}
	if e.total > 1000 {
		score += 15
	}
	if e.endpoints.Len() > 50 {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// checkBruteForce counts recent failures from the same IP (the current event
// included) and escalates to an auto-block at the higher threshold. The
// alert threshold is judged against the window; once it is reached, the
// auto-block threshold is also judged against the IP's cumulative failure
// count, so failures paced a minute apart still block on the tenth. Failures
// too sparse to reach the windowed alert threshold never auto-block.
func (t *Tracker) checkBruteForce(e AccessEvent, failedTotal int) *Alert {
	window := t.cfg.BruteForceWindow
	count := t.ring.Count(func(past *AccessEvent) bool {
		if past.IP != e.IP || past.Success {
			return false
		}
		delta := e.Timestamp.Sub(past.Timestamp)
		return delta >= 0 && delta < window
	})

	if count >= t.cfg.BruteForceThreshold {
		alert := &Alert{
			Type:        AlertBruteForce,
			Severity:    SeverityHigh,
			IP:          e.IP,
			UserID:      e.UserID,
			Description: fmt.Sprintf("%d failed attempts from %s within %s", count, e.IP, window),
			Timestamp:   e.Timestamp,
			Metadata:    map[string]any{"failedAttempts": count, "windowSeconds": int(window.Seconds())},
		}
		if count >= t.cfg.AutoBlockThreshold || failedTotal >= t.cfg.AutoBlockThreshold {
			attempts := count
			if failedTotal > attempts {
				attempts = failedTotal
			}
			alert.ShouldBlock = true
			t.autoBlock(e.IP, fmt.Sprintf("Brute force: %d failed attempts", attempts))
		}
		return alert
	}

	if count >= t.cfg.RepeatedFailureThreshold {
		return &Alert{
			Type:        AlertMultipleFailedAttempts,
			Severity:    SeverityMedium,
			IP:          e.IP,
			UserID:      e.UserID,
			Description: fmt.Sprintf("%d failed attempts from %s within %s", count, e.IP, window),
			Timestamp:   e.Timestamp,
			Metadata:    map[string]any{"failedAttempts": count, "windowSeconds": int(window.Seconds())},
		}
	}

	return nil
}

// checkRateLimit counts recent events from the same IP regardless of
// outcome. Breaches alert but never auto-block.
func (t *Tracker) checkRateLimit(e AccessEvent) *Alert {
	window := t.cfg.RateLimitWindow
	count := t.ring.Count(func(past *AccessEvent) bool {
		if past.IP != e.IP {
			return false
		}
		delta := e.Timestamp.Sub(past.Timestamp)
		return delta >= 0 && delta < window
	})

	if count < t.cfg.RateLimitThreshold {
		return nil
	}
	return &Alert{
		Type:        AlertRateLimitExceeded,
		Severity:    SeverityMedium,
		IP:          e.IP,
		UserID:      e.UserID,
		Description: fmt.Sprintf("%d requests from %s within %s", count, e.IP, window),
		Timestamp:   e.Timestamp,
		Metadata:    map[string]any{"requestCount": count, "windowSeconds": int(window.Seconds())},
	}
}

// checkGeoAnomaly compares the resolved country against the user's
// historical countries. Without a resolver the probe is disabled.
func (t *Tracker) checkGeoAnomaly(e AccessEvent) *Alert {
	if t.geo == nil || e.UserID == "" {
		return nil
	}
	loc, ok := t.geo(e.IP)
	if !ok || loc.Country == "" {
		return nil
	}

	t.mu.Lock()
	countries, exists := t.userGeo[e.UserID]
	if !exists {
		countries = newBoundedSet(16)
		t.userGeo[e.UserID] = countries
	}
	hadCountries := countries.Len() > 0
	known := countries.Contains(loc.Country)
	prev := countries.Values()
	countries.Add(loc.Country)
	t.mu.Unlock()

	if !hadCountries || known {
		return nil
	}
	return &Alert{
		Type:        AlertGeoAnomaly,
		Severity:    SeverityMedium,
		IP:          e.IP,
		UserID:      e.UserID,
		Description: fmt.Sprintf("User %s seen from new country %s", e.UserID, loc.Country),
		Timestamp:   e.Timestamp,
		Metadata:    map[string]any{"country": loc.Country, "region": loc.Region, "previousCountries": prev},
	}
}

// autoBlock records a tracker-initiated block. Whitelisted IPs are never
// auto-blocked (they cannot reach the probes, but an operator may whitelist
// concurrently with ingestion).
func (t *Tracker) autoBlock(ip, reason string) {
	t.adminMu.Lock()
	if _, white := t.whitelisted[ip]; !white {
		if _, already := t.blocked[ip]; !already {
			t.blocked[ip] = reason
			metrics.AutoBlocksTotal.Inc()
			metrics.BlockedIPs.Set(float64(len(t.blocked)))
			t.logger.Warn().Str("ip", ip).Str("reason", reason).Msg("auto-blocked IP")
		}
	}
	t.adminMu.Unlock()
}

// dispatch fans alerts out to registered observers and bumps metrics.
func (t *Tracker) dispatch(alerts []Alert) {
	if len(alerts) == 0 {
		return
	}
	for _, a := range alerts {
		metrics.AlertsTotal.WithLabelValues(string(a.Type)).Inc()
	}

	t.obsMu.RLock()
	observers := append([]func(Alert){}, t.observers...)
	t.obsMu.RUnlock()

	for _, a := range alerts {
		for _, fn := range observers {
			fn(a)
		}
	}
}

// Block adds ip to the block list with an operator-supplied reason.
// Returns validation.ErrInvalidIP for syntactically invalid IP text.
func (t *Tracker) Block(ip, reason string) error {
	if err := validation.ValidateIP(ip); err != nil {
		return err
	}
	t.adminMu.Lock()
	t.blocked[ip] = reason
	metrics.BlockedIPs.Set(float64(len(t.blocked)))
	t.adminMu.Unlock()
	t.logger.Info().Str("ip", ip).Str("reason", reason).Msg("blocked IP")
	return nil
}

// Unblock removes ip from the block list.
func (t *Tracker) Unblock(ip string) error {
	if err := validation.ValidateIP(ip); err != nil {
		return err
	}
	t.adminMu.Lock()
	delete(t.blocked, ip)
	metrics.BlockedIPs.Set(float64(len(t.blocked)))
	t.adminMu.Unlock()
	t.logger.Info().Str("ip", ip).Msg("unblocked IP")
	return nil
}

// Whitelist adds ip to the allow list and removes any prior block.
func (t *Tracker) Whitelist(ip string) error {
	if err := validation.ValidateIP(ip); err != nil {
		return err
	}
	t.adminMu.Lock()
	t.whitelisted[ip] = struct{}{}
	delete(t.blocked, ip)
	metrics.BlockedIPs.Set(float64(len(t.blocked)))
	t.adminMu.Unlock()
	t.logger.Info().Str("ip", ip).Msg("whitelisted IP")
	return nil
}

// Unwhitelist removes ip from the allow list.
func (t *Tracker) Unwhitelist(ip string) error {
	if err := validation.ValidateIP(ip); err != nil {
		return err
	}
	t.adminMu.Lock()
	delete(t.whitelisted, ip)
	t.adminMu.Unlock()
	t.logger.Info().Str("ip", ip).Msg("unwhitelisted IP")
	return nil
}

// IsBlocked reports whether ip is currently blocked.
func (t *Tracker) IsBlocked(ip string) bool {
	t.adminMu.RLock()
	defer t.adminMu.RUnlock()
	_, ok := t.blocked[ip]
	return ok
}

// IsWhitelisted reports whether ip is currently whitelisted.
func (t *Tracker) IsWhitelisted(ip string) bool {
	t.adminMu.RLock()
	defer t.adminMu.RUnlock()
	_, ok := t.whitelisted[ip]
	return ok
}

// Stats returns a copy of the per-IP aggregate, or nil for unknown IPs.
func (t *Tracker) Stats(ip string) *IPStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.stats[ip]
	if !ok {
		return nil
	}
	out := entry.export()
	return &out
}

// export copies an entry into the public shape. Caller holds mu.
func (e *ipEntry) export() IPStats {
	return IPStats{
		IP:              e.ip,
		Total:           e.total,
		Failed:          e.failed,
		Success:         e.success,
		FirstSeen:       e.firstSeen,
		LastSeen:        e.lastSeen,
		Endpoints:       e.endpoints.Values(),
		UserAgents:      e.agents.Values(),
		UserIDs:         e.users.Values(),
		SuspiciousScore: e.score,
	}
}

// Suspicious returns stats for IPs with score at or above threshold, sorted
// by score descending. A threshold <= 0 uses the configured default.
// The scan copies matching entries under the read lock and sorts outside it.
func (t *Tracker) Suspicious(threshold int) []IPStats {
	if threshold <= 0 {
		threshold = t.cfg.SuspiciousThreshold
	}

	t.mu.RLock()
	out := make([]IPStats, 0)
	for _, entry := range t.stats {
		if entry.score >= threshold {
			out = append(out, entry.export())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuspiciousScore != out[j].SuspiciousScore {
			return out[i].SuspiciousScore > out[j].SuspiciousScore
		}
		return out[i].IP < out[j].IP
	})
	return out
}

// RecentEvents returns up to limit retained events, newest first.
// A limit <= 0 defaults to 100.
func (t *Tracker) RecentEvents(limit int) []AccessEvent {
	if limit <= 0 {
		limit = 100
	}
	return t.ring.Recent(limit)
}

// EventsByIP returns up to limit retained events for one IP, newest first.
func (t *Tracker) EventsByIP(ip string, limit int) []AccessEvent {
	if limit <= 0 {
		limit = 100
	}
	return t.ring.Filter(limit, func(e *AccessEvent) bool { return e.IP == ip })
}

// EventsByUser returns up to limit retained events for one user, newest first.
func (t *Tracker) EventsByUser(userID string, limit int) []AccessEvent {
	if limit <= 0 {
		limit = 100
	}
	return t.ring.Filter(limit, func(e *AccessEvent) bool { return e.UserID == userID })
}

// Summary returns the aggregate tracker view.
func (t *Tracker) Summary() Summary {
	var s Summary

	t.mu.RLock()
	s.TotalIPs = len(t.stats)
	for _, entry := range t.stats {
		s.TotalRequests += entry.total
		if entry.score >= t.cfg.SuspiciousThreshold {
			s.SuspiciousIPs++
		}
	}
	s.MemoryBytes = t.approxMemoryLocked()
	t.mu.RUnlock()

	t.adminMu.RLock()
	s.BlockedIPs = len(t.blocked)
	s.WhitelistedIPs = len(t.whitelisted)
	t.adminMu.RUnlock()

	s.TotalEvents = t.ring.Len()
	if oldest, ok := t.ring.Oldest(); ok {
		s.OldestEvent = &oldest
	}
	return s
}

// approxMemoryLocked estimates live tracker memory. Caller holds mu.
func (t *Tracker) approxMemoryLocked() int {
	const entryOverhead = 160
	const stringOverhead = 16
	total := 0
	for _, entry := range t.stats {
		total += entryOverhead + len(entry.ip)
		for _, s := range entry.endpoints.order {
			total += stringOverhead + len(s)
		}
		for _, s := range entry.agents.order {
			total += stringOverhead + len(s)
		}
		for _, s := range entry.users.order {
			total += stringOverhead + len(s)
		}
	}
	return total
}

// Compact removes expired and excess state. It is idempotent, safe to call
// concurrently with ingestion, and invoked on a timer by CompactionService.
// Deletions run in bounded chunks so ingestion is not stalled behind one
// long critical section.
func (t *Tracker) Compact() {
	start := t.now()
	cutoff := start.Add(-t.cfg.TTL)

	expired := t.collectExpired(cutoff)
	t.deleteEntries(expired, "ttl")

	t.evictOverCapacity()

	dropped := t.ring.DropOlderThan(cutoff)

	t.mu.RLock()
	live := len(t.stats)
	t.mu.RUnlock()
	metrics.TrackedIPs.Set(float64(live))
	metrics.CompactionSweepsTotal.Inc()
	metrics.CompactionDuration.Observe(time.Since(start).Seconds())

	t.logger.Debug().
		Int("expired", len(expired)).
		Int("events_dropped", dropped).
		Int("live_ips", live).
		Msg("compaction sweep completed")
}

// collectExpired snapshots IPs whose last activity predates cutoff.
func (t *Tracker) collectExpired(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for ip, entry := range t.stats {
		if entry.lastSeen.Before(cutoff) {
			out = append(out, ip)
		}
	}
	return out
}

// deleteEntries removes entries in chunks, re-checking freshness so an entry
// refreshed between collection and deletion survives. Each removed IP is
// also scrubbed from every user's IP history.
func (t *Tracker) deleteEntries(ips []string, reason string) {
	for base := 0; base < len(ips); base += compactChunk {
		end := base + compactChunk
		if end > len(ips) {
			end = len(ips)
		}
		chunk := ips[base:end]

		t.mu.Lock()
		removed := make([]string, 0, len(chunk))
		for _, ip := range chunk {
			if entry, ok := t.stats[ip]; ok {
				if reason == "ttl" && !entry.lastSeen.Before(t.now().Add(-t.cfg.TTL)) {
					continue
				}
				delete(t.stats, ip)
				removed = append(removed, ip)
			}
		}
		for user, hist := range t.userIPs {
			for _, ip := range removed {
				hist.Remove(ip)
			}
			if hist.Len() == 0 {
				delete(t.userIPs, user)
			}
		}
		t.mu.Unlock()

		metrics.CompactionEvicted.WithLabelValues(reason).Add(float64(len(removed)))
	}
}

// evictOverCapacity enforces the hard IP cap, removing least-recently-seen
// entries first. Block and allow lists are never evicted.
func (t *Tracker) evictOverCapacity() {
	t.mu.RLock()
	over := len(t.stats) - t.cfg.MaxIPs
	if over <= 0 {
		t.mu.RUnlock()
		return
	}
	type ipSeen struct {
		ip       string
		lastSeen time.Time
	}
	all := make([]ipSeen, 0, len(t.stats))
	for ip, entry := range t.stats {
		all = append(all, ipSeen{ip, entry.lastSeen})
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].lastSeen.Before(all[j].lastSeen) })

	victims := make([]string, 0, over)
	for i := 0; i < over && i < len(all); i++ {
		victims = append(victims, all[i].ip)
	}
	t.deleteEntries(victims, "capacity")
}
