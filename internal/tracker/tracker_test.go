// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/internal/validation"
)

var t0 = time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)

func failEvent(ip string, ts time.Time) AccessEvent {
	return AccessEvent{
		IP:         ip,
		Timestamp:  ts,
		Endpoint:   "/login",
		Method:     "POST",
		StatusCode: 401,
		Success:    false,
		Reason:     "bad credentials",
	}
}

func okEvent(ip, user string, ts time.Time) AccessEvent {
	return AccessEvent{
		IP:         ip,
		Timestamp:  ts,
		Endpoint:   "/login",
		Method:     "POST",
		StatusCode: 200,
		UserID:     user,
		Success:    true,
	}
}

func hasAlert(alerts []Alert, typ AlertType) *Alert {
	for i := range alerts {
		if alerts[i].Type == typ {
			return &alerts[i]
		}
	}
	return nil
}

func TestBruteForceEscalation(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "203.0.113.7"

	// Events 1-9, one minute apart, all failures.
	for i := 0; i < 9; i++ {
		alerts := trk.Track(failEvent(ip, t0.Add(time.Duration(i)*time.Minute)))
		n := i + 1
		switch {
		case n < 5:
			if a := hasAlert(alerts, AlertBruteForce); a != nil {
				t.Errorf("event %d: premature bruteForce alert", n)
			}
		default:
			a := hasAlert(alerts, AlertBruteForce)
			if a == nil {
				t.Fatalf("event %d: expected bruteForce alert", n)
			}
			if a.Severity != SeverityHigh {
				t.Errorf("event %d: severity = %s, want high", n, a.Severity)
			}
			if a.ShouldBlock {
				t.Errorf("event %d: should not auto-block yet", n)
			}
		}
	}
	if trk.IsBlocked(ip) {
		t.Fatal("IP must not be blocked after 9 failures")
	}

	// The 10th failure auto-blocks.
	alerts := trk.Track(failEvent(ip, t0.Add(9*time.Minute)))
	a := hasAlert(alerts, AlertBruteForce)
	if a == nil {
		t.Fatal("10th event: expected bruteForce alert")
	}
	if !a.ShouldBlock {
		t.Error("10th event: alert should carry should_block=true")
	}
	if !trk.IsBlocked(ip) {
		t.Error("tracker must auto-block after 10 failures")
	}

	// Further events from the blocked IP return the blocked-IP alert.
	more := trk.Track(failEvent(ip, t0.Add(10*time.Minute)))
	if len(more) != 1 || more[0].Type != AlertSuspiciousIP {
		t.Fatalf("blocked IP should yield a single suspiciousIP alert, got %v", more)
	}
	if more[0].Severity != SeverityCritical || !more[0].ShouldBlock {
		t.Errorf("blocked-IP alert = %+v, want critical/should_block", more[0])
	}
}

func TestBruteForceWithinWindow(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "203.0.113.8"

	// Five rapid failures: the 5th returns bruteForce.
	var alerts []Alert
	for i := 0; i < 5; i++ {
		alerts = trk.Track(failEvent(ip, t0.Add(time.Duration(i)*time.Second)))
	}
	if hasAlert(alerts, AlertBruteForce) == nil {
		t.Error("5th failure within window must produce bruteForce")
	}

	// Ten rapid failures auto-block via the windowed count alone.
	trk2 := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		alerts = trk2.Track(failEvent(ip, t0.Add(time.Duration(i)*time.Second)))
	}
	if !trk2.IsBlocked(ip) {
		t.Error("10 rapid failures must auto-block")
	}
	if a := hasAlert(alerts, AlertBruteForce); a == nil || !a.ShouldBlock {
		t.Errorf("10th rapid failure alert = %+v, want should_block", a)
	}
}

func TestMultipleFailedAttemptsAdvisory(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "203.0.113.9"

	var alerts []Alert
	for i := 0; i < 3; i++ {
		alerts = trk.Track(failEvent(ip, t0.Add(time.Duration(i)*time.Second)))
	}
	a := hasAlert(alerts, AlertMultipleFailedAttempts)
	if a == nil {
		t.Fatal("3rd failure should produce multipleFailedAttempts advisory")
	}
	if a.Severity != SeverityMedium {
		t.Errorf("severity = %s, want medium", a.Severity)
	}
}

func TestRateLimitThreshold(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "198.51.100.4"

	var alerts []Alert
	for i := 0; i < 100; i++ {
		alerts = trk.Track(okEvent(ip, "", t0.Add(time.Duration(i)*300*time.Millisecond)))
	}
	a := hasAlert(alerts, AlertRateLimitExceeded)
	if a == nil {
		t.Fatal("100th event within 30s must produce rateLimitExceeded")
	}
	if a.Severity != SeverityMedium {
		t.Errorf("severity = %s, want medium", a.Severity)
	}
	if a.ShouldBlock || trk.IsBlocked(ip) {
		t.Error("rate limiting must not block")
	}
}

func TestNewIPForUser(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())

	if alerts := trk.Track(okEvent("1.1.1.1", "u1", t0)); len(alerts) != 0 {
		t.Errorf("first IP for user must not alert, got %v", alerts)
	}

	alerts := trk.Track(okEvent("2.2.2.2", "u1", t0.Add(time.Minute)))
	a := hasAlert(alerts, AlertNewIPForUser)
	if a == nil {
		t.Fatal("expected newIPForUser alert")
	}
	if a.Severity != SeverityLow {
		t.Errorf("severity = %s, want low", a.Severity)
	}
	prev, ok := a.Metadata["previousIPs"].([]string)
	if !ok {
		t.Fatalf("previousIPs metadata missing: %v", a.Metadata)
	}
	found := false
	for _, ip := range prev {
		if ip == "1.1.1.1" {
			found = true
		}
	}
	if !found {
		t.Errorf("previousIPs = %v, want to include 1.1.1.1", prev)
	}

	// Same IP again: no alert.
	if alerts := trk.Track(okEvent("2.2.2.2", "u1", t0.Add(2*time.Minute))); hasAlert(alerts, AlertNewIPForUser) != nil {
		t.Error("known IP must not re-alert")
	}
}

func TestNewIPNotOnFailure(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	_ = trk.Track(okEvent("1.1.1.1", "u1", t0))

	ev := failEvent("3.3.3.3", t0.Add(time.Minute))
	ev.UserID = "u1"
	if alerts := trk.Track(ev); hasAlert(alerts, AlertNewIPForUser) != nil {
		t.Error("newIPForUser requires a successful event")
	}
}

func TestGeoAnomaly(t *testing.T) {
	t.Parallel()

	resolver := func(ip string) (GeoLocation, bool) {
		switch ip {
		case "1.1.1.1":
			return GeoLocation{Country: "DE", Region: "BE"}, true
		case "2.2.2.2":
			return GeoLocation{Country: "BR", Region: "SP"}, true
		}
		return GeoLocation{}, false
	}
	trk := New(DefaultConfig(), WithGeoResolver(resolver))

	if alerts := trk.Track(okEvent("1.1.1.1", "u1", t0)); hasAlert(alerts, AlertGeoAnomaly) != nil {
		t.Error("first country must not alert")
	}
	alerts := trk.Track(okEvent("2.2.2.2", "u1", t0.Add(time.Minute)))
	a := hasAlert(alerts, AlertGeoAnomaly)
	if a == nil {
		t.Fatal("expected geoAnomaly on country change")
	}
	if a.Metadata["country"] != "BR" {
		t.Errorf("country = %v, want BR", a.Metadata["country"])
	}

	// Without a resolver the probe is silent.
	plain := New(DefaultConfig())
	_ = plain.Track(okEvent("1.1.1.1", "u1", t0))
	if alerts := plain.Track(okEvent("2.2.2.2", "u1", t0.Add(time.Minute))); hasAlert(alerts, AlertGeoAnomaly) != nil {
		t.Error("geoAnomaly requires a resolver")
	}
}

func TestBlockStickyUntilUnblock(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "192.0.2.1"

	if err := trk.Block(ip, "manual"); err != nil {
		t.Fatal(err)
	}
	if !trk.IsBlocked(ip) {
		t.Fatal("block did not stick")
	}
	for i := 0; i < 5; i++ {
		_ = trk.Track(okEvent(ip, "", t0.Add(time.Duration(i)*time.Second)))
		if !trk.IsBlocked(ip) {
			t.Fatal("block must persist across tracking")
		}
	}
	if err := trk.Unblock(ip); err != nil {
		t.Fatal(err)
	}
	if trk.IsBlocked(ip) {
		t.Error("unblock did not clear the block")
	}
}

func TestWhitelistPrecedence(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "192.0.2.2"

	if err := trk.Block(ip, "manual"); err != nil {
		t.Fatal(err)
	}
	if err := trk.Whitelist(ip); err != nil {
		t.Fatal(err)
	}
	if trk.IsBlocked(ip) {
		t.Error("whitelist must remove a prior block")
	}
	if !trk.IsWhitelisted(ip) {
		t.Error("whitelist did not stick")
	}

	// A whitelisted IP produces no alerts, even under brute-force traffic.
	for i := 0; i < 20; i++ {
		if alerts := trk.Track(failEvent(ip, t0.Add(time.Duration(i)*time.Second))); len(alerts) != 0 {
			t.Fatalf("whitelisted IP produced alerts: %v", alerts)
		}
	}
	if trk.IsBlocked(ip) {
		t.Error("whitelisted IP must never be auto-blocked")
	}

	if err := trk.Unwhitelist(ip); err != nil {
		t.Fatal(err)
	}
	if trk.IsWhitelisted(ip) {
		t.Error("unwhitelist did not clear")
	}
}

func TestAdminOpsRejectInvalidIP(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	for _, bad := range []string{"", "not-an-ip", "999.1.2.3.4"} {
		if err := trk.Block(bad, "x"); !errors.Is(err, validation.ErrInvalidIP) {
			t.Errorf("Block(%q) = %v, want ErrInvalidIP", bad, err)
		}
		if err := trk.Whitelist(bad); !errors.Is(err, validation.ErrInvalidIP) {
			t.Errorf("Whitelist(%q) = %v, want ErrInvalidIP", bad, err)
		}
	}

	// IPv6 is accepted.
	if err := trk.Block("2001:db8::1", "x"); err != nil {
		t.Errorf("IPv6 block failed: %v", err)
	}
}

func TestStatsAggregation(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "198.51.100.10"

	e1 := okEvent(ip, "u1", t0)
	e1.Endpoint = "/a"
	e1.UserAgent = "agent-1"
	e2 := failEvent(ip, t0.Add(time.Minute))
	e2.Endpoint = "/b"
	e2.UserAgent = "agent-2"
	_ = trk.Track(e1)
	_ = trk.Track(e2)

	st := trk.Stats(ip)
	if st == nil {
		t.Fatal("expected stats for tracked IP")
	}
	if st.Total != 2 || st.Success != 1 || st.Failed != 1 {
		t.Errorf("counters = %d/%d/%d, want 2/1/1", st.Total, st.Success, st.Failed)
	}
	if st.Total != st.Failed+st.Success {
		t.Error("invariant total = failed + success violated")
	}
	if !st.FirstSeen.Equal(t0) || !st.LastSeen.Equal(t0.Add(time.Minute)) {
		t.Errorf("first/last seen = %v/%v", st.FirstSeen, st.LastSeen)
	}
	if st.FirstSeen.After(st.LastSeen) {
		t.Error("invariant first_seen <= last_seen violated")
	}
	if len(st.Endpoints) != 2 || len(st.UserAgents) != 2 || len(st.UserIDs) != 1 {
		t.Errorf("set sizes = %d/%d/%d", len(st.Endpoints), len(st.UserAgents), len(st.UserIDs))
	}

	if trk.Stats("203.0.113.200") != nil {
		t.Error("unknown IP should yield nil stats")
	}
}

func TestSuspiciousScoreAndSort(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())

	// All-failure traffic: failure rate 1.0 contributes +30.
	for i := 0; i < 6; i++ {
		_ = trk.Track(failEvent("203.0.113.30", t0.Add(time.Duration(i)*time.Hour)))
	}
	// A single successful request from a quiet IP: no contributions.
	_ = trk.Track(okEvent("203.0.113.31", "u1", t0))

	st := trk.Stats("203.0.113.30")
	if st.SuspiciousScore != 30 {
		t.Errorf("score = %d, want 30", st.SuspiciousScore)
	}

	sus := trk.Suspicious(20)
	if len(sus) != 1 || sus[0].IP != "203.0.113.30" {
		t.Fatalf("Suspicious(20) = %v", sus)
	}
	if len(trk.Suspicious(0)) != 0 {
		t.Error("default threshold 70 should exclude score 30")
	}
}

func TestScoreClampedTo100(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	ip := "203.0.113.40"

	// Drive every contribution: >1000 requests, all failed, 11+ agents,
	// 6+ users, 51+ endpoints.
	for i := 0; i < 1100; i++ {
		e := failEvent(ip, t0.Add(time.Duration(i)*time.Second))
		e.Endpoint = fmt.Sprintf("/probe/%d", i%60)
		e.UserAgent = fmt.Sprintf("scanner-%d", i%12)
		e.UserID = fmt.Sprintf("u%d", i%8)
		_ = trk.Track(e)
	}

	st := trk.Stats(ip)
	if st.SuspiciousScore != 100 {
		t.Errorf("score = %d, want clamped 100", st.SuspiciousScore)
	}
}

func TestBoundedPerIPSets(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PerSetCap = 16
	trk := New(cfg)
	ip := "203.0.113.50"

	for i := 0; i < 100; i++ {
		e := okEvent(ip, "", t0.Add(time.Duration(i)*time.Second))
		e.Endpoint = fmt.Sprintf("/path/%d", i)
		e.UserAgent = fmt.Sprintf("ua-%d", i)
		_ = trk.Track(e)
	}

	st := trk.Stats(ip)
	if len(st.Endpoints) != 16 {
		t.Errorf("endpoints = %d, want capped at 16", len(st.Endpoints))
	}
	if len(st.UserAgents) != 16 {
		t.Errorf("user agents = %d, want capped at 16", len(st.UserAgents))
	}
	// LRU-by-insertion: the newest endpoint survives, the oldest is gone.
	last := st.Endpoints[len(st.Endpoints)-1]
	if last != "/path/99" {
		t.Errorf("newest endpoint = %s, want /path/99", last)
	}
}

func TestRingBounded(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RingCapacity = 8
	trk := New(cfg)

	for i := 0; i < 50; i++ {
		_ = trk.Track(okEvent("198.51.100.20", "", t0.Add(time.Duration(i)*time.Second)))
	}

	events := trk.RecentEvents(100)
	if len(events) != 8 {
		t.Errorf("ring retained %d events, want 8", len(events))
	}
	// Newest first.
	if !events[0].Timestamp.Equal(t0.Add(49 * time.Second)) {
		t.Errorf("newest event = %v", events[0].Timestamp)
	}
}

func TestEventLookups(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	_ = trk.Track(okEvent("1.1.1.1", "u1", t0))
	_ = trk.Track(okEvent("2.2.2.2", "u2", t0.Add(time.Second)))
	_ = trk.Track(failEvent("1.1.1.1", t0.Add(2*time.Second)))

	if got := trk.EventsByIP("1.1.1.1", 10); len(got) != 2 {
		t.Errorf("EventsByIP = %d events, want 2", len(got))
	}
	if got := trk.EventsByUser("u2", 10); len(got) != 1 {
		t.Errorf("EventsByUser = %d events, want 1", len(got))
	}
	if got := trk.RecentEvents(2); len(got) != 2 {
		t.Errorf("RecentEvents(2) = %d events", len(got))
	}
}

func TestCapacityEviction(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxIPs = 10
	trk := New(cfg, WithClock(func() time.Time { return t0.Add(time.Hour) }))

	for i := 0; i < 25; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		_ = trk.Track(okEvent(ip, "", t0.Add(time.Duration(i)*time.Second)))
	}

	trk.Compact()

	sum := trk.Summary()
	if sum.TotalIPs > 10 {
		t.Errorf("live IPs = %d, want <= 10 after compaction", sum.TotalIPs)
	}
	// Least-recently-seen went first.
	if trk.Stats("10.0.0.1") != nil {
		t.Error("oldest IP should have been evicted")
	}
	if trk.Stats("10.0.0.25") == nil {
		t.Error("newest IP should survive eviction")
	}
}

func TestCompactionTTL(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TTL = time.Hour
	now := t0.Add(3 * time.Hour)
	trk := New(cfg, WithClock(func() time.Time { return now }))

	// Stale: last seen two hours before now.
	_ = trk.Track(okEvent("10.1.0.1", "u1", now.Add(-2*time.Hour)))
	// Fresh: last seen ten minutes before now.
	_ = trk.Track(okEvent("10.1.0.2", "u1", now.Add(-10*time.Minute)))

	trk.Compact()

	if trk.Stats("10.1.0.1") != nil {
		t.Error("stale entry should have been evicted by TTL")
	}
	if trk.Stats("10.1.0.2") == nil {
		t.Error("fresh entry must survive TTL sweep")
	}

	// The stale IP is scrubbed from the user's history: seeing it again
	// counts as a new IP.
	alerts := trk.Track(okEvent("10.1.0.1", "u1", now))
	if hasAlert(alerts, AlertNewIPForUser) == nil {
		t.Error("evicted IP must be scrubbed from user history")
	}

	// Blocked entries are exempt from eviction.
	if err := trk.Block("10.2.0.1", "keep"); err != nil {
		t.Fatal(err)
	}
	trk.Compact()
	if !trk.IsBlocked("10.2.0.1") {
		t.Error("block list must not be subject to TTL eviction")
	}
}

func TestCompactIdempotent(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig(), WithClock(func() time.Time { return t0.Add(time.Minute) }))
	_ = trk.Track(okEvent("10.3.0.1", "", t0))

	trk.Compact()
	first := trk.Summary()
	trk.Compact()
	second := trk.Summary()

	if first.TotalIPs != second.TotalIPs || first.TotalEvents != second.TotalEvents {
		t.Errorf("compact not idempotent: %+v vs %+v", first, second)
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	_ = trk.Track(okEvent("1.1.1.1", "u1", t0))
	_ = trk.Track(okEvent("2.2.2.2", "u2", t0.Add(time.Second)))
	_ = trk.Track(failEvent("1.1.1.1", t0.Add(2*time.Second)))
	if err := trk.Block("9.9.9.9", "manual"); err != nil {
		t.Fatal(err)
	}
	if err := trk.Whitelist("8.8.8.8"); err != nil {
		t.Fatal(err)
	}

	sum := trk.Summary()
	if sum.TotalIPs != 2 {
		t.Errorf("TotalIPs = %d, want 2", sum.TotalIPs)
	}
	if sum.BlockedIPs != 1 || sum.WhitelistedIPs != 1 {
		t.Errorf("lists = %d/%d, want 1/1", sum.BlockedIPs, sum.WhitelistedIPs)
	}
	if sum.TotalRequests != 3 || sum.TotalEvents != 3 {
		t.Errorf("requests/events = %d/%d, want 3/3", sum.TotalRequests, sum.TotalEvents)
	}
	if sum.OldestEvent == nil || !sum.OldestEvent.Equal(t0) {
		t.Errorf("OldestEvent = %v, want %v", sum.OldestEvent, t0)
	}
	if sum.MemoryBytes <= 0 {
		t.Error("memory estimate should be positive")
	}
}

func TestObserverReceivesAlerts(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	var seen []Alert
	trk.OnAlert(func(a Alert) { seen = append(seen, a) })

	for i := 0; i < 5; i++ {
		_ = trk.Track(failEvent("203.0.113.60", t0.Add(time.Duration(i)*time.Second)))
	}

	found := false
	for _, a := range seen {
		if a.Type == AlertBruteForce {
			found = true
		}
	}
	if !found {
		t.Error("observer should have received the bruteForce alert")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	_ = trk.Track(okEvent("1.1.1.1", "u1", t0))
	_ = trk.Track(failEvent("2.2.2.2", t0.Add(time.Second)))
	if err := trk.Block("9.9.9.9", "manual"); err != nil {
		t.Fatal(err)
	}
	if err := trk.Whitelist("8.8.8.8"); err != nil {
		t.Fatal(err)
	}

	data, err := trk.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := New(DefaultConfig())
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	st := restored.Stats("1.1.1.1")
	if st == nil || st.Total != 1 || st.Success != 1 {
		t.Errorf("restored stats = %+v", st)
	}
	if !restored.IsBlocked("9.9.9.9") {
		t.Error("blocked list lost in round-trip")
	}
	if !restored.IsWhitelisted("8.8.8.8") {
		t.Error("whitelist lost in round-trip")
	}
	if got := restored.RecentEvents(10); len(got) != 2 {
		t.Errorf("restored events = %d, want 2", len(got))
	}

	// User history survives: the old IP is known, a new one alerts.
	if alerts := restored.Track(okEvent("1.1.1.1", "u1", t0.Add(time.Minute))); hasAlert(alerts, AlertNewIPForUser) != nil {
		t.Error("restored history should know 1.1.1.1")
	}
	if alerts := restored.Track(okEvent("5.5.5.5", "u1", t0.Add(2*time.Minute))); hasAlert(alerts, AlertNewIPForUser) == nil {
		t.Error("restored history should flag a new IP")
	}

	// Unknown versions are rejected.
	if err := restored.Restore([]byte(`{"version":99}`)); err == nil {
		t.Error("expected version error")
	}
}

func TestEmptyIPDropped(t *testing.T) {
	t.Parallel()

	trk := New(DefaultConfig())
	if alerts := trk.Track(AccessEvent{Timestamp: t0}); alerts != nil {
		t.Errorf("empty IP should be dropped, got %v", alerts)
	}
	if trk.Summary().TotalIPs != 0 {
		t.Error("empty IP must not create stats")
	}
}
