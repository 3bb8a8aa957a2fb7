// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// snapshotVersion tags the serialized layout. Restore rejects unknown
// versions rather than guessing.
const snapshotVersion = 1

// snapshot is the versioned serialized tracker state. The core stays
// in-memory by contract; snapshots exist so an embedder can persist state
// across restarts through an external store (see internal/snapshot).
type snapshot struct {
	Version       int                 `json:"version"`
	TakenAt       time.Time           `json:"taken_at"`
	IPStats       []snapshotEntry     `json:"ip_stats"`
	Blocked       map[string]string   `json:"blocked"`
	Whitelisted   []string            `json:"whitelisted"`
	UserIPHistory map[string][]string `json:"user_ip_history"`
	RecentEvents  []AccessEvent       `json:"recent_events"`
}

type snapshotEntry struct {
	IP         string    `json:"ip"`
	Total      int       `json:"total"`
	Failed     int       `json:"failed"`
	Success    int       `json:"success"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Endpoints  []string  `json:"endpoints"`
	UserAgents []string  `json:"user_agents"`
	UserIDs    []string  `json:"user_ids"`
	Score      int       `json:"suspicious_score"`
}

// Snapshot serializes the full tracker state into a versioned byte buffer.
func (t *Tracker) Snapshot() ([]byte, error) {
	snap := snapshot{
		Version: snapshotVersion,
		TakenAt: t.now(),
	}

	t.mu.RLock()
	snap.IPStats = make([]snapshotEntry, 0, len(t.stats))
	for _, entry := range t.stats {
		snap.IPStats = append(snap.IPStats, snapshotEntry{
			IP:         entry.ip,
			Total:      entry.total,
			Failed:     entry.failed,
			Success:    entry.success,
			FirstSeen:  entry.firstSeen,
			LastSeen:   entry.lastSeen,
			Endpoints:  entry.endpoints.Values(),
			UserAgents: entry.agents.Values(),
			UserIDs:    entry.users.Values(),
			Score:      entry.score,
		})
	}
	snap.UserIPHistory = make(map[string][]string, len(t.userIPs))
	for user, hist := range t.userIPs {
		snap.UserIPHistory[user] = hist.Values()
	}
	t.mu.RUnlock()

	t.adminMu.RLock()
	snap.Blocked = make(map[string]string, len(t.blocked))
	for ip, reason := range t.blocked {
		snap.Blocked[ip] = reason
	}
	snap.Whitelisted = make([]string, 0, len(t.whitelisted))
	for ip := range t.whitelisted {
		snap.Whitelisted = append(snap.Whitelisted, ip)
	}
	t.adminMu.RUnlock()

	snap.RecentEvents = t.ring.Snapshot()

	return json.Marshal(snap)
}

// Restore replaces tracker state from a snapshot produced by Snapshot.
// Per-set and ring bounds of the current configuration apply; a snapshot
// taken with larger caps is truncated on the way in.
func (t *Tracker) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("tracker: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("tracker: unsupported snapshot version %d", snap.Version)
	}

	stats := make(map[string]*ipEntry, len(snap.IPStats))
	for _, se := range snap.IPStats {
		entry := &ipEntry{
			ip:        se.IP,
			total:     se.Total,
			failed:    se.Failed,
			success:   se.Success,
			firstSeen: se.FirstSeen,
			lastSeen:  se.LastSeen,
			endpoints: newBoundedSet(t.cfg.PerSetCap),
			agents:    newBoundedSet(t.cfg.PerSetCap),
			users:     newBoundedSet(t.cfg.PerSetCap),
			score:     se.Score,
		}
		for _, v := range se.Endpoints {
			entry.endpoints.Add(v)
		}
		for _, v := range se.UserAgents {
			entry.agents.Add(v)
		}
		for _, v := range se.UserIDs {
			entry.users.Add(v)
		}
		stats[se.IP] = entry
	}

	userIPs := make(map[string]*boundedSet, len(snap.UserIPHistory))
	for user, ips := range snap.UserIPHistory {
		hist := newBoundedSet(t.cfg.UserIPHistoryCap)
		for _, ip := range ips {
			hist.Add(ip)
		}
		userIPs[user] = hist
	}

	t.mu.Lock()
	t.stats = stats
	t.userIPs = userIPs
	t.userGeo = make(map[string]*boundedSet)
	t.mu.Unlock()

	t.adminMu.Lock()
	t.blocked = make(map[string]string, len(snap.Blocked))
	for ip, reason := range snap.Blocked {
		t.blocked[ip] = reason
	}
	t.whitelisted = make(map[string]struct{}, len(snap.Whitelisted))
	for _, ip := range snap.Whitelisted {
		t.whitelisted[ip] = struct{}{}
	}
	t.adminMu.Unlock()

	t.ring.Reset(snap.RecentEvents)

	t.logger.Info().
		Int("ips", len(stats)).
		Int("events", t.ring.Len()).
		Msg("tracker state restored from snapshot")
	return nil
}
