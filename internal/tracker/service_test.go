// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompactionServiceSweeps(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TTL = time.Hour
	now := t0.Add(3 * time.Hour)
	trk := New(cfg, WithClock(func() time.Time { return now }))

	// Stale entry that only a sweep will remove.
	_ = trk.Track(okEvent("10.9.0.1", "", now.Add(-2*time.Hour)))

	svc := NewCompactionService(trk, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for trk.Stats("10.9.0.1") != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}

	if trk.Stats("10.9.0.1") != nil {
		t.Error("background sweep never compacted the stale entry")
	}
}

func TestCompactionServiceName(t *testing.T) {
	t.Parallel()

	svc := NewCompactionService(New(DefaultConfig()), 0)
	if svc.String() != "tracker-compaction" {
		t.Errorf("String() = %s", svc.String())
	}
	if svc.interval != DefaultConfig().CompactionInterval {
		t.Errorf("zero interval should fall back to config, got %v", svc.interval)
	}
}
