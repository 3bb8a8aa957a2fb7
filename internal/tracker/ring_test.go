// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"testing"
	"time"
)

func TestEventRingOverflow(t *testing.T) {
	t.Parallel()

	r := newEventRing(3)
	for i := 0; i < 5; i++ {
		r.Append(AccessEvent{IP: "1.1.1.1", Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	snap := r.Snapshot()
	if !snap[0].Timestamp.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("oldest survivor = %v, want t0+2s", snap[0].Timestamp)
	}
	if !snap[2].Timestamp.Equal(t0.Add(4 * time.Second)) {
		t.Errorf("newest = %v, want t0+4s", snap[2].Timestamp)
	}
}

func TestEventRingDropOlderThan(t *testing.T) {
	t.Parallel()

	r := newEventRing(10)
	for i := 0; i < 6; i++ {
		r.Append(AccessEvent{Timestamp: t0.Add(time.Duration(i) * time.Minute)})
	}

	dropped := r.DropOlderThan(t0.Add(3 * time.Minute))
	if dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if r.Len() != 3 {
		t.Errorf("Len = %d, want 3", r.Len())
	}
	if oldest, ok := r.Oldest(); !ok || !oldest.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("oldest = %v, want t0+3m", oldest)
	}
}

func TestEventRingCountAndFilter(t *testing.T) {
	t.Parallel()

	r := newEventRing(10)
	r.Append(AccessEvent{IP: "a", Success: true, Timestamp: t0})
	r.Append(AccessEvent{IP: "a", Success: false, Timestamp: t0.Add(time.Second)})
	r.Append(AccessEvent{IP: "b", Success: false, Timestamp: t0.Add(2 * time.Second)})

	if got := r.Count(func(e *AccessEvent) bool { return e.IP == "a" }); got != 2 {
		t.Errorf("Count(ip=a) = %d, want 2", got)
	}
	failures := r.Filter(10, func(e *AccessEvent) bool { return !e.Success })
	if len(failures) != 2 {
		t.Fatalf("Filter(!success) = %d, want 2", len(failures))
	}
	// Newest first.
	if failures[0].IP != "b" {
		t.Errorf("newest failure IP = %s, want b", failures[0].IP)
	}
}

func TestEventRingReset(t *testing.T) {
	t.Parallel()

	r := newEventRing(2)
	r.Append(AccessEvent{IP: "x", Timestamp: t0})

	r.Reset([]AccessEvent{
		{IP: "a", Timestamp: t0},
		{IP: "b", Timestamp: t0.Add(time.Second)},
		{IP: "c", Timestamp: t0.Add(2 * time.Second)},
	})

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want capacity 2", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].IP != "b" || snap[1].IP != "c" {
		t.Errorf("reset kept %v, want newest two", snap)
	}
}

func TestBoundedSetEviction(t *testing.T) {
	t.Parallel()

	s := newBoundedSet(3)
	for _, v := range []string{"a", "b", "c"} {
		s.Add(v)
	}
	s.Add("a") // re-add is a no-op
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}

	s.Add("d") // evicts oldest ("a")
	if s.Contains("a") {
		t.Error("oldest member should have been evicted")
	}
	if !s.Contains("d") {
		t.Error("new member missing")
	}

	got := s.Values()
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values() = %v, want %v", got, want)
		}
	}

	s.Remove("c")
	if s.Contains("c") || s.Len() != 2 {
		t.Errorf("Remove failed: %v", s.Values())
	}
	s.Remove("missing") // no-op
}
