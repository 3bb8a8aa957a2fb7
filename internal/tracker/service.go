// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"context"
	"time"
)

// CompactionService runs the tracker's periodic compaction sweep. It
// implements suture.Service so the supervision tree owns its lifecycle and
// restarts it on failure.
type CompactionService struct {
	tracker  *Tracker
	interval time.Duration
}

// NewCompactionService creates the background compaction runner. An
// interval <= 0 uses the tracker's configured interval.
func NewCompactionService(t *Tracker, interval time.Duration) *CompactionService {
	if interval <= 0 {
		interval = t.cfg.CompactionInterval
	}
	return &CompactionService{tracker: t, interval: interval}
}

// Serve ticks until the context is canceled. Returns ctx.Err() on shutdown.
func (s *CompactionService) Serve(ctx context.Context) error {
	s.tracker.logger.Info().
		Str("interval", s.interval.String()).
		Msg("compaction service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.tracker.logger.Info().Msg("compaction service stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tracker.Compact()
		}
	}
}

// String names the service in supervisor logs.
func (s *CompactionService) String() string {
	return "tracker-compaction"
}
