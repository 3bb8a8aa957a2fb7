// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package snapshot

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/tracker"
)

// Service periodically snapshots a tracker into the store. It implements
// suture.Service. A final snapshot is taken on shutdown so the freshest
// state survives a clean stop.
type Service struct {
	tracker  *tracker.Tracker
	store    *Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewService creates the periodic snapshot runner.
func NewService(t *tracker.Tracker, store *Store, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Service{
		tracker:  t,
		store:    store,
		interval: interval,
		logger:   logging.WithComponent("snapshot"),
	}
}

// Serve ticks until the context is canceled.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info().Str("interval", s.interval.String()).Msg("snapshot service started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.snapshot()
			s.logger.Info().Msg("snapshot service stopped")
			return ctx.Err()
		case <-ticker.C:
			s.snapshot()
		}
	}
}

// snapshot takes and stores one snapshot; failures are logged, not fatal.
func (s *Service) snapshot() {
	data, err := s.tracker.Snapshot()
	if err != nil {
		s.logger.Error().Err(err).Msg("tracker snapshot failed")
		return
	}
	if err := s.store.Save(data); err != nil {
		s.logger.Error().Err(err).Msg("snapshot save failed")
		return
	}
	s.logger.Debug().Int("bytes", len(data)).Msg("snapshot stored")
}

// String names the service in supervisor logs.
func (s *Service) String() string {
	return "tracker-snapshot"
}

// badgerLogger adapts Badger's logger interface to zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any)   { b.l.Error().Msgf(format, args...) }
func (b badgerLogger) Warningf(format string, args ...any) { b.l.Warn().Msgf(format, args...) }
func (b badgerLogger) Infof(format string, args ...any)    { b.l.Debug().Msgf(format, args...) }
func (b badgerLogger) Debugf(format string, args ...any)   { b.l.Debug().Msgf(format, args...) }
