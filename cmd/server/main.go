// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Command server runs the Kestrel observability core as a standalone
// service: the access tracker with its compaction loop, the optional
// durable snapshot loop, and the admin HTTP surface, all under a suture
// supervision tree.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelsec/kestrel/internal/api"
	"github.com/kestrelsec/kestrel/internal/config"
	"github.com/kestrelsec/kestrel/internal/logcore"
	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/sanitize"
	"github.com/kestrelsec/kestrel/internal/snapshot"
	"github.com/kestrelsec/kestrel/internal/supervisor"
	"github.com/kestrelsec/kestrel/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("kestrel starting")

	sanitizer := buildSanitizer(cfg.Policy)
	accessLogger := logcore.New(sanitizer, logcore.NewStdoutSink())

	trk := tracker.New(tracker.Config{
		RingCapacity:        cfg.Tracker.RingCapacity,
		MaxIPs:              cfg.Tracker.MaxIPs,
		TTL:                 cfg.Tracker.TTL,
		CompactionInterval:  cfg.Tracker.CompactionInterval,
		PerSetCap:           cfg.Tracker.PerSetCap,
		UserIPHistoryCap:    cfg.Tracker.UserIPHistoryCap,
		BruteForceWindow:    cfg.Tracker.BruteForceWindow,
		BruteForceThreshold: cfg.Tracker.BruteForceThreshold,
		AutoBlockThreshold:  cfg.Tracker.AutoBlockThreshold,
		RateLimitWindow:     cfg.Tracker.RateLimitWindow,
		RateLimitThreshold:  cfg.Tracker.RateLimitThreshold,
		SuspiciousThreshold: cfg.Tracker.SuspiciousThreshold,
	})

	if cfg.Webhook.Enabled {
		notifier := tracker.NewWebhookNotifier(tracker.WebhookConfig{
			WebhookURL:    cfg.Webhook.URL,
			Headers:       cfg.Webhook.Headers,
			Enabled:       true,
			RatePerSecond: cfg.Webhook.RatePerSecond,
		})
		trk.OnAlert(notifier.Notify)
		logging.Info().Str("url", cfg.Webhook.URL).Msg("alert webhook enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.DefaultTreeConfig())
	tree.AddBackground(tracker.NewCompactionService(trk, cfg.Tracker.CompactionInterval))

	if cfg.Snapshot.Enabled {
		store, err := snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			logging.Fatal().Err(err).Msg("snapshot store open failed")
		}
		defer store.Close()

		restoreTracker(trk, store)
		tree.AddBackground(snapshot.NewService(trk, store, cfg.Snapshot.Interval))
	}

	server := api.NewServer(trk, cfg.Server, api.WithAccessLogger(accessLogger))
	tree.AddAPI(api.NewService(server))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervision tree exited")
		os.Exit(1)
	}
	logging.Info().Msg("kestrel stopped")
}

// buildSanitizer turns the policy config into a constructed sanitizer.
func buildSanitizer(pc config.PolicyConfig) *sanitize.Sanitizer {
	policy := sanitize.NewPolicy(sanitize.Mode(pc.Mode))
	policy.Enabled = pc.Enabled
	policy.StrictMode = pc.StrictMode
	if pc.MaxDepth > 0 {
		policy.MaxDepth = pc.MaxDepth
	}
	policy.SensitiveFields = append(policy.SensitiveFields, pc.ExtraSensitiveFields...)

	s := sanitize.New(policy)
	return s
}

// restoreTracker loads the latest snapshot if one exists.
func restoreTracker(trk *tracker.Tracker, store *snapshot.Store) {
	data, err := store.Load()
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		logging.Info().Msg("no prior snapshot, starting fresh")
		return
	}
	if err != nil {
		logging.Error().Err(err).Msg("snapshot load failed, starting fresh")
		return
	}
	if err := trk.Restore(data); err != nil {
		logging.Error().Err(err).Msg("snapshot restore failed, starting fresh")
	}
}
