// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package logcore materializes structured log records. Every emit pulls the
// bound trace context from internal/trace, runs the merged metadata through
// the sanitizer, and hands exactly one Record to the configured sink.
//
//	logger := logcore.New(sanitizer, logcore.NewStdoutSink())
//	logger.Info(ctx, "user signed in", map[string]any{"user": id})
//
// Emit never returns an error except when the policy's strict mode detects
// PII in the merged metadata; sink failures go to a stderr fallback and are
// swallowed.
package logcore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/metrics"
	"github.com/kestrelsec/kestrel/internal/sanitize"
	"github.com/kestrelsec/kestrel/internal/trace"
)

// Logger produces structured records. Safe for concurrent use; cheap to copy
// via WithContext.
type Logger struct {
	sanitizer *sanitize.Sanitizer
	sink      Sink
	label     string

	fallback    zerolog.Logger
	fallbackLim *rate.Limiter

	now func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the timestamp source. For tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithFallback overrides the stderr fallback logger used on sink failure.
func WithFallback(fb zerolog.Logger) Option {
	return func(l *Logger) { l.fallback = fb }
}

// New creates a logger over the given sanitizer and sink. A nil sink gets
// the default stdout NDJSON sink; a nil sanitizer gets production defaults.
func New(s *sanitize.Sanitizer, sink Sink, opts ...Option) *Logger {
	if s == nil {
		s = sanitize.New(nil)
	}
	if sink == nil {
		sink = NewStdoutSink()
	}
	l := &Logger{
		sanitizer: s,
		sink:      sink,
		fallback:  logging.WithComponent("logcore"),
		// Sink failures can come in bursts; keep the fallback from flooding
		// stderr at more than a few lines per second.
		fallbackLim: rate.NewLimiter(rate.Limit(5), 10),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithContext returns a child logger whose records carry the given context
// label.
func (l *Logger) WithContext(name string) *Logger {
	child := *l
	child.label = name
	return &child
}

// Sanitizer exposes the logger's sanitizer for policy mutation.
func (l *Logger) Sanitizer() *sanitize.Sanitizer {
	return l.sanitizer
}

// Emit builds one record and hands it to the sink.
//
// The metadata the sink sees is sanitize(merge(bound trace context, meta)),
// with meta keys overriding trace keys. The timestamp is captured at emit
// time. With strict mode on, PII anywhere in the merged metadata fails the
// emit with *PolicyViolationError before the sink is called.
func (l *Logger) Emit(ctx context.Context, level Level, message string, meta map[string]any) error {
	return l.emit(ctx, level, message, "", meta)
}

func (l *Logger) emit(ctx context.Context, level Level, message, traceStr string, meta map[string]any) error {
	merged := make(map[string]any)
	for k, v := range trace.FromContext(ctx) {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}

	policy := l.sanitizer.Policy()
	if policy.StrictMode && len(merged) > 0 && l.sanitizer.ContainsPII(merged) {
		metrics.PolicyViolationsTotal.Inc()
		return &PolicyViolationError{Level: level, Message: message}
	}

	var sanitized map[string]any
	if len(merged) > 0 {
		start := time.Now()
		out := l.sanitizer.Sanitize(merged)
		metrics.SanitizeDuration.Observe(time.Since(start).Seconds())
		if m, ok := out.(map[string]any); ok {
			sanitized = m
		} else {
			sanitized = map[string]any{"value": out}
		}
	}

	record := &Record{
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		Context:   l.label,
		Trace:     traceStr,
		Metadata:  sanitized,
	}

	metrics.LogRecordsTotal.WithLabelValues(string(level)).Inc()

	if err := l.sink.Accept(record); err != nil {
		l.reportSinkFailure(err, record)
	}
	return nil
}

// reportSinkFailure redirects a failed record to the stderr fallback.
// One failing sink must not prevent other emits, so the error stops here.
func (l *Logger) reportSinkFailure(err error, record *Record) {
	name := "sink"
	if se, ok := err.(*SinkError); ok && se.Sink != "" {
		name = se.Sink
	}
	metrics.SinkFailuresTotal.WithLabelValues(name).Inc()

	if !l.fallbackLim.Allow() {
		return
	}
	l.fallback.Error().
		Err(err).
		Str("level", string(record.Level)).
		Str("message", record.Message).
		Msg("sink rejected record")
}

// Error emits at error level.
func (l *Logger) Error(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelError, message, meta)
}

// Warn emits at warn level.
func (l *Logger) Warn(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelWarn, message, meta)
}

// Info emits at info level.
func (l *Logger) Info(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, message, meta)
}

// HTTP emits at http level.
func (l *Logger) HTTP(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelHTTP, message, meta)
}

// Debug emits at debug level.
func (l *Logger) Debug(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelDebug, message, meta)
}

// Verbose emits at verbose level.
func (l *Logger) Verbose(ctx context.Context, message string, meta map[string]any) error {
	return l.Emit(ctx, LevelVerbose, message, meta)
}
