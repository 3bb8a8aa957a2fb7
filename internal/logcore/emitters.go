// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package logcore

import (
	"context"
	"fmt"
	"time"
)

// Specialized emitters. Each is syntactic sugar over Emit: a canonical
// message prefix composed from the structured fields plus a metadata
// sub-object. Severity mapping is fixed per emitter.

// StepStarted logs the beginning of a named processing step.
func (l *Logger) StepStarted(ctx context.Context, step string, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, fmt.Sprintf("[STEP] %s: started", step),
		withSub(meta, "step", map[string]any{"name": step, "phase": "started"}))
}

// StepProgress logs intermediate progress of a step.
func (l *Logger) StepProgress(ctx context.Context, step string, progress int, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, fmt.Sprintf("[STEP] %s: %d%%", step, progress),
		withSub(meta, "step", map[string]any{"name": step, "phase": "progress", "percent": progress}))
}

// StepCompleted logs successful completion of a step.
func (l *Logger) StepCompleted(ctx context.Context, step string, duration time.Duration, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, fmt.Sprintf("[STEP] %s: completed in %s", step, duration),
		withSub(meta, "step", map[string]any{"name": step, "phase": "completed", "duration_ms": duration.Milliseconds()}))
}

// StepFailed logs step failure at error level.
func (l *Logger) StepFailed(ctx context.Context, step string, err error, meta map[string]any) error {
	return l.Emit(ctx, LevelError, fmt.Sprintf("[STEP] %s: failed", step),
		withSub(meta, "step", map[string]any{"name": step, "phase": "failed", "error": errString(err)}))
}

// HTTPRequest logs an inbound HTTP request at http level.
func (l *Logger) HTTPRequest(ctx context.Context, method, path string, meta map[string]any) error {
	return l.Emit(ctx, LevelHTTP, fmt.Sprintf("HTTP %s %s", method, path),
		withSub(meta, "http", map[string]any{"method": method, "path": path, "direction": "in"}))
}

// HTTPResponse logs an HTTP response. 5xx statuses log at error level,
// 4xx at warn, everything else at http.
func (l *Logger) HTTPResponse(ctx context.Context, method, path string, status int, duration time.Duration, meta map[string]any) error {
	level := LevelHTTP
	switch {
	case status >= 500:
		level = LevelError
	case status >= 400:
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("HTTP %s %s -> %d (%s)", method, path, status, duration),
		withSub(meta, "http", map[string]any{
			"method": method, "path": path, "status": status, "duration_ms": duration.Milliseconds(),
		}))
}

// Retry logs a retry attempt: warn while attempts remain, error on the final
// attempt.
func (l *Logger) Retry(ctx context.Context, operation string, attempt, maxAttempts int, err error, meta map[string]any) error {
	level := LevelWarn
	if attempt >= maxAttempts {
		level = LevelError
	}
	return l.Emit(ctx, level, fmt.Sprintf("[RETRY] %s: attempt %d/%d", operation, attempt, maxAttempts),
		withSub(meta, "retry", map[string]any{
			"operation": operation, "attempt": attempt, "max_attempts": maxAttempts, "error": errString(err),
		}))
}

// Exception logs a caught error at error level, with the error text carried
// in the record's trace slot.
func (l *Logger) Exception(ctx context.Context, err error, meta map[string]any) error {
	return l.emit(ctx, LevelError, fmt.Sprintf("[EXCEPTION] %s", errString(err)), errString(err),
		withSub(meta, "exception", map[string]any{"error": errString(err)}))
}

// WebhookIn logs receipt of an inbound webhook.
func (l *Logger) WebhookIn(ctx context.Context, source, event string, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, fmt.Sprintf("[WEBHOOK<-] %s: %s", source, event),
		withSub(meta, "webhook", map[string]any{"source": source, "event": event, "direction": "in"}))
}

// WebhookOut logs dispatch of an outbound webhook.
func (l *Logger) WebhookOut(ctx context.Context, target, event string, status int, meta map[string]any) error {
	level := LevelInfo
	if status >= 400 {
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("[WEBHOOK->] %s: %s (%d)", target, event, status),
		withSub(meta, "webhook", map[string]any{"target": target, "event": event, "status": status, "direction": "out"}))
}

// WebSocketEvent logs a websocket lifecycle event: "error" at error level,
// "disconnect" at warn, everything else at info.
func (l *Logger) WebSocketEvent(ctx context.Context, event, connID string, meta map[string]any) error {
	level := LevelInfo
	switch event {
	case "error":
		level = LevelError
	case "disconnect":
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("[WS] %s: %s", event, connID),
		withSub(meta, "websocket", map[string]any{"event": event, "connection_id": connID}))
}

// DatabaseOp logs a database operation; operations at or above one second
// log at warn.
func (l *Logger) DatabaseOp(ctx context.Context, operation, table string, duration time.Duration, meta map[string]any) error {
	level := LevelDebug
	if duration >= time.Second {
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("[DB] %s %s (%s)", operation, table, duration),
		withSub(meta, "database", map[string]any{
			"operation": operation, "table": table, "duration_ms": duration.Milliseconds(),
		}))
}

// CacheOp logs a cache access at debug level.
func (l *Logger) CacheOp(ctx context.Context, operation, key string, hit bool, meta map[string]any) error {
	return l.Emit(ctx, LevelDebug, fmt.Sprintf("[CACHE] %s %s hit=%t", operation, key, hit),
		withSub(meta, "cache", map[string]any{"operation": operation, "key": key, "hit": hit}))
}

// QueueOp logs a queue operation at debug level.
func (l *Logger) QueueOp(ctx context.Context, queue, operation string, meta map[string]any) error {
	return l.Emit(ctx, LevelDebug, fmt.Sprintf("[QUEUE] %s %s", operation, queue),
		withSub(meta, "queue", map[string]any{"queue": queue, "operation": operation}))
}

// ExternalAPI logs a call to an external service with the HTTP severity
// mapping.
func (l *Logger) ExternalAPI(ctx context.Context, service, endpoint string, status int, duration time.Duration, meta map[string]any) error {
	level := LevelInfo
	switch {
	case status >= 500:
		level = LevelError
	case status >= 400:
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("[EXT] %s %s -> %d (%s)", service, endpoint, status, duration),
		withSub(meta, "external_api", map[string]any{
			"service": service, "endpoint": endpoint, "status": status, "duration_ms": duration.Milliseconds(),
		}))
}

// AuthEvent logs an authentication event: info on success, warn on failure.
func (l *Logger) AuthEvent(ctx context.Context, event, userID string, success bool, meta map[string]any) error {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("[AUTH] %s user=%s success=%t", event, userID, success),
		withSub(meta, "auth", map[string]any{"event": event, "user_id": userID, "success": success}))
}

// FileOp logs a filesystem operation at debug level.
func (l *Logger) FileOp(ctx context.Context, operation, path string, meta map[string]any) error {
	return l.Emit(ctx, LevelDebug, fmt.Sprintf("[FILE] %s %s", operation, path),
		withSub(meta, "file", map[string]any{"operation": operation, "path": path}))
}

// Payment logs a payment operation at info level.
func (l *Logger) Payment(ctx context.Context, operation string, amount float64, currency string, meta map[string]any) error {
	return l.Emit(ctx, LevelInfo, fmt.Sprintf("[PAYMENT] %s %.2f %s", operation, amount, currency),
		withSub(meta, "payment", map[string]any{"operation": operation, "amount": amount, "currency": currency}))
}

// withSub merges the caller's metadata with the emitter's structured
// sub-object without mutating the caller's map.
func withSub(meta map[string]any, key string, sub map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[key] = sub
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
