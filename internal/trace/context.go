// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package trace carries per-request metadata across goroutine boundaries.
//
// Go has no implicit task-local storage, so the carrier rides context.Context:
// every goroutine spawned with the bound context observes the same trace
// metadata, and nested Run scopes extend the parent for their dynamic extent.
// Concurrent requests bound from independent contexts never observe each
// other's metadata.
//
//	err := trace.Run(ctx, trace.Context{trace.KeyRequestID: reqID}, func(ctx context.Context) error {
//	    logger.Info(ctx, "handling request", nil)
//	    return process(ctx)
//	})
package trace

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Context is the open metadata bag bound to one logical request.
// Values bound into a context.Context are never mutated afterwards;
// amendments always derive a new binding.
type Context map[string]string

// Well-known metadata keys.
const (
	KeyTraceID       = "trace_id"
	KeySpanID        = "span_id"
	KeyParentSpanID  = "parent_span_id"
	KeyRequestID     = "request_id"
	KeyUserID        = "user_id"
	KeySessionID     = "session_id"
	KeyCorrelationID = "correlation_id"
	KeyService       = "service"
	KeyEnvironment   = "environment"
	KeyVersion       = "version"
)

type ctxKey struct{}

// FromContext returns the trace metadata bound to ctx, or an empty Context.
// The returned map is a copy; callers may mutate it freely.
func FromContext(ctx context.Context) Context {
	if ctx == nil {
		return Context{}
	}
	bound, ok := ctx.Value(ctxKey{}).(Context)
	if !ok {
		return Context{}
	}
	out := make(Context, len(bound))
	for k, v := range bound {
		out[k] = v
	}
	return out
}

// Set merges meta into the currently bound trace context without opening a
// new scope and returns the derived context. Child keys override parent keys.
// Middleware that learns identifiers late (e.g. user_id after authentication)
// uses this to amend the current binding.
func Set(ctx context.Context, meta Context) context.Context {
	return bind(ctx, meta)
}

// Run binds a merged child scope for the dynamic extent of work. Goroutines
// spawned from within work that carry the given context inherit the scope;
// work spawned before Run is unaffected.
func Run(ctx context.Context, meta Context, work func(ctx context.Context) error) error {
	return work(bind(ctx, meta))
}

// bind derives a context carrying merge(parent, meta).
func bind(ctx context.Context, meta Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, _ := ctx.Value(ctxKey{}).(Context)

	merged := make(Context, len(parent)+len(meta))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	return context.WithValue(ctx, ctxKey{}, merged)
}

// Get returns a single bound value, or empty string.
func Get(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if bound, ok := ctx.Value(ctxKey{}).(Context); ok {
		return bound[key]
	}
	return ""
}

// NewTraceID generates a new trace identifier.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewSpanID generates a new span identifier (16 hex characters).
func NewSpanID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// NewRequestID generates a new request identifier.
// Returns a full UUID for uniqueness across distributed systems.
func NewRequestID() string {
	return uuid.New().String()
}
