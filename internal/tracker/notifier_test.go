// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookNotifierDelivers(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody.Store(string(body))
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{
		WebhookURL: srv.URL,
		Enabled:    true,
		Headers:    map[string]string{"X-Auth": "token"},
	})

	n.Notify(Alert{Type: AlertBruteForce, Severity: SeverityHigh, IP: "1.2.3.4", Timestamp: t0})

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Fatal("webhook was not delivered")
	}
	body, _ := lastBody.Load().(string)
	if !strings.Contains(body, "bruteForce") || !strings.Contains(body, "kestrel") {
		t.Errorf("payload = %s", body)
	}
}

func TestWebhookNotifierDisabled(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{WebhookURL: srv.URL, Enabled: false})
	n.Notify(Alert{Type: AlertBruteForce})

	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 0 {
		t.Error("disabled notifier must not deliver")
	}

	if n.Enabled() {
		t.Error("Enabled() = true for disabled notifier")
	}
	n.SetEnabled(true)
	if !n.Enabled() {
		t.Error("SetEnabled(true) did not take effect")
	}

	// A notifier without a URL reports disabled regardless.
	unset := NewWebhookNotifier(WebhookConfig{Enabled: true})
	if unset.Enabled() {
		t.Error("notifier without URL must report disabled")
	}
}
