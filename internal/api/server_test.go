// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/kestrelsec/kestrel/internal/config"
	"github.com/kestrelsec/kestrel/internal/tracker"
)

func testServer(t *testing.T, cfg config.ServerConfig) (*Server, *tracker.Tracker) {
	t.Helper()
	trk := tracker.New(tracker.DefaultConfig())
	if cfg.Port == 0 {
		cfg.Port = 8480
	}
	return NewServer(trk, cfg), trk
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, config.ServerConfig{})
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestBlockUnblockFlow(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/tracker/block",
		map[string]string{"ip": "192.0.2.9", "reason": "manual"})
	if rec.Code != http.StatusOK {
		t.Fatalf("block status = %d: %s", rec.Code, rec.Body.String())
	}
	if !trk.IsBlocked("192.0.2.9") {
		t.Error("tracker should report blocked")
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tracker/unblock",
		map[string]string{"ip": "192.0.2.9"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	if trk.IsBlocked("192.0.2.9") {
		t.Error("tracker should report unblocked")
	}
}

func TestBlockRejectsInvalidIP(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, config.ServerConfig{})
	rec := doJSON(t, s.Router(), http.MethodPost, "/api/v1/tracker/block",
		map[string]string{"ip": "not-an-ip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "INVALID_IP") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// Missing ip field fails struct validation.
	rec = doJSON(t, s.Router(), http.MethodPost, "/api/v1/tracker/block", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWhitelistFlow(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	router := s.Router()

	if err := trk.Block("192.0.2.10", "x"); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, router, http.MethodPost, "/api/v1/tracker/whitelist",
		map[string]string{"ip": "192.0.2.10"})
	if rec.Code != http.StatusOK {
		t.Fatalf("whitelist status = %d", rec.Code)
	}
	if trk.IsBlocked("192.0.2.10") || !trk.IsWhitelisted("192.0.2.10") {
		t.Error("whitelist should clear block")
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	router := s.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/stats/10.0.0.1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown IP status = %d, want 404", rec.Code)
	}

	_ = trk.Track(tracker.AccessEvent{
		IP: "10.0.0.1", Timestamp: time.Now(), Endpoint: "/x", Success: true,
	})
	rec = doJSON(t, router, http.MethodGet, "/api/v1/tracker/stats/10.0.0.1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestSuspiciousValidation(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, config.ServerConfig{})
	router := s.Router()

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/suspicious?threshold=200", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("threshold=200 status = %d, want 400", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/suspicious?threshold=50", nil); rec.Code != http.StatusOK {
		t.Errorf("threshold=50 status = %d, want 200", rec.Code)
	}
}

func TestSummaryAndCompact(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	router := s.Router()

	_ = trk.Track(tracker.AccessEvent{IP: "10.0.0.2", Timestamp: time.Now(), Success: true})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/summary", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total_ips":1`) {
		t.Errorf("summary = %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/tracker/compact", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("compact status = %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	router := s.Router()

	now := time.Now()
	_ = trk.Track(tracker.AccessEvent{IP: "1.1.1.1", UserID: "u1", Timestamp: now, Success: true})
	_ = trk.Track(tracker.AccessEvent{IP: "2.2.2.2", UserID: "u2", Timestamp: now.Add(time.Second), Success: true})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/events?ip=1.1.1.1", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "1.1.1.1") {
		t.Errorf("events by ip = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "2.2.2.2") {
		t.Error("events by ip leaked other IPs")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/tracker/events?user=u2", nil)
	if !strings.Contains(rec.Body.String(), "2.2.2.2") {
		t.Errorf("events by user = %s", rec.Body.String())
	}

	if rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/events?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	const secret = "test-secret"
	s, _ := testServer(t, config.ServerConfig{AuthSecret: secret})
	router := s.Router()

	// No token: 401.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/tracker/summary", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", rec.Code)
	}

	// Garbage token: 401.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tracker/summary", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad-token status = %d, want 401", rec.Code)
	}

	// Valid HS256 token: 200.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/tracker/summary", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid-token status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// Health endpoint stays open.
	if rec := doJSON(t, router, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	s, _ := testServer(t, config.ServerConfig{})
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	// Upstream-supplied IDs propagate.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	out := httptest.NewRecorder()
	s.Router().ServeHTTP(out, req)
	if got := out.Header().Get("X-Request-ID"); got != "upstream-id" {
		t.Errorf("X-Request-ID = %q, want upstream-id", got)
	}
}

func TestAlertStream(t *testing.T) {
	t.Parallel()

	s, trk := testServer(t, config.ServerConfig{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/tracker/alerts/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	// Give the hub a moment to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// Trigger a brute-force alert.
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = trk.Track(tracker.AccessEvent{
			IP: "203.0.113.99", Timestamp: base.Add(time.Duration(i) * time.Second),
			Endpoint: "/login", Success: false,
		})
	}

	// Earlier advisory alerts may arrive first; read until the brute-force
	// alert shows up.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.Contains(string(payload), "bruteForce") {
			return
		}
	}
}
