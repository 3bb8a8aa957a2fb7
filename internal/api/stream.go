// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/tracker"
)

// AlertHub fans tracker alerts out to websocket subscribers. Delivery is
// best-effort: a subscriber that cannot keep up is dropped rather than
// allowed to backpressure the tracker's observer callback.
type AlertHub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]chan []byte
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// subscriberBuffer bounds per-connection queued alerts.
const subscriberBuffer = 64

// NewAlertHub creates an empty hub.
func NewAlertHub() *AlertHub {
	return &AlertHub{
		conns: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logging.WithComponent("alert-stream"),
	}
}

// Broadcast queues an alert for every subscriber. Never blocks; full
// subscriber queues drop the alert for that subscriber.
func (h *AlertHub) Broadcast(alert tracker.Alert) {
	payload, err := json.Marshal(map[string]any{
		"type":  "security_alert",
		"alert": alert,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("alert marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- payload:
		default:
			h.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("slow alert subscriber, dropping alert")
		}
	}
}

// HandleStream upgrades the request and streams alerts until the client
// disconnects.
func (h *AlertHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("alert subscriber connected")

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
		h.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("alert subscriber disconnected")
	}()

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// how close frames and dead peers are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case payload := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *AlertHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
