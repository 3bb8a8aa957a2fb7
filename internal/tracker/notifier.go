// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kestrelsec/kestrel/internal/logging"
)

// WebhookNotifier delivers alerts to a webhook endpoint. It is designed to
// hang off Tracker.OnAlert: Notify returns immediately and delivery happens
// on a background goroutine, rate-limited and wrapped in a circuit breaker
// so a dead endpoint cannot pile up goroutines or burn the process.
type WebhookNotifier struct {
	mu         sync.RWMutex
	webhookURL string
	headers    map[string]string
	enabled    bool

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	WebhookURL string            `json:"webhook_url" koanf:"webhook_url"`
	Headers    map[string]string `json:"headers,omitempty" koanf:"headers"`
	Enabled    bool              `json:"enabled" koanf:"enabled"`

	// RatePerSecond caps outbound deliveries; excess alerts are dropped
	// rather than queued. Default: 2/s with a burst of 5.
	RatePerSecond float64 `json:"rate_per_second" koanf:"rate_per_second"`
}

// webhookPayload is the JSON body sent to the endpoint.
type webhookPayload struct {
	Alert     Alert     `json:"alert"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	perSecond := config.RatePerSecond
	if perSecond <= 0 {
		perSecond = 2
	}

	headers := make(map[string]string, len(config.Headers))
	for k, v := range config.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		webhookURL: config.WebhookURL,
		headers:    headers,
		enabled:    config.Enabled,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 5),
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "alert-webhook",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Enabled reports whether the notifier will attempt delivery.
func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.webhookURL != ""
}

// SetEnabled enables or disables the notifier.
func (n *WebhookNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Notify delivers an alert asynchronously. Never blocks the caller; alerts
// over the rate limit are dropped.
func (n *WebhookNotifier) Notify(alert Alert) {
	if !n.Enabled() {
		return
	}
	if !n.limiter.Allow() {
		logging.Debug().Str("type", string(alert.Type)).Msg("webhook alert dropped by rate limit")
		return
	}
	go func() {
		if err := n.send(alert); err != nil {
			logging.Warn().Err(err).Str("type", string(alert.Type)).Msg("webhook alert delivery failed")
		}
	}()
}

// send posts one alert through the circuit breaker.
func (n *WebhookNotifier) send(alert Alert) error {
	n.mu.RLock()
	url := n.webhookURL
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	_, err := n.breaker.Execute(func() (struct{}, error) {
		body, err := json.Marshal(webhookPayload{
			Alert:     alert,
			EventType: "security_alert",
			Timestamp: time.Now(),
			Source:    "kestrel",
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("marshal webhook payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("send webhook: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return struct{}{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	return err
}
