// Kestrel - Structured Logging and Security Observability
// Copyright 2026 Kestrel Security Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/kestrel

// Package api exposes the tracker's recognized admin surface over HTTP:
// block/unblock/whitelist/unwhitelist, stats, suspicious, summary, compact,
// event lookups, and a websocket alert stream. The transport is chi; the
// wire format is a small JSON envelope. The core library does not depend on
// this package - it exists for embedders that want the surface ready-made.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/internal/config"
	"github.com/kestrelsec/kestrel/internal/logcore"
	"github.com/kestrelsec/kestrel/internal/logging"
	"github.com/kestrelsec/kestrel/internal/tracker"
	"github.com/kestrelsec/kestrel/internal/validation"
)

// Server wires the tracker admin surface onto a chi router.
type Server struct {
	tracker *tracker.Tracker
	cfg     config.ServerConfig
	hub     *AlertHub
	access  *logcore.Logger
	logger  zerolog.Logger
}

// Option configures the admin server.
type Option func(*Server)

// WithAccessLogger routes per-request access records through the structured
// record pipeline (sanitized metadata, trace context, HTTP severity mapping).
func WithAccessLogger(l *logcore.Logger) Option {
	return func(s *Server) { s.access = l }
}

// NewServer creates the admin server and subscribes its alert hub to the
// tracker.
func NewServer(trk *tracker.Tracker, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		tracker: trk,
		cfg:     cfg,
		hub:     NewAlertHub(),
		logger:  logging.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	trk.OnAlert(s.hub.Broadcast)
	return s
}

// Router builds the full middleware stack and route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Instrument)
	if s.access != nil {
		r.Use(AccessLog(s.access))
	}
	r.Use(CORS(s.cfg.CORSOrigins))
	r.Use(RateLimit(s.cfg.RateLimitPerMinute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/tracker", func(r chi.Router) {
		r.Use(BearerAuth(s.cfg.AuthSecret))

		r.Post("/block", s.handleBlock)
		r.Post("/unblock", s.handleUnblock)
		r.Post("/whitelist", s.handleWhitelist)
		r.Post("/unwhitelist", s.handleUnwhitelist)
		r.Get("/stats/{ip}", s.handleStats)
		r.Get("/suspicious", s.handleSuspicious)
		r.Get("/summary", s.handleSummary)
		r.Post("/compact", s.handleCompact)
		r.Get("/events", s.handleEvents)
		r.Get("/alerts/stream", s.hub.HandleStream)
	})

	return r
}

// envelope is the uniform response shape.
type envelope struct {
	Status string   `json:"status"`
	Data   any      `json:"data,omitempty"`
	Error  *errBody `json:"error,omitempty"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Status: "error", Error: &errBody{Code: code, Message: message}})
}

// ipRequest is the body for the four list-mutation endpoints.
type ipRequest struct {
	IP     string `json:"ip" validate:"required"`
	Reason string `json:"reason" validate:"max=256"`
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return validation.ValidateStruct(into)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.tracker.Block(req.IP, req.Reason); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "state": "blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.tracker.Unblock(req.IP); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "state": "tracked"})
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.tracker.Whitelist(req.IP); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "state": "whitelisted"})
}

func (s *Server) handleUnwhitelist(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if err := s.tracker.Unwhitelist(req.IP); err != nil {
		s.writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": req.IP, "state": "tracked"})
}

// writeAdminError maps tracker admin errors onto HTTP statuses.
func (s *Server) writeAdminError(w http.ResponseWriter, err error) {
	if errors.Is(err, validation.ErrInvalidIP) {
		writeError(w, http.StatusBadRequest, "INVALID_IP", err.Error())
		return
	}
	s.logger.Error().Err(err).Msg("admin operation failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "operation failed")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	stats := s.tracker.Stats(ip)
	if stats == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no statistics for %s", ip))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	threshold := 0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "threshold must be 0-100")
			return
		}
		threshold = v
	}
	writeJSON(w, http.StatusOK, s.tracker.Suspicious(threshold))
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Summary())
}

func (s *Server) handleCompact(w http.ResponseWriter, _ *http.Request) {
	s.tracker.Compact()
	writeJSON(w, http.StatusOK, s.tracker.Summary())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 10000 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be 1-10000")
			return
		}
		limit = v
	}

	var events []tracker.AccessEvent
	switch {
	case q.Get("ip") != "":
		events = s.tracker.EventsByIP(q.Get("ip"), limit)
	case q.Get("user") != "":
		events = s.tracker.EventsByUser(q.Get("user"), limit)
	default:
		events = s.tracker.RecentEvents(limit)
	}
	writeJSON(w, http.StatusOK, events)
}

// Service adapts the server to suture.Service, owning the http.Server
// lifecycle: listen on start, graceful shutdown on context cancellation.
type Service struct {
	server *http.Server
	name   string
}

// NewService wraps the admin server for supervision.
func NewService(s *Server) *Service {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	return &Service{
		name: "admin-http",
		server: &http.Server{
			Addr:         addr,
			Handler:      s.Router(),
			ReadTimeout:  s.cfg.Timeout,
			WriteTimeout: s.cfg.Timeout,
		},
	}
}

// Serve runs the HTTP server until the context is canceled.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	logging.Info().Str("addr", s.server.Addr).Msg("admin server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// String names the service in supervisor logs.
func (s *Service) String() string {
	return s.name
}
