// Package api serves the fleettrackd status endpoints and Prometheus metrics over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/fleettrack/pkg/gps"
	"github.com/markus-lassfolk/fleettrack/pkg/logx"
	"github.com/markus-lassfolk/fleettrack/pkg/telem"
	"github.com/markus-lassfolk/fleettrack/pkg/tracking"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	AuthKey  string `yaml:"auth_key"`  // Optional authentication key
	CertFile string `yaml:"cert_file"` // TLS certificate file path
	KeyFile  string `yaml:"key_file"`  // TLS private key file path
}

// SessionSource returns the active tracking session, or nil
type SessionSource interface {
	Current() *tracking.Session
}

// SourceHealthReporter exposes per-source geolocation health
type SourceHealthReporter interface {
	GetSourceHealthStatus() map[string]gps.SourceHealth
}

// AppStateSetter receives foreground/background transitions
type AppStateSetter interface {
	Set(state tracking.AppState) bool
	State() tracking.AppState
}

// Deps are the components the server reports on. Nil fields disable their endpoints.
type Deps struct {
	Sessions  SessionSource
	Sources   SourceHealthReporter
	Telemetry *telem.Store
	Lifecycle AppStateSetter
	Metrics   http.Handler
	Version   string
}

// Server provides tracking status via HTTP API
type Server struct {
	config  ServerConfig
	deps    Deps
	logger  *logx.Logger
	started time.Time

	httpServer *http.Server
}

// NewServer creates a new status API server instance
func NewServer(config ServerConfig, deps Deps, logger *logx.Logger) *Server {
	return &Server{config: config, deps: deps, logger: logger, started: time.Now()}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tracking/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/tracking/events", s.authMiddleware(s.handleEvents))
	mux.HandleFunc("/api/tracking/trail", s.authMiddleware(s.handleTrail))
	mux.HandleFunc("/api/tracking/sources", s.authMiddleware(s.handleSources))
	mux.HandleFunc("/api/tracking/app-state", s.authMiddleware(s.handleAppState))
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("Starting status API server", "address", listener.Addr().String(), "tls", s.config.CertFile != "")

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.httpServer.ServeTLS(listener, s.config.CertFile, s.config.KeyFile)
		} else {
			// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
			err = s.httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status API server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.logger.Info("Status API server stopped")
	return err
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}
		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if s.deps.Sessions != nil && s.deps.Sessions.Current() != nil {
		status = "tracking"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "fleettrackd",
		"version":   s.deps.Version,
		"uptime_s":  int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		http.Error(w, "Tracking not available", http.StatusServiceUnavailable)
		return
	}
	sess := s.deps.Sessions.Current()
	if sess == nil {
		http.Error(w, "No active tracking session", http.StatusNotFound)
		return
	}

	snap := sess.Snapshot()
	resp := map[string]interface{}{"session": snap}
	if s.deps.Lifecycle != nil {
		resp["app_state"] = s.deps.Lifecycle.State().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		http.Error(w, "Event history not available", http.StatusServiceUnavailable)
		return
	}
	since, limit, ok := parseWindow(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.deps.Telemetry.GetEvents(since, limit)})
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		http.Error(w, "Trail not available", http.StatusServiceUnavailable)
		return
	}
	subject := r.URL.Query().Get("subject")
	if subject == "" && s.deps.Sessions != nil {
		if sess := s.deps.Sessions.Current(); sess != nil {
			subject = sess.SubjectID()
		}
	}
	if subject == "" {
		http.Error(w, "subject parameter required", http.StatusBadRequest)
		return
	}
	since, _, ok := parseWindow(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject_id": subject,
		"samples":    s.deps.Telemetry.GetSamples(subject, since),
	})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sources == nil {
		http.Error(w, "Source health not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sources": s.deps.Sources.GetSourceHealthStatus()})
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		http.Error(w, "Lifecycle control not available", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost, http.MethodPut:
		var body struct {
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		switch strings.ToLower(body.State) {
		case "foreground":
			s.deps.Lifecycle.Set(tracking.AppForeground)
		case "background":
			s.deps.Lifecycle.Set(tracking.AppBackground)
		default:
			http.Error(w, "state must be foreground or background", http.StatusBadRequest)
			return
		}
		s.logger.Info("App state set via API", "state", body.State, "remote_addr", r.RemoteAddr)
	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"state": s.deps.Lifecycle.State().String()})
}

// parseWindow reads the optional since (RFC3339) and limit query parameters
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Time, int, bool) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be an RFC3339 timestamp", http.StatusBadRequest)
			return time.Time{}, 0, false
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return time.Time{}, 0, false
		}
		limit = n
	}
	return since, limit, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode API response", "error", err)
	}
}
