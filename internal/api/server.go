// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api exposes the detection pipeline over HTTP: capture
// control, synchronous analysis, model and health status, the alert
// read surface, Prometheus metrics and the WebSocket alert stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/nds/internal/config"
	"grimm.is/nds/internal/health"
	"grimm.is/nds/internal/logging"
	"grimm.is/nds/internal/metrics"
	"grimm.is/nds/internal/pipeline"
	"grimm.is/nds/internal/pubsub"
	"grimm.is/nds/internal/store"
	"grimm.is/nds/internal/ws"
)

// Server handles the read-side and control API around the pipeline.
type Server struct {
	cfg      config.Settings
	logger   *logging.Logger
	pipeline *pipeline.Pipeline
	store    *store.Store
	bus      *pubsub.Bus
	hub      *ws.Hub
	checker  *health.Checker
	col      *metrics.Collector

	httpSrv *http.Server
}

// ServerOptions holds the server's dependencies. Pipeline and Store
// are required; Bus and Hub may be nil when Redis is down, which
// disables the threat-score route and the WebSocket stream.
type ServerOptions struct {
	Settings  config.Settings
	Logger    *logging.Logger
	Pipeline  *pipeline.Pipeline
	Store     *store.Store
	Bus       *pubsub.Bus
	Hub       *ws.Hub
	Checker   *health.Checker
	Collector *metrics.Collector
}

// NewServer builds the server and its router.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		cfg:      opts.Settings,
		logger:   logger.With("component", "api"),
		pipeline: opts.Pipeline,
		store:    opts.Store,
		bus:      opts.Bus,
		hub:      opts.Hub,
		checker:  opts.Checker,
		col:      opts.Collector,
	}

	r := mux.NewRouter()
	s.registerRoutes(r)

	s.httpSrv = &http.Server{
		Addr:              opts.Settings.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}

	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	det := r.PathPrefix("/api/detection").Subrouter()
	det.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	det.HandleFunc("/status", s.handleDetectionStatus).Methods("GET")
	det.HandleFunc("/capture/start", s.handleCaptureStart).Methods("POST")
	det.HandleFunc("/capture/stop", s.handleCaptureStop).Methods("POST")
	det.HandleFunc("/capture/status", s.handleCaptureStatus).Methods("GET")
	r.HandleFunc("/api/detection/interfaces", s.handleListInterfaces).Methods("GET")
	r.HandleFunc("/api/detection/interface", s.handleSetInterface).Methods("PUT")

	r.HandleFunc("/api/models/status", s.handleModelsStatus).Methods("GET")

	r.HandleFunc("/api/alerts", s.handleAlerts).Methods("GET")
	r.HandleFunc("/api/alerts/stats", s.handleAlertStats).Methods("GET")
	r.HandleFunc("/api/flows", s.handleFlows).Methods("GET")
	r.HandleFunc("/api/threat-score", s.handleThreatScore).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")

	if s.hub != nil {
		r.HandleFunc("/ws/alerts", s.hub.HandleAlerts)
	}
}

// Start serves HTTP until the listener fails or Shutdown is called.
// Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := s.checker.Check(ctx)
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, report)
}

// handleStats serves the JSON counter snapshot the dashboard polls;
// the Prometheus view of the same numbers lives at /metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.col == nil {
		respondWithError(w, http.StatusNotFound, "stats collector not configured")
		return
	}
	payload := map[string]any{
		"pipeline": s.col.Snapshot(),
	}
	if s.hub != nil {
		payload["websocket_clients"] = s.hub.ClientCount()
	}
	respondWithJSON(w, http.StatusOK, payload)
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
