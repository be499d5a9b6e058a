// Package server exposes the ingestion engine over HTTP.
//
// Wire surface: message ingestion as JSON or IRIS XML, synthetic
// example messages, liveness and readiness probes, and a JSON metrics
// snapshot. Every non-2xx response is a structured JSON error body.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tallylabs/tally/internal/config"
	"github.com/tallylabs/tally/internal/metrics"
	"github.com/tallylabs/tally/internal/pipeline"
	"github.com/tallylabs/tally/internal/storage"
	"github.com/tallylabs/tally/internal/types"
)

const shutdownGrace = 10 * time.Second

// Config holds the server's collaborators.
type Config struct {
	Addr           string
	Pipeline       *pipeline.Pipeline
	Store          storage.Store
	Metrics        *metrics.Metrics
	Messages       *config.MessageConfig
	FactTargetSize int
	Logger         *zap.Logger
}

// Server handles HTTP requests for message ingestion.
type Server struct {
	addr       string
	pipe       *pipeline.Pipeline
	store      storage.Store
	m          *metrics.Metrics
	messages   *config.MessageConfig
	targetSize int
	log        *zap.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer builds the server and registers its routes.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		addr:       cfg.Addr,
		pipe:       cfg.Pipeline,
		store:      cfg.Store,
		m:          cfg.Metrics,
		messages:   cfg.Messages,
		targetSize: cfg.FactTargetSize,
		log:        log,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/v1/message/{t}/json", s.handleIngestJSON)
	s.mux.HandleFunc("POST /api/v1/message/iris", s.handleIngestIris)
	s.mux.HandleFunc("GET /api/v1/message/{t}/{format}", s.handleExample)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("/", s.handleNotFound)

	return s
}

// Start serves until ctx is canceled, then drains connections within
// the shutdown grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown incomplete", zap.Error(err))
		}
	}()

	s.log.Info("http server listening", zap.String("addr", s.addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers and
// tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("readiness probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.m.Snapshot())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
}

// errorBody is the uniform JSON error shape.
type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{
		Success:   false,
		Error:     kind,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeEngineError maps an engine error onto the wire: validation
// kinds return 400, everything else 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	s.writeError(w, types.HTTPStatus(err), types.KindOf(err).String(), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
