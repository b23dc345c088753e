// Package server exposes the discovery engine over a small HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eric2023/deepinscan-sub002/internal/version"
	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// Discovery is the discovery engine surface the server needs.
type Discovery interface {
	Start(ctx context.Context) error
	Stop() error
	Devices() []models.DeviceDescriptor
	Device(deviceID string) (models.DeviceDescriptor, bool)
	AddDevice(address string, port int, protocol models.Protocol) error
	RemoveDevice(deviceID string) bool
}

// Server serves the discovery HTTP API.
type Server struct {
	httpServer *http.Server
	discovery  Discovery
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance. gatherer may be nil to omit /metrics.
func New(addr string, d Discovery, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		discovery: d,
		logger:    logger,
		mux:       mux,
	}

	s.registerRoutes()
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/devices", s.handleListDevices)
	s.mux.HandleFunc("GET /api/v1/devices/{id}", s.handleGetDevice)
	s.mux.HandleFunc("POST /api/v1/devices", s.handleAddDevice)
	s.mux.HandleFunc("DELETE /api/v1/devices/{id}", s.handleRemoveDevice)
	s.mux.HandleFunc("POST /api/v1/discovery/start", s.handleStartDiscovery)
	s.mux.HandleFunc("POST /api/v1/discovery/stop", s.handleStopDiscovery)
}

// Handler returns the route handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Discoverd-Version", version.Short())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", zap.Error(err))
	}
}
