// Package server implements HTTP server for health checks and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	Status() map[string]string
}

// Config holds listen addresses and paths. Empty paths use the defaults.
type Config struct {
	HealthAddr    string
	MetricsAddr   string
	LivenessPath  string
	ReadinessPath string
	MetricsPath   string
}

// Server represents the HTTP server for health and metrics.
type Server struct {
	healthServer  *http.Server
	metricsServer *http.Server
	logger        *slog.Logger

	healthAddr  net.Addr
	metricsAddr net.Addr
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config, healthChecker HealthChecker, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health/live"
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = "/health/ready"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET "+cfg.LivenessPath, LivenessHandler(healthChecker, logger))
	healthMux.HandleFunc("GET "+cfg.ReadinessPath, ReadinessHandler(healthChecker, logger))

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		healthServer:  newHTTPServer(cfg.HealthAddr, healthMux),
		metricsServer: newHTTPServer(cfg.MetricsAddr, metricsMux),
		logger:        logger,
	}
}

// Addr formats a listen address for port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Start binds both listeners and serves in the background. A bind
// failure is returned before anything is served.
func (s *Server) Start() error {
	healthLn, err := net.Listen("tcp", s.healthServer.Addr)
	if err != nil {
		return fmt.Errorf("listen health server: %w", err)
	}
	metricsLn, err := net.Listen("tcp", s.metricsServer.Addr)
	if err != nil {
		healthLn.Close()
		return fmt.Errorf("listen metrics server: %w", err)
	}
	s.healthAddr = healthLn.Addr()
	s.metricsAddr = metricsLn.Addr()

	s.serve("health", s.healthServer, healthLn)
	s.serve("metrics", s.metricsServer, metricsLn)
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	go func() {
		s.logger.Info("starting "+name+" server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(name+" server failed", "error", err)
		}
	}()
}

// HealthAddr returns the bound health address once started.
func (s *Server) HealthAddr() net.Addr { return s.healthAddr }

// MetricsAddr returns the bound metrics address once started.
func (s *Server) MetricsAddr() net.Addr { return s.metricsAddr }

// Shutdown gracefully shuts down both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP servers")

	errChan := make(chan error, 2)

	go func() {
		errChan <- s.healthServer.Shutdown(ctx)
	}()

	go func() {
		errChan <- s.metricsServer.Shutdown(ctx)
	}()

	var lastErr error
	for range 2 {
		if err := <-errChan; err != nil {
			s.logger.Error("error shutting down server", "error", err)
			lastErr = err
		}
	}

	return lastErr
}
