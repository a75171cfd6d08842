// Package opsserver exposes the supervisor's operational endpoints:
// liveness, readiness and Prometheus metrics. It carries no run-management routes.
package opsserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/harness/internal/observability"
)

// Config configures the ops server.
type Config struct {
	ListenAddr    string
	Metrics       *observability.MetricsCollector // nil = no /metrics and no request metrics.
	MetricsPath   string                          // Default: "/metrics".
	HealthChecker *observability.HealthChecker    // nil = /readyz always ok.
	Tracer        trace.Tracer                    // nil = no request spans.
}

// Server is the ops HTTP server.
type Server struct {
	config Config
	logger *slog.Logger
	okapi  *okapi.Okapi
	server *http.Server
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// New creates an ops server. Routes are mounted by Start, which must be
// called once.
func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config: cfg,
		logger: logger,
		okapi:  okapi.New(),
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start mounts the routes and serves until Stop is called. Request contexts
// derive from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(_ net.Listener) context.Context { return ctx }

	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.Metrics != nil {
		s.okapi.HandleStd("GET", s.config.MetricsPath,
			promhttp.HandlerFor(s.config.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.logger.Info("ops server starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("metrics", s.config.Metrics != nil),
	)

	if err := s.okapi.StartServer(s.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(_ context.Context) error {
	s.logger.Info("ops server stopping")
	return s.okapi.Shutdown(s.server)
}

// handleLiveness reports that the process is up.
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness runs the registered checks and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
