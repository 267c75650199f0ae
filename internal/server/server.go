// Package server exposes the operational HTTP surface: health, status and
// Prometheus metrics. It serves operators and probes only; no trading
// behaviour is reachable through it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketwheel/sentinel/internal/cache/local"
	"github.com/marketwheel/sentinel/internal/risk"
)

// HealthCheck probes one dependency; nil means healthy.
type HealthCheck func(ctx context.Context) error

// Server is the operational HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Dependencies collects everything the endpoints read. Checks run on each
// /healthz request; nil members are simply omitted from the output.
type Dependencies struct {
	Mode    string
	Checks  map[string]HealthCheck
	Stats   *risk.Stats
	Engine  *risk.Engine
	Breaker *risk.CircuitBreaker
	Local   *local.Cache
}

// New creates the server with all routes registered.
func New(port int, deps Dependencies, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler(deps, logger))
	mux.HandleFunc("GET /status", statusHandler(deps))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      requestLogging(logger)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Start listens until an error or shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// healthHandler probes every registered dependency. Any failed probe makes
// the whole endpoint 503 so orchestrators restart or reroute.
func healthHandler(deps Dependencies, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps.Checks))
		healthy := true
		for name, check := range deps.Checks {
			if err := check(ctx); err != nil {
				checks[name] = err.Error()
				healthy = false
				logger.Warn("health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			} else {
				checks[name] = "ok"
			}
		}

		status := http.StatusOK
		state := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "degraded"
		}

		writeJSON(w, status, map[string]any{
			"status": state,
			"mode":   deps.Mode,
			"checks": checks,
		})
	}
}

// statusHandler reports the runtime view: counters, enabled rules, breaker
// state, and the live position snapshots.
func statusHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"mode": deps.Mode,
		}
		if deps.Stats != nil {
			body["stats"] = deps.Stats.Snapshot()
		}
		if deps.Engine != nil {
			body["rules"] = deps.Engine.RuleNames()
		}
		if deps.Breaker != nil {
			body["breaker"] = deps.Breaker.State().String()
		}
		if deps.Local != nil {
			body["positions"] = deps.Local.All()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestLogging logs each request at debug with method, path and duration.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
