package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds the database ping in the health endpoint.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Link sockets
	devicePath := strings.TrimSuffix(s.wsCfg.DevicePath, "/")
	r.Get(devicePath, s.handleDeviceSocket)
	r.Get(devicePath+"/", s.handleDeviceSocket)

	clientPath := strings.TrimSuffix(s.wsCfg.ClientPath, "/")
	r.Get(clientPath+"/{group_id}", s.handleClientSocket)
	r.Get(clientPath+"/{group_id}/", s.handleClientSocket)

	// Prometheus exposition
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/links", s.handleListLinks)

		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/link", s.handleGetLink)
			r.Post("/commands", s.handleEnqueueCommand)
			r.Get("/logs", s.handleListLogEntries)
			r.Get("/diagnostics", s.handleListDiagnostics)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"database": "ok",
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("health check failed", "component", "database", "error", err)
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	// A dropped bridge reconnects on its own, so it degrades but does not fail the check.
	if s.bridges != nil {
		h := s.bridges.Health(r.Context())
		resp["bridges"] = h
		if h.Disconnected > 0 {
			resp["status"] = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
