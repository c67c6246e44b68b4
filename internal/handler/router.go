// Package handler provides the HTTP admin API of Alexander Lifecycle.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Router handles HTTP routing for the admin API.
type Router struct {
	adminHandler   *AdminHandler
	metricsHandler http.Handler
	metricsPath    string
	logger         zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	AdminHandler *AdminHandler

	// MetricsHandler serves Prometheus metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
	MetricsPath    string

	Logger zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	path := config.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	return &Router{
		adminHandler:   config.AdminHandler,
		metricsHandler: config.MetricsHandler,
		metricsPath:    path,
		logger:         config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/health", rt.handleHealth)
	if rt.metricsHandler != nil {
		r.Method(http.MethodGet, rt.metricsPath, rt.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		rt.adminHandler.RegisterRoutes(r)
	})
	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

func (rt *Router) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rt.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request served")
	})
}
