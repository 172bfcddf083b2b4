// Package server assembles the dockshell HTTP surface.
package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/dockshell/internal/api"
	"github.com/gaspardpetit/dockshell/internal/bridge"
	"github.com/gaspardpetit/dockshell/internal/config"
	"github.com/gaspardpetit/dockshell/internal/serverstate"
	"github.com/gaspardpetit/dockshell/internal/shell"
)

// FramePath is where hosted frames open their websocket.
const FramePath = "/api/frames/connect"

// New constructs the HTTP handler for the shell. Metrics are served on the
// same listener when cfg.MetricsAddr points at the API port.
func New(cfg config.ShellConfig, sh *shell.Shell, stateReg *serverstate.Registry, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}
	if stateReg == nil {
		stateReg = serverstate.NewRegistry()
	}

	apps := &api.AppsHandler{Launcher: sh, Catalog: sh.Directory()}
	state := &api.StateHandler{Registry: stateReg}

	r.Get("/healthz", api.Healthz)
	r.Get(FramePath, bridge.WSHandler(sh.Bridge(), bridge.HandlerOptions{
		OriginPatterns: cfg.FrameOrigins,
		Draining:       serverstate.IsDraining,
		ReadLimit:      cfg.FrameReadLimit,
	}))
	r.Route("/api", func(ar chi.Router) {
		ar.Group(func(g chi.Router) {
			g.Use(api.APIKeyMiddleware(cfg.APIKey))
			g.Get("/state", state.GetState)
			g.Get("/services", apps.ListServices)
			g.Get("/apps", apps.ListApps)
			g.Post("/apps", apps.Launch)
			g.Delete("/apps/{id}", apps.Close)
		})
	})

	if gatherer != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// MetricsHandler serves gatherer on its own listener.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
