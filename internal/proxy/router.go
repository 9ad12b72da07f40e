package proxy

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/guided-traffic/s3-bucket-proxy/internal/monitoring"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/handlers/health"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/middleware"
	"github.com/guided-traffic/s3-bucket-proxy/internal/tracing"
)

// setupRoutes configures the HTTP routes. Health, version and the admin
// redirect only answer on the bare proxy hostname; everything else is proxied.
func (s *Server) setupRoutes(router *mux.Router) {
	// Paths are signed as sent, so they must not be cleaned or decoded for matching
	router.SkipClean(true)
	router.UseEncodedPath()

	router.Use(middleware.RequestID)
	router.Use(s.tracker.Middleware)
	router.Use(middleware.NewLogger(s.logger, s.config.LogHealthRequests).Middleware)
	if s.config.Tracing.Enabled {
		router.Use(tracing.Middleware)
	}
	if s.config.Monitoring.Enabled {
		router.Use(monitoring.HTTPMiddleware(s.metricsEndpoint))
	}
	if s.config.CORS.Enabled {
		router.Use(middleware.NewCORS(s.logger).Middleware)
	}

	healthHandler := health.NewHandler(s.logger, s.config.LogHealthRequests, s.build)
	healthHandler.SetShutdownStateHandler(s.tracker.ShutdownState)

	bare := router.MatcherFunc(s.isBareHost).Subrouter()
	bare.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet, http.MethodHead).Name("health")
	bare.HandleFunc("/version", healthHandler.Version).Methods(http.MethodGet).Name("version")
	if s.config.Proxy.AdminURL != "" {
		bare.Handle("/", http.RedirectHandler(s.config.Proxy.AdminURL, http.StatusTemporaryRedirect)).
			Methods(http.MethodGet).Name("admin-redirect")
	}

	router.PathPrefix("/").Handler(s.dispatcher).Name("proxy")
}

func (s *Server) isBareHost(r *http.Request, _ *mux.RouteMatch) bool {
	return strings.ToLower(stripPort(r.Host)) == s.config.Proxy.Hostname
}

// metricsEndpoint labels proxied requests by addressing style; other routes
// keep their route name.
func (s *Server) metricsEndpoint(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil || route.GetName() != "proxy" {
		return ""
	}
	if s.isBareHost(r, nil) {
		return "proxy-" + string(stylePath)
	}
	return "proxy-" + string(styleVirtualHosted)
}
