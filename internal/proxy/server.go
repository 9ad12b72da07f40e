package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/guided-traffic/s3-bucket-proxy/internal/config"
	"github.com/guided-traffic/s3-bucket-proxy/internal/directory"
	"github.com/guided-traffic/s3-bucket-proxy/internal/monitoring"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/handlers/health"
	"github.com/guided-traffic/s3-bucket-proxy/internal/proxy/middleware"
	"github.com/sirupsen/logrus"
)

// Server represents the S3 bucket proxy server
type Server struct {
	httpServer *http.Server
	config     *config.Config
	logger     *logrus.Entry
	directory  directory.Directory
	dispatcher *Dispatcher
	tracker    *middleware.RequestTracker
	build      health.BuildInfo
}

// ServerOption customizes a Server
type ServerOption func(*Server)

// WithDirectory replaces the directory backend selected in the configuration
func WithDirectory(dir directory.Directory) ServerOption {
	return func(s *Server) { s.directory = dir }
}

// WithBuildInfo sets the build information reported by /version
func WithBuildInfo(build health.BuildInfo) ServerOption {
	return func(s *Server) { s.build = build }
}

// NewServer creates a new proxy server instance
func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	return newServer(cfg, nil, opts...)
}

func newServer(cfg *config.Config, transport http.RoundTripper, opts ...ServerOption) (*Server, error) {
	logger := logrus.WithField("component", "proxy-server")

	server := &Server{
		config:  cfg,
		logger:  logger,
		tracker: middleware.NewRequestTracker(logger),
		build:   health.BuildInfo{Version: "dev", Commit: "unknown", BuildTime: "unknown"},
	}
	for _, opt := range opts {
		opt(server)
	}

	if server.directory == nil {
		dir, err := directory.New(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket directory: %w", err)
		}
		server.directory = dir
	}

	server.dispatcher = NewDispatcher(server.directory, Options{
		Hostname:           cfg.Proxy.Hostname,
		PathPrefix:         cfg.Proxy.PathPrefix,
		DropHeaders:        cfg.Proxy.DropHeaders,
		MaxClockSkew:       cfg.Proxy.MaxClockSkew,
		MaxBufferedBody:    cfg.Proxy.MaxBufferedBody,
		UpstreamTimeout:    cfg.Proxy.UpstreamTimeout,
		InsecureSkipVerify: cfg.Proxy.InsecureSkipVerify,
		DirectoryName:      cfg.Directory.Type,
		Transport:          transport,
	}, logrus.WithField("component", "dispatcher"))

	router := mux.NewRouter()
	server.setupRoutes(router)

	server.httpServer = &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return server, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the proxy server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	if s.config.Monitoring.Enabled {
		monitoringServer := monitoring.NewServer(&monitoring.Config{
			BindAddress: s.config.Monitoring.BindAddress,
			MetricsPath: s.config.Monitoring.MetricsPath,
			Directory:   s.config.Directory.Type,
			Draining: func() bool {
				draining, _ := s.tracker.ShutdownState()
				return draining
			},
		})
		go func() {
			if err := monitoringServer.Start(ctx); err != nil {
				s.logger.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	// Start HTTP server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		if s.config.TLS.Enabled {
			s.logger.WithFields(logrus.Fields{
				"address":   s.config.BindAddress,
				"cert_file": s.config.TLS.CertFile,
				"key_file":  s.config.TLS.KeyFile,
			}).Info("Starting HTTPS server")

			if err := s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTPS server failed: %w", err)
			}
		} else {
			s.logger.WithField("address", s.config.BindAddress).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrChan <- fmt.Errorf("HTTP server failed: %w", err)
			}
		}
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-serverErrChan:
		s.closeDirectory()
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	s.tracker.BeginShutdown()
	s.logger.WithField("active_requests", s.tracker.Active()).Info("Shutting down server")

	timeout := time.Duration(s.config.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer s.closeDirectory()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Failed to gracefully shutdown server")
		return err
	}
	if err := s.tracker.Wait(shutdownCtx); err != nil {
		return err
	}

	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) closeDirectory() {
	if c, ok := s.directory.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close bucket directory")
		}
	}
}
