package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config holds monitoring server configuration
type Config struct {
	BindAddress string
	MetricsPath string
	// Directory is the bucket directory backend reported by /info.
	Directory string
	// Draining reports whether the proxy has begun shutting down.
	Draining func() bool
}

// Info is the body of the /info endpoint.
type Info struct {
	Service     string    `json:"service"`
	Build       BuildInfo `json:"build"`
	Directory   string    `json:"directory,omitempty"`
	MetricsPath string    `json:"metrics_path"`
	Draining    bool      `json:"draining"`
}

// Server exposes metrics, liveness and build information on a separate port
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *logrus.Entry
}

// NewServer creates a new monitoring server
func NewServer(cfg *Config) *Server {
	s := &Server{
		cfg:    *cfg,
		logger: logrus.WithField("component", "monitoring-server"),
	}
	if s.cfg.MetricsPath == "" {
		s.cfg.MetricsPath = "/metrics"
	}

	router := mux.NewRouter()
	router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})).Name("metrics")
	router.HandleFunc("/health", s.health).Methods(http.MethodGet, http.MethodHead).Name("health")
	router.HandleFunc("/info", s.info).Methods(http.MethodGet).Name("info")

	s.httpServer = &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the monitoring HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) draining() bool {
	return s.cfg.Draining != nil && s.cfg.Draining()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if s.draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("DRAINING"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) info(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(Info{
		Service:     "s3-bucket-proxy",
		Build:       currentBuild(),
		Directory:   s.cfg.Directory,
		MetricsPath: s.cfg.MetricsPath,
		Draining:    s.draining(),
	})
	if err != nil {
		s.logger.WithError(err).Debug("Failed to write info response")
	}
}

// Start binds the listener and serves until ctx is cancelled. Bind errors are
// returned immediately.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("monitoring server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.WithFields(logrus.Fields{
		"address":      ln.Addr().String(),
		"metrics_path": s.cfg.MetricsPath,
	}).Info("Starting monitoring server")

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("monitoring server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitoring server shutdown failed: %w", err)
	}
	s.logger.Info("Monitoring server stopped")
	return nil
}

// Stop closes the server without draining
func (s *Server) Stop() error {
	return s.httpServer.Close()
}
