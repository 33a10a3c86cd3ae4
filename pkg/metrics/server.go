package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
)

// Server is the standalone Prometheus scrape server, serving the
// registry handler on /metrics.
type Server struct {
	server       *http.Server
	port         int
	shutdownOnce sync.Once
}

// NewServer creates a metrics server on the given port. The server is
// created in a stopped state; call Start() to begin serving.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	// Resolved per request so a registry initialized after construction
	// is still picked up.
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		Handler().ServeHTTP(w, r)
	})

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		port: port,
	}
}

// Start starts the metrics server and blocks until the context is
// cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics server listening", "port", s.port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
		} else {
			logger.Info("Metrics server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.port
}
