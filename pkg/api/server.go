package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/api/auth"
)

// Server provides the HTTP server for the REST API.
//
// Endpoints:
//   - GET /healthz: Liveness probe
//   - GET /readyz: Readiness probe
//   - GET /metrics: Prometheus scrape endpoint
//   - GET /v1/...: Fault and case state queries
//   - POST /v1/...: Administrative operations (JWT-protected)
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       Config
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving requests.
//
// Defaults are applied here to ensure the server works correctly even when
// created directly (e.g., in tests). This is idempotent with the defaults
// applied during config loading.
//
// When no JWT secret is configured, mutating endpoints are not mounted.
func NewServer(config Config, deps Deps) (*Server, error) {
	config.ApplyDefaults()

	var jwtService *auth.JWTService
	if config.HasJWTSecret() {
		var err error
		jwtService, err = auth.NewJWTService(auth.JWTConfig{
			Secret:               config.GetJWTSecret(),
			AccessTokenDuration:  config.JWT.AccessTokenDuration,
			RefreshTokenDuration: config.JWT.RefreshTokenDuration,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid JWT configuration: %w", err)
		}
	} else {
		logger.Warn("API starting without JWT secret, administrative endpoints disabled",
			"env_var", EnvAPISecret)
	}

	router := NewRouter(deps, jwtService)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{
		server: server,
		config: config,
	}, nil
}

// Start starts the API HTTP server and blocks until the context is cancelled
// or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and returns.
func (s *Server) Start(ctx context.Context) error {
	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "port", s.config.Port)

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Create new context with timeout for graceful shutdown
		// Don't use the cancelled ctx as it would cause immediate shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Stop is safe to call multiple times and safe to call concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", "error", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is listening on.
func (s *Server) Port() int {
	return s.config.Port
}
