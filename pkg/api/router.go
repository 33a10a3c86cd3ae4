// Package api provides the casewire REST API: health probes, fault
// inspection, case state queries, and administrative operations.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/api/auth"
	"github.com/casewire/casewire/pkg/api/handlers"
	"github.com/casewire/casewire/pkg/api/middleware"
	"github.com/casewire/casewire/pkg/casestore"
	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/locker"
	"github.com/casewire/casewire/pkg/metrics"
)

// Deps are the fabric components the API reads from and acts on. Any
// field may be nil; the affected endpoints then degrade to 503.
type Deps struct {
	CaseID     string
	Controller *ecc.Controller
	Locker     *locker.Locker
	Supervisor *diagnostics.Supervisor
	Cases      *casestore.Store
}

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Read-only routes (health, faults, case state) are unauthenticated.
// Mutating routes require a Bearer token; jwtService may be nil, in
// which case mutating routes are not mounted at all.
func NewRouter(deps Deps, jwtService *auth.JWTService) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(deps.Controller, deps.Locker, deps.Supervisor)
	faultsHandler := handlers.NewFaultsHandler(vaultOf(deps.Supervisor))
	if v := vaultOf(deps.Supervisor); v != nil {
		v.SetMirror(faultsHandler.Alert)
	}
	casesHandler := handlers.NewCasesHandler(deps.CaseID, deps.Controller, deps.Locker, deps.Cases, deps.Supervisor)

	// Probes and metrics - unauthenticated
	r.Get("/healthz", healthHandler.Liveness)
	r.Get("/readyz", healthHandler.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/members", healthHandler.Members)

		r.Route("/faults", func(r chi.Router) {
			r.Get("/", faultsHandler.List)
			r.Get("/{faultID}", faultsHandler.Get)
		})
		r.Get("/alerts", faultsHandler.Alerts)

		r.Route("/cases/{caseID}", func(r chi.Router) {
			r.Get("/sections", casesHandler.Sections)
			r.Get("/manifest", casesHandler.Manifest)
			r.Get("/evidence", casesHandler.Evidence)

			if jwtService != nil {
				r.Group(func(r chi.Router) {
					r.Use(middleware.JWTAuth(jwtService))
					r.Use(middleware.RequireAdmin())
					r.Post("/sections/{sectionID}/reopen", casesHandler.Reopen)
					r.Post("/cancel", casesHandler.Cancel)
				})
			}
		})

		if jwtService != nil {
			tokensHandler := handlers.NewTokensHandler(jwtService)
			r.Post("/auth/refresh", tokensHandler.Refresh)
		}
	})

	// Root redirect to the liveness probe for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusTemporaryRedirect)
	})

	return r
}

// vaultOf unwraps the supervisor's vault, tolerating a nil supervisor.
func vaultOf(sup *diagnostics.Supervisor) *diagnostics.Vault {
	if sup == nil {
		return nil
	}
	return sup.Vault()
}

// requestLogger is a custom middleware that logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}
