package handlers

import (
	"net/http"
	"time"

	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/locker"
)

// HealthHandler handles health probe endpoints.
//
// Health endpoints are unauthenticated and provide:
//   - Liveness probe: Is the server process running?
//   - Readiness probe: Is the coordination fabric wired and responsive?
//   - Member health: Per-address liveness verdicts from the supervisor
type HealthHandler struct {
	ctrl      *ecc.Controller
	locker    *locker.Locker
	sup       *diagnostics.Supervisor
	startedAt time.Time
}

// NewHealthHandler creates a new health handler.
//
// Any parameter may be nil, in which case the readiness probe reports
// the missing component.
func NewHealthHandler(ctrl *ecc.Controller, lk *locker.Locker, sup *diagnostics.Supervisor) *HealthHandler {
	return &HealthHandler{ctrl: ctrl, locker: lk, sup: sup, startedAt: time.Now()}
}

// Liveness handles GET /healthz - simple liveness probe.
//
// Returns 200 OK if the server process is running. Designed for
// Kubernetes liveness probes; succeeds as long as the HTTP server is
// responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startedAt)
	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"service":    "casewire",
		"started_at": h.startedAt.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /readyz - readiness probe.
//
// Returns 200 OK if the coordination fabric is wired: the section
// controller and evidence locker exist and at least one section is
// registered. Returns 503 Service Unavailable otherwise.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("section controller not initialized"))
		return
	}
	if h.locker == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("evidence locker not initialized"))
		return
	}

	sections := h.ctrl.ExecutionOrder()
	if len(sections) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("no sections registered"))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"sections":     len(sections),
		"case_version": h.ctrl.Version(),
	}))
}

// MemberHealth represents one supervised address's liveness verdict.
type MemberHealth struct {
	Address  string `json:"address"`
	Healthy  bool   `json:"healthy"`
	Misses   int    `json:"misses"`
	Disabled bool   `json:"disabled"`
}

// Members handles GET /v1/members - supervised member liveness.
//
// Returns 200 OK with every member's verdict; 503 if any member is
// unhealthy or disabled.
func (h *HealthHandler) Members(w http.ResponseWriter, r *http.Request) {
	if h.sup == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("supervisor not initialized"))
		return
	}

	members := make([]MemberHealth, 0)
	allHealthy := true
	for addr, mh := range h.sup.Health() {
		if !mh.Healthy || mh.Disabled {
			allHealthy = false
		}
		members = append(members, MemberHealth{
			Address:  string(addr),
			Healthy:  mh.Healthy,
			Misses:   mh.Misses,
			Disabled: mh.Disabled,
		})
	}

	if allHealthy {
		writeJSON(w, http.StatusOK, healthyResponse(members))
		return
	}
	resp := unhealthyResponse("one or more members unresponsive")
	resp.Data = members
	writeJSON(w, http.StatusServiceUnavailable, resp)
}
