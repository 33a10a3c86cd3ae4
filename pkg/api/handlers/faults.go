package handlers

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/fault"
)

// maxAlerts bounds the HIGH-severity alert buffer.
const maxAlerts = 100

// FaultsHandler exposes the diagnostic vault and the HIGH-severity
// alert feed the vault mirrors into it.
type FaultsHandler struct {
	vault *diagnostics.Vault

	mu     sync.Mutex
	alerts []*fault.Fault
}

// NewFaultsHandler creates a new faults handler.
func NewFaultsHandler(vault *diagnostics.Vault) *FaultsHandler {
	return &FaultsHandler{vault: vault}
}

// Alert records a HIGH-severity fault for the alert feed. Installed as
// the vault's mirror hook, so the fault is visible here as soon as it
// is raised. The buffer keeps the most recent entries.
func (h *FaultsHandler) Alert(f *fault.Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, f)
	if len(h.alerts) > maxAlerts {
		h.alerts = h.alerts[len(h.alerts)-maxAlerts:]
	}
}

// Alerts handles GET /v1/alerts - mirrored HIGH-severity faults,
// oldest first.
func (h *FaultsHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	alerts := make([]*fault.Fault, len(h.alerts))
	copy(alerts, h.alerts)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	}))
}

// List handles GET /v1/faults - all retained faults, newest first.
//
// Optional query parameters:
//   - severity: filter by LOW, MEDIUM, or HIGH
//   - state: filter by fault state (open, in_repair, closed, unrepaired)
func (h *FaultsHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		InternalServerError(w, "Fault vault not initialized")
		return
	}

	severity := r.URL.Query().Get("severity")
	state := r.URL.Query().Get("state")

	faults := make([]*fault.Fault, 0)
	for _, f := range h.vault.Snapshot() {
		if severity != "" && string(f.Severity) != severity {
			continue
		}
		if state != "" && string(f.State) != state {
			continue
		}
		faults = append(faults, f)
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"count":  len(faults),
		"faults": faults,
	}))
}

// Get handles GET /v1/faults/{faultID} - a single fault by ID.
func (h *FaultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		InternalServerError(w, "Fault vault not initialized")
		return
	}

	faultID := chi.URLParam(r, "faultID")
	f, ok := h.vault.Get(faultID)
	if !ok {
		NotFound(w, "Fault not found")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(f))
}
