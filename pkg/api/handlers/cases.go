package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/casewire/casewire/internal/logger"
	"github.com/casewire/casewire/pkg/api/middleware"
	"github.com/casewire/casewire/pkg/bus"
	"github.com/casewire/casewire/pkg/casestore"
	"github.com/casewire/casewire/pkg/diagnostics"
	"github.com/casewire/casewire/pkg/ecc"
	"github.com/casewire/casewire/pkg/locker"
)

// CasesHandler exposes case state: section lifecycle records, the
// evidence manifest, and administrative operations on a running case.
//
// The server hosts one active case; requests naming any other case ID
// get 404.
type CasesHandler struct {
	caseID string
	ctrl   *ecc.Controller
	locker *locker.Locker
	cases  *casestore.Store
	sup    *diagnostics.Supervisor
}

// NewCasesHandler creates a new cases handler for the active case.
func NewCasesHandler(caseID string, ctrl *ecc.Controller, lk *locker.Locker, cases *casestore.Store, sup *diagnostics.Supervisor) *CasesHandler {
	return &CasesHandler{caseID: caseID, ctrl: ctrl, locker: lk, cases: cases, sup: sup}
}

// checkCase verifies the request names the active case.
func (h *CasesHandler) checkCase(w http.ResponseWriter, r *http.Request) bool {
	if chi.URLParam(r, "caseID") != h.caseID {
		NotFound(w, "Case not found")
		return false
	}
	return true
}

// Sections handles GET /v1/cases/{caseID}/sections - all section
// lifecycle records with the current case version.
func (h *CasesHandler) Sections(w http.ResponseWriter, r *http.Request) {
	if !h.checkCase(w, r) {
		return
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"case_id":  h.caseID,
		"version":  h.ctrl.Version(),
		"order":    h.ctrl.ExecutionOrder(),
		"sections": h.ctrl.SnapshotAll(),
	}))
}

// Manifest handles GET /v1/cases/{caseID}/manifest - the append-only
// evidence intake manifest.
func (h *CasesHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	if !h.checkCase(w, r) {
		return
	}

	records, err := h.locker.ManifestHistory()
	if err != nil {
		InternalServerError(w, "Failed to read manifest")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"case_id": h.caseID,
		"count":   len(records),
		"records": records,
	}))
}

// Evidence handles GET /v1/cases/{caseID}/evidence - every evidence
// item in the locker.
func (h *CasesHandler) Evidence(w http.ResponseWriter, r *http.Request) {
	if !h.checkCase(w, r) {
		return
	}

	items, err := h.locker.List(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list evidence")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"case_id": h.caseID,
		"count":   len(items),
		"items":   items,
	}))
}

// ReopenRequest is the body for an administrative section reopen.
type ReopenRequest struct {
	Reason string `json:"reason"`
}

// Reopen handles POST /v1/cases/{caseID}/sections/{sectionID}/reopen.
//
// Reopening moves a FAILED section back to IDLE so it can run again.
// The acting operator comes from the JWT claims; the action is recorded
// in the case registry's reopen audit trail.
func (h *CasesHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	if !h.checkCase(w, r) {
		return
	}
	sectionID := chi.URLParam(r, "sectionID")

	var req ReopenRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	actor := "admin"
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil {
		actor = claims.Actor
	}

	if f := h.ctrl.Reopen(sectionID, actor); f != nil {
		Conflict(w, f.Message)
		return
	}

	if h.cases != nil {
		if err := h.cases.RecordReopen(r.Context(), h.caseID, sectionID, actor, req.Reason); err != nil {
			logger.Error("failed to record reopen audit",
				logger.KeyCaseID, h.caseID,
				logger.KeySection, sectionID,
				logger.KeyError, err)
		}
	}

	writeJSON(w, http.StatusOK, okResponse(map[string]string{
		"section_id": sectionID,
		"state":      string(ecc.StateIdle),
	}))
}

// Cancel handles POST /v1/cases/{caseID}/cancel - cancels all in-flight
// section work for the case.
func (h *CasesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.checkCase(w, r) {
		return
	}
	if h.sup == nil {
		InternalServerError(w, "Supervisor not initialized")
		return
	}

	addrs := make([]bus.Address, 0)
	for _, id := range h.ctrl.ExecutionOrder() {
		addrs = append(addrs, bus.Address("4-"+id))
	}
	cancelled := h.sup.CancelFor(addrs...)

	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"case_id":   h.caseID,
		"cancelled": cancelled,
	}))
}
