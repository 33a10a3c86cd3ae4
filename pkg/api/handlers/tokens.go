package handlers

import (
	"net/http"

	"github.com/casewire/casewire/pkg/api/auth"
)

// TokensHandler renews API tokens. Initial tokens are minted
// out-of-band (casewire token); this endpoint only exchanges a valid
// refresh token for a fresh pair.
type TokensHandler struct {
	jwt *auth.JWTService
}

// NewTokensHandler creates a new tokens handler.
func NewTokensHandler(jwt *auth.JWTService) *TokensHandler {
	return &TokensHandler{jwt: jwt}
}

// RefreshRequest is the body for a token refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh handles POST /v1/auth/refresh.
func (h *TokensHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		BadRequest(w, "refresh_token is required")
		return
	}

	claims, err := h.jwt.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("Invalid or expired refresh token"))
		return
	}

	pair, err := h.jwt.GenerateTokenPair(claims.Actor, claims.Role)
	if err != nil {
		InternalServerError(w, "Failed to generate tokens")
		return
	}

	writeJSON(w, http.StatusOK, okResponse(pair))
}
