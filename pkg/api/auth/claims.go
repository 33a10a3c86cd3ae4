// Package auth provides JWT authentication for the casewire API.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenType indicates whether a token is an access token or refresh token.
type TokenType string

const (
	// TokenTypeAccess is a short-lived token used for API authorization.
	TokenTypeAccess TokenType = "access"
	// TokenTypeRefresh is a long-lived token used to obtain new access tokens.
	TokenTypeRefresh TokenType = "refresh"
)

// Claims represents JWT claims for casewire API authentication.
type Claims struct {
	jwt.RegisteredClaims

	// Actor is the human-readable operator name.
	Actor string `json:"actor"`

	// Role is the operator's role ("admin" or "operator").
	Role string `json:"role"`

	// TokenType indicates whether this is an access or refresh token.
	TokenType TokenType `json:"token_type"`
}

// IsAccessToken returns true if this is an access token.
func (c *Claims) IsAccessToken() bool {
	return c.TokenType == TokenTypeAccess
}

// IsRefreshToken returns true if this is a refresh token.
func (c *Claims) IsRefreshToken() bool {
	return c.TokenType == TokenTypeRefresh
}

// IsAdmin returns true if the operator has admin role.
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin"
}
