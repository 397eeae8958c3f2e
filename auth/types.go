// Package auth holds the value types and error taxonomy shared by the
// session packages.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is a first-party access/refresh token pair issued by the backend.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Validate checks the pair returned by a login or refresh call.
func (p TokenPair) Validate() error {
	if p.AccessToken == "" {
		return errors.New("access_token is empty")
	}
	// token_type is optional; the backend sends lowercase "bearer"
	if p.TokenType != "" && !strings.EqualFold(p.TokenType, "bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected bearer)", p.TokenType)
	}
	return nil
}

// Token converts the pair for use with golang.org/x/oauth2 consumers.
func (p TokenPair) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
	}
}

// Preview returns a short, log-safe prefix of the access token.
func (p TokenPair) Preview() string {
	return Preview(p.AccessToken)
}

// Preview returns at most the first 8 characters of a secret.
func Preview(secret string) string {
	if len(secret) > 8 {
		return secret[:8] + "..."
	}
	return secret
}

// User is the minimal identity record returned by /auth/me.
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
	IsActive bool    `json:"is_active"`
}

// DisplayName returns the username, falling back to the email local part
// or the numeric id for accounts created without one.
func (u User) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	if u.Email != nil && *u.Email != "" {
		local, _, _ := strings.Cut(*u.Email, "@")
		return local
	}
	return fmt.Sprintf("user-%d", u.ID)
}

// Credential is the persisted session record. It is always written whole.
type Credential struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	TokenType       string    `json:"token_type,omitempty"`
	UserID          int64     `json:"user_id,omitempty"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// Pair returns the token pair held by the credential.
func (c Credential) Pair() TokenPair {
	return TokenPair{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
	}
}

// Artifact is the one-time output of the external identity provider.
type Artifact struct {
	Code          string
	DisplayName   string
	IdentityToken string
}
