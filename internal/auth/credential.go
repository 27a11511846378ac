// Package auth holds the bearer credential of the current session. Issuing and
// storing credentials belongs to the sign-in collaborator; this package only
// carries the token and the claims the session layer needs.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

var (
	ErrEmptyToken   = errors.New("credential token is empty")
	ErrNoCredential = errors.New("no active credential")
)

// Credential is a bearer token plus the identity it was issued for.
type Credential struct {
	Token     string
	UserID    chat.ID
	ExpiresAt time.Time
}

// Expired reports whether the credential carries an expiry in the past.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseCredential reads the subject and expiry from a JWT bearer token.
// The signature is not verified here; the backend does that on every call.
// Opaque (non-JWT) tokens are accepted with an empty identity.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Credential{}, ErrEmptyToken
	}

	cred := Credential{Token: token}
	if strings.Count(token, ".") != 2 {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("parse credential: %w", err)
	}

	switch sub := claims["sub"].(type) {
	case string:
		cred.UserID = chat.ID(sub)
	case float64:
		cred.UserID = chat.ID(fmt.Sprintf("%.0f", sub))
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// Holder is the injected capability that hands the current credential to
// collaborators. It is created at session start and cleared at teardown.
type Holder struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewHolder returns an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Set replaces the active credential and reports whether the token changed.
func (h *Holder) Set(cred Credential) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	changed := h.cred == nil || h.cred.Token != cred.Token
	h.cred = &cred
	return changed
}

// Clear drops the active credential.
func (h *Holder) Clear() {
	h.mu.Lock()
	h.cred = nil
	h.mu.Unlock()
}

// Current returns the active credential.
func (h *Holder) Current() (Credential, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cred == nil {
		return Credential{}, ErrNoCredential
	}
	return *h.cred, nil
}

// Token returns the active bearer token.
func (h *Holder) Token() (string, error) {
	cred, err := h.Current()
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// UserID returns the identity of the active credential, or "" when unknown.
func (h *Holder) UserID() chat.ID {
	cred, err := h.Current()
	if err != nil {
		return ""
	}
	return cred.UserID
}

// Active reports whether a credential is held.
func (h *Holder) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cred != nil
}
