// Package diag serves a token-gated diagnostic console over WebSocket.
package diag

import (
	"crypto/subtle"
	"sync"

	"evse-controller/internal/clock"
)

// Auth grants access for a time window after a correct token. Without a
// configured token access is always open.
type Auth struct {
	token    string
	windowMs uint32

	validUntil uint32
	granted    bool

	mu sync.Mutex
}

// NewAuth creates an authenticator for token with the given window.
func NewAuth(token string, windowMs uint32) *Auth {
	return &Auth{token: token, windowMs: windowMs}
}

// Required reports whether a token is configured.
func (a *Auth) Required() bool {
	return a.token != ""
}

// Attempt checks token. Success opens the window at now; a wrong token
// revokes any open window.
func (a *Auth) Attempt(token string, now uint32) bool {
	if !a.Required() {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1 {
		a.validUntil = now + a.windowMs
		a.granted = true
		return true
	}
	a.granted = false
	return false
}

// Valid reports whether access is granted at now.
func (a *Auth) Valid(now uint32) bool {
	if !a.Required() {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.granted {
		return false
	}
	if !clock.Reached(a.validUntil, now) {
		a.granted = false
		return false
	}
	return true
}

// Revoke closes the window.
func (a *Auth) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granted = false
}
