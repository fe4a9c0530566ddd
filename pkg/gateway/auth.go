package gateway

import (
	"crypto/subtle"
	"net/http"
	"sync"
	"time"
)

// AdminSecretHeader carries the shared admin secret.
const AdminSecretHeader = "X-Mnemosync-Secret"

const (
	maxFailedAttempts = 3
	lockoutDuration   = time.Minute
)

// AdminAuth guards the admin endpoints with a shared secret. A client that
// fails three times in a row is locked out for a minute.
type AdminAuth struct {
	sharedSecret string
	now          func() time.Time

	mu       sync.Mutex
	failures map[string]*authFailures
}

type authFailures struct {
	count       int
	lockedUntil time.Time
}

// AuthResult is the outcome of one admin authentication.
type AuthResult struct {
	Success bool
	Status  int
	Message string
}

// NewAdminAuth creates the admin guard. An empty secret disables the admin
// API.
func NewAdminAuth(sharedSecret string) *AdminAuth {
	return &AdminAuth{
		sharedSecret: sharedSecret,
		now:          time.Now,
		failures:     make(map[string]*authFailures),
	}
}

// VerifySecret compares a presented secret in constant time.
func (a *AdminAuth) VerifySecret(presented string) bool {
	if a.sharedSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authenticate checks the secret presented by client.
func (a *AdminAuth) Authenticate(client, presented string) AuthResult {
	if a.sharedSecret == "" {
		return AuthResult{Status: http.StatusForbidden, Message: "admin API is disabled"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	f := a.failures[client]
	if f != nil && now.Before(f.lockedUntil) {
		return AuthResult{Status: http.StatusTooManyRequests, Message: "too many failed attempts"}
	}

	if !a.VerifySecret(presented) {
		if f == nil {
			f = &authFailures{}
			a.failures[client] = f
		}
		f.count++
		if f.count >= maxFailedAttempts {
			f.count = 0
			f.lockedUntil = now.Add(lockoutDuration)
			return AuthResult{Status: http.StatusTooManyRequests, Message: "too many failed attempts"}
		}
		return AuthResult{Status: http.StatusUnauthorized, Message: "invalid admin secret"}
	}

	delete(a.failures, client)
	return AuthResult{Success: true, Status: http.StatusOK}
}
