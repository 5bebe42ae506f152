// Package auth holds the runtime-swappable credential and endpoint used by
// stream sessions and the control-surface client. Swapping either value does
// not tear down subscriptions; sessions pick the new values up on their next
// connect.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source is the single shared holder for the engine base endpoint and
// bearer credential. Safe for concurrent use.
type Source struct {
	mu      sync.RWMutex
	baseURL string
	token   string
	expiry  time.Time
}

// NewSource returns a Source seeded with the given endpoint and token.
func NewSource(baseURL, token string) *Source {
	s := &Source{}
	s.Set(baseURL, token)
	return s
}

// Credentials returns the current base endpoint and bearer token.
func (s *Source) Credentials() (baseURL, token string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL, s.token
}

// Set replaces the endpoint and token. When the token is a JWT its exp
// claim is captured (unverified; the engine validates signatures, we only
// want the expiry for proactive warnings).
func (s *Source) Set(baseURL, token string) {
	expiry := tokenExpiry(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = baseURL
	s.token = token
	s.expiry = expiry
}

// Expiry returns the credential expiry when known.
func (s *Source) Expiry() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry, !s.expiry.IsZero()
}

// ExpiresWithin reports whether the credential is known to expire within d.
func (s *Source) ExpiresWithin(d time.Duration) bool {
	exp, ok := s.Expiry()
	return ok && time.Until(exp) < d
}

func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
