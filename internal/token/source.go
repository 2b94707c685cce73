// Package token holds the bearer credential for a profile. The
// credential is opaque to the sync layer; when it happens to be a JWT
// its expiry is surfaced so the daemon can log before it lapses.
package token

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pulsehq/pulse/internal/bus"
)

// Change is the payload for auth.token_changed events. The credential
// itself never travels on the bus; interested parties read Current().
type Change struct {
	HasToken  bool
	ExpiresAt time.Time // zero when unknown or not a JWT
}

// Source holds the current bearer credential and notifies on changes.
type Source struct {
	mu    sync.RWMutex
	token string
	path  string
	bus   *bus.Bus
}

// NewSource creates an empty (anonymous) source.
func NewSource(b *bus.Bus) *Source {
	return &Source{bus: b}
}

// LoadFile reads a credential from path into the source and remembers
// the path, so later Set/Clear calls persist across daemon restarts. A
// missing file leaves the source anonymous and is not an error.
func (s *Source) LoadFile(path string) error {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	tok := strings.TrimSpace(string(data))
	if tok != "" {
		s.Set(tok)
	}
	return nil
}

// Current returns the bearer credential, or "" when anonymous.
func (s *Source) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the credential and publishes auth.token_changed.
// Setting the same value is a no-op.
func (s *Source) Set(tok string) {
	s.mu.Lock()
	if s.token == tok {
		s.mu.Unlock()
		return
	}
	s.token = tok
	path := s.path
	s.mu.Unlock()
	if path != "" {
		_ = os.WriteFile(path, []byte(tok+"\n"), 0600)
	}
	s.notify()
}

// Clear drops the credential (logout) and publishes auth.token_changed.
func (s *Source) Clear() {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return
	}
	s.token = ""
	path := s.path
	s.mu.Unlock()
	if path != "" {
		_ = os.Remove(path)
	}
	s.notify()
}

// ExpiresAt reports the exp claim of the current credential. ok is false
// when the source is anonymous or the credential is not a parseable JWT.
// The signature is not verified; the server is the only party that
// validates credentials.
func (s *Source) ExpiresAt() (time.Time, bool) {
	tok := s.Current()
	if tok == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (s *Source) notify() {
	if s.bus == nil {
		return
	}
	exp, _ := s.ExpiresAt()
	s.bus.Publish(bus.NewEvent("auth.token_changed", Change{
		HasToken:  s.Current() != "",
		ExpiresAt: exp,
	}))
}
