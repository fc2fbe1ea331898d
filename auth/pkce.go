package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// stateLength is the number of random bytes in the state parameter.
const stateLength = 32

// ErrMissingConfig is returned by NewManager when the oauth2 configuration
// lacks a client id or redirect URL.
var ErrMissingConfig = errors.New("auth: missing required configuration")

// AuthRequest is the output of Manager.BeginAuth.
type AuthRequest struct {
	// AuthorizationURL is where the browser is sent to log in.
	AuthorizationURL string
	// State is the anti-CSRF value round-tripped through the provider.
	State string
	// CodeVerifier is the PKCE secret that must be presented with the code.
	CodeVerifier string
}

// Manager generates PKCE parameters and authorization URLs. It holds no
// mutable state: persisting State -> CodeVerifier is the caller's job (see
// StateStore).
type Manager struct {
	config *oauth2.Config
}

// NewManager validates conf and returns a Manager.
func NewManager(conf *oauth2.Config) (*Manager, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: nil oauth2 config", ErrMissingConfig)
	}
	if conf.ClientID == "" {
		return nil, fmt.Errorf("%w: client id", ErrMissingConfig)
	}
	if conf.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect uri", ErrMissingConfig)
	}
	return &Manager{config: conf}, nil
}

// BeginAuth creates a fresh state and PKCE verifier and the matching
// authorization URL, using the S256 challenge method.
func (m *Manager) BeginAuth() AuthRequest {
	state := generateState()
	verifier := oauth2.GenerateVerifier()
	u := m.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return AuthRequest{
		AuthorizationURL: u,
		State:            state,
		CodeVerifier:     verifier,
	}
}

// Challenge returns the S256 code challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// generateState creates a random, URL-safe state string.
func generateState() string {
	b := make([]byte, stateLength)
	// crypto/rand.Read never returns an error.
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
