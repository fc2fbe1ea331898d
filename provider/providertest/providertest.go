// Package providertest runs a fake identity provider for tests. It serves a
// JWKS document, an authorize endpoint and a token endpoint whose responses
// can be scripted per grant type.
package providertest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/mnehpets/oauthsession/provider"
)

const (
	ClientID     = "client-id"
	ClientSecret = "client-secret"
	RedirectURL  = "https://app.example.com/auth/callback"
	keyID        = "test-key"
)

// Response is a scripted token endpoint reply.
type Response struct {
	Status int
	// Body is encoded as JSON. It is ignored when Raw is set.
	Body map[string]any
	Raw  string
}

// Server is a fake identity provider.
type Server struct {
	*httptest.Server
	t      testing.TB
	key    *rsa.PrivateKey
	signer jose.Signer

	mu        sync.Mutex
	responses map[string][]Response
	requests  []url.Values
}

// New starts a Server and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	s := &Server{
		t:         t,
		key:       key,
		signer:    signer,
		responses: map[string][]Response{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(provider.DefaultJWKSPath, s.serveKeys)
	mux.HandleFunc(provider.DefaultTokenPath, s.serveToken)
	mux.HandleFunc(provider.DefaultAuthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Settings returns provider settings pointing at this server.
func (s *Server) Settings() provider.Settings {
	return provider.Settings{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		RedirectURL:  RedirectURL,
		BaseURL:      s.URL,
		Issuer:       s.Issuer(),
	}
}

// Issuer is the iss claim used by IDToken.
func (s *Server) Issuer() string {
	return s.URL + "/"
}

// Enqueue scripts the next reply for grantType ("authorization_code" or
// "refresh_token"). Replies are consumed in order; when none are queued the
// token endpoint answers 500.
func (s *Server) Enqueue(grantType string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[grantType] = append(s.responses[grantType], r)
}

// Requests returns the form bodies received by the token endpoint.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// IDToken returns a signed ID token for subject, valid for an hour.
func (s *Server) IDToken(subject string) string {
	s.t.Helper()
	now := time.Now()
	claims := jwt.Claims{
		Subject:   subject,
		Issuer:    s.Issuer(),
		Audience:  jwt.Audience{ClientID},
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	return s.sign(claims)
}

// SignClaims signs arbitrary claims with the server key.
func (s *Server) SignClaims(claims any) string {
	s.t.Helper()
	return s.sign(claims)
}

func (s *Server) sign(claims any) string {
	raw, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		s.t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func (s *Server) serveKeys(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{Key: &s.key.PublicKey, Use: "sig", Algorithm: string(jose.RS256), KeyID: keyID}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	grantType := r.PostForm.Get("grant_type")

	s.mu.Lock()
	s.requests = append(s.requests, r.PostForm)
	var resp Response
	queue := s.responses[grantType]
	if len(queue) > 0 {
		resp = queue[0]
		s.responses[grantType] = queue[1:]
	} else {
		resp = Response{Status: http.StatusInternalServerError, Body: map[string]any{"error": "server_error"}}
	}
	s.mu.Unlock()

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp.Raw != "" {
		w.Write([]byte(resp.Raw))
		return
	}
	json.NewEncoder(w).Encode(resp.Body)
}
