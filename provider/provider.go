// Package provider talks to the upstream identity provider: it builds the
// oauth2 configuration, exchanges authorization codes, refreshes tokens and
// extracts the subject from ID tokens.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn is assumed when the token endpoint omits expires_in.
const DefaultExpiresIn = 3600 * time.Second

// DefaultScopes is the fixed scope set requested at login.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}

// Default endpoint paths, relative to Settings.BaseURL.
const (
	DefaultAuthPath  = "/authorize"
	DefaultTokenPath = "/oauth/token"
	DefaultJWKSPath  = "/.well-known/jwks.json"
)

// ErrMissingConfig is returned when a required setting is empty.
var ErrMissingConfig = errors.New("provider: missing required configuration")

// ErrNoRefreshToken is the cause of the UpstreamError returned by Refresh
// when there is no refresh token to present.
var ErrNoRefreshToken = errors.New("provider: no refresh token")

// Settings configures the upstream provider.
type Settings struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// BaseURL is the provider origin, e.g. "https://example.auth0.com".
	BaseURL string

	// Optional endpoint overrides. When empty they are derived from BaseURL.
	AuthURL  string
	TokenURL string
	JWKSURL  string
	// Issuer defaults to BaseURL with a trailing slash.
	Issuer string

	Scopes []string

	// Discovery fetches endpoints and signing keys from the issuer's
	// /.well-known/openid-configuration document instead of using the
	// derived defaults.
	Discovery bool

	// InsecureSkipSignatureCheck accepts ID tokens without verifying their
	// signature. Audience and expiry are still checked. Only use this when
	// the token endpoint is reached over a transport that is already trusted.
	InsecureSkipSignatureCheck bool
}

// Tokens is the result of a successful exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// ExpiresAt is the absolute expiry of AccessToken in seconds since epoch.
	ExpiresAt int64
}

// UpstreamError reports a failed call to the token endpoint. Body is kept for
// diagnostics only and is not included in Error.
type UpstreamError struct {
	Op     string
	Status int
	Body   []byte
	Cause  error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s failed with status %d", e.Op, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("provider: %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("provider: %s failed", e.Op)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Rejected reports whether the provider refused the grant, as opposed to the
// call failing before a response arrived. A refresh without a refresh token
// can never succeed and also counts as rejected.
func (e *UpstreamError) Rejected() bool {
	return e.Status != 0 || errors.Is(e.Cause, ErrNoRefreshToken)
}

// IsRejection reports whether err carries an UpstreamError that Rejected.
// Cancellations, timeouts and transport failures are not rejections.
func IsRejection(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Rejected()
}

// Client is a configured identity provider. It is safe for concurrent use.
type Client struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	now      func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source used to compute absolute expiries and
// to check ID token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a Client. With Settings.Discovery set it performs discovery
// using ctx; otherwise it makes no network calls.
func New(ctx context.Context, s Settings, opts ...Option) (*Client, error) {
	if s.ClientID == "" {
		return nil, fmt.Errorf("%w: client id", ErrMissingConfig)
	}
	if s.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect uri", ErrMissingConfig)
	}
	if s.BaseURL == "" && s.Issuer == "" {
		return nil, fmt.Errorf("%w: provider base uri", ErrMissingConfig)
	}

	c := &Client{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}

	base := strings.TrimRight(s.BaseURL, "/")
	issuer := s.Issuer
	if issuer == "" {
		issuer = base + "/"
	}
	scopes := s.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	verifierConfig := &oidc.Config{
		ClientID:                   s.ClientID,
		InsecureSkipSignatureCheck: s.InsecureSkipSignatureCheck,
		Now:                        c.now,
	}

	var endpoint oauth2.Endpoint
	if s.Discovery {
		p, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("provider: failed to query provider %q: %w", issuer, err)
		}
		endpoint = p.Endpoint()
		c.verifier = p.Verifier(verifierConfig)
	} else {
		endpoint = oauth2.Endpoint{
			AuthURL:  firstNonEmpty(s.AuthURL, base+DefaultAuthPath),
			TokenURL: firstNonEmpty(s.TokenURL, base+DefaultTokenPath),
		}
		keySet := oidc.NewRemoteKeySet(context.WithoutCancel(ctx), firstNonEmpty(s.JWKSURL, base+DefaultJWKSPath))
		c.verifier = oidc.NewVerifier(issuer, keySet, verifierConfig)
	}
	// client_id and client_secret are always sent in the form body.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	c.config = &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  s.RedirectURL,
		Scopes:       scopes,
	}
	return c, nil
}

// Config returns the oauth2 configuration. Callers must not modify it.
func (c *Client) Config() *oauth2.Config {
	return c.config
}

// Exchange redeems an authorization code using the PKCE code verifier.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (*Tokens, error) {
	tok, err := c.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, upstreamError("code exchange", err)
	}
	return c.tokens(tok, ""), nil
}

// Refresh performs a refresh_token grant. If the provider does not return a
// new refresh token, the one passed in remains valid and is returned.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, &UpstreamError{Op: "refresh", Cause: ErrNoRefreshToken}
	}
	// An empty access token forces the token source to refresh.
	src := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, upstreamError("refresh", err)
	}
	return c.tokens(tok, refreshToken), nil
}

// Subject returns the sub claim of rawIDToken after verifying it.
func (c *Client) Subject(ctx context.Context, rawIDToken string) (string, error) {
	if rawIDToken == "" {
		return "", errors.New("provider: no id_token returned")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("provider: id_token verification failed: %w", err)
	}
	if idToken.Subject == "" {
		return "", errors.New("provider: id_token has no subject")
	}
	return idToken.Subject, nil
}

func (c *Client) tokens(tok *oauth2.Token, priorRefresh string) *Tokens {
	var expiry time.Time
	switch {
	case tok.ExpiresIn > 0:
		expiry = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	case !tok.Expiry.IsZero():
		expiry = tok.Expiry
	default:
		expiry = c.now().Add(DefaultExpiresIn)
	}
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = priorRefresh
	}
	idToken, _ := tok.Extra("id_token").(string)
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		IDToken:      idToken,
		ExpiresAt:    expiry.Unix(),
	}
}

func upstreamError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &UpstreamError{Op: op, Status: re.Response.StatusCode, Body: re.Body, Cause: err}
	}
	return &UpstreamError{Op: op, Cause: err}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
