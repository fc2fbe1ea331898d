package auth

import (
	"context"
	"errors"
	"net/http"
	"path"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/oauthsession/endpoint"
	"github.com/mnehpets/oauthsession/middleware"
	"github.com/mnehpets/oauthsession/provider"
	"github.com/mnehpets/oauthsession/session"
)

// DefaultBasePath is where the Handler mounts its routes.
const DefaultBasePath = "/auth"

// ProviderError is an error reported by the identity provider on the
// callback.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return e.Code
}

// TokenClient exchanges authorization codes and reads the subject of an ID
// token. *provider.Client implements it.
type TokenClient interface {
	Exchange(ctx context.Context, code, verifier string) (*provider.Tokens, error)
	Subject(ctx context.Context, rawIDToken string) (string, error)
}

// CallbackParams are the query parameters the provider sends to the
// redirect URI.
type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state"`
	Error     string `query:"error" maxLength:"256"`
	ErrorDesc string `query:"error_description" maxLength:"1024"`
}

// Handler serves the login, callback, logout and session routes.
type Handler struct {
	mux      *http.ServeMux
	manager  *Manager
	states   *StateStore
	tokens   TokenClient
	sessions *session.Store
	cookie   *middleware.SessionCookie

	basePath   string
	successURL string
	logoutURL  string
	processors []endpoint.Processor
	log        logrus.FieldLogger
}

// Option configures the Handler.
type Option func(*Handler)

// WithBasePath mounts the routes under p instead of DefaultBasePath.
func WithBasePath(p string) Option {
	return func(h *Handler) {
		h.basePath = p
	}
}

// WithSuccessURL sets where the browser goes after a successful login.
// Defaults to "/".
func WithSuccessURL(u string) Option {
	return func(h *Handler) {
		h.successURL = u
	}
}

// WithLogoutURL sets where the browser goes after logout. Defaults to "/".
func WithLogoutURL(u string) Option {
	return func(h *Handler) {
		h.logoutURL = u
	}
}

// WithProcessors adds endpoint processors to every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// NewHandler returns a Handler. Routes, relative to the base path:
//
//	GET  login     start a login and redirect to the provider
//	GET  callback  complete a login and set the session cookie
//	GET  logout    end the session (POST is also accepted)
//	GET  session   describe the current session as JSON, or 401
func NewHandler(manager *Manager, states *StateStore, tokens TokenClient, sessions *session.Store, cookie *middleware.SessionCookie, opts ...Option) (*Handler, error) {
	if manager == nil || states == nil || tokens == nil || sessions == nil || cookie == nil {
		return nil, errors.New("auth: handler dependencies must not be nil")
	}
	h := &Handler{
		mux:        http.NewServeMux(),
		manager:    manager,
		states:     states,
		tokens:     tokens,
		sessions:   sessions,
		cookie:     cookie,
		basePath:   DefaultBasePath,
		successURL: "/",
		logoutURL:  "/",
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.basePath, "/") {
		h.basePath = "/" + h.basePath
	}

	current, err := middleware.NewSessionProcessor(cookie, sessions, middleware.WithRequired(true), middleware.WithSessionLogger(h.log))
	if err != nil {
		return nil, err
	}

	route(h, "GET", "login", h.login)
	route(h, "GET", "callback", h.callback)
	route(h, "GET", "logout", h.logout)
	route(h, "POST", "logout", h.logout)
	route(h, "GET", "session", h.current, current)
	return h, nil
}

func route[P any](h *Handler, method, name string, fn endpoint.EndpointFunc[P], extra ...endpoint.Processor) {
	eh := endpoint.Handler(fn, append(slices.Clone(h.processors), extra...)...)
	eh.Log = h.log
	h.mux.Handle(method+" "+path.Join(h.basePath, name), eh)
}

// LoginPath returns the path of the login route.
func (h *Handler) LoginPath() string {
	return path.Join(h.basePath, "login")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	req := h.manager.BeginAuth()
	if err := h.states.Save(r.Context(), req.State, req.CodeVerifier); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to start login", err)
	}
	return &endpoint.RedirectRenderer{URL: req.AuthorizationURL, Status: http.StatusFound}, nil
}

func (h *Handler) restart() endpoint.Renderer {
	return &endpoint.RedirectRenderer{URL: h.LoginPath(), Status: http.StatusFound}
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	ctx := r.Context()

	if params.Error != "" {
		perr := &ProviderError{Code: params.Error, Description: params.ErrorDesc}
		return nil, endpoint.Error(http.StatusBadRequest, perr.Error(), perr)
	}
	if params.Code == "" {
		return h.restart(), nil
	}

	verifier, ok := h.states.Consume(ctx, params.State)
	if !ok {
		h.log.Info("callback with unknown or expired state, restarting login")
		return h.restart(), nil
	}

	tok, err := h.tokens.Exchange(ctx, params.Code, verifier)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "token exchange failed", err)
	}

	userID, err := h.tokens.Subject(ctx, tok.IDToken)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "invalid identity token", err)
	}

	sessionID, err := h.install(ctx, userID, tok)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to create session", err)
	}
	if err := h.cookie.Set(w, sessionID); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to create session", err)
	}

	h.log.WithField("user_id", userID).Info("login complete")
	return &endpoint.RedirectRenderer{URL: h.successURL, Status: http.StatusFound}, nil
}

// install stores tok as userID's session. An existing current session is
// updated in place, keeping its refresh token when tok carries none;
// otherwise a new one is created.
func (h *Handler) install(ctx context.Context, userID string, tok *provider.Tokens) (string, error) {
	rec := session.FromTokens(userID, tok)
	if id, ok := h.sessions.UserSessionID(ctx, userID); ok {
		if prev, exists := h.sessions.Peek(ctx, id); exists {
			if rec.RefreshToken == "" {
				rec.RefreshToken = prev.RefreshToken
			}
			return id, h.sessions.Update(ctx, id, rec)
		}
	}
	id := session.NewID()
	return id, h.sessions.CreateUserSession(ctx, id, userID, rec)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	ctx := r.Context()
	if id, ok := h.cookie.Read(r); ok {
		if rec, found := h.sessions.Peek(ctx, id); found {
			if cur, ok := h.sessions.UserSessionID(ctx, rec.UserID); ok && cur == id {
				h.sessions.DeleteUser(ctx, rec.UserID)
			}
		}
		h.sessions.Delete(ctx, id)
	}
	h.cookie.Clear(w)
	return &endpoint.RedirectRenderer{URL: h.logoutURL, Status: http.StatusFound}, nil
}

// SessionInfo is the body of the session route.
type SessionInfo struct {
	UserID string `json:"userId"`
	// ExpiresAt is the access token expiry in milliseconds since epoch.
	ExpiresAt int64 `json:"expiresAt"`
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusUnauthorized, "not logged in", nil)
	}
	return &endpoint.JSONRenderer{Value: SessionInfo{
		UserID:    sess.Record.UserID,
		ExpiresAt: sess.Record.ExpiresAtMillis(),
	}}, nil
}
