package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// The browser holds only a sealed session identifier. The session record
// itself lives in the server-side session.Store.

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/oauthsession/endpoint"
	"github.com/mnehpets/oauthsession/session"
)

// SessionCookieName is the default name of the session cookie. The
// __Secure- prefix requires the Secure attribute.
const SessionCookieName = "__Secure-session_id"

// SessionCookieMaxAge is the session cookie lifetime in seconds.
const SessionCookieMaxAge = 30 * 24 * 60 * 60

// sessionCookieValue is the sealed cookie payload.
type sessionCookieValue struct {
	ID string `cbor:"1,keyasint"`
	// IssuedAt is the time the cookie was set, in milliseconds since epoch.
	IssuedAt int64 `cbor:"2,keyasint"`
}

// SessionCookie reads and writes the sealed session identifier.
type SessionCookie struct {
	codec SecureCookie
	now   func() time.Time
}

// NewSessionCookie returns a SessionCookie named SessionCookieName with
// SameSite=None. opts are applied after the defaults and may override them.
func NewSessionCookie(secrets []string, opts ...SecureCookieOption) (*SessionCookie, error) {
	opts = append([]SecureCookieOption{WithSameSite(http.SameSiteNoneMode)}, opts...)
	codec, err := NewSecureCookie(SessionCookieName, secrets, opts...)
	if err != nil {
		return nil, err
	}
	return &SessionCookie{codec: codec, now: time.Now}, nil
}

// Name returns the cookie name.
func (c *SessionCookie) Name() string {
	return c.codec.Name()
}

// Set writes a cookie carrying sessionID.
func (c *SessionCookie) Set(w http.ResponseWriter, sessionID string) error {
	if sessionID == "" {
		return errors.New("empty session id")
	}
	ck, err := c.codec.Encode(sessionCookieValue{ID: sessionID, IssuedAt: c.now().UnixMilli()}, SessionCookieMaxAge)
	if err != nil {
		return err
	}
	http.SetCookie(w, ck)
	return nil
}

// Read returns the session identifier carried by r. It reports false when
// the cookie is absent or does not open with any configured secret.
func (c *SessionCookie) Read(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.Name())
	if err != nil {
		return "", false
	}
	var v sessionCookieValue
	if err := c.codec.Decode(ck, &v); err != nil || v.ID == "" {
		return "", false
	}
	return v.ID, true
}

// Clear expires the cookie in the client.
func (c *SessionCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.codec.Clear())
}

// Session is the request-scoped view of a resolved login session.
type Session struct {
	ID     string
	Record *session.Record
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that resolves the session
// cookie against the session store. Expired access tokens are refreshed by
// the store on the way. When the cookie is unreadable or the session is gone
// the cookie is cleared. When the session exists but its refresh could not
// complete, the request proceeds without a session and the cookie is kept.
type SessionProcessor struct {
	cookie   *SessionCookie
	store    *session.Store
	required bool
	log      logrus.FieldLogger
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*SessionProcessor)

// WithRequired makes requests without a live session fail with 401.
func WithRequired(required bool) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.required = required
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(l logrus.FieldLogger) SessionProcessorOption {
	return func(p *SessionProcessor) {
		p.log = l
	}
}

// NewSessionProcessor returns a SessionProcessor.
func NewSessionProcessor(cookie *SessionCookie, store *session.Store, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	if cookie == nil || store == nil {
		return nil, errors.New("session processor requires a cookie and a store")
	}
	p := &SessionProcessor{
		cookie: cookie,
		store:  store,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	ctx := r.Context()
	sess, err := p.resolve(r)
	switch {
	case sess != nil:
		ctx = WithSession(ctx, sess)
	case err != nil:
		if p.required {
			return endpoint.Error(http.StatusServiceUnavailable, "session temporarily unavailable", err)
		}
	default:
		if _, err := r.Cookie(p.cookie.Name()); err == nil {
			endpoint.Defer(ctx, p.cookie.Clear)
		}
	}

	if sess == nil && p.required {
		return endpoint.Error(http.StatusUnauthorized, "not logged in", nil)
	}
	return next(w, r.WithContext(ctx))
}

// resolve returns the live session for r. A nil session with a nil error
// means there is none; an error means the session exists but could not be
// refreshed right now.
func (p *SessionProcessor) resolve(r *http.Request) (*Session, error) {
	id, ok := p.cookie.Read(r)
	if !ok {
		return nil, nil
	}
	rec, err := p.store.Resolve(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		p.log.WithField("session", session.ShortID(id)).Debug("session cookie refers to no session")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, Record: rec}, nil
}
