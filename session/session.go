// Package session stores server-side login sessions.
//
// A session record holds the upstream tokens for one user and is addressed by
// a random session identifier, which is the only value the browser sees. A
// secondary index maps each user to their current session so that a new
// login replaces the previous one.
//
// Reads refresh expired access tokens transparently. Within a process,
// concurrent refreshes of the same session are collapsed into one upstream
// call. Across processes the backing store offers no locking, so two
// instances may still refresh the same session concurrently and the last
// write wins.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mnehpets/oauthsession/provider"
	"github.com/mnehpets/oauthsession/securestore"
)

// DefaultTTL is the lifetime of session records and user index entries.
// It is reset on every write.
const DefaultTTL = 30 * 24 * time.Hour

// IDBytes is the number of random bytes in a session identifier.
const IDBytes = 32

// DefaultRefreshTimeout bounds a single upstream refresh. The refresh runs
// detached from the request that started it, so this is its only deadline.
const DefaultRefreshTimeout = 30 * time.Second

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "user_session:"
)

var (
	// ErrEncryptionRequired is returned by NewStore when the encrypted store
	// has no secret configured.
	ErrEncryptionRequired = errors.New("session: session store requires encryption")
	// ErrNotFound is returned by Resolve and RefreshTokens when the session
	// does not exist.
	ErrNotFound = errors.New("session: not found")
	// ErrRefreshFailed wraps the error of a refresh call that did not
	// succeed. provider.IsRejection tells a rejection from a transient failure.
	ErrRefreshFailed = errors.New("session: token refresh failed")
)

// Record is a stored session.
type Record struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is the expiry of AccessToken in seconds since epoch.
	ExpiresAt int64 `json:"expiresAt"`
}

// Expired reports whether the access token has expired at now.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}

// ExpiresAtMillis returns ExpiresAt in milliseconds since epoch.
func (r Record) ExpiresAtMillis() int64 {
	return r.ExpiresAt * 1000
}

// SetExpiresAtMillis sets ExpiresAt from milliseconds since epoch, rounding
// down to the whole second.
func (r *Record) SetExpiresAtMillis(ms int64) {
	sec := ms / 1000
	if ms%1000 < 0 {
		sec--
	}
	r.ExpiresAt = sec
}

// FromTokens builds a record for userID from a provider token response.
func FromTokens(userID string, t *provider.Tokens) Record {
	return Record{
		UserID:       userID,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
	}
}

// Refresher performs a refresh_token grant against the provider.
// *provider.Client implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*provider.Tokens, error)
}

// NewID returns a fresh random session identifier.
func NewID() string {
	b := make([]byte, IDBytes)
	// crypto/rand.Read never returns an error.
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Store manages session records and the user index. It is safe for
// concurrent use.
type Store struct {
	kv        *securestore.Store
	refresher Refresher
	flight    singleflight.Group

	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time
	log     logrus.FieldLogger
	metrics *Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithClock sets the time source used to decide whether a record has expired.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.refreshTimeout = d
	}
}

// WithMetrics records session activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore returns a Store writing through kv. kv must seal its writes.
func NewStore(kv *securestore.Store, refresher Refresher, opts ...Option) (*Store, error) {
	if kv == nil || !kv.Encrypted() {
		return nil, ErrEncryptionRequired
	}
	if refresher == nil {
		return nil, errors.New("session: refresher must not be nil")
	}
	s := &Store{
		kv:             kv,
		refresher:      refresher,
		ttl:            DefaultTTL,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
		log:            logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateUserSession stores rec under sessionID and makes it the current
// session for userID. If the user already had a different current session,
// that session and its index entry are deleted first.
//
// The delete and the two writes are not atomic: a concurrent login for the
// same user can interleave and leave the index pointing at a deleted session.
func (s *Store) CreateUserSession(ctx context.Context, sessionID, userID string, rec Record) error {
	if sessionID == "" || userID == "" {
		return errors.New("session: session id and user id are required")
	}
	rec.UserID = userID

	if old, ok := s.UserSessionID(ctx, userID); ok && old != sessionID {
		s.Delete(ctx, old)
		s.DeleteUser(ctx, userID)
		s.log.WithFields(logrus.Fields{"user_id": userID, "session": ShortID(old)}).Debug("replaced previous session")
	}

	if err := s.kv.Put(ctx, sessionKeyPrefix+sessionID, rec, s.ttl); err != nil {
		return err
	}
	if err := s.kv.Put(ctx, userKeyPrefix+userID, sessionID, s.ttl); err != nil {
		return err
	}
	s.metrics.sessionCreated()
	return nil
}

// UserSessionID returns the current session identifier for userID.
func (s *Store) UserSessionID(ctx context.Context, userID string) (string, bool) {
	id, outcome, _ := securestore.Load[string](ctx, s.kv, userKeyPrefix+userID)
	if !outcome.Found() || id == "" {
		return "", false
	}
	return id, true
}

// Get returns the session record for sessionID, refreshing an expired
// access token first. It reports false whenever Resolve returns an error.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, bool) {
	rec, err := s.Resolve(ctx, sessionID)
	if err != nil {
		return nil, false
	}
	return rec, true
}

// Resolve returns the session record for sessionID. If its access token has
// expired, Resolve refreshes it first and persists the result.
//
// ErrNotFound means the session does not exist, or the provider rejected the
// refresh and the session was deleted. The user index entry is then left to
// expire on its own. Any other error means the refresh could not complete,
// e.g. ctx was cancelled or the provider was unreachable; the session is kept
// and a later call may succeed.
func (s *Store) Resolve(ctx context.Context, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	rec, ok := s.load(ctx, sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Expired(s.now()) {
		return &rec, nil
	}

	refreshed, err := s.refresh(ctx, sessionID, rec)
	if err == nil {
		return refreshed, nil
	}
	log := s.log.WithError(err).WithField("session", ShortID(sessionID))
	if !provider.IsRejection(err) {
		log.Warn("refresh did not complete, keeping session")
		return nil, err
	}
	log.Info("refresh rejected, deleting session")
	s.Delete(ctx, sessionID)
	return nil, ErrNotFound
}

// Peek returns the stored record for sessionID without refreshing it.
func (s *Store) Peek(ctx context.Context, sessionID string) (*Record, bool) {
	if sessionID == "" {
		return nil, false
	}
	rec, ok := s.load(ctx, sessionID)
	if !ok {
		return nil, false
	}
	return &rec, true
}

// Update overwrites the record for sessionID and resets its TTL. If the user
// index still names sessionID as rec.UserID's current session, its TTL is
// reset too, so an active session never outlives its index entry. Storage
// errors are returned.
func (s *Store) Update(ctx context.Context, sessionID string, rec Record) error {
	if sessionID == "" {
		return errors.New("session: session id is required")
	}
	if err := s.kv.Put(ctx, sessionKeyPrefix+sessionID, rec, s.ttl); err != nil {
		return err
	}
	if rec.UserID == "" {
		return nil
	}
	if cur, ok := s.UserSessionID(ctx, rec.UserID); !ok || cur != sessionID {
		return nil
	}
	return s.kv.Put(ctx, userKeyPrefix+rec.UserID, sessionID, s.ttl)
}

// Delete removes the session record. It is best-effort.
func (s *Store) Delete(ctx context.Context, sessionID string) securestore.Cleanup {
	s.metrics.sessionDeleted()
	return s.kv.Delete(ctx, sessionKeyPrefix+sessionID)
}

// DeleteUser removes the user index entry. It is best-effort.
func (s *Store) DeleteUser(ctx context.Context, userID string) securestore.Cleanup {
	return s.kv.Delete(ctx, userKeyPrefix+userID)
}

// RefreshTokens refreshes the session's tokens regardless of expiry and
// persists the result. Unlike Get, a failed refresh leaves the session in
// place.
func (s *Store) RefreshTokens(ctx context.Context, sessionID string) (*Record, error) {
	rec, ok := s.load(ctx, sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return s.refresh(ctx, sessionID, rec)
}

func (s *Store) load(ctx context.Context, sessionID string) (Record, bool) {
	rec, outcome, _ := securestore.Load[Record](ctx, s.kv, sessionKeyPrefix+sessionID)
	return rec, outcome.Found()
}

// refresh performs at most one upstream refresh per session identifier at a
// time in this process. Callers that arrive while a refresh is in flight share
// its result.
//
// The refresh runs on a context detached from the caller that started it and
// bounded by refreshTimeout, so one caller going away cannot fail the others.
// Each caller stops waiting when its own ctx is done.
func (s *Store) refresh(ctx context.Context, sessionID string, stale Record) (*Record, error) {
	ch := s.flight.DoChan(sessionID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.refreshTimeout)
		defer cancel()

		// Another caller may have refreshed and stored a newer record between
		// our read and acquiring the flight.
		if cur, ok := s.load(fctx, sessionID); ok && cur.ExpiresAt > stale.ExpiresAt && !cur.Expired(s.now()) {
			return &cur, nil
		}

		tok, err := s.refresher.Refresh(fctx, stale.RefreshToken)
		if err != nil {
			s.metrics.refreshed(false)
			return nil, errors.Join(ErrRefreshFailed, err)
		}
		s.metrics.refreshed(true)

		rec := stale
		rec.AccessToken = tok.AccessToken
		rec.RefreshToken = tok.RefreshToken
		rec.ExpiresAt = tok.ExpiresAt
		if err := s.Update(fctx, sessionID, rec); err != nil {
			// The refreshed tokens are still valid for this request.
			s.log.WithError(err).WithField("session", ShortID(sessionID)).Warn("failed to persist refreshed session")
		}
		return &rec, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.log.WithField("session", ShortID(sessionID)).Debug("joined in-flight refresh")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*Record)
		return &rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ShortID returns a prefix of a session identifier suitable for logs.
func ShortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
