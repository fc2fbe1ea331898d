package auth

import (
	"context"
	"time"

	"github.com/mnehpets/oauthsession/securestore"
)

// StateTTL is how long a login attempt may take before its state expires.
const StateTTL = 10 * time.Minute

const stateKeyPrefix = "pkce_state:"

// pendingAuth is the stored value for an in-flight login.
type pendingAuth struct {
	CodeVerifier string `json:"codeVerifier"`
}

// StateStore persists state -> code verifier bindings for in-flight logins.
type StateStore struct {
	store *securestore.Store
	ttl   time.Duration
}

// NewStateStore returns a StateStore writing through store.
func NewStateStore(store *securestore.Store) *StateStore {
	return &StateStore{store: store, ttl: StateTTL}
}

// Save records verifier under state.
func (s *StateStore) Save(ctx context.Context, state, verifier string) error {
	return s.store.Put(ctx, stateKeyPrefix+state, pendingAuth{CodeVerifier: verifier}, s.ttl)
}

// Consume returns the verifier bound to state and deletes the binding. The
// binding is deleted whether or not it was readable, so a state can be used
// at most once.
func (s *StateStore) Consume(ctx context.Context, state string) (string, bool) {
	if state == "" {
		return "", false
	}
	key := stateKeyPrefix + state
	entry, outcome, _ := securestore.Load[pendingAuth](ctx, s.store, key)
	s.store.Delete(ctx, key)
	if !outcome.Found() || entry.CodeVerifier == "" {
		return "", false
	}
	return entry.CodeVerifier, true
}
