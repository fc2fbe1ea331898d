// Package securestore wraps a kv.Backend with encrypt-on-write and
// decrypt-on-read.
//
// Values are JSON encoded and sealed with an AEAD keyed by the SHA-256 digest
// of a configured secret. The stored form is
//
//	base64(iv) ":" base64(ciphertext)
//
// with a fresh random 12-byte iv per write. Secrets are an ordered list: the
// first (primary) secret seals every write, and every secret is tried in
// order on read, so a new primary can be introduced while values written
// under older secrets stay readable until they expire.
//
// Values that were written before encryption was enabled are still readable
// as plaintext JSON. A value that looks sealed but cannot be opened by any
// configured key is never reinterpreted as plaintext.
package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mnehpets/oauthsession/kv"
)

// IVSize is the number of random bytes used as the AEAD nonce for each write.
const IVSize = 12

var (
	// ErrNoSecret is returned by New when encryption is required but no
	// secret was supplied.
	ErrNoSecret = errors.New("securestore: encryption required but no secret configured")
	// ErrNonceSize is returned by New when the AEAD factory does not use
	// IVSize-byte nonces.
	ErrNonceSize = errors.New("securestore: AEAD nonce size must be 12 bytes")
)

// Outcome describes how a read was satisfied.
type Outcome int

const (
	// Missing means no value is stored at the key, or the backend failed.
	Missing Outcome = iota
	// Decrypted means the value was opened with one of the configured keys.
	Decrypted
	// Plaintext means the value was stored unencrypted.
	Plaintext
	// Unreadable means a value exists but could not be opened or decoded.
	Unreadable
)

func (o Outcome) String() string {
	switch o {
	case Missing:
		return "missing"
	case Decrypted:
		return "decrypted"
	case Plaintext:
		return "plaintext"
	case Unreadable:
		return "unreadable"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Found reports whether the read produced a value.
func (o Outcome) Found() bool {
	return o == Decrypted || o == Plaintext
}

// Cleanup is the result of a best-effort deletion. It is not an error value;
// callers may log it but a failed delete never aborts a logout.
type Cleanup struct {
	Key string
	Err error
}

// OK reports whether the deletion reached the backend successfully.
func (c Cleanup) OK() bool {
	return c.Err == nil
}

// derivedKey is the AEAD for one configured secret.
type derivedKey struct {
	// index is the position of the secret in the configured list.
	index int
	aead  cipher.AEAD
}

// Store is an encrypted view over a kv.Backend. It is safe for concurrent use.
type Store struct {
	backend kv.Backend
	// keys holds one derived AEAD per configured secret, in rotation order.
	// It is built once in New and owned by this Store.
	keys []derivedKey

	newAEAD           func(key []byte) (cipher.AEAD, error)
	requireEncryption bool
	plaintextFallback bool
	log               logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithRequireEncryption makes New fail unless at least one secret is given.
func WithRequireEncryption() Option {
	return func(s *Store) {
		s.requireEncryption = true
	}
}

// WithAEAD selects the AEAD construction. It defaults to
// chacha20poly1305.New. The factory receives a 32-byte key.
func WithAEAD(f func(key []byte) (cipher.AEAD, error)) Option {
	return func(s *Store) {
		s.newAEAD = f
	}
}

// WithLogger sets the logger used to report unreadable values and backend
// failures on fail-open paths.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithPlaintextFallback controls whether values that are not in the sealed
// format are decoded as plaintext JSON. It is enabled by default so that data
// written before encryption was configured can still be read.
func WithPlaintextFallback(enable bool) Option {
	return func(s *Store) {
		s.plaintextFallback = enable
	}
}

// New creates a Store over backend. Empty secrets are ignored. If no secret
// remains, values are stored as plaintext JSON unless WithRequireEncryption
// is given, in which case New returns ErrNoSecret.
func New(backend kv.Backend, secrets []string, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("securestore: backend must not be nil")
	}
	s := &Store{
		backend:           backend,
		newAEAD:           chacha20poly1305.New,
		plaintextFallback: true,
		log:               logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newAEAD == nil {
		return nil, errors.New("securestore: AEAD factory must not be nil")
	}

	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		digest := sha256.Sum256([]byte(secret))
		aead, err := s.newAEAD(digest[:])
		if err != nil {
			return nil, fmt.Errorf("securestore: invalid key for secret %d: %w", i, err)
		}
		if aead.NonceSize() != IVSize {
			return nil, ErrNonceSize
		}
		s.keys = append(s.keys, derivedKey{index: i, aead: aead})
	}
	if s.requireEncryption && len(s.keys) == 0 {
		return nil, ErrNoSecret
	}
	return s, nil
}

// Encrypted reports whether writes are sealed.
func (s *Store) Encrypted() bool {
	return len(s.keys) > 0
}

// Put encodes value as JSON and stores it at key for ttl. Errors are
// returned to the caller.
func (s *Store) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("securestore: encode %q: %w", key, err)
	}
	stored, err := s.seal(plain)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, stored, ttl)
}

// Get decodes the value stored at key into dst, which must be a pointer.
//
// Decryption and decoding failures are not errors: they are logged and
// reported as Unreadable. The returned error is non-nil only when the backend
// itself failed, in which case the outcome is Missing.
func (s *Store) Get(ctx context.Context, key string, dst any) (Outcome, error) {
	return s.read(ctx, key, func(b []byte) error {
		return json.Unmarshal(b, dst)
	})
}

// Load is the typed form of Store.Get. On any outcome other than Decrypted
// or Plaintext the zero T is returned.
func Load[T any](ctx context.Context, s *Store, key string) (T, Outcome, error) {
	var result T
	outcome, err := s.read(ctx, key, func(b []byte) error {
		var v T
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		result = v
		return nil
	})
	if !outcome.Found() {
		var zero T
		return zero, outcome, err
	}
	return result, outcome, err
}

// Delete removes key. Failures are reported in the returned Cleanup and
// logged, never propagated as errors.
func (s *Store) Delete(ctx context.Context, key string) Cleanup {
	err := s.backend.Delete(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", redactKey(key)).Warn("best-effort delete failed")
	}
	return Cleanup{Key: key, Err: err}
}

func (s *Store) read(ctx context.Context, key string, decode func([]byte) error) (Outcome, error) {
	raw, found, err := s.backend.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", redactKey(key)).Warn("backend read failed")
		return Missing, err
	}
	if !found {
		return Missing, nil
	}

	iv, ciphertext, sealed := splitSealed(raw)
	if sealed {
		for _, k := range s.keys {
			plain, err := k.aead.Open(nil, iv, ciphertext, nil)
			if err != nil {
				continue
			}
			if err := decode(plain); err != nil {
				continue
			}
			if k.index > 0 {
				s.log.WithField("key", redactKey(key)).WithField("secret_index", k.index).Debug("value opened with a non-primary secret")
			}
			return Decrypted, nil
		}
		s.log.WithField("key", redactKey(key)).Warn("stored value could not be decrypted with any configured secret")
		return Unreadable, nil
	}

	if s.plaintextFallback || len(s.keys) == 0 {
		if err := decode([]byte(raw)); err == nil {
			return Plaintext, nil
		}
	}
	s.log.WithField("key", redactKey(key)).Warn("stored value is neither sealed nor readable plaintext")
	return Unreadable, nil
}

// seal returns the stored representation of plain. Without keys the
// plaintext is returned unchanged.
func (s *Store) seal(plain []byte) (string, error) {
	if len(s.keys) == 0 {
		return string(plain), nil
	}
	primary := s.keys[0].aead
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("securestore: generate iv: %w", err)
	}
	ciphertext := primary.Seal(nil, iv, plain, nil)
	return base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// splitSealed parses the sealed format. ok is false if raw is not of the
// form base64(12-byte iv) ":" base64(ciphertext).
func splitSealed(raw string) (iv, ciphertext []byte, ok bool) {
	ivB64, ctB64, found := strings.Cut(raw, ":")
	if !found || ivB64 == "" || ctB64 == "" {
		return nil, nil, false
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil || len(iv) != IVSize {
		return nil, nil, false
	}
	ciphertext, err = base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, nil, false
	}
	return iv, ciphertext, true
}

// redactKey keeps the key namespace and a short prefix of the identifier so
// logs can be correlated without exposing session identifiers.
func redactKey(k string) string {
	ns, id, found := strings.Cut(k, ":")
	if !found {
		ns, id = "", k
	}
	if len(id) > 6 {
		id = id[:6] + "..."
	}
	if ns == "" {
		return id
	}
	return ns + ":" + id
}

// AESGCM is an AEAD factory for AES-256-GCM, for use with WithAEAD.
func AESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
