package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will
// decode/allocate for a cookie value. Browsers typically cap individual cookie
// values around 4KB.
const maxCookieLen = 8192

// cookieKeyInfo is the HKDF info string for cookie keys. It keeps them
// distinct from store keys derived from the same secret.
const cookieKeyInfo = "oauthsession cookie v1"

// SecureCookie is a codec for sealing/unsealing cookie values.
type SecureCookie interface {
	// Name returns the cookie name used by this codec.
	Name() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Clear returns an http.Cookie that clears this cookie in the client.
	Clear() *http.Cookie
}

// SecureCookieCodec seals and opens byte values with an ordered list of
// keys. The first key seals; every key is tried when opening, so secrets can
// be rotated by prepending a new one.
type SecureCookieCodec struct {
	aeads []cipher.AEAD
}

// DeriveKey derives a cookie key of size bytes from secret using HKDF-SHA256.
func DeriveKey(secret string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(cookieKeyInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewSecureCookieCodec derives one key per non-empty secret.
func NewSecureCookieCodec(secrets []string, newAEAD func(key []byte) (cipher.AEAD, error)) (*SecureCookieCodec, error) {
	if newAEAD == nil {
		return nil, errors.New("newAEAD must not be nil")
	}
	sc := &SecureCookieCodec{}
	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		key, err := DeriveKey(secret, chacha20poly1305.KeySize)
		if err != nil {
			return nil, err
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key %d: %w", i, err)
		}
		sc.aeads = append(sc.aeads, aead)
	}
	if len(sc.aeads) == 0 {
		return nil, fmt.Errorf("%w: no cookie secret", ErrCookieConfig)
	}
	return sc, nil
}

// Encode encrypts plainBytes. aad should be unique to the context (e.g. cookie name + path).
func (sc *SecureCookieCodec) Encode(plainBytes []byte, aad []byte) (string, error) {
	if sc == nil || len(sc.aeads) == 0 {
		return "", ErrCookieConfig
	}
	aead := sc.aeads[0]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plainBytes)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encrypted := aead.Seal(nonce, nonce, plainBytes, aad)
	return base64.RawURLEncoding.EncodeToString(encrypted), nil
}

// Decode decrypts value with the first key that authenticates it.
func (sc *SecureCookieCodec) Decode(value string, aad []byte) ([]byte, error) {
	if sc == nil || len(sc.aeads) == 0 {
		return nil, ErrCookieConfig
	}
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	encrypted, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, ErrCookieFormat
	}
	for _, aead := range sc.aeads {
		if len(encrypted) < aead.NonceSize()+aead.Overhead() {
			return nil, ErrCookieFormat
		}
		nonce, ciphertext := encrypted[:aead.NonceSize()], encrypted[aead.NonceSize():]
		if b, err := aead.Open(nil, nonce, ciphertext, aad); err == nil {
			return b, nil
		}
	}
	return nil, ErrCookieInvalid
}

// SecureCookieAEAD is a SecureCookie implementation that uses
// a supplied AEAD for authenticated encryption.
//
// Format: base64url(nonce || AEAD.Seal(nil, nonce, plaintext, aad))
// where aad = name ":" domain ":" path ":" secure.
// The nonce is randomly generated per-cookie.
type SecureCookieAEAD struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	Codec *SecureCookieCodec

	marshal   func(any) ([]byte, error)
	unmarshal func([]byte, any) error
	newAEAD   func([]byte) (cipher.AEAD, error)
}

// Name returns the cookie name.
func (sc *SecureCookieAEAD) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// SecureCookieOption configures the SecureCookie.
type SecureCookieOption func(*SecureCookieAEAD)

// WithMarshalUnmarshal configures custom marshal/unmarshal functions.
func WithMarshalUnmarshal(marshal func(any) ([]byte, error), unmarshal func([]byte, any) error) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.marshal = marshal
		sc.unmarshal = unmarshal
	}
}

// WithAEAD configures the cookie to use a custom AEAD factory (e.g. AES-GCM).
// The factory receives a 32-byte key.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.newAEAD = f
	}
}

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.secure = secure
	}
}

// WithSameSite configures the cookie sameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.sameSite = sameSite
	}
}

// NewSecureCookie creates a SecureCookie sealed with XChaCha20-Poly1305 and
// CBOR-encoded. secrets is ordered: the first seals, all are accepted.
//
// Defaults:
//   - Domain: ""
//   - Path: /
//   - HttpOnly: true
//   - Secure: true
//   - SameSite: Lax
func NewSecureCookie(cookieName string, secrets []string, opts ...SecureCookieOption) (*SecureCookieAEAD, error) {
	sc := &SecureCookieAEAD{
		name:      cookieName,
		marshal:   cbor.Marshal,
		unmarshal: cbor.Unmarshal,
		newAEAD:   chacha20poly1305.NewX,
		path:      "/",
		secure:    true,
		sameSite:  http.SameSiteLaxMode,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}

	codec, err := NewSecureCookieCodec(secrets, sc.newAEAD)
	if err != nil {
		return nil, err
	}
	sc.Codec = codec

	if sc.path == "" {
		sc.path = "/"
	}
	return sc, nil
}

// aad binds the cookie name, domain, path and secure flag to the sealed value.
func (sc *SecureCookieAEAD) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode marshals and seals plain and returns an http.Cookie carrying the value.
func (sc *SecureCookieAEAD) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	if sc.Codec == nil || sc.marshal == nil {
		return nil, ErrCookieConfig
	}

	plainBytes, err := sc.marshal(plain)
	if err != nil {
		return nil, err
	}
	val, err := sc.Codec.Encode(plainBytes, sc.aad())
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     sc.name,
		Value:    val,
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens the cookie value and unmarshals it into v.
func (sc *SecureCookieAEAD) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	if sc.Codec == nil || sc.unmarshal == nil {
		return ErrCookieConfig
	}
	plainBytes, err := sc.Codec.Decode(cookie.Value, sc.aad())
	if err != nil {
		return err
	}
	return sc.unmarshal(plainBytes, v)
}

// Clear returns a cookie that clears this cookie in the client.
func (sc *SecureCookieAEAD) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}
