package middleware

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func newAESGCMAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type testPayload struct {
	Msg string
	Num int
}

func TestSecureCookieAEAD_RoundTrip(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"secret-a"},
		WithPath("/"), WithDomain("example.com"), WithSecure(false), WithSameSite(http.SameSiteNoneMode))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}

	plaintext := testPayload{Msg: "hello world", Num: 1}
	ck, err := sc.Encode(plaintext, 3600)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if ck.Name != "sc" {
		t.Fatalf("cookie name: got %q want %q", ck.Name, "sc")
	}
	if ck.Domain != "example.com" || ck.Path != "/" {
		t.Fatalf("cookie scope: got %q %q", ck.Domain, ck.Path)
	}
	if !ck.HttpOnly {
		t.Fatalf("cookie HttpOnly: got false want true")
	}
	if ck.Secure {
		t.Fatalf("cookie Secure: got true want false")
	}
	if ck.SameSite != http.SameSiteNoneMode {
		t.Fatalf("cookie SameSite: got %v want %v", ck.SameSite, http.SameSiteNoneMode)
	}
	if ck.MaxAge != 3600 {
		t.Fatalf("cookie MaxAge: got %d want 3600", ck.MaxAge)
	}
	if strings.Contains(ck.Value, "hello") {
		t.Fatalf("cookie value leaks plaintext: %q", ck.Value)
	}

	var got testPayload
	if err := sc.Decode(ck, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != plaintext {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, plaintext)
	}
}

func TestSecureCookieAEAD_Defaults(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	ck, err := sc.Encode(testPayload{}, 60)
	if err != nil {
		t.Fatal(err)
	}
	if ck.Path != "/" || !ck.Secure || ck.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected defaults: path=%q secure=%v samesite=%v", ck.Path, ck.Secure, ck.SameSite)
	}
}

func TestSecureCookieAEAD_Clear_SetsCookieAttributes(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"}, WithDomain("example.com"), WithPath("/p"))
	if err != nil {
		t.Fatal(err)
	}
	ck := sc.Clear()
	if ck.Name != "sc" || ck.Value != "" || ck.MaxAge != -1 {
		t.Fatalf("unexpected clear cookie: %+v", ck)
	}
	if ck.Domain != "example.com" || ck.Path != "/p" || !ck.HttpOnly || !ck.Secure {
		t.Fatalf("clear cookie must match set scope: %+v", ck)
	}
}

func TestSecureCookieAEAD_Decode_NilCookie_IsFormatError(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	var v testPayload
	if err := sc.Decode(nil, &v); !errors.Is(err, ErrCookieFormat) {
		t.Fatalf("expected ErrCookieFormat, got %v", err)
	}
	if err := sc.Decode(&http.Cookie{Name: "sc", Value: "not base64 !"}, &v); !errors.Is(err, ErrCookieFormat) {
		t.Fatalf("expected ErrCookieFormat for bad encoding, got %v", err)
	}
	if err := sc.Decode(&http.Cookie{Name: "sc", Value: strings.Repeat("A", maxCookieLen+1)}, &v); !errors.Is(err, ErrCookieFormat) {
		t.Fatalf("expected ErrCookieFormat for oversized value, got %v", err)
	}
}

func TestSecureCookieAEAD_Rotation_OldSecretStillDecodes(t *testing.T) {
	old, err := NewSecureCookie("sc", []string{"old"})
	if err != nil {
		t.Fatal(err)
	}
	ck, err := old.Encode(testPayload{Msg: "x"}, 60)
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := NewSecureCookie("sc", []string{"new", "old"})
	if err != nil {
		t.Fatal(err)
	}
	var got testPayload
	if err := rotated.Decode(ck, &got); err != nil {
		t.Fatalf("rotated codec should open old cookie: %v", err)
	}

	// New cookies are sealed with the first secret only.
	fresh, err := rotated.Encode(testPayload{Msg: "y"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	if err := old.Decode(fresh, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("old codec should reject cookie sealed with new secret, got %v", err)
	}

	dropped, err := NewSecureCookie("sc", []string{"new"})
	if err != nil {
		t.Fatal(err)
	}
	if err := dropped.Decode(ck, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("expected ErrCookieInvalid once old secret is dropped, got %v", err)
	}
}

func TestSecureCookieAEAD_TamperRejected(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	ck, err := sc.Encode(testPayload{Msg: "x"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	b := []byte(ck.Value)
	mid := len(b) / 2
	if b[mid] == 'A' {
		b[mid] = 'B'
	} else {
		b[mid] = 'A'
	}
	ck.Value = string(b)
	var got testPayload
	if err := sc.Decode(ck, &got); err == nil {
		t.Fatal("expected tampered cookie to be rejected")
	}
}

func TestSecureCookieAEAD_AADMismatchRejected(t *testing.T) {
	a, err := NewSecureCookie("sc", []string{"s"}, WithPath("/a"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSecureCookie("sc", []string{"s"}, WithPath("/b"))
	if err != nil {
		t.Fatal(err)
	}
	ck, err := a.Encode(testPayload{Msg: "x"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	var got testPayload
	if err := b.Decode(ck, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("expected ErrCookieInvalid, got %v", err)
	}
}

func TestNewSecureCookie_Validation(t *testing.T) {
	if _, err := NewSecureCookie("", []string{"s"}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty name: expected ErrCookieConfig, got %v", err)
	}
	if _, err := NewSecureCookie("sc", nil); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("no secrets: expected ErrCookieConfig, got %v", err)
	}
	if _, err := NewSecureCookie("sc", []string{"", ""}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty secrets: expected ErrCookieConfig, got %v", err)
	}
	if _, err := NewSecureCookie("sc", []string{"s"}, WithAEAD(nil)); err == nil {
		t.Fatal("nil AEAD factory: expected error")
	}
}

func TestSecureCookieAEAD_Encode_RejectsNonPositiveMaxAge(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Encode(testPayload{}, 0); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("expected ErrCookieInvalid, got %v", err)
	}
}

func TestSecureCookieAEAD_CustomMarshal(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"}, WithMarshalUnmarshal(json.Marshal, json.Unmarshal))
	if err != nil {
		t.Fatal(err)
	}
	ck, err := sc.Encode(testPayload{Msg: "json", Num: 7}, 60)
	if err != nil {
		t.Fatal(err)
	}
	var got testPayload
	if err := sc.Decode(ck, &got); err != nil {
		t.Fatal(err)
	}
	if got.Msg != "json" || got.Num != 7 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestSecureCookieAEAD_CustomAEAD_AESGCM(t *testing.T) {
	sc, err := NewSecureCookie("sc", []string{"s"}, WithAEAD(newAESGCMAEAD))
	if err != nil {
		t.Fatal(err)
	}
	ck, err := sc.Encode(testPayload{Msg: "gcm"}, 60)
	if err != nil {
		t.Fatal(err)
	}
	var got testPayload
	if err := sc.Decode(ck, &got); err != nil {
		t.Fatal(err)
	}
	if got.Msg != "gcm" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestDeriveKey_DependsOnSecret(t *testing.T) {
	a, err := DeriveKey("a", 32)
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := DeriveKey("a", 32)
	b, _ := DeriveKey("b", 32)
	if len(a) != 32 {
		t.Fatalf("expected 32 byte key, got %d", len(a))
	}
	if string(a) != string(a2) {
		t.Fatal("derivation must be deterministic")
	}
	if string(a) == string(b) {
		t.Fatal("different secrets must derive different keys")
	}
}
