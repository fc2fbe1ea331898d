package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("CLIENT_ID", "cid")
	t.Setenv("CLIENT_SECRET", "csecret")
	t.Setenv("REDIRECT_URI", "https://app.example.com/auth/callback")
	t.Setenv("PROVIDER_BASE_URI", "https://idp.example.com")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	c := Load(New())
	require.NoError(t, c.Validate())

	assert.Equal(t, "cid", c.ClientID)
	assert.Equal(t, ":8080", c.ListenAddr)
	assert.Equal(t, "/auth", c.BasePath)
	assert.Equal(t, "/", c.SuccessURL)
	assert.Equal(t, "info", c.LogLevel)
	assert.Empty(t, c.SessionSecrets)
	assert.Empty(t, c.Scopes)
	assert.False(t, c.InsecureSkipIDTokenSignature)
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	setRequired(t)
	t.Setenv("OAUTHSESSION_CLIENT_ID", "prefixed")
	c := Load(New())
	assert.Equal(t, "prefixed", c.ClientID)
}

func TestLoad_SecretRotationList(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_ENCRYPTION_SECRET", "new, old,,")
	c := Load(New())
	assert.Equal(t, []string{"new", "old"}, c.SessionSecrets)
	assert.Equal(t, []string{"new", "old"}, c.CookieSecrets, "cookie secrets default to session secrets")

	t.Setenv("COOKIE_SECRET", "cookie")
	c = Load(New())
	assert.Equal(t, []string{"cookie"}, c.CookieSecrets)
}

func TestLoad_ScopesAndFlags(t *testing.T) {
	setRequired(t)
	t.Setenv("SCOPES", "openid, email offline_access")
	t.Setenv("INSECURE_SKIP_ID_TOKEN_SIGNATURE", "true")
	t.Setenv("REDIS_DB", "3")
	c := Load(New())
	assert.Equal(t, []string{"openid", "email", "offline_access"}, c.Scopes)
	assert.True(t, c.InsecureSkipIDTokenSignature)
	assert.Equal(t, 3, c.RedisDB)

	s := c.ProviderSettings()
	assert.Equal(t, "cid", s.ClientID)
	assert.Equal(t, "https://idp.example.com", s.BaseURL)
	assert.True(t, s.InsecureSkipSignatureCheck)
	assert.Equal(t, 3, c.RedisOptions().DB)
}

func TestValidate_Missing(t *testing.T) {
	c := &Config{ClientID: "cid"}
	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingConfig))
	assert.Contains(t, err.Error(), "client_secret, provider_base_uri, redirect_uri")
}

func TestValidate_RelativeURL(t *testing.T) {
	c := &Config{
		ClientID:        "cid",
		ClientSecret:    "cs",
		RedirectURI:     "/auth/callback",
		ProviderBaseURI: "https://idp.example.com",
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect_uri")
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauthsession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: from-file
client_secret: s
redirect_uri: https://app.example.com/auth/callback
provider_base_uri: https://idp.example.com
listen_addr: 127.0.0.1:9000
`), 0o600))

	v := New()
	require.NoError(t, ReadFile(v, path))
	c := Load(v)
	require.NoError(t, c.Validate())
	assert.Equal(t, "from-file", c.ClientID)
	assert.Equal(t, "127.0.0.1:9000", c.ListenAddr)

	assert.Error(t, ReadFile(New(), filepath.Join(t.TempDir(), "missing.yaml")))
}
