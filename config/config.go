// Package config loads the service configuration from the environment, an
// optional config file and command-line flags.
//
// Every key can be set through OAUTHSESSION_<KEY> or the bare upper-case
// name, e.g. OAUTHSESSION_CLIENT_ID or CLIENT_ID. The prefixed form wins.
package config

import (
	"net/url"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/mnehpets/oauthsession/kv"
	"github.com/mnehpets/oauthsession/provider"
)

// EnvPrefix prefixes the environment variable for every key.
const EnvPrefix = "OAUTHSESSION"

// Keys.
const (
	KeyClientID                = "client_id"
	KeyClientSecret            = "client_secret"
	KeyRedirectURI             = "redirect_uri"
	KeyProviderBaseURI         = "provider_base_uri"
	KeySessionSecret           = "session_encryption_secret"
	KeyCookieSecret            = "cookie_secret"
	KeyRedisAddr               = "redis_addr"
	KeyRedisPassword           = "redis_password"
	KeyRedisDB                 = "redis_db"
	KeyRedisKeyPrefix          = "redis_key_prefix"
	KeyListenAddr              = "listen_addr"
	KeyBasePath                = "base_path"
	KeyScopes                  = "scopes"
	KeySuccessURL              = "success_url"
	KeyLogoutURL               = "logout_url"
	KeyInsecureSkipIDSignature = "insecure_skip_id_token_signature"
	KeyOIDCDiscovery           = "oidc_discovery"
	KeyLogLevel                = "log_level"
)

var allKeys = []string{
	KeyClientID, KeyClientSecret, KeyRedirectURI, KeyProviderBaseURI,
	KeySessionSecret, KeyCookieSecret,
	KeyRedisAddr, KeyRedisPassword, KeyRedisDB, KeyRedisKeyPrefix,
	KeyListenAddr, KeyBasePath, KeyScopes, KeySuccessURL, KeyLogoutURL,
	KeyInsecureSkipIDSignature, KeyOIDCDiscovery, KeyLogLevel,
}

// ErrMissingConfig is returned by Validate when a required key is unset.
var ErrMissingConfig = errors.New("missing required configuration")

// Config is the full set of recognised settings.
type Config struct {
	ClientID        string
	ClientSecret    string
	RedirectURI     string
	ProviderBaseURI string

	// SessionSecrets encrypt stored values. The first one encrypts; all of
	// them are tried on read. Empty disables encryption, which the session
	// store refuses.
	SessionSecrets []string
	// CookieSecrets seal the session cookie. Defaults to SessionSecrets.
	CookieSecrets []string

	// RedisAddr selects the Redis backend. Empty uses process memory.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	ListenAddr string
	BasePath   string
	Scopes     []string
	SuccessURL string
	LogoutURL  string

	InsecureSkipIDTokenSignature bool
	OIDCDiscovery                bool
	LogLevel                     string
}

// New returns a viper instance with defaults and environment bindings for
// every key.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyBasePath, "/auth")
	v.SetDefault(KeySuccessURL, "/")
	v.SetDefault(KeyLogoutURL, "/")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyLogLevel, "info")
	for _, k := range allKeys {
		upper := strings.ToUpper(k)
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(k, EnvPrefix+"_"+upper, upper)
	}
	return v
}

// ReadFile merges the config file at path into v. The format is taken from
// the file extension.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

// Load builds a Config from v. It does not validate.
func Load(v *viper.Viper) *Config {
	c := &Config{
		ClientID:                     v.GetString(KeyClientID),
		ClientSecret:                 v.GetString(KeyClientSecret),
		RedirectURI:                  v.GetString(KeyRedirectURI),
		ProviderBaseURI:              v.GetString(KeyProviderBaseURI),
		SessionSecrets:               splitList(v.GetString(KeySessionSecret)),
		CookieSecrets:                splitList(v.GetString(KeyCookieSecret)),
		RedisAddr:                    v.GetString(KeyRedisAddr),
		RedisPassword:                v.GetString(KeyRedisPassword),
		RedisDB:                      v.GetInt(KeyRedisDB),
		RedisKeyPrefix:               v.GetString(KeyRedisKeyPrefix),
		ListenAddr:                   v.GetString(KeyListenAddr),
		BasePath:                     v.GetString(KeyBasePath),
		Scopes:                       strings.Fields(strings.ReplaceAll(v.GetString(KeyScopes), ",", " ")),
		SuccessURL:                   v.GetString(KeySuccessURL),
		LogoutURL:                    v.GetString(KeyLogoutURL),
		InsecureSkipIDTokenSignature: v.GetBool(KeyInsecureSkipIDSignature),
		OIDCDiscovery:                v.GetBool(KeyOIDCDiscovery),
		LogLevel:                     v.GetString(KeyLogLevel),
	}
	if len(c.CookieSecrets) == 0 {
		c.CookieSecrets = c.SessionSecrets
	}
	return c
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the required keys and URL syntax.
func (c *Config) Validate() error {
	var missing []string
	for k, val := range map[string]string{
		KeyClientID:        c.ClientID,
		KeyClientSecret:    c.ClientSecret,
		KeyRedirectURI:     c.RedirectURI,
		KeyProviderBaseURI: c.ProviderBaseURI,
	} {
		if val == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return errors.Wrap(ErrMissingConfig, strings.Join(missing, ", "))
	}
	for k, val := range map[string]string{KeyRedirectURI: c.RedirectURI, KeyProviderBaseURI: c.ProviderBaseURI} {
		u, err := url.Parse(val)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", k)
		}
		if !u.IsAbs() || u.Host == "" {
			return errors.Errorf("invalid %s: %q is not an absolute URL", k, val)
		}
	}
	if c.RedisDB < 0 {
		return errors.Errorf("invalid %s: %d", KeyRedisDB, c.RedisDB)
	}
	return nil
}

// ProviderSettings returns the identity provider settings.
func (c *Config) ProviderSettings() provider.Settings {
	return provider.Settings{
		ClientID:                   c.ClientID,
		ClientSecret:               c.ClientSecret,
		RedirectURL:                c.RedirectURI,
		BaseURL:                    c.ProviderBaseURI,
		Scopes:                     c.Scopes,
		Discovery:                  c.OIDCDiscovery,
		InsecureSkipSignatureCheck: c.InsecureSkipIDTokenSignature,
	}
}

// RedisOptions returns the Redis backend options.
func (c *Config) RedisOptions() kv.RedisOptions {
	return kv.RedisOptions{
		Addr:      c.RedisAddr,
		Password:  c.RedisPassword,
		DB:        c.RedisDB,
		KeyPrefix: c.RedisKeyPrefix,
	}
}
