package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoutesYAML = `
app_routes:
  authorize: /authorization
  token: /token
  userinfo: /userinfo
  introspection: /introspect
  revoke: /revoke
  jwks: /keys
  manage: /manage
  redirect: /redirect
  issued: /issued
  smart_launch: /smart/launch
idp_slugs:
  id_me: 0oa1idme
categories:
  - api_category: /health/v1
    upstream_issuer: https://idp.example.com/oauth2/health
    audience: api://health
    idp: 0oadefault
    client_store: local
    manage_endpoint: https://manage.example.com
    fallback:
      upstream_issuer: https://idp.example.com/oauth2/legacy
      upstream_issuer_id: legacy
  - api_category: /community-care/v1
    upstream_issuer: https://idp.example.com/oauth2/cc
    upstream_issuer_id: cc
`

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LISTEN_ADDR",
		"HOST",
		"WELL_KNOWN_BASE_PATH",
		"ROUTES_FILE",
		"HMAC_SECRET",
		"IDP",
		"REFRESH_TOKEN_TTL_DAYS",
		"UPSTREAM_TIMEOUT",
		"STORE_BACKEND",
		"BOLT_PATH",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_KEY_PREFIX",
		"GC_INTERVAL",
		"ENABLE_STATIC_TOKEN_SERVICE",
		"ENABLE_PKCE_AUTHORIZATION_FLOW",
		"ENABLE_ISSUED_SERVICE",
		"ENABLE_SMART_LAUNCH_SERVICE",
		"VALIDATE_POST_ENDPOINT",
		"VALIDATE_API_KEY",
		"IDP_REGISTRY_URL",
		"IDP_REGISTRY_TOKEN",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// writeRoutes writes a routes file into a temp dir and returns its path.
func writeRoutes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOST", "https://api.example.com/")
	t.Setenv("HMAC_SECRET", "0123456789abcdef")
	t.Setenv("ROUTES_FILE", writeRoutes(t, testRoutesYAML))
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Host)
	assert.Equal(t, "/oauth2", cfg.WellKnownBasePath)
	assert.Equal(t, ":7100", cfg.ListenAddr)
	assert.Equal(t, 42, cfg.RefreshTokenTTLDays)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, "bolt", cfg.StoreBackend)
	assert.Equal(t, "oauth_requests", cfg.OAuthRequestsTable)
	assert.Equal(t, "launch_context", cfg.LaunchContextTable)
	assert.Equal(t, "clients", cfg.ClientsTable)
	assert.Equal(t, "static_tokens", cfg.StaticTokensTable)
	assert.False(t, cfg.EnableStaticTokenService)
	assert.False(t, cfg.EnablePKCEAuthorizationFlow)
	require.NotNil(t, cfg.Routes)
	assert.Len(t, cfg.Routes.Categories, 2)
}

func TestLoad_MissingHost(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	os.Unsetenv("HOST")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOST")
}

func TestLoad_ShortHMACSecret(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("HMAC_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HMAC_SECRET")
}

func TestLoad_RedisRequiresAddr(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("STORE_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestLoad_RedisBackend(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "oauth-proxy:", cfg.RedisKeyPrefix)
}

func TestLoad_UnknownBackend(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("STORE_BACKEND", "dynamo")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_BACKEND")
}

func TestLoad_ValidateEndpointRequiresKey(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("VALIDATE_POST_ENDPOINT", "https://validate.example.com/v1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VALIDATE_API_KEY")
}

func TestLoad_NonPositiveTTL(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("REFRESH_TOKEN_TTL_DAYS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFRESH_TOKEN_TTL_DAYS")
}

func TestLoad_MissingRoutesFile(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ROUTES_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading routes file")
}

func TestLoad_FeatureFlags(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ENABLE_STATIC_TOKEN_SERVICE", "true")
	t.Setenv("ENABLE_PKCE_AUTHORIZATION_FLOW", "true")
	t.Setenv("ENABLE_ISSUED_SERVICE", "true")
	t.Setenv("ENABLE_SMART_LAUNCH_SERVICE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.EnableStaticTokenService)
	assert.True(t, cfg.EnablePKCEAuthorizationFlow)
	assert.True(t, cfg.EnableIssuedService)
	assert.True(t, cfg.EnableSmartLaunchService)
}

func TestRedirectURI(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/oauth2/redirect", cfg.RedirectURI())
	assert.Equal(t, "https://api.example.com/oauth2/health/v1", cfg.ProxyBase("/health/v1"))
}

func TestIsProduction_True(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())
}

func TestIsProduction_False(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

func TestLoadHMACSecret(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HMAC_SECRET", "0123456789abcdef")

	secret, err := LoadHMACSecret()
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef", secret)

	t.Setenv("HMAC_SECRET", "short")
	_, err = LoadHMACSecret()
	require.Error(t, err)
}

// --- Routes ---

func TestParseRoutes(t *testing.T) {
	r, err := ParseRoutes([]byte(testRoutesYAML))
	require.NoError(t, err)

	assert.Equal(t, "/authorization", r.AppRoutes.Authorize)
	assert.Equal(t, "/smart/launch", r.AppRoutes.SmartLaunch)
	assert.Equal(t, "0oa1idme", r.IDPSlugs["id_me"])

	health := r.Categories[0]
	assert.Equal(t, ClientStoreLocal, health.ClientStore)
	assert.Equal(t, "https://idp.example.com/oauth2/health", health.IssuerID())
	require.NotNil(t, health.Fallback)
	assert.Equal(t, "legacy", health.Fallback.IssuerID())

	cc := r.Categories[1]
	assert.Equal(t, "cc", cc.IssuerID())
	assert.Nil(t, cc.Fallback)
}

func TestParseRoutes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing app routes",
			yaml: "categories:\n  - api_category: /a\n    upstream_issuer: https://x\n",
			want: "app_routes",
		},
		{
			name: "no categories",
			yaml: "app_routes: {authorize: /a, token: /t, redirect: /r}\n",
			want: "at least one category",
		},
		{
			name: "relative category",
			yaml: "app_routes: {authorize: /a, token: /t, redirect: /r}\ncategories:\n  - api_category: a\n    upstream_issuer: https://x\n",
			want: "must start with '/'",
		},
		{
			name: "missing issuer",
			yaml: "app_routes: {authorize: /a, token: /t, redirect: /r}\ncategories:\n  - api_category: /a\n",
			want: "upstream_issuer is required",
		},
		{
			name: "duplicate category",
			yaml: "app_routes: {authorize: /a, token: /t, redirect: /r}\ncategories:\n  - api_category: /a\n    upstream_issuer: https://x\n  - api_category: /a\n    upstream_issuer: https://y\n",
			want: "duplicate",
		},
		{
			name: "fallback without issuer",
			yaml: "app_routes: {authorize: /a, token: /t, redirect: /r}\ncategories:\n  - api_category: /a\n    upstream_issuer: https://x\n    fallback: {client_store: local}\n",
			want: "fallback.upstream_issuer",
		},
		{
			name: "bad yaml",
			yaml: "app_routes: [",
			want: "parsing routes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRoutes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCategoryForPath(t *testing.T) {
	r, err := ParseRoutes([]byte(testRoutesYAML + "  - api_category: /health/v1/sub\n    upstream_issuer: https://x\n"))
	require.NoError(t, err)

	assert.Equal(t, "/health/v1", r.CategoryForPath("/oauth2", "/oauth2/health/v1/token").APICategory)
	assert.Equal(t, "/health/v1/sub", r.CategoryForPath("/oauth2", "/oauth2/health/v1/sub/token").APICategory)
	assert.Equal(t, "/health/v1", r.CategoryForPath("/oauth2", "/oauth2/health/v1").APICategory)
	assert.Nil(t, r.CategoryForPath("/oauth2", "/oauth2/health/v10/token"))
	assert.Nil(t, r.CategoryForPath("/oauth2", "/oauth2/unknown"))
}
