package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/auth"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/proxy"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/server"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "e2e_client"
	testSecret   = "e2e-test-secret-value"
	clientRedir  = "http://127.0.0.1:19876/callback"
	proxyHost    = "https://proxy.example.com"
	basePath     = "/oauth2"
	category     = "/health/v1"
)

// idp is a fake upstream OpenID Connect provider. It issues one code
// and rotates tokens on every refresh.
type idp struct {
	srv *httptest.Server

	mu       sync.Mutex
	issued   int
	lastForm url.Values
}

func newIDP(t *testing.T) *idp {
	t.Helper()

	p := &idp{}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"issuer":                 p.srv.URL,
			"authorization_endpoint": p.srv.URL + "/v1/authorize",
			"token_endpoint":         p.srv.URL + "/v1/token",
			"userinfo_endpoint":      p.srv.URL + "/v1/userinfo",
			"jwks_uri":               p.srv.URL + "/v1/keys",
			"scopes_supported":       []string{"openid", "offline_access", "launch/patient"},
		})
	})

	mux.HandleFunc("/v1/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()

		id, secret, _ := r.BasicAuth()
		if id != testClientID || secret != testSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client", "error_description": "bad credentials"})
			return
		}

		p.mu.Lock()
		p.issued++
		n := p.issued
		p.lastForm = r.PostForm
		p.mu.Unlock()

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "upstream-code" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown code"})
				return
			}
		case "refresh_token":
			if !strings.HasPrefix(r.PostForm.Get("refresh_token"), "rt-") {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown refresh token"})
				return
			}
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-" + string(rune('0'+n)),
			"refresh_token": "rt-" + string(rune('0'+n)),
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "openid offline_access",
		})
	})

	mux.HandleFunc("/v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"sub": "user-1"})
	})

	mux.HandleFunc("/v1/keys", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"keys": []any{}})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func (p *idp) form() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastForm
}

// harness is the full proxy stack in front of a fake provider.
type harness struct {
	URL    string
	IDP    *idp
	Store  store.Store
	Client *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	p := newIDP(t)
	logger := slog.New(slog.DiscardHandler)

	routes, err := config.ParseRoutes([]byte(`
app_routes:
  authorize: /authorization
  token: /token
  userinfo: /userinfo
  jwks: /keys
  redirect: /redirect
  issued: /issued
categories:
  - api_category: ` + category + `
    upstream_issuer: ` + p.srv.URL + `
    audience: api://health
    client_store: local
`))
	require.NoError(t, err)

	cfg := &config.Config{
		Host:                proxyHost,
		WellKnownBasePath:   basePath,
		RefreshTokenTTLDays: 42,
		EnableIssuedService: true,
		Routes:              routes,
	}

	tables := store.TableNames{Requests: "oauth_requests", Launch: "launch_context", Clients: "clients", StaticTokens: "static_tokens"}
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "e2e.db"), store.NewSchema(tables))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	item, err := store.Marshal(models.Client{ClientID: testClientID, RedirectURIs: []string{clientRedir}})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), tables.Clients, item))

	primary, err := issuer.Discover(context.Background(), p.srv.Client(), issuer.Source{URL: p.srv.URL}, logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := hashing.New("e2e-secret-0123456789")
	resolver := fallback.NewResolver(s, tables.Clients, logger)

	handler := server.NewRouter(server.RouterConfig{
		Config:  cfg,
		Targets: []token.Target{{Category: routes.Categories[0], Primary: primary}},
		Builder: token.NewBuilder(token.BuilderConfig{
			Store:       s,
			Tables:      tables,
			Hasher:      h,
			Metrics:     m,
			Resolver:    resolver,
			RedirectURI: cfg.RedirectURI(),
			TTLDays:     cfg.RefreshTokenTTLDays,
			Logger:      logger,
		}),
		Auth: &auth.Config{
			Store:         s,
			RequestsTable: tables.Requests,
			Hasher:        h,
			Metrics:       m,
			Resolver:      resolver,
			LocalRegistry: fallback.NewLocalRegistry(s, tables.Clients),
			RedirectURI:   cfg.RedirectURI(),
			ProxyBase:     cfg.ProxyBase,
			Logger:        logger,
		},
		Forwarder: proxy.New(p.srv.Client(), resolver, s, tables.Requests, h, logger),
		Store:     s,
		Tables:    tables,
		Hasher:    h,
		Gatherer:  reg,
		Logger:    logger,
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &harness{
		URL:   srv.URL,
		IDP:   p,
		Store: s,
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *harness) path(suffix string) string {
	return h.URL + basePath + category + suffix
}

func (h *harness) doGet(t *testing.T, fullURL, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fullURL, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) postToken(t *testing.T, form url.Values) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.path("/token"), strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, testSecret)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body), string(data))
	return resp.StatusCode, body
}

// authorize starts a login and returns the state the proxy sent upstream.
func (h *harness) authorize(t *testing.T, clientState string) string {
	t.Helper()

	q := url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {clientRedir},
		"response_type": {"code"},
		"scope":         {"openid offline_access"},
		"state":         {clientState},
	}
	resp := h.doGet(t, h.path("/authorization")+"?"+q.Encode(), "")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, h.IDP.srv.URL+"/v1/authorize", loc.Scheme+"://"+loc.Host+loc.Path)
	require.Equal(t, proxyHost+basePath+"/redirect", loc.Query().Get("redirect_uri"))

	return loc.Query().Get("state")
}

// callback plays the provider's redirect back to the proxy and returns
// the client-facing redirect.
func (h *harness) callback(t *testing.T, internalState string) *url.URL {
	t.Helper()

	q := url.Values{"code": {"upstream-code"}, "state": {internalState}}
	resp := h.doGet(t, h.URL+basePath+"/redirect?"+q.Encode(), "")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

// login runs the full code flow and returns the token response.
func (h *harness) login(t *testing.T) map[string]any {
	t.Helper()

	loc := h.callback(t, h.authorize(t, "client-state"))

	status, body := h.postToken(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {loc.Query().Get("code")},
		"redirect_uri": {clientRedir},
	})
	require.Equal(t, http.StatusOK, status, body)
	return body
}
