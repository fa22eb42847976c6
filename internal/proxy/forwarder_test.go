package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream is a fake issuer endpoint that records what it receives.
type upstream struct {
	srv      *httptest.Server
	status   atomic.Int32
	body     string
	calls    atomic.Int32
	lastBody atomic.Value
	lastAuth atomic.Value
	lastQry  atomic.Value
}

func newUpstream(t *testing.T, status int, body string) *upstream {
	t.Helper()
	u := &upstream{body: body}
	u.status.Store(int32(status))
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		data, _ := io.ReadAll(r.Body)
		u.lastBody.Store(string(data))
		u.lastAuth.Store(r.Header.Get("Authorization"))
		u.lastQry.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Internal", "secret")
		w.WriteHeader(int(u.status.Load()))
		_, _ = io.WriteString(w, u.body)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) issuer(id string) *issuer.Issuer {
	return &issuer.Issuer{ID: id, Metadata: issuer.Metadata{
		issuer.KeyJWKSURI:               u.srv.URL + "/keys",
		issuer.KeyUserinfoEndpoint:      u.srv.URL + "/userinfo",
		issuer.KeyIntrospectionEndpoint: u.srv.URL + "/introspect",
		issuer.KeyRevocationEndpoint:    u.srv.URL + "/revoke",
	}}
}

type proxyFixture struct {
	store     store.Store
	hasher    *hashing.Hasher
	forwarder *Forwarder
	primary   *upstream
	fallback  *upstream
	target    token.Target
}

func newProxyFixture(t *testing.T, primaryStatus int, withFallback bool) *proxyFixture {
	t.Helper()
	tables := store.TableNames{Requests: "oauth_requests", Launch: "launch_context", Clients: "clients", StaticTokens: "static_tokens"}
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "test.db"), store.NewSchema(tables))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := hashing.New("test-secret-0123456789")
	f := &proxyFixture{
		store:   s,
		hasher:  h,
		primary: newUpstream(t, primaryStatus, `{"from":"primary"}`),
		target: token.Target{
			Category: &config.Category{APICategory: "/health/v1"},
		},
	}
	f.target.Primary = f.primary.issuer("primary")

	if withFallback {
		f.fallback = newUpstream(t, http.StatusOK, `{"from":"fallback"}`)
		f.target.Category.Fallback = &config.Fallback{UpstreamIssuer: "https://legacy", UpstreamIssuerID: "legacy"}
		f.target.Fallback = f.fallback.issuer("legacy")
	}

	f.forwarder = New(http.DefaultClient, fallback.NewResolver(s, "clients", testLogger()), s, "oauth_requests", h, testLogger())
	return f
}

func (f *proxyFixture) do(key string, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.forwarder.Handle(key, f.target)(rec, req)
	return rec
}

func TestForward_GetPassesThrough(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, false)

	req := httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/userinfo?schema=openid", nil)
	req.Header.Set("Authorization", "Bearer at")
	rec := f.do(issuer.KeyUserinfoEndpoint, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"from":"primary"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("X-Internal"))
	assert.Equal(t, "Bearer at", f.primary.lastAuth.Load())
	assert.Equal(t, "schema=openid", f.primary.lastQry.Load())
}

func TestForward_PostBody(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, false)

	req := httptest.NewRequest(http.MethodPost, "/oauth2/health/v1/introspect", strings.NewReader("token=abc&token_type_hint=access_token"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client1", "secret")
	rec := f.do(issuer.KeyIntrospectionEndpoint, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token=abc&token_type_hint=access_token", f.primary.lastBody.Load())
	assert.True(t, strings.HasPrefix(f.primary.lastAuth.Load().(string), "Basic "))
}

func TestForward_ErrorWithoutFallbackIsVerbatim(t *testing.T) {
	f := newProxyFixture(t, http.StatusUnauthorized, false)

	rec := f.do(issuer.KeyUserinfoEndpoint, httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/userinfo", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"from":"primary"}`, rec.Body.String())
}

func TestForward_RetriesFallbackOnError(t *testing.T) {
	f := newProxyFixture(t, http.StatusUnauthorized, true)

	rec := f.do(issuer.KeyUserinfoEndpoint, httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/userinfo", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"from":"fallback"}`, rec.Body.String())
	assert.Equal(t, int32(1), f.primary.calls.Load())
	assert.Equal(t, int32(1), f.fallback.calls.Load())
}

func TestForward_FallbackFailureIsVerbatim(t *testing.T) {
	f := newProxyFixture(t, http.StatusInternalServerError, true)
	f.fallback.status.Store(http.StatusBadRequest)

	rec := f.do(issuer.KeyJWKSURI, httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/keys", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"from":"fallback"}`, rec.Body.String())
}

func TestForward_SuccessDoesNotRetry(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, true)
	putClient(t, f.store, "client1")

	req := httptest.NewRequest(http.MethodPost, "/oauth2/health/v1/revoke", strings.NewReader("token=abc&client_id=client1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(issuer.KeyRevocationEndpoint, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(0), f.fallback.calls.Load())
}

func putClient(t *testing.T, s store.Store, id string) {
	t.Helper()
	item, err := store.Marshal(models.Client{ClientID: id, RedirectURIs: []string{"https://app/cb"}})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "clients", item))
}

func TestForward_UnknownClientGoesToFallback(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, true)

	req := httptest.NewRequest(http.MethodPost, "/oauth2/health/v1/revoke", strings.NewReader("token=abc&client_id=legacyapp"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(issuer.KeyRevocationEndpoint, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"from":"fallback"}`, rec.Body.String())
	assert.Equal(t, int32(0), f.primary.calls.Load())
}

func TestForward_BearerIssuedByFallback(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, true)

	item, err := store.Marshal(models.Document{
		InternalState: "is1",
		AccessToken:   f.hasher.Hash("legacy-at"),
		Issuer:        "legacy",
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), "oauth_requests", item))

	req := httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/userinfo", nil)
	req.Header.Set("Authorization", "Bearer legacy-at")
	rec := f.do(issuer.KeyUserinfoEndpoint, req)

	assert.JSONEq(t, `{"from":"fallback"}`, rec.Body.String())
	assert.Equal(t, int32(0), f.primary.calls.Load())

	req = httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/userinfo", nil)
	req.Header.Set("Authorization", "Bearer unknown-at")
	rec = f.do(issuer.KeyUserinfoEndpoint, req)

	assert.JSONEq(t, `{"from":"primary"}`, rec.Body.String())
}

func TestForward_TransportFailure(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, false)
	f.primary.srv.Close()

	rec := f.do(issuer.KeyJWKSURI, httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/keys", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"error":"server_error"}`, rec.Body.String())
}

func TestForward_TransportFailureRetriesFallback(t *testing.T) {
	f := newProxyFixture(t, http.StatusOK, true)
	f.primary.srv.Close()

	rec := f.do(issuer.KeyJWKSURI, httptest.NewRequest(http.MethodGet, "/oauth2/health/v1/keys", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"from":"fallback"}`, rec.Body.String())
}
