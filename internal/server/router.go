// Package server wires the proxy's handlers onto an HTTP router.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/auth"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/proxy"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig holds dependencies for building the HTTP router.
type RouterConfig struct {
	Config    *config.Config
	Targets   []token.Target
	Builder   *token.Builder
	Auth      *auth.Config
	Forwarder *proxy.Forwarder
	Store     store.Store
	Tables    store.TableNames
	Hasher    *hashing.Hasher
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// NewRouter builds the router: per-category OAuth endpoints under the
// well-known base path, the shared callback, the optional lookup
// services, and the health and metrics endpoints.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	c := cfg.Config
	base := c.WellKnownBasePath
	routes := c.Routes.AppRoutes

	r.Get(base+routes.Redirect, auth.HandleRedirect(cfg.Auth))

	if c.EnableIssuedService && routes.Issued != "" {
		r.Get(base+routes.Issued, token.HandleIssued(cfg.Store, cfg.Tables, cfg.Hasher, cfg.Logger))
	}

	if c.EnableSmartLaunchService && routes.SmartLaunch != "" {
		r.Get(base+routes.SmartLaunch, token.HandleSmartLaunch(cfg.Store, cfg.Tables.Launch, cfg.Hasher, cfg.Logger))
	}

	for _, t := range cfg.Targets {
		mountCategory(r, cfg, t)
	}

	return r
}

func mountCategory(r chi.Router, cfg RouterConfig, t token.Target) {
	c := cfg.Config
	routes := c.Routes.AppRoutes
	prefix := c.WellKnownBasePath + t.Category.APICategory
	publicBase := c.ProxyBase(t.Category.APICategory)

	wellKnown := prefix + "/.well-known/openid-configuration"
	r.With(cors).Get(wellKnown, auth.HandleOpenIDConfiguration(t.Primary, publicBase, routes))
	r.With(cors).Options(prefix+"/.well-known/*", preflight)

	r.Get(prefix+routes.Authorize, auth.HandleAuthorize(cfg.Auth, t))

	r.With(cors).Post(prefix+routes.Token, token.HandleToken(cfg.Builder, t, cfg.Logger))
	r.With(cors).Options(prefix+routes.Token, preflight)

	proxied := []struct {
		path   string
		method string
		key    string
	}{
		{routes.JWKS, http.MethodGet, issuer.KeyJWKSURI},
		{routes.Userinfo, http.MethodGet, issuer.KeyUserinfoEndpoint},
		{routes.Introspection, http.MethodPost, issuer.KeyIntrospectionEndpoint},
		{routes.Revoke, http.MethodPost, issuer.KeyRevocationEndpoint},
	}

	for _, p := range proxied {
		if p.path == "" {
			continue
		}

		r.Method(p.method, prefix+p.path, cfg.Forwarder.Handle(p.key, t))
	}

	if routes.Manage != "" && t.Category.ManageEndpoint != "" {
		r.Get(prefix+routes.Manage, auth.HandleManage(t.Category.ManageEndpoint))
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
