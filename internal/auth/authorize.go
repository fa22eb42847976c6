// Package auth serves the browser-facing half of the authorization code
// flow: it validates the client's authorization request, records a
// correlation document, and sends the user agent on to the upstream
// issuer. The callback half maps the upstream response back onto the
// client's own redirect URI and state.
package auth

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/launch"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
	"github.com/google/uuid"
)

// requestExpiry bounds how long a user has to finish logging in.
const requestExpiry = 10 * time.Minute

const (
	msgInvalidClient      = "The client specified by the application is not valid."
	msgNoRedirectURI      = "There was no redirect URI specified by the application."
	msgRedirectMismatch   = "The redirect URI specified by the application does not match any of the registered redirect URIs. Erroneous redirect URI: "
	msgStateRequired      = "State parameter required"
	msgInvalidLaunch      = "The provided patient launch must be a string or base64 encoded json"
	msgUnknownState       = "Invalid or expired state parameter"
	msgCallbackNotSaved   = "Could not record the authorization code."
	msgCallbackNoRedirect = "The authorization request has no redirect URI."
)

var clientIDPattern = regexp.MustCompile(`^\w+$`)

// Config holds the dependencies shared by the authorize and callback
// handlers.
type Config struct {
	Store         store.Store
	RequestsTable string
	Hasher        *hashing.Hasher
	Metrics       *metrics.Metrics
	Resolver      *fallback.Resolver

	// LocalRegistry serves categories with client_store "local".
	// IDPRegistry serves every other category and may be nil.
	LocalRegistry fallback.Registry
	IDPRegistry   fallback.Registry

	// RedirectURI is this proxy's own callback.
	RedirectURI string
	// ProxyBase returns the public base URL of a route category.
	ProxyBase func(category string) string

	DefaultIDP string
	IDPSlugs   map[string]string
	Logger     *slog.Logger

	now      func() time.Time
	newState func() string
}

func (c *Config) clock() time.Time {
	if c.now != nil {
		return c.now()
	}

	return time.Now()
}

func (c *Config) mintState() string {
	if c.newState != nil {
		return c.newState()
	}

	return uuid.NewString()
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// appendQuery adds params to rawURL, keeping any query it already has.
func appendQuery(rawURL string, params url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}

	return rawURL + sep + params.Encode()
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required, except that a bare
// loopback registration (http://127.0.0.1 or http://localhost) accepts
// any port and path on that host, per RFC 8252 Section 7.3.
func validateRedirectURI(registered []string, redirectURI string) bool {
	if slices.Contains(registered, redirectURI) {
		return true
	}

	for _, prefix := range registered {
		if isLocalhostPrefix(prefix) && isLoopbackRedirect(redirectURI, prefix) {
			return true
		}
	}

	return false
}

func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

// isLoopbackRedirect compares scheme and hostname so that
// 127.0.0.1.evil.com does not match a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

// rewriteIDP maps a friendly identity provider name onto its id.
func rewriteIDP(slugs map[string]string, idp string) string {
	if id, ok := slugs[idp]; ok {
		return id
	}

	return idp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func hasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}

// HandleAuthorize serves GET {category}{authorize}.
func HandleAuthorize(cfg *Config, t token.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Metrics.LoginBegin.Inc()

		q := r.URL.Query()
		clientID := q.Get("client_id")
		redirectURI := q.Get("redirect_uri")
		state := q.Get("state")

		iss := t.Primary
		clientStore := ""
		if t.Category != nil {
			clientStore = t.Category.ClientStore
		}

		if cfg.Resolver != nil && t.Fallback != nil {
			if fb := cfg.Resolver.Resolve(r.Context(), clientID, t.Category); fb != nil {
				iss = t.Fallback
				clientStore = fb.ClientStore
			}
		}

		if !clientIDPattern.MatchString(clientID) {
			apperrors.Write(w, apperrors.UnauthorizedClient(msgInvalidClient))
			return
		}

		if redirectURI == "" {
			apperrors.Write(w, apperrors.InvalidRequest(msgNoRedirectURI))
			return
		}

		registry := cfg.IDPRegistry
		if clientStore == config.ClientStoreLocal {
			registry = cfg.LocalRegistry
		}

		if registry == nil {
			cfg.Logger.Error("no client registry configured", slog.String("client_store", clientStore))
			apperrors.Write(w, apperrors.InvalidRequest(msgRedirectMismatch+redirectURI))

			return
		}

		registered, err := registry.RedirectURIs(r.Context(), clientID)
		if err != nil {
			cfg.Logger.Warn("client lookup failed",
				slog.String("client_id", clientID),
				logging.MinimalError(err),
			)
			apperrors.Write(w, apperrors.UnauthorizedClient(msgInvalidClient))

			return
		}

		if !validateRedirectURI(registered, redirectURI) {
			apperrors.Write(w, apperrors.InvalidRequest(msgRedirectMismatch+redirectURI))
			return
		}

		if state == "" {
			redirectWithError(w, r, redirectURI, "", apperrors.CodeInvalidRequest, msgStateRequired)
			return
		}

		launchValue := q.Get("launch")
		if hasScope(q.Get("scope"), token.ScopeLaunch) && launchValue != "" && !launch.Validate(launchValue) {
			apperrors.Write(w, apperrors.InvalidRequest(msgInvalidLaunch))
			return
		}

		internalState := cfg.mintState()

		doc := models.Document{
			InternalState: internalState,
			State:         state,
			RedirectURI:   redirectURI,
			ClientID:      clientID,
			Launch:        launchValue,
			ExpiresOn:     cfg.clock().Add(requestExpiry).Unix(),
		}

		if t.Category != nil {
			doc.Proxy = cfg.ProxyBase(t.Category.APICategory)
			doc.Audience = t.Category.Audience
		}

		item, err := store.Marshal(doc)
		if err == nil {
			err = cfg.Store.Put(r.Context(), cfg.RequestsTable, item)
		}

		if err != nil {
			cfg.Logger.Error("failed to save the authorization request",
				slog.String("client_id", clientID),
				logging.MinimalError(err),
			)
			apperrors.Write(w, err)

			return
		}

		var categoryIDP string
		if t.Category != nil {
			categoryIDP = t.Category.IDP
		}

		params := url.Values{}
		for k, vs := range q {
			params[k] = append([]string(nil), vs...)
		}

		params.Set("client_id", clientID)
		params.Set("redirect_uri", cfg.RedirectURI)
		params.Set("state", internalState)

		if idp := firstNonEmpty(q.Get("idp"), categoryIDP, cfg.DefaultIDP); idp != "" {
			params.Set("idp", rewriteIDP(cfg.IDPSlugs, idp))
		}

		cfg.Logger.Info("authorization request accepted",
			slog.String("client_id", clientID),
			slog.String("issuer", iss.ID),
			slog.String("ip", remoteIP(r)),
		)

		http.Redirect(w, r, appendQuery(iss.Endpoint(issuer.KeyAuthorizationEndpoint), params), http.StatusFound)
	}
}
