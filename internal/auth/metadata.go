package auth

import (
	"net/http"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
)

// metadataWhitelist is the subset of the upstream discovery document
// republished to clients.
var metadataWhitelist = []string{
	"issuer",
	"authorization_endpoint",
	"token_endpoint",
	"userinfo_endpoint",
	"introspection_endpoint",
	"revocation_endpoint",
	"jwks_uri",
	"scopes_supported",
	"response_types_supported",
	"response_modes_supported",
	"grant_types_supported",
	"subject_types_supported",
	"id_token_signing_alg_values_supported",
	"token_endpoint_auth_methods_supported",
	"revocation_endpoint_auth_methods_supported",
	"claims_supported",
	"code_challenge_methods_supported",
	"introspection_endpoint_auth_methods_supported",
	"request_parameter_supported",
	"request_object_signing_alg_values_supported",
}

// metadataRewrites points every proxied endpoint at this proxy.
func metadataRewrites(base string, routes config.AppRoutes) map[string]string {
	return map[string]string{
		issuer.KeyAuthorizationEndpoint: base + routes.Authorize,
		issuer.KeyTokenEndpoint:         base + routes.Token,
		issuer.KeyUserinfoEndpoint:      base + routes.Userinfo,
		issuer.KeyRevocationEndpoint:    base + routes.Revoke,
		issuer.KeyIntrospectionEndpoint: base + routes.Introspection,
		issuer.KeyJWKSURI:               base + routes.JWKS,
	}
}

// OpenIDConfiguration returns the discovery document published for a
// route category: the issuer's metadata, filtered, with endpoints
// rewritten to base.
func OpenIDConfiguration(iss *issuer.Issuer, base string, routes config.AppRoutes) map[string]any {
	merged := make(map[string]any, len(iss.Metadata)+6)
	for k, v := range iss.Metadata {
		merged[k] = v
	}

	for k, v := range metadataRewrites(base, routes) {
		merged[k] = v
	}

	out := make(map[string]any, len(metadataWhitelist))

	for _, key := range metadataWhitelist {
		if v, ok := merged[key]; ok {
			out[key] = v
		}
	}

	return out
}

// HandleOpenIDConfiguration returns the
// {category}/.well-known/openid-configuration handler.
func HandleOpenIDConfiguration(iss *issuer.Issuer, base string, routes config.AppRoutes) http.HandlerFunc {
	meta := OpenIDConfiguration(iss, base, routes)

	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		apperrors.WriteJSON(w, http.StatusOK, meta)
	}
}

// HandleManage redirects to the category's account management page.
func HandleManage(endpoint string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, endpoint, http.StatusFound)
	}
}
