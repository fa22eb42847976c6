// Package issuer talks to the upstream OpenID Connect providers: it
// discovers their metadata and exchanges grants at their token
// endpoints.
package issuer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
)

// Metadata keys used by the proxy.
const (
	KeyIssuer                = "issuer"
	KeyAuthorizationEndpoint = "authorization_endpoint"
	KeyTokenEndpoint         = "token_endpoint"
	KeyUserinfoEndpoint      = "userinfo_endpoint"
	KeyIntrospectionEndpoint = "introspection_endpoint"
	KeyRevocationEndpoint    = "revocation_endpoint"
	KeyJWKSURI               = "jwks_uri"
)

// discoveryAttempts bounds startup discovery retries per issuer.
const discoveryAttempts = 5

// newBackOff is swapped in tests to avoid real sleeps.
var newBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Metadata is an issuer's raw discovery document.
type Metadata map[string]any

// String returns the string value at key, or "" when absent.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Source identifies an upstream issuer and any metadata overrides.
type Source struct {
	URL            string
	ID             string
	CustomMetadata map[string]string
}

// Issuer is a discovered upstream provider.
type Issuer struct {
	// ID is recorded as "iss" on correlation records.
	ID       string
	URL      string
	Metadata Metadata
	Upstream Upstream
}

// Endpoint returns the metadata endpoint stored under key.
func (i *Issuer) Endpoint(key string) string {
	return i.Metadata.String(key)
}

// Discover fetches src's discovery document, retrying with exponential
// backoff, and applies any non-empty custom metadata overrides on top.
func Discover(ctx context.Context, client *http.Client, src Source, logger *slog.Logger) (*Issuer, error) {
	octx := oidc.ClientContext(ctx, client)

	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(octx, src.URL)
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(discoveryAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("issuer discovery failed, retrying",
				slog.String("issuer", src.URL),
				slog.Duration("backoff", d),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", src.URL, err)
	}

	var md Metadata
	if err := provider.Claims(&md); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", src.URL, err)
	}

	for k, v := range src.CustomMetadata {
		if v != "" {
			md[k] = v
		}
	}

	id := src.ID
	if id == "" {
		id = src.URL
	}

	logger.Info("discovered issuer",
		slog.String("issuer", src.URL),
		slog.String("token_endpoint", md.String(KeyTokenEndpoint)),
	)

	return &Issuer{
		ID:       id,
		URL:      src.URL,
		Metadata: md,
		Upstream: NewClient(md.String(KeyTokenEndpoint), client),
	}, nil
}
