package token

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// AuthorizationCode redeems a code at the upstream issuer using this
// proxy's callback as the redirect URI.
type AuthorizationCode struct {
	upstream    issuer.Upstream
	creds       issuer.Credentials
	code        string
	redirectURI string
	params      url.Values
	logger      *slog.Logger
}

func (s *AuthorizationCode) Token(ctx context.Context) (*issuer.TokenSet, error) {
	tokens, err := s.upstream.ExchangeCode(ctx, s.creds, s.code, s.redirectURI, s.params)
	if err != nil {
		if _, ok := apperrors.AsOAuth(err); ok {
			s.logger.Error("failed to retrieve tokens from the upstream issuer", logging.MinimalError(err))
		}

		return nil, err
	}

	return tokens, nil
}

// RefreshToken redeems a refresh token, timing the upstream call.
type RefreshToken struct {
	upstream     issuer.Upstream
	creds        issuer.Credentials
	refreshToken string
	gauge        prometheus.Gauge
	logger       *slog.Logger
}

func (s *RefreshToken) Token(ctx context.Context) (*issuer.TokenSet, error) {
	defer metrics.StopTimer(s.gauge, time.Now())

	tokens, err := s.upstream.Refresh(ctx, s.creds, s.refreshToken)
	if err != nil {
		if _, ok := apperrors.AsOAuth(err); ok {
			s.logger.Error("could not refresh the client session with the provided refresh token", logging.MinimalError(err))
		}

		return nil, err
	}

	return tokens, nil
}

// ClientCredentials forwards a jwt-bearer client assertion grant.
type ClientCredentials struct {
	upstream issuer.Upstream
	params   url.Values
	logger   *slog.Logger
}

func (s *ClientCredentials) Token(ctx context.Context) (*issuer.TokenSet, error) {
	tokens, err := s.upstream.ClientCredentials(ctx, s.params)
	if err != nil {
		if _, ok := apperrors.AsOAuth(err); ok {
			s.logger.Error("failed to retrieve client credentials tokens", logging.MinimalError(err))
		}

		return nil, err
	}

	return tokens, nil
}

// UnsupportedGrant rejects every request.
type UnsupportedGrant struct{}

func (UnsupportedGrant) Token(context.Context) (*issuer.TokenSet, error) {
	return nil, apperrors.New(http.StatusBadRequest, apperrors.CodeUnsupportedGrantType,
		"Only authorization_code, refresh_token, and client_credentials grant types are supported")
}
