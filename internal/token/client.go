package token

import (
	"context"
	"log/slog"
	"net/http"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/launch"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/statictoken"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	msgInvalidGrant  = "The provided authorization grant or refresh token is expired or otherwise invalid."
	msgInvalidLaunch = "The provided patient launch must be a string or base64 encoded json"
)

// staticCheck short-circuits refresh grants for provisioned tokens.
type staticCheck struct {
	cache        *statictoken.Cache
	hasher       *hashing.Hasher
	refreshToken string
	issued       prometheus.Counter
}

// Client runs one token request through its strategies.
type Client struct {
	token    TokenStrategy
	document DocumentStrategy
	save     SaveStrategy
	patient  PatientInfoStrategy

	issued prometheus.Counter
	miss   prometheus.Counter

	static *staticCheck
	logger *slog.Logger
}

// Handle returns the response body for a successful request. Failures
// that map onto an OAuth error response are *errors.OAuthError; any
// other error is a server fault.
func (c *Client) Handle(ctx context.Context) (map[string]any, error) {
	if c.static != nil {
		if body, ok := c.lookupStatic(ctx); ok {
			return body, nil
		}
	}

	doc, err := c.document.Document(ctx)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		c.logger.Warn("previous document not found for provided grant")

		if c.miss != nil {
			c.miss.Inc()
		}

		return nil, apperrors.InvalidGrant(msgInvalidGrant)
	}

	if doc.Launch != "" && !launch.Validate(doc.Launch) {
		return nil, apperrors.InvalidRequest(msgInvalidLaunch)
	}

	tokens, err := c.token.Token(ctx)
	if err != nil {
		return nil, err
	}

	if c.issued != nil {
		c.issued.Inc()
	}

	if err := c.save.Save(ctx, doc, tokens); err != nil {
		return nil, err
	}

	body := tokens.Body()
	if doc.State != "" {
		body["state"] = doc.State
	} else {
		body["state"] = nil
	}

	switch {
	case tokens.HasScope(ScopeLaunchPatient):
		patient, err := c.patient.PatientInfo(ctx, doc, tokens)
		if err != nil {
			return nil, err
		}

		body["patient"] = patient
	case tokens.HasScope(ScopeLaunch) && doc.Launch != "":
		decoded, err := launch.Decode(doc.Launch)
		if err != nil {
			body["patient"] = doc.Launch
			break
		}

		for k, v := range decoded {
			if _, exists := body[k]; !exists {
				body[k] = v
			}
		}
	}

	return body, nil
}

func (c *Client) lookupStatic(ctx context.Context) (map[string]any, bool) {
	s := c.static

	tok, ok := s.cache.Lookup(ctx, s.hasher.Hash(s.refreshToken))
	if !ok {
		return nil, false
	}

	body := map[string]any{
		"access_token":  tok.AccessToken,
		"refresh_token": s.refreshToken,
		"token_type":    "Bearer",
		"scope":         tok.Scopes,
		"expires_in":    tok.ExpiresIn,
	}

	if tok.IDToken != "" {
		body["id_token"] = tok.IDToken
	}

	if tok.ICN != "" {
		body["patient"] = tok.ICN
	}

	s.issued.Inc()

	return body, true
}

// writeError renders err, logging server faults.
func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	if _, ok := apperrors.AsOAuth(err); !ok {
		logger.Error("token request failed", logging.MinimalError(err))
	}

	apperrors.Write(w, err)
}
