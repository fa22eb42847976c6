package token

import (
	"context"
	"log/slog"
	"net/http"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/launch"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/validate"
)

const msgNoPatient = "Invalid grant, could not find a valid patient identifier for the provided authorization code."

// ValidateEndpoint asks the validation service which patient the new
// access token is bound to.
type ValidateEndpoint struct {
	validator validate.Validator
	audience  string
	logger    *slog.Logger
}

func (s *ValidateEndpoint) PatientInfo(ctx context.Context, _ *models.Document, tokens *issuer.TokenSet) (string, error) {
	if s.validator == nil {
		s.logger.Error("no token validation service configured")
		return "", apperrors.New(http.StatusServiceUnavailable, apperrors.CodeInvalidGrant, msgNoPatient)
	}

	patient, err := s.validator.Validate(ctx, tokens.AccessToken, s.audience)
	if err != nil {
		switch {
		case apperrors.Is(err, apperrors.ErrInvalidToken):
			s.logger.Error(msgNoPatient)
			return "", apperrors.New(http.StatusServiceUnavailable, apperrors.CodeInvalidGrant, msgNoPatient)
		case apperrors.Is(err, apperrors.ErrUnreachable):
			s.logger.Error("token validation service unreachable", logging.MinimalError(err))
			return "", apperrors.New(http.StatusServiceUnavailable, apperrors.CodeInvalidGrant, msgNoPatient)
		}

		return "", err
	}

	return patient, nil
}

// FromLaunch reads the patient out of the request's launch context. A
// legacy bare launch is the patient itself.
type FromLaunch struct{}

func (FromLaunch) PatientInfo(_ context.Context, doc *models.Document, _ *issuer.TokenSet) (string, error) {
	if doc == nil {
		return "", nil
	}

	if p, ok := launch.Context(doc.DecodedLaunch).Patient(); ok {
		return p, nil
	}

	if c, err := launch.DecodePatient(doc.Launch); err == nil {
		p, _ := c.Patient()
		return p, nil
	}

	return doc.Launch, nil
}
