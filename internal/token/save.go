package token

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/launch"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	msgLaunchNotSaved       = "Could not save the launch context."
	msgLaunchMissingPatient = "The provided patient launch must be a base64 encoded json object with a string patient field"
)

// putLaunchRecord stores doc's launch keyed by the hashed access token.
func putLaunchRecord(ctx context.Context, s store.Store, table string, h *hashing.Hasher, now time.Time, launchValue string, tokens *issuer.TokenSet) error {
	item, err := store.Marshal(models.LaunchRecord{
		AccessToken: h.Hash(tokens.AccessToken),
		Launch:      launchValue,
		ExpiresOn:   now.Unix() + tokens.ExpiresIn,
	})
	if err != nil {
		return err
	}

	return s.Put(ctx, table, item)
}

// State rotates the hashed tokens on the correlation record after a
// code or refresh exchange, and records launch context for the new
// access token.
type State struct {
	store         store.Store
	requestsTable string
	launchTable   string
	hasher        *hashing.Hasher
	issuerID      string
	ttlDays       int
	lifeCycle     *prometheus.HistogramVec
	now           func() time.Time
	logger        *slog.Logger
}

func (s *State) Save(ctx context.Context, doc *models.Document, tokens *issuer.TokenSet) error {
	now := s.now()

	if doc.State != "" && tokens.AccessToken != "" {
		patch := store.Item{
			"access_token": s.hasher.Hash(tokens.AccessToken),
			"iss":          s.issuerID,
			"issued_on":    now.Unix(),
		}

		if tokens.RefreshToken != "" {
			patch["refresh_token"] = s.hasher.Hash(tokens.RefreshToken)

			if doc.RefreshToken != "" {
				days := int(now.Sub(time.Unix(doc.IssuedOn, 0)) / (24 * time.Hour))
				s.lifeCycle.WithLabelValues(doc.ClientID).Observe(float64(days))
			}

			patch["expires_on"] = now.AddDate(0, 0, s.ttlDays).Unix()
		} else if doc.RefreshToken == "" {
			patch["expires_on"] = now.Unix() + tokens.ExpiresIn
		}

		err := s.store.Update(ctx, s.requestsTable, store.Item{"internal_state": doc.InternalState}, patch)
		if err != nil {
			s.logger.Error("could not update the refresh token in the store",
				slog.String("internal_state", doc.InternalState),
				logging.MinimalError(err),
			)
		}
	}

	if doc.Launch == "" || tokens.AccessToken == "" {
		return nil
	}

	if !tokens.HasScope(ScopeLaunch) {
		s.logger.Warn("Launch context specified but scope not granted.")
		return nil
	}

	if err := putLaunchRecord(ctx, s.store, s.launchTable, s.hasher, now, doc.Launch, tokens); err != nil {
		s.logger.Error("could not save the launch context", logging.MinimalError(err))
		return apperrors.ServerError(msgLaunchNotSaved)
	}

	return nil
}

// Launch stores only a launch record, for client credentials grants.
type Launch struct {
	store       store.Store
	launchTable string
	hasher      *hashing.Hasher
	now         func() time.Time
	logger      *slog.Logger
}

func (s *Launch) Save(ctx context.Context, doc *models.Document, tokens *issuer.TokenSet) error {
	if doc.Launch == "" || tokens.AccessToken == "" {
		return nil
	}

	if tokens.HasScope(ScopeLaunch) && !tokens.HasScope(ScopeLaunchPatient) {
		if _, err := launch.DecodePatient(doc.Launch); err != nil {
			return apperrors.InvalidRequest(msgLaunchMissingPatient)
		}
	}

	if err := putLaunchRecord(ctx, s.store, s.launchTable, s.hasher, s.now(), doc.Launch, tokens); err != nil {
		s.logger.Error("could not save the launch context", logging.MinimalError(err))
		return apperrors.ServerError(msgLaunchNotSaved)
	}

	return nil
}
