package token

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/launch"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
)

// queryFirst returns the first record in table whose index attribute
// matches value. Store failures are logged and reported as not found.
func queryFirst(ctx context.Context, s store.Store, table, index, attr, value string, logger *slog.Logger) *models.Document {
	items, err := s.Query(ctx, table, index, store.Item{attr: value})
	if err != nil {
		logger.Error("could not retrieve document", slog.String("index", index), logging.MinimalError(err))
		return nil
	}

	if len(items) == 0 {
		return nil
	}

	var doc models.Document
	if err := store.Unmarshal(items[0], &doc); err != nil {
		logger.Error("could not decode document", slog.String("index", index), logging.MinimalError(err))
		return nil
	}

	return &doc
}

// ByCode finds the record holding the hashed authorization code.
type ByCode struct {
	store  store.Store
	table  string
	hasher *hashing.Hasher
	code   string
	logger *slog.Logger
}

func (s *ByCode) Document(ctx context.Context) (*models.Document, error) {
	return queryFirst(ctx, s.store, s.table, store.IndexCode, "code", s.hasher.Hash(s.code), s.logger), nil
}

// ByRefreshToken finds the record holding the hashed refresh token.
type ByRefreshToken struct {
	store        store.Store
	table        string
	hasher       *hashing.Hasher
	refreshToken string
	logger       *slog.Logger
}

func (s *ByRefreshToken) Document(ctx context.Context) (*models.Document, error) {
	return queryFirst(ctx, s.store, s.table, store.IndexRefreshToken, "refresh_token", s.hasher.Hash(s.refreshToken), s.logger), nil
}

// ByAccessToken finds records by a presented access token: static
// entries by their raw value, correlation records by hash.
type ByAccessToken struct {
	store         store.Store
	requestsTable string
	staticTable   string
	hasher        *hashing.Hasher
	accessToken   string
	logger        *slog.Logger
}

func (s *ByAccessToken) Document(ctx context.Context) (*models.Document, error) {
	return queryFirst(ctx, s.store, s.requestsTable, store.IndexAccessToken, "access_token", s.hasher.Hash(s.accessToken), s.logger), nil
}

// Static returns the static token entry for the raw access token, or
// nil when there is none.
func (s *ByAccessToken) Static(ctx context.Context) (*models.StaticToken, error) {
	item, err := s.store.Get(ctx, s.staticTable, store.Item{"access_token": s.accessToken})
	if err != nil {
		s.logger.Error("failed to retrieve static token", logging.MinimalError(err))
		return nil, nil
	}

	if item == nil {
		return nil, nil
	}

	var tok models.StaticToken
	if err := store.Unmarshal(item, &tok); err != nil {
		return nil, err
	}

	return &tok, nil
}

// ByLaunch builds a transient document from the request's launch
// parameter. It never touches the store.
type ByLaunch struct {
	launch string
	scope  string
}

func (s *ByLaunch) Document(context.Context) (*models.Document, error) {
	doc := &models.Document{Launch: s.launch}

	if s.launch != "" && hasScope(s.scope, ScopeLaunch) && !hasScope(s.scope, ScopeLaunchPatient) {
		if decoded, err := launch.Decode(s.launch); err == nil {
			doc.DecodedLaunch = decoded
		}
	}

	return doc, nil
}
