package token

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	imocks "github.com/alexjbarnes/smart-oauth-proxy/internal/issuer/mocks"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	smocks "github.com/alexjbarnes/smart-oauth-proxy/internal/store/mocks"
	vmocks "github.com/alexjbarnes/smart-oauth-proxy/internal/validate/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testSecret      = "test-secret-0123456789"
	testRedirectURI = "https://proxy.example.com/oauth2/redirect"
	testAudience    = "api://health"
	testIssuerID    = "https://idp.example.com/oauth2/health"
)

var (
	fixedNow   = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	testTables = store.TableNames{
		Requests:     "oauth_requests",
		Launch:       "launch_context",
		Clients:      "clients",
		StaticTokens: "static_tokens",
	}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store     *smocks.MockStore
	upstream  *imocks.MockUpstream
	validator *vmocks.MockValidator
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	hasher    *hashing.Hasher
	target    Target
	cfg       BuilderConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	reg := prometheus.NewRegistry()

	f := &fixture{
		store:     smocks.NewMockStore(ctrl),
		upstream:  imocks.NewMockUpstream(ctrl),
		validator: vmocks.NewMockValidator(ctrl),
		registry:  reg,
		metrics:   metrics.New(reg),
		hasher:    hashing.New(testSecret),
	}

	f.target = Target{
		Category: &config.Category{APICategory: "/health/v1", Audience: testAudience},
		Primary:  &issuer.Issuer{ID: testIssuerID, Upstream: f.upstream},
	}

	f.cfg = BuilderConfig{
		Store:       f.store,
		Tables:      testTables,
		Hasher:      f.hasher,
		Metrics:     f.metrics,
		Validator:   f.validator,
		RedirectURI: testRedirectURI,
		TTLDays:     42,
		Logger:      testLogger(),
	}

	return f
}

func (f *fixture) builder() *Builder {
	b := NewBuilder(f.cfg)
	b.now = func() time.Time { return fixedNow }
	return b
}

func docItem(t *testing.T, doc models.Document) store.Item {
	t.Helper()
	item, err := store.Marshal(doc)
	require.NoError(t, err)
	return item
}
