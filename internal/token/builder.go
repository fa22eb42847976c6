package token

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/statictoken"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/validate"
)

// AssertionTypeJWTBearer is the only accepted client_assertion_type.
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const (
	msgGrantRequired    = "A grant type is required. Supported grant types are authorization_code, refresh_token, and client_credentials."
	msgAssertionType    = "Client assertion type must be jwt-bearer."
	msgClientAuthFailed = "Client authentication failed"
)

// Target is the route category a token request arrived on, with its
// discovered issuers.
type Target struct {
	Category *config.Category
	Primary  *issuer.Issuer
	Fallback *issuer.Issuer
}

// BuilderConfig holds the dependencies shared by every token request.
type BuilderConfig struct {
	Store       store.Store
	Tables      store.TableNames
	Hasher      *hashing.Hasher
	Metrics     *metrics.Metrics
	Validator   validate.Validator
	Resolver    *fallback.Resolver
	RedirectURI string
	TTLDays     int
	EnablePKCE  bool
	Logger      *slog.Logger

	// StaticTokens is nil when the static token service is disabled.
	StaticTokens *statictoken.Cache
}

// Builder selects strategies for each token request.
type Builder struct {
	cfg BuilderConfig
	now func() time.Time
}

// NewBuilder returns a Builder.
func NewBuilder(cfg BuilderConfig) *Builder {
	return &Builder{cfg: cfg, now: time.Now}
}

// Build assembles a Client for the request. r must have had its form
// parsed. Rejections that happen before any strategy runs are returned
// as *errors.OAuthError.
func (b *Builder) Build(ctx context.Context, r *http.Request, t Target) (*Client, error) {
	form := cloneValues(r.PostForm)
	grant := form.Get("grant_type")

	switch grant {
	case GrantAuthorizationCode, GrantRefreshToken:
		creds, err := b.credentials(r, form)
		if err != nil {
			return nil, err
		}

		iss := b.pick(ctx, creds.ClientID, t)

		if grant == GrantRefreshToken {
			return b.refreshClient(creds, form, iss, t), nil
		}

		return b.codeClient(creds, form, iss, t), nil
	case GrantClientCredentials:
		if form.Get("client_assertion_type") != AssertionTypeJWTBearer {
			return nil, apperrors.InvalidRequest(msgAssertionType)
		}

		iss := b.pick(ctx, form.Get("client_id"), t)

		return &Client{
			token:    &ClientCredentials{upstream: iss.Upstream, params: form, logger: b.cfg.Logger},
			document: &ByLaunch{launch: form.Get("launch"), scope: form.Get("scope")},
			save:     b.launchSave(),
			patient:  FromLaunch{},
			issued:   b.cfg.Metrics.ClientCredentialsTokenIssue,
			logger:   b.cfg.Logger,
		}, nil
	case "":
		return nil, apperrors.InvalidRequest(msgGrantRequired)
	default:
		return &Client{
			token:    UnsupportedGrant{},
			document: &ByLaunch{launch: form.Get("launch"), scope: form.Get("scope")},
			save:     b.launchSave(),
			patient:  FromLaunch{},
			logger:   b.cfg.Logger,
		}, nil
	}
}

func (b *Builder) codeClient(creds issuer.Credentials, form url.Values, iss *issuer.Issuer, t Target) *Client {
	m := b.cfg.Metrics

	return &Client{
		token: &AuthorizationCode{
			upstream:    iss.Upstream,
			creds:       creds,
			code:        form.Get("code"),
			redirectURI: b.cfg.RedirectURI,
			params:      form,
			logger:      b.cfg.Logger,
		},
		document: &ByCode{
			store:  b.cfg.Store,
			table:  b.cfg.Tables.Requests,
			hasher: b.cfg.Hasher,
			code:   form.Get("code"),
			logger: b.cfg.Logger,
		},
		save:    b.stateSave(iss),
		patient: b.validateEndpoint(t),
		issued:  m.CodeTokenIssue,
		miss:    m.MissAuthorizationCode,
		logger:  b.cfg.Logger,
	}
}

func (b *Builder) refreshClient(creds issuer.Credentials, form url.Values, iss *issuer.Issuer, t Target) *Client {
	m := b.cfg.Metrics
	refresh := form.Get("refresh_token")

	c := &Client{
		token: &RefreshToken{
			upstream:     iss.Upstream,
			creds:        creds,
			refreshToken: refresh,
			gauge:        m.UpstreamTokenRefresh,
			logger:       b.cfg.Logger,
		},
		document: &ByRefreshToken{
			store:        b.cfg.Store,
			table:        b.cfg.Tables.Requests,
			hasher:       b.cfg.Hasher,
			refreshToken: refresh,
			logger:       b.cfg.Logger,
		},
		save:    b.stateSave(iss),
		patient: b.validateEndpoint(t),
		issued:  m.RefreshTokenIssue,
		miss:    m.MissRefreshToken,
		logger:  b.cfg.Logger,
	}

	if b.cfg.StaticTokens != nil && refresh != "" {
		c.static = &staticCheck{
			cache:        b.cfg.StaticTokens,
			hasher:       b.cfg.Hasher,
			refreshToken: refresh,
			issued:       m.StaticRefreshTokenIssue,
		}
	}

	return c
}

func (b *Builder) stateSave(iss *issuer.Issuer) *State {
	return &State{
		store:         b.cfg.Store,
		requestsTable: b.cfg.Tables.Requests,
		launchTable:   b.cfg.Tables.Launch,
		hasher:        b.cfg.Hasher,
		issuerID:      iss.ID,
		ttlDays:       b.cfg.TTLDays,
		lifeCycle:     b.cfg.Metrics.RefreshTokenLifeCycle,
		now:           b.now,
		logger:        b.cfg.Logger,
	}
}

func (b *Builder) launchSave() *Launch {
	return &Launch{
		store:       b.cfg.Store,
		launchTable: b.cfg.Tables.Launch,
		hasher:      b.cfg.Hasher,
		now:         b.now,
		logger:      b.cfg.Logger,
	}
}

func (b *Builder) validateEndpoint(t Target) *ValidateEndpoint {
	var aud string
	if t.Category != nil {
		aud = t.Category.Audience
	}

	return &ValidateEndpoint{validator: b.cfg.Validator, audience: aud, logger: b.cfg.Logger}
}

// credentials authenticates the client by Basic auth, then body
// client_id and client_secret, then client_id alone when PKCE is
// enabled. Body credentials are removed from form.
func (b *Builder) credentials(r *http.Request, form url.Values) (issuer.Credentials, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		return issuer.Credentials{ClientID: id, ClientSecret: secret}, nil
	}

	id, secret := form.Get("client_id"), form.Get("client_secret")

	switch {
	case id != "" && secret != "":
		form.Del("client_id")
		form.Del("client_secret")

		return issuer.Credentials{ClientID: id, ClientSecret: secret}, nil
	case b.cfg.EnablePKCE && id != "":
		form.Del("client_id")

		return issuer.Credentials{ClientID: id}, nil
	default:
		return issuer.Credentials{}, apperrors.InvalidClient(msgClientAuthFailed)
	}
}

// pick returns the fallback issuer when the resolver says the client
// belongs to it.
func (b *Builder) pick(ctx context.Context, clientID string, t Target) *issuer.Issuer {
	if t.Fallback == nil || b.cfg.Resolver == nil {
		return t.Primary
	}

	if b.cfg.Resolver.Resolve(ctx, clientID, t.Category) != nil {
		return t.Fallback
	}

	return t.Primary
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}

	return out
}
