package issuer

//go:generate mockgen -destination=mocks/mock_upstream.go -package=mocks -source=upstream.go

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials identify the calling client to the upstream token
// endpoint. An empty secret means a public (PKCE) client.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenSet is the upstream token response.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

// HasScope reports whether the granted scope contains s.
func (t *TokenSet) HasScope(s string) bool {
	for _, f := range strings.Fields(t.Scope) {
		if f == s {
			return true
		}
	}

	return false
}

// Body renders the token set as a token endpoint response.
func (t *TokenSet) Body() map[string]any {
	body := map[string]any{
		"access_token": t.AccessToken,
		"token_type":   t.TokenType,
	}

	if t.Scope != "" {
		body["scope"] = t.Scope
	}

	if t.ExpiresIn > 0 {
		body["expires_in"] = t.ExpiresIn
	}

	if t.RefreshToken != "" {
		body["refresh_token"] = t.RefreshToken
	}

	if t.IDToken != "" {
		body["id_token"] = t.IDToken
	}

	return body
}

// Upstream exchanges grants at an issuer's token endpoint. Structured
// upstream errors come back as *errors.OAuthError.
type Upstream interface {
	ExchangeCode(ctx context.Context, creds Credentials, code, redirectURI string, params url.Values) (*TokenSet, error)
	Refresh(ctx context.Context, creds Credentials, refreshToken string) (*TokenSet, error)
	ClientCredentials(ctx context.Context, params url.Values) (*TokenSet, error)
}

// Client implements Upstream with golang.org/x/oauth2.
type Client struct {
	tokenURL   string
	httpClient *http.Client
}

// NewClient returns a client for the given token endpoint.
func NewClient(tokenURL string, httpClient *http.Client) *Client {
	return &Client{tokenURL: tokenURL, httpClient: httpClient}
}

func (c *Client) config(creds Credentials, redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInHeader
	if creds.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL,
			AuthStyle: style,
		},
	}
}

func (c *Client) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode redeems an authorization code. Extra params such as
// code_verifier are forwarded as-is.
func (c *Client) ExchangeCode(ctx context.Context, creds Credentials, code, redirectURI string, params url.Values) (*TokenSet, error) {
	var opts []oauth2.AuthCodeOption

	for k, vs := range params {
		switch k {
		case "grant_type", "code", "redirect_uri", "client_id", "client_secret":
			continue
		}

		if len(vs) > 0 {
			opts = append(opts, oauth2.SetAuthURLParam(k, vs[0]))
		}
	}

	tok, err := c.config(creds, redirectURI).Exchange(c.context(ctx), code, opts...)
	if err != nil {
		return nil, translate(err)
	}

	return newTokenSet(tok), nil
}

// Refresh redeems a refresh token.
func (c *Client) Refresh(ctx context.Context, creds Credentials, refreshToken string) (*TokenSet, error) {
	src := c.config(creds, "").TokenSource(c.context(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, translate(err)
	}

	ts := newTokenSet(tok)

	// x/oauth2 carries the presented refresh token forward when the
	// issuer does not rotate it.
	if rt, _ := tok.Extra("refresh_token").(string); rt == "" {
		ts.RefreshToken = ""
	}

	return ts, nil
}

// ClientCredentials performs a client_credentials grant. The caller's
// params (client assertion, launch and so on) are forwarded unchanged;
// scope is split out because the library sets it itself.
func (c *Client) ClientCredentials(ctx context.Context, params url.Values) (*TokenSet, error) {
	extra := url.Values{}

	for k, vs := range params {
		switch k {
		case "grant_type", "scope", "client_id", "client_secret":
			continue
		}

		extra[k] = vs
	}

	cfg := &clientcredentials.Config{
		ClientID:       params.Get("client_id"),
		ClientSecret:   params.Get("client_secret"),
		TokenURL:       c.tokenURL,
		Scopes:         strings.Fields(params.Get("scope")),
		EndpointParams: extra,
		AuthStyle:      oauth2.AuthStyleInParams,
	}

	tok, err := cfg.Token(c.context(ctx))
	if err != nil {
		return nil, translate(err)
	}

	return newTokenSet(tok), nil
}

func newTokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}

	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}

	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}

	if s, ok := tok.Extra("scope").(string); ok {
		ts.Scope = s
	}

	if s, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = s
	}

	return ts
}

// translate maps an upstream token endpoint failure onto an OAuthError.
// Both RFC 6749 bodies (error, error_description) and Okta management
// bodies (errorCode, errorSummary) are recognised. Anything else is
// returned wrapped in ErrUpstream.
func translate(err error) error {
	var re *oauth2.RetrieveError
	if !apperrors.As(err, &re) {
		return fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}

	status := http.StatusInternalServerError
	if re.Response != nil && re.Response.StatusCode != 0 {
		status = re.Response.StatusCode
	}

	body := gjson.ParseBytes(re.Body)

	switch {
	case body.Get("error").Type == gjson.String:
		return apperrors.New(status, body.Get("error").String(), body.Get("error_description").String())
	case body.Get("errorCode").Exists():
		return apperrors.New(status, body.Get("errorCode").String(), body.Get("errorSummary").String())
	case re.ErrorCode != "":
		return apperrors.New(status, re.ErrorCode, re.ErrorDescription)
	default:
		return fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}
}
