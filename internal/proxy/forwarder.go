// Package proxy forwards the pass-through endpoints (jwks, userinfo,
// introspection and revocation) to the upstream issuer that owns the
// caller, retrying once against the route's fallback issuer.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
)

// maxBody caps request and response bodies held in memory.
const maxBody = 1 << 20

var (
	forwardedRequestHeaders  = []string{"Authorization", "Content-Type", "Accept"}
	forwardedResponseHeaders = []string{"Content-Type", "Cache-Control", "Pragma", "WWW-Authenticate"}
)

// Forwarder relays requests to an issuer endpoint named by its
// discovery metadata key.
type Forwarder struct {
	client        *http.Client
	resolver      *fallback.Resolver
	store         store.Store
	requestsTable string
	hasher        *hashing.Hasher
	logger        *slog.Logger
}

// New returns a Forwarder. resolver may be nil when no route has a
// fallback issuer.
func New(client *http.Client, resolver *fallback.Resolver, s store.Store, requestsTable string, h *hashing.Hasher, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client:        client,
		resolver:      resolver,
		store:         s,
		requestsTable: requestsTable,
		hasher:        h,
		logger:        logger,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) failed() bool {
	return r == nil || r.status >= http.StatusBadRequest
}

// Handle serves one pass-through endpoint for a route category. key is
// the metadata key of the upstream endpoint, e.g. issuer.KeyJWKSURI.
func (f *Forwarder) Handle(key string, t token.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			apperrors.Write(w, apperrors.InvalidRequest("Could not read request body"))
			return
		}

		target := f.selectIssuer(r, body, t)

		resp, err := f.send(r, target.Endpoint(key), body)
		if resp.failed() && target == t.Primary && t.Fallback != nil {
			if alt := t.Fallback.Endpoint(key); alt != "" {
				f.logger.Info("retrying request against fallback issuer",
					slog.String("endpoint", key),
					slog.String("issuer", t.Fallback.ID),
				)

				resp, err = f.send(r, alt, body)
			}
		}

		if err != nil {
			f.logger.Error("proxy request failed",
				slog.String("endpoint", key),
				logging.MinimalError(err),
			)
			apperrors.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": apperrors.CodeServerError})

			return
		}

		for _, h := range forwardedResponseHeaders {
			if v := resp.header.Get(h); v != "" {
				w.Header().Set(h, v)
			}
		}

		w.WriteHeader(resp.status)
		_, _ = w.Write(resp.body)
	}
}

// selectIssuer picks the issuer that owns the caller: by client id when
// one is presented, otherwise by the issuer recorded for the bearer
// token.
func (f *Forwarder) selectIssuer(r *http.Request, body []byte, t token.Target) *issuer.Issuer {
	if t.Fallback == nil {
		return t.Primary
	}

	if clientID := requestClientID(r, body); clientID != "" {
		if f.resolver != nil && f.resolver.Resolve(r.Context(), clientID, t.Category) != nil {
			return t.Fallback
		}

		return t.Primary
	}

	if at := token.BearerToken(r); at != "" && f.issuedBy(r.Context(), at) == t.Fallback.ID {
		return t.Fallback
	}

	return t.Primary
}

func requestClientID(r *http.Request, body []byte) string {
	if id, _, ok := r.BasicAuth(); ok {
		return id
	}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return ""
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}

	return form.Get("client_id")
}

// issuedBy returns the issuer recorded for an access token, or "".
func (f *Forwarder) issuedBy(ctx context.Context, accessToken string) string {
	items, err := f.store.Query(ctx, f.requestsTable, store.IndexAccessToken, store.Item{"access_token": f.hasher.Hash(accessToken)})
	if err != nil {
		f.logger.Warn("could not look up token issuer", logging.MinimalError(err))
		return ""
	}

	if len(items) == 0 {
		return ""
	}

	var doc models.Document
	if err := store.Unmarshal(items[0], &doc); err != nil {
		return ""
	}

	return doc.Issuer
}

func (f *Forwarder) send(r *http.Request, endpoint string, body []byte) (*response, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint not advertised", apperrors.ErrUpstream)
	}

	if r.URL.RawQuery != "" {
		endpoint += "?" + r.URL.RawQuery
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating proxy request: %w", err)
	}

	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading proxy response: %w", err)
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
