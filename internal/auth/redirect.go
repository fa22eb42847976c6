package auth

import (
	"log/slog"
	"net/http"
	"net/url"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
)

// HandleRedirect serves GET {redirect}, the upstream issuer's callback.
// The code is recorded hashed against the correlation document and the
// user agent is sent back to the client with its original state.
func HandleRedirect(cfg *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Metrics.LoginEnd.Inc()

		q := r.URL.Query()
		internalState := q.Get("state")
		if internalState == "" {
			apperrors.Write(w, apperrors.InvalidRequest(msgUnknownState))
			return
		}

		key := store.Item{"internal_state": internalState}

		item, err := cfg.Store.Get(r.Context(), cfg.RequestsTable, key)
		if err != nil {
			cfg.Logger.Error("failed to load the authorization request", logging.MinimalError(err))
			apperrors.Write(w, err)

			return
		}

		if item == nil {
			apperrors.Write(w, apperrors.InvalidRequest(msgUnknownState))
			return
		}

		var doc models.Document
		if err := store.Unmarshal(item, &doc); err != nil {
			apperrors.Write(w, err)
			return
		}

		if doc.RedirectURI == "" {
			apperrors.Write(w, apperrors.InvalidRequest(msgCallbackNoRedirect))
			return
		}

		if code := q.Get("code"); code != "" {
			err := cfg.Store.Update(r.Context(), cfg.RequestsTable, key, store.Item{"code": cfg.Hasher.Hash(code)})
			if err != nil {
				cfg.Logger.Error("failed to record the authorization code",
					slog.String("client_id", doc.ClientID),
					logging.MinimalError(err),
				)
				apperrors.Write(w, apperrors.ServerError(msgCallbackNotSaved))

				return
			}
		}

		params := url.Values{}
		for k, vs := range q {
			params[k] = append([]string(nil), vs...)
		}

		params.Del("state")
		if doc.State != "" {
			params.Set("state", doc.State)
		}

		http.Redirect(w, r, appendQuery(doc.RedirectURI, params), http.StatusFound)
	}
}
