package token

import (
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
)

// HandleToken serves POST {category}{token}.
func HandleToken(b *Builder, t Target, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			apperrors.Write(w, apperrors.InvalidRequest("Invalid or unsupported content-type"))
			return
		}

		client, err := b.Build(r.Context(), r, t)
		if err != nil {
			writeError(w, err, logger)
			return
		}

		body, err := client.Handle(r.Context())
		if err != nil {
			writeError(w, err, logger)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		apperrors.WriteJSON(w, http.StatusOK, body)
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tok == "" || strings.ContainsAny(tok, " \t") {
		return ""
	}

	return tok
}

// HandleIssued serves GET {issued}: it reports whether a bearer token
// is a static token or was issued through this proxy.
func HandleIssued(s store.Store, tables store.TableNames, h *hashing.Hasher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at := BearerToken(r)
		if at == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		lookup := &ByAccessToken{
			store:         s,
			requestsTable: tables.Requests,
			staticTable:   tables.StaticTokens,
			hasher:        h,
			accessToken:   at,
			logger:        logger,
		}

		static, err := lookup.Static(r.Context())
		if err != nil {
			logger.Error("error retrieving token claims", logging.MinimalError(err))
			apperrors.Write(w, err)
			return
		}

		if static != nil && static.AccessToken != "" {
			writeStaticIssued(w, static, h, logger)
			return
		}

		doc, err := lookup.Document(r.Context())
		if err != nil {
			logger.Error("error retrieving token claims", logging.MinimalError(err))
			apperrors.Write(w, err)
			return
		}

		if doc == nil || doc.AccessToken == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if doc.Proxy == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		apperrors.WriteJSON(w, http.StatusOK, map[string]any{
			"static": false,
			"proxy":  doc.Proxy,
		})
	}
}

func writeStaticIssued(w http.ResponseWriter, tok *models.StaticToken, h *hashing.Hasher, logger *slog.Logger) {
	if !h.Equal(tok.AccessToken+"-"+tok.ICN, tok.Checksum) {
		logger.Error("invalid static token usage detected")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	apperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"static":     true,
		"scopes":     tok.Scopes,
		"expires_in": tok.ExpiresIn,
		"icn":        tok.ICN,
		"aud":        tok.Audience,
	})
}

// HandleSmartLaunch serves GET {smart_launch}: it returns the launch
// context recorded for a bearer token.
func HandleSmartLaunch(s store.Store, launchTable string, h *hashing.Hasher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at := BearerToken(r)
		if at == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		item, err := s.Get(r.Context(), launchTable, store.Item{"access_token": h.Hash(at)})
		if err != nil {
			logger.Error("failed to retrieve launch context", logging.MinimalError(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var rec models.LaunchRecord
		if item != nil {
			if err := store.Unmarshal(item, &rec); err != nil {
				apperrors.Write(w, err)
				return
			}
		}

		if rec.Launch == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		apperrors.WriteJSON(w, http.StatusOK, map[string]string{"launch": rec.Launch})
	}
}
