// Package fallback decides when a request should be served by a route's
// secondary issuer, and looks up the redirect URIs registered for a
// client in either the local clients table or the identity provider's
// application registry.
package fallback

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
)

// Resolver maps a client to the fallback descriptor of its route.
type Resolver struct {
	store        store.Store
	clientsTable string
	logger       *slog.Logger
}

// NewResolver returns a Resolver backed by the clients table.
func NewResolver(s store.Store, clientsTable string, logger *slog.Logger) *Resolver {
	return &Resolver{store: s, clientsTable: clientsTable, logger: logger}
}

// Resolve returns the category's fallback when the client is not
// registered in the clients table. A lookup failure counts as not
// registered. Nil means use the primary issuer.
func (r *Resolver) Resolve(ctx context.Context, clientID string, category *config.Category) *config.Fallback {
	if category == nil || category.Fallback == nil || category.Fallback.UpstreamIssuer == "" {
		return nil
	}

	if clientID == "" {
		return category.Fallback
	}

	item, err := r.store.Get(ctx, r.clientsTable, store.Item{"client_id": clientID})
	if err != nil {
		r.logger.Warn("client lookup failed, using fallback issuer",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)

		return category.Fallback
	}

	if item == nil {
		return category.Fallback
	}

	return nil
}
