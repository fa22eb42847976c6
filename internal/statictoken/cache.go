// Package statictoken serves the allowlist of pre-provisioned refresh
// tokens that bypass the upstream issuer.
package statictoken

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"golang.org/x/sync/singleflight"
)

// Cache is a process-wide, lazily hydrated index of static tokens keyed
// by hashed refresh token. It is read-only once populated.
type Cache struct {
	store  store.Store
	table  string
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	populated bool
	entries   map[string]models.StaticToken
}

// New returns an empty cache over the static tokens table.
func New(s store.Store, table string, logger *slog.Logger) *Cache {
	return &Cache{store: s, table: table, logger: logger}
}

// Lookup returns the static token whose hashed refresh token is
// hashedRefresh. The first call hydrates the cache; a failed hydration
// is logged and retried by the next call.
func (c *Cache) Lookup(ctx context.Context, hashedRefresh string) (models.StaticToken, bool) {
	if err := c.hydrate(ctx); err != nil {
		c.logger.Error("could not load static tokens list", slog.String("error", err.Error()))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	tok, ok := c.entries[hashedRefresh]

	return tok, ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

func (c *Cache) hydrate(ctx context.Context) error {
	c.mu.RLock()
	done := c.populated
	c.mu.RUnlock()

	if done {
		return nil
	}

	_, err, _ := c.group.Do("hydrate", func() (any, error) {
		c.mu.RLock()
		done := c.populated
		c.mu.RUnlock()

		if done {
			return nil, nil
		}

		items, err := c.store.Scan(ctx, c.table)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", c.table, err)
		}

		entries := make(map[string]models.StaticToken, len(items))

		for _, item := range items {
			var tok models.StaticToken
			if err := store.Unmarshal(item, &tok); err != nil {
				return nil, err
			}

			if tok.RefreshToken == "" {
				continue
			}

			entries[tok.RefreshToken] = tok
		}

		c.mu.Lock()
		c.entries = entries
		c.populated = true
		c.mu.Unlock()

		c.logger.Info("loaded static tokens", slog.Int("count", len(entries)))

		return nil, nil
	})

	return err
}
