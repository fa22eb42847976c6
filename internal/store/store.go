// Package store is the document gateway over the proxy's keyed
// persistence. Records are flat string-keyed maps grouped into tables;
// each table has one hash key and any number of single-attribute
// secondary indexes. Two backends exist: bbolt for single-node
// deployments and redis for shared state.
package store

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
)

// Item is a single persisted record.
type Item map[string]any

// Store is the read/write contract the proxy relies on. Get returns a
// nil Item and nil error when the key does not exist. Update only
// succeeds when the record already exists and returns ErrNotFound
// otherwise.
type Store interface {
	Get(ctx context.Context, table string, key Item) (Item, error)
	Query(ctx context.Context, table, index string, key Item) ([]Item, error)
	Put(ctx context.Context, table string, item Item) error
	Update(ctx context.Context, table string, key Item, patch Item) error
	Scan(ctx context.Context, table string) ([]Item, error)
	Close() error
}

// Index names.
const (
	IndexCode               = "oauth_code_index"
	IndexState              = "oauth_state_index"
	IndexRefreshToken       = "oauth_refresh_token_index"
	IndexAccessToken        = "oauth_access_token_index"
	IndexLaunch             = "launch_index"
	IndexStaticRefreshToken = "static_refresh_token_index"
)

// TableNames holds the configured physical table names.
type TableNames struct {
	Requests     string
	Launch       string
	Clients      string
	StaticTokens string
}

// Table describes the key layout of one table.
type Table struct {
	Name    string
	Key     string
	Indexes map[string]string // index name -> attribute

	// Scannable tables support Scan on every backend. The redis
	// backend only tracks membership for these.
	Scannable bool
}

// Schema maps table names to their layout.
type Schema struct {
	tables map[string]Table
}

// NewSchema builds the proxy's four-table layout.
func NewSchema(names TableNames) *Schema {
	return &Schema{tables: map[string]Table{
		names.Requests: {
			Name: names.Requests,
			Key:  "internal_state",
			Indexes: map[string]string{
				IndexCode:         "code",
				IndexState:        "state",
				IndexRefreshToken: "refresh_token",
				IndexAccessToken:  "access_token",
			},
		},
		names.Launch: {
			Name:    names.Launch,
			Key:     "access_token",
			Indexes: map[string]string{IndexLaunch: "launch"},
		},
		names.Clients: {
			Name: names.Clients,
			Key:  "client_id",
		},
		names.StaticTokens: {
			Name:      names.StaticTokens,
			Key:       "access_token",
			Indexes:   map[string]string{IndexStaticRefreshToken: "refresh_token"},
			Scannable: true,
		},
	}}
}

// Tables returns every table in the schema.
func (s *Schema) Tables() []Table {
	out := make([]Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}

	return out
}

// Table returns the layout of the named table.
func (s *Schema) Table(name string) (Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownTable, name)
	}

	return t, nil
}

// keyValue extracts the hash key of item for table t.
func (t Table) keyValue(item Item) (string, error) {
	v := attr(item, t.Key)
	if v == "" {
		return "", fmt.Errorf("missing key attribute %q for table %s", t.Key, t.Name)
	}

	return v, nil
}

// indexAttr returns the attribute an index is built on.
func (t Table) indexAttr(index string) (string, error) {
	a, ok := t.Indexes[index]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", apperrors.ErrUnknownIndex, index, t.Name)
	}

	return a, nil
}

// attr renders an attribute value as a string key. Missing or nil
// attributes render as the empty string and are never indexed.
func attr(item Item, name string) string {
	v, ok := item[name]
	if !ok || v == nil {
		return ""
	}

	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ExpiresOn returns the item's expires_on as Unix seconds, if set.
func ExpiresOn(item Item) (int64, bool) {
	switch v := item["expires_on"].(type) {
	case int64:
		return v, v > 0
	case int:
		return int64(v), v > 0
	case float64:
		return int64(v), v > 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}

// merge applies patch on top of item, returning a new Item.
func merge(item, patch Item) Item {
	out := make(Item, len(item)+len(patch))
	for k, v := range item {
		out[k] = v
	}

	for k, v := range patch {
		out[k] = v
	}

	return out
}

// Marshal converts a record struct into an Item.
func Marshal(v any) (Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("converting record: %w", err)
	}

	return item, nil
}

// Unmarshal decodes an Item into a record struct.
func Unmarshal(item Item, v any) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding item: %w", err)
	}

	return nil
}
