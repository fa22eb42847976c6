package fallback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/smart-oauth-proxy/internal/errors"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/tidwall/gjson"
)

// maxRegistryResponse caps how much of a registry response is read.
const maxRegistryResponse = 1 << 20

// Registry returns the redirect URIs registered for a client. An
// unknown client yields ErrNotFound.
type Registry interface {
	RedirectURIs(ctx context.Context, clientID string) ([]string, error)
}

// LocalRegistry reads clients from the store.
type LocalRegistry struct {
	store store.Store
	table string
}

// NewLocalRegistry returns a registry over the clients table.
func NewLocalRegistry(s store.Store, table string) *LocalRegistry {
	return &LocalRegistry{store: s, table: table}
}

func (l *LocalRegistry) RedirectURIs(ctx context.Context, clientID string) ([]string, error) {
	item, err := l.store.Get(ctx, l.table, store.Item{"client_id": clientID})
	if err != nil {
		return nil, fmt.Errorf("loading client %s: %w", clientID, err)
	}

	if item == nil {
		return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	var c models.Client
	if err := store.Unmarshal(item, &c); err != nil {
		return nil, err
	}

	return c.RedirectURIs, nil
}

// IDPRegistry reads applications from the identity provider's
// management API (GET {base}/api/v1/apps/{client_id}).
type IDPRegistry struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewIDPRegistry returns a registry for the management API at baseURL,
// authenticated with an SSWS API token.
func NewIDPRegistry(baseURL, token string, httpClient *http.Client) *IDPRegistry {
	return &IDPRegistry{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (r *IDPRegistry) RedirectURIs(ctx context.Context, clientID string) ([]string, error) {
	endpoint := r.baseURL + "/api/v1/apps/" + url.PathEscape(clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating registry request: %w", err)
	}

	req.Header.Set("Authorization", "SSWS "+r.token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: registry: %w", apperrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistryResponse))
	if err != nil {
		return nil, fmt.Errorf("reading registry response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("app %s: %w", clientID, apperrors.ErrNotFound)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: registry returned %d", apperrors.ErrUpstream, resp.StatusCode)
	}

	uris := gjson.GetBytes(body, "settings.oauthClient.redirect_uris")
	if !uris.IsArray() {
		return nil, fmt.Errorf("%w: app %s has no redirect_uris", apperrors.ErrUpstream, clientID)
	}

	var out []string
	for _, u := range uris.Array() {
		out = append(out, u.String())
	}

	return out, nil
}
