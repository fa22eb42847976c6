package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientStoreLocal selects the local clients table for redirect URI
// validation. Any other value uses the identity provider registry.
const ClientStoreLocal = "local"

// AppRoutes are the path suffixes shared by every route category.
type AppRoutes struct {
	Authorize     string `yaml:"authorize"`
	Token         string `yaml:"token"`
	Userinfo      string `yaml:"userinfo"`
	Introspection string `yaml:"introspection"`
	Revoke        string `yaml:"revoke"`
	JWKS          string `yaml:"jwks"`
	Manage        string `yaml:"manage"`
	Redirect      string `yaml:"redirect"`
	Issued        string `yaml:"issued"`
	SmartLaunch   string `yaml:"smart_launch"`
}

// Fallback pairs an alternate issuer with its own client store.
type Fallback struct {
	UpstreamIssuer   string            `yaml:"upstream_issuer"`
	UpstreamIssuerID string            `yaml:"upstream_issuer_id"`
	CustomMetadata   map[string]string `yaml:"custom_metadata"`
	ClientStore      string            `yaml:"client_store"`
}

// IssuerID returns the identifier recorded on documents issued by the
// fallback issuer.
func (f *Fallback) IssuerID() string {
	if f.UpstreamIssuerID != "" {
		return f.UpstreamIssuerID
	}

	return f.UpstreamIssuer
}

// Category is one API route group with its own upstream issuer.
type Category struct {
	APICategory      string            `yaml:"api_category"`
	UpstreamIssuer   string            `yaml:"upstream_issuer"`
	UpstreamIssuerID string            `yaml:"upstream_issuer_id"`
	Audience         string            `yaml:"audience"`
	IDP              string            `yaml:"idp"`
	ClientStore      string            `yaml:"client_store"`
	ManageEndpoint   string            `yaml:"manage_endpoint"`
	CustomMetadata   map[string]string `yaml:"custom_metadata"`
	Fallback         *Fallback         `yaml:"fallback"`
}

// IssuerID returns the identifier recorded on documents issued by this
// category's primary issuer.
func (c *Category) IssuerID() string {
	if c.UpstreamIssuerID != "" {
		return c.UpstreamIssuerID
	}

	return c.UpstreamIssuer
}

// Routes is the parsed routes file.
type Routes struct {
	AppRoutes  AppRoutes         `yaml:"app_routes"`
	IDPSlugs   map[string]string `yaml:"idp_slugs"`
	Categories []*Category       `yaml:"categories"`
}

// LoadRoutes reads and validates the YAML routes file at path.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}

	return ParseRoutes(data)
}

// ParseRoutes parses and validates routes YAML.
func ParseRoutes(data []byte) (*Routes, error) {
	var r Routes
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}

	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("validating routes: %w", err)
	}

	return &r, nil
}

func (r *Routes) validate() error {
	a := r.AppRoutes
	if a.Authorize == "" || a.Token == "" || a.Redirect == "" {
		return fmt.Errorf("app_routes.authorize, app_routes.token and app_routes.redirect are required")
	}

	if len(r.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}

	seen := make(map[string]struct{})

	for i, c := range r.Categories {
		if c == nil {
			return fmt.Errorf("category %d is empty", i+1)
		}

		if !strings.HasPrefix(c.APICategory, "/") {
			return fmt.Errorf("category %d: api_category must start with '/'", i+1)
		}

		if c.UpstreamIssuer == "" {
			return fmt.Errorf("category %s: upstream_issuer is required", c.APICategory)
		}

		if _, dup := seen[c.APICategory]; dup {
			return fmt.Errorf("duplicate api_category %q", c.APICategory)
		}

		seen[c.APICategory] = struct{}{}

		if c.Fallback != nil && c.Fallback.UpstreamIssuer == "" {
			return fmt.Errorf("category %s: fallback.upstream_issuer is required", c.APICategory)
		}
	}

	return nil
}

// CategoryForPath returns the category whose api_category prefixes
// path, after stripping basePath. The longest match wins.
func (r *Routes) CategoryForPath(basePath, path string) *Category {
	path = strings.TrimPrefix(path, basePath)

	var best *Category

	for _, c := range r.Categories {
		if path != c.APICategory && !strings.HasPrefix(path, c.APICategory+"/") {
			continue
		}

		if best == nil || len(c.APICategory) > len(best.APICategory) {
			best = c
		}
	}

	return best
}
