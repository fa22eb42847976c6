package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the proxy.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":7100"`

	// Host is the externally visible origin, e.g. https://api.example.com.
	Host              string `env:"HOST"`
	WellKnownBasePath string `env:"WELL_KNOWN_BASE_PATH" envDefault:"/oauth2"`

	// RoutesFile points at the YAML file describing app routes and
	// route categories.
	RoutesFile string `env:"ROUTES_FILE" envDefault:"routes.yaml"`

	// HMACSecret keys every token hash written to the store.
	HMACSecret string `env:"HMAC_SECRET"`

	// IDP is the default identity provider slug.
	IDP string `env:"IDP"`

	RefreshTokenTTLDays int           `env:"REFRESH_TOKEN_TTL_DAYS" envDefault:"42"`
	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`

	// Store backend: "bolt" or "redis".
	StoreBackend   string        `env:"STORE_BACKEND" envDefault:"bolt"`
	BoltPath       string        `env:"BOLT_PATH" envDefault:"data/oauth-proxy.db"`
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string        `env:"REDIS_KEY_PREFIX" envDefault:"oauth-proxy:"`
	GCInterval     time.Duration `env:"GC_INTERVAL" envDefault:"5m"`

	OAuthRequestsTable string `env:"OAUTH_REQUESTS_TABLE" envDefault:"oauth_requests"`
	LaunchContextTable string `env:"LAUNCH_CONTEXT_TABLE" envDefault:"launch_context"`
	ClientsTable       string `env:"CLIENTS_TABLE" envDefault:"clients"`
	StaticTokensTable  string `env:"STATIC_TOKENS_TABLE" envDefault:"static_tokens"`

	// Feature flags.
	EnableStaticTokenService    bool `env:"ENABLE_STATIC_TOKEN_SERVICE" envDefault:"false"`
	EnablePKCEAuthorizationFlow bool `env:"ENABLE_PKCE_AUTHORIZATION_FLOW" envDefault:"false"`
	EnableIssuedService         bool `env:"ENABLE_ISSUED_SERVICE" envDefault:"false"`
	EnableSmartLaunchService    bool `env:"ENABLE_SMART_LAUNCH_SERVICE" envDefault:"false"`

	// Token validation service used to resolve launch/patient.
	ValidatePostEndpoint string `env:"VALIDATE_POST_ENDPOINT"`
	ValidateAPIKey       string `env:"VALIDATE_API_KEY"`

	// Identity provider application registry, used to check redirect
	// URIs for clients that are not stored locally.
	IDPRegistryURL   string `env:"IDP_REGISTRY_URL"`
	IDPRegistryToken string `env:"IDP_REGISTRY_TOKEN"`

	// Routes is populated from RoutesFile by Load.
	Routes *Routes
}

const (
	// hmacSecretMinLen is the minimum length of HMAC_SECRET.
	hmacSecretMinLen = 16
)

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables and the routes
// file. It first attempts to load a .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Host = strings.TrimSuffix(cfg.Host, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	routes, err := LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return nil, err
	}

	cfg.Routes = routes

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("HOST is required")
	}

	if len(c.HMACSecret) < hmacSecretMinLen {
		return fmt.Errorf("HMAC_SECRET must be at least %d characters", hmacSecretMinLen)
	}

	switch c.StoreBackend {
	case "bolt":
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_BACKEND is bolt")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND is redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be bolt or redis, got %q", c.StoreBackend)
	}

	if c.RefreshTokenTTLDays <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_TTL_DAYS must be positive")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	if c.ValidatePostEndpoint != "" && c.ValidateAPIKey == "" {
		return fmt.Errorf("VALIDATE_API_KEY is required when VALIDATE_POST_ENDPOINT is set")
	}

	return nil
}

// LoadHMACSecret reads only HMAC_SECRET, for the offline CLI helpers.
func LoadHMACSecret() (string, error) {
	_ = godotenv.Load()

	var c struct {
		HMACSecret string `env:"HMAC_SECRET"`
	}

	if err := env.Parse(&c); err != nil {
		return "", fmt.Errorf("parsing config: %w", err)
	}

	if len(c.HMACSecret) < hmacSecretMinLen {
		return "", fmt.Errorf("HMAC_SECRET must be at least %d characters", hmacSecretMinLen)
	}

	return c.HMACSecret, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedirectURI is this proxy's own authorization callback.
func (c *Config) RedirectURI() string {
	return c.Host + c.WellKnownBasePath + c.Routes.AppRoutes.Redirect
}

// ProxyBase returns the public base URL of a route category.
func (c *Config) ProxyBase(category string) string {
	return c.Host + c.WellKnownBasePath + category
}
