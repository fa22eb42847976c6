package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/auth"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/config"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/fallback"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/hashing"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/logging"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/metrics"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/proxy"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/server"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/statictoken"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/store"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/token"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/validate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OAuth proxy",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func tableNames(cfg *config.Config) store.TableNames {
	return store.TableNames{
		Requests:     cfg.OAuthRequestsTable,
		Launch:       cfg.LaunchContextTable,
		Clients:      cfg.ClientsTable,
		StaticTokens: cfg.StaticTokensTable,
	}
}

// openStore returns the configured backend. bolt is non-nil only for
// the bbolt backend, which needs its own expiry sweep.
func openStore(ctx context.Context, cfg *config.Config) (s store.Store, bolt *store.Bolt, err error) {
	schema := store.NewSchema(tableNames(cfg))

	switch cfg.StoreBackend {
	case "redis":
		r, err := store.NewRedis(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		}, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}

		return r, nil, nil
	default:
		b, err := store.OpenBolt(cfg.BoltPath, schema)
		if err != nil {
			return nil, nil, fmt.Errorf("opening store: %w", err)
		}

		return b, b, nil
	}
}

// discoverTargets discovers every category's primary and fallback
// issuer.
func discoverTargets(ctx context.Context, cfg *config.Config, client *http.Client, logger *slog.Logger) ([]token.Target, error) {
	targets := make([]token.Target, 0, len(cfg.Routes.Categories))

	for _, c := range cfg.Routes.Categories {
		primary, err := issuer.Discover(ctx, client, issuer.Source{
			URL:            c.UpstreamIssuer,
			ID:             c.UpstreamIssuerID,
			CustomMetadata: c.CustomMetadata,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", c.APICategory, err)
		}

		t := token.Target{Category: c, Primary: primary}

		if fb := c.Fallback; fb != nil {
			t.Fallback, err = issuer.Discover(ctx, client, issuer.Source{
				URL:            fb.UpstreamIssuer,
				ID:             fb.UpstreamIssuerID,
				CustomMetadata: fb.CustomMetadata,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("category %s fallback: %w", c.APICategory, err)
			}
		}

		targets = append(targets, t)
	}

	return targets, nil
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("oauth-proxy starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreBackend),
		slog.Int("categories", len(cfg.Routes.Categories)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, bolt, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}

	targets, err := discoverTargets(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tables := tableNames(cfg)
	hasher := hashing.New(cfg.HMACSecret)
	resolver := fallback.NewResolver(s, tables.Clients, logger)

	var validator validate.Validator
	if cfg.ValidatePostEndpoint != "" {
		validator = validate.NewClient(cfg.ValidatePostEndpoint, cfg.ValidateAPIKey, httpClient, m)
	}

	var idpRegistry fallback.Registry
	if cfg.IDPRegistryURL != "" {
		idpRegistry = fallback.NewIDPRegistry(cfg.IDPRegistryURL, cfg.IDPRegistryToken, httpClient)
	}

	var staticTokens *statictoken.Cache
	if cfg.EnableStaticTokenService {
		staticTokens = statictoken.New(s, tables.StaticTokens, logger)
	}

	handler := server.NewRouter(server.RouterConfig{
		Config:  cfg,
		Targets: targets,
		Builder: token.NewBuilder(token.BuilderConfig{
			Store:        s,
			Tables:       tables,
			Hasher:       hasher,
			Metrics:      m,
			Validator:    validator,
			Resolver:     resolver,
			RedirectURI:  cfg.RedirectURI(),
			TTLDays:      cfg.RefreshTokenTTLDays,
			EnablePKCE:   cfg.EnablePKCEAuthorizationFlow,
			Logger:       logger,
			StaticTokens: staticTokens,
		}),
		Auth: &auth.Config{
			Store:         s,
			RequestsTable: tables.Requests,
			Hasher:        hasher,
			Metrics:       m,
			Resolver:      resolver,
			LocalRegistry: fallback.NewLocalRegistry(s, tables.Clients),
			IDPRegistry:   idpRegistry,
			RedirectURI:   cfg.RedirectURI(),
			ProxyBase:     cfg.ProxyBase,
			DefaultIDP:    cfg.IDP,
			IDPSlugs:      cfg.Routes.IDPSlugs,
			Logger:        logger,
		},
		Forwarder: proxy.New(httpClient, resolver, s, tables.Requests, hasher, logger),
		Store:     s,
		Tables:    tables,
		Hasher:    hasher,
		Gatherer:  reg,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("host", cfg.Host))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if bolt != nil {
		g.Go(func() error {
			return bolt.RunGC(gctx, cfg.GCInterval, logger)
		})
	}

	return g.Wait()
}
