// Package app provides the main application setup and dependency injection.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"shuttuflix-go/pkg/appctx"
	"shuttuflix-go/pkg/cache"
	"shuttuflix-go/pkg/catalog"
	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/extractors"
	"shuttuflix-go/pkg/flaresolverr"
	"shuttuflix-go/pkg/handlers/api"
	"shuttuflix-go/pkg/httpclient"
	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/matcher"
	"shuttuflix-go/pkg/registry"
	"shuttuflix-go/pkg/resolver"
	"shuttuflix-go/pkg/rules"
	"shuttuflix-go/pkg/sanitizer"
	"shuttuflix-go/pkg/server"
	"shuttuflix-go/pkg/services"
	"shuttuflix-go/pkg/signer"
	"shuttuflix-go/pkg/stremio"
	"shuttuflix-go/pkg/tmdb"
)

// App is the main application container.
type App struct {
	Ctx        *appctx.Context
	Server     *server.Server
	HTTPClient *httpclient.Client
	Registry   *registry.Registry
	Adapters   *registry.AdapterRegistry
	cache      *cache.Redis
}

// New creates and initializes the application.
func New() (*App, error) {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing Shuttuflix", "port", cfg.Port, "log_level", cfg.LogLevel)
	if cfg.DotEnvErr != nil {
		log.Warn("ignoring .env file", "error", cfg.DotEnvErr)
	}

	ctx := appctx.New(cfg, log)

	// Sanitization ruleset
	rs, err := rules.Load(cfg.RulesetPath)
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}
	m, err := matcher.New(rs)
	if err != nil {
		return nil, fmt.Errorf("compile ruleset: %w", err)
	}
	log.Info("ruleset loaded", "version", m.Version(), "rules", len(rs.Rules))

	// Provider registry
	reg, err := registry.Load(cfg.ProvidersPath, registry.Options{
		MirrorWindow:     cfg.MirrorWindow,
		CredentialWindow: cfg.CredentialWindow,
		DefaultTimeout:   cfg.ProviderTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	// Cloudflare-protected mirrors get the browser TLS fingerprint
	httpClient := httpclient.New(cfg, log, reg.CloudflareHosts()...)

	sign, err := newSigner(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		Ctx:        ctx,
		HTTPClient: httpClient,
		Registry:   reg,
		Adapters:   newAdapters(log),
	}

	var sourceCache interfaces.SourceCache
	if cfg.RedisURL != "" {
		a.cache, err = newCache(cfg.RedisURL, log)
		if err != nil {
			return nil, err
		}
		sourceCache = cache.NewSourceCache(a.cache, log)
	}

	policy, err := resolver.ParsePolicy(cfg.ResolvePolicy)
	if err != nil {
		return nil, err
	}

	opts := resolver.Options{
		Policy:        policy,
		EmbedFallback: cfg.EmbedFallback,
		Cache:         sourceCache,
		CacheTTL:      cfg.SourceCacheTTL,
	}
	if cfg.FlareSolverrURL != "" {
		opts.CloudflareFetcher = flaresolverr.NewClient(nil, cfg.FlareSolverrURL, cfg.FlareSolverrTimeout, log)
		log.Info("FlareSolverr client enabled", "url", cfg.FlareSolverrURL)
	}

	res, err := resolver.New(reg, a.Adapters, extractors.NewBaseFetcher(httpClient, log), sign, log, opts)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	ctx.WithResolver(res, reg.Names())
	log.Info("resolver ready", "policy", policy, "providers", reg.Names())

	proxyService := services.NewProxyService(httpClient, m, sanitizer.New(m), sign, log, services.ProxyOptions{
		Endpoint:      cfg.ProxyEndpoint(),
		Referer:       cfg.ProxyReferer,
		Timeout:       cfg.ProxyTimeout,
		StreamTimeout: cfg.StreamTimeout,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		SignedLinkTTL: cfg.SignedLinkTTL,
	})
	ctx.WithProxyService(proxyService, m.Version())

	if searcher, err := newSearcher(cfg, httpClient, a.cache, log); err != nil {
		log.Error("search disabled", "error", err)
	} else {
		ctx.WithSearcher(searcher)
	}

	ctx.WithCatalog(loadCatalog(cfg.CatalogPath, log))

	// Create HTTP server
	srv := server.New(cfg, log)
	a.Server = srv

	handlers := api.NewHandlers(ctx)
	handlers.RegisterRoutes(srv.Router())

	if cfg.StremioEnabled {
		stremio.NewHandlers(ctx).RegisterRoutes(srv.Router())
		log.Info("stremio addon enabled", "path", "/stremio")
	}

	return a, nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.Ctx.Log.Info("starting Shuttuflix server", "port", a.Ctx.Config.Port, "version", appctx.Version)
	return a.Server.Run(ctx)
}

// Shutdown releases resources held by the application.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.Ctx.Log.Warn("failed to close cache", "error", err)
		}
	}
}

// newSigner uses URL_SECRET, or a per-process random secret when it is unset.
func newSigner(cfg *config.Config, log *logging.Logger) (*signer.Signer, error) {
	secret := []byte(cfg.URLSecret)
	if len(secret) == 0 {
		var err error
		if secret, err = signer.RandomSecret(); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		log.Warn("URL_SECRET not set, signed links will not survive a restart")
	}
	return signer.New(secret)
}

// newAdapters registers one adapter per provider response shape.
// Add new adapters here by:
// 1. Creating it in pkg/extractors/
// 2. Registering it below and naming it in the provider file
func newAdapters(log *logging.Logger) *registry.AdapterRegistry {
	reg := registry.NewAdapterRegistry(
		extractors.NewJSONAdapter(log),
		extractors.NewEmbedDataIDAdapter(log),
		extractors.NewHTMLScanAdapter(log),
	)
	log.Info("registered adapters", "count", len(reg.All()))
	return reg
}

func newCache(redisURL string, log *logging.Logger) (*cache.Redis, error) {
	r, err := cache.New(redisURL, "shuttuflix:")
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		// Cache calls fail soft, so a cold Redis only costs cache misses.
		log.Warn("redis not reachable at startup", "error", err)
	} else {
		log.Info("redis cache enabled")
	}
	return r, nil
}

func newSearcher(cfg *config.Config, client interfaces.HTTPClient, r *cache.Redis, log *logging.Logger) (interfaces.Searcher, error) {
	c, err := tmdb.NewClient(client, cfg.TMDBBaseURL, cfg.TMDBAPIKey, log)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return c, nil
	}
	return cache.NewCachedSearcher(c, r, cfg.SearchCacheTTL, log), nil
}

// loadCatalog never fails startup: a missing or malformed dataset serves empty.
func loadCatalog(path string, log *logging.Logger) *catalog.Catalog {
	cat, err := catalog.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("catalog dataset not found", "path", path)
		return catalog.Empty()
	case err != nil:
		log.Error("catalog dataset unusable", "path", path, "error", err)
		return catalog.Empty()
	}
	log.Info("catalog loaded", "path", path, "items", cat.Len())
	return cat
}
