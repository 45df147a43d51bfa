// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"shuttuflix-go/pkg/catalog"
	"shuttuflix-go/pkg/config"
	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/resolver"
	"shuttuflix-go/pkg/services"
)

// Version is the server version reported by /api/info and the Stremio manifest.
const Version = "1.0.0"

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config         *config.Config
	Log            *logging.Logger
	Resolver       *resolver.Resolver
	ProxyService   *services.ProxyService
	Searcher       interfaces.Searcher // nil when search is not configured
	Catalog        *catalog.Catalog
	RulesetVersion string
	Providers      []string
}

// New creates a new application context with an empty catalog.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		Catalog: catalog.Empty(),
	}
}

// WithResolver sets the source resolver and the provider names it serves.
func (c *Context) WithResolver(r *resolver.Resolver, providers []string) *Context {
	c.Resolver = r
	c.Providers = providers
	return c
}

// WithProxyService sets the gateway service and the active ruleset version.
func (c *Context) WithProxyService(ps *services.ProxyService, rulesetVersion string) *Context {
	c.ProxyService = ps
	c.RulesetVersion = rulesetVersion
	return c
}

// WithSearcher sets the catalog search client.
func (c *Context) WithSearcher(s interfaces.Searcher) *Context {
	c.Searcher = s
	return c
}

// WithCatalog sets the catalog dataset.
func (c *Context) WithCatalog(cat *catalog.Catalog) *Context {
	c.Catalog = cat
	return c
}
