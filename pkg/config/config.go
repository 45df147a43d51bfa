// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// ShutdownTimeout bounds the drain of in-flight requests on exit.
	ShutdownTimeout time.Duration

	// Catalog search
	TMDBAPIKey  string
	TMDBBaseURL string

	// URL signing
	URLSecret     string
	SignedLinkTTL time.Duration

	// Ruleset and provider registry files (embedded defaults when empty)
	RulesetPath   string
	ProvidersPath string

	// Resolution
	ResolvePolicy    string
	ProviderTimeout  time.Duration
	MirrorWindow     time.Duration
	CredentialWindow time.Duration
	EmbedFallback    string

	// Gateway
	ProxyPath     string
	ProxyReferer  string
	ProxyTimeout  time.Duration
	StreamTimeout time.Duration
	MaxBodyBytes  int64

	// Shared cache
	RedisURL       string
	SourceCacheTTL time.Duration
	SearchCacheTTL time.Duration

	// Catalog dataset
	CatalogPath string

	// Outbound proxy settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute
	UTLSDomains     []string

	// Logging
	LogLevel string
	LogJSON  bool

	// Stremio addon
	StremioEnabled bool

	// FlareSolverr settings (for Cloudflare-protected providers)
	FlareSolverrURL     string
	FlareSolverrTimeout time.Duration

	// DotEnvErr is set when a .env file exists but could not be applied.
	DotEnvErr error
}

// TransportRoute defines URL-specific proxy routing.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool // If true, bypass global proxy and connect directly
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first; variables already set in the environment win.
func Load() *Config {
	dotEnvErr := loadDotEnv(".env")

	port := getEnvInt("PORT", 7860)
	cfg := &Config{
		Port:                port,
		BaseURL:             strings.TrimSuffix(getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		ReadTimeout:         getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        getEnvDuration("WRITE_TIMEOUT", 0),
		IdleTimeout:         getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		TMDBAPIKey:          os.Getenv("TMDB_API_KEY"),
		TMDBBaseURL:         getEnvString("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		URLSecret:           os.Getenv("URL_SECRET"),
		SignedLinkTTL:       getEnvDuration("SIGNED_LINK_TTL", 5*time.Minute),
		RulesetPath:         os.Getenv("RULESET_PATH"),
		ProvidersPath:       os.Getenv("PROVIDERS_PATH"),
		ResolvePolicy:       strings.ToLower(getEnvString("RESOLVE_POLICY", "first")),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 5*time.Second),
		MirrorWindow:        getEnvDuration("MIRROR_WINDOW", time.Hour),
		CredentialWindow:    getEnvDuration("CREDENTIAL_WINDOW", 30*time.Minute),
		EmbedFallback:       os.Getenv("EMBED_FALLBACK"),
		ProxyPath:           getEnvString("PROXY_PATH", "/proxy"),
		ProxyReferer:        getEnvString("PROXY_REFERER", "https://www.vidking.net/"),
		ProxyTimeout:        getEnvDuration("PROXY_TIMEOUT", 15*time.Second),
		StreamTimeout:       getEnvDuration("STREAM_TIMEOUT", 30*time.Minute),
		MaxBodyBytes:        int64(getEnvInt("MAX_BODY_BYTES", 16<<20)),
		RedisURL:            os.Getenv("REDIS_URL"),
		SourceCacheTTL:      getEnvDuration("SOURCE_CACHE_TTL", 2*time.Minute),
		SearchCacheTTL:      getEnvDuration("SEARCH_CACHE_TTL", 10*time.Minute),
		CatalogPath:         getEnvString("CATALOG_PATH", "public/data/catalog.json"),
		GlobalProxies:       getEnvStringSlice("GLOBAL_PROXIES", nil),
		UTLSDomains:         getEnvStringSlice("UTLS_DOMAINS", nil),
		LogLevel:            getEnvString("LOG_LEVEL", "info"),
		LogJSON:             getEnvBool("LOG_JSON", false),
		StremioEnabled:      getEnvBool("STREMIO_ENABLED", true),
		FlareSolverrURL:     getEnvString("FLARESOLVERR_URL", ""),
		FlareSolverrTimeout: getEnvDuration("FLARESOLVERR_TIMEOUT", 60*time.Second),
		DotEnvErr:           dotEnvErr,
	}

	cfg.TransportRoutes = parseTransportRoutes(os.Getenv("TRANSPORT_ROUTES"))

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	return cfg
}

// loadDotEnv applies the file at path to the environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ProxyEndpoint returns the absolute gateway URL used in rewritten links.
func (c *Config) ProxyEndpoint() string {
	return c.BaseURL + c.ProxyPath
}

// parseTransportRoutes parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	s = strings.TrimSpace(s)

	parts := strings.Split(s, "}, {")
	for _, part := range parts {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		for _, field := range strings.Split(part, ", ") {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			value := strings.TrimSpace(kv[1])

			switch strings.ToUpper(strings.TrimSpace(kv[0])) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.EqualFold(value, "true")
			case "DIRECT":
				route.Direct = strings.EqualFold(value, "true")
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Plain integers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
