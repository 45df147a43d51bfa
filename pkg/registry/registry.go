// Package registry holds the static provider list and the adapters that parse
// provider responses.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/types"
)

// ErrMissingIMDbID is returned when a provider template needs an IMDb id the
// request does not carry.
var ErrMissingIMDbID = errors.New("provider requires an imdb id")

// Provider is one upstream video-embedding service.
type Provider struct {
	Name    string `yaml:"name"`
	Adapter string `yaml:"adapter"`
	// Mirrors are interchangeable origins, e.g. https://vidsrc.to.
	Mirrors []string `yaml:"mirrors"`
	// Endpoint is a path template with {type} {id} {imdbId} {season} {episode}.
	Endpoint   string `yaml:"endpoint"`
	TVEndpoint string `yaml:"tv_endpoint,omitempty"`
	// SecondaryEndpoint is a path template with {id} for two-step providers.
	SecondaryEndpoint string        `yaml:"secondary_endpoint,omitempty"`
	Credentials       []string      `yaml:"credentials,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	RateLimit         float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 is unlimited
	Burst             int           `yaml:"burst,omitempty"`
	SignRequests      bool          `yaml:"sign_requests,omitempty"`
	Cloudflare        bool          `yaml:"cloudflare,omitempty"`
}

// RequestURL expands the provider's endpoint template on mirror.
func (p Provider) RequestURL(mirror string, req types.ResolveRequest) (string, error) {
	tmpl := p.Endpoint
	if req.MediaType == types.MediaTypeTV && p.TVEndpoint != "" {
		tmpl = p.TVEndpoint
	}
	if strings.Contains(tmpl, "{imdbId}") && req.IMDbID == "" {
		return "", ErrMissingIMDbID
	}

	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = types.MediaTypeMovie
	}
	path := strings.NewReplacer(
		"{type}", string(mediaType),
		"{id}", url.PathEscape(req.TitleID),
		"{imdbId}", url.PathEscape(req.IMDbID),
		"{season}", strconv.Itoa(req.Season),
		"{episode}", strconv.Itoa(req.Episode),
	).Replace(tmpl)
	return strings.TrimSuffix(mirror, "/") + path, nil
}

// SecondaryURL expands the secondary endpoint for a mined identifier. It
// returns nil when the provider has no secondary endpoint.
func (p Provider) SecondaryURL(mirror string) func(id string) string {
	if p.SecondaryEndpoint == "" {
		return nil
	}
	base := strings.TrimSuffix(mirror, "/")
	return func(id string) string {
		return base + strings.ReplaceAll(p.SecondaryEndpoint, "{id}", url.PathEscape(id))
	}
}

// Hosts returns the hostnames of every mirror.
func (p Provider) Hosts() []string {
	hosts := make([]string, 0, len(p.Mirrors))
	for _, m := range p.Mirrors {
		if u, err := url.Parse(m); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}
	return hosts
}

type file struct {
	Providers []Provider `yaml:"providers"`
}

// Registry is the ordered provider list. It is immutable after Load.
type Registry struct {
	providers        []Provider
	mirrorWindow     time.Duration
	credentialWindow time.Duration
}

// Options configures rotation windows and the default per-provider timeout.
type Options struct {
	MirrorWindow     time.Duration
	CredentialWindow time.Duration
	DefaultTimeout   time.Duration
}

//go:embed providers.yaml
var defaultProviders []byte

// Load reads the registry from path, or the embedded default when path is empty.
func Load(path string, opts Options) (*Registry, error) {
	data := defaultProviders
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read providers: %w", err)
		}
		data = b
	}
	return Parse(data, opts)
}

// Parse decodes and validates a YAML provider list.
func Parse(data []byte, opts Options) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse providers: %w", err)
	}
	return New(f.Providers, opts)
}

// New builds a registry from providers in priority order.
func New(providers []Provider, opts Options) (*Registry, error) {
	if opts.MirrorWindow <= 0 {
		opts.MirrorWindow = time.Hour
	}
	if opts.CredentialWindow <= 0 {
		opts.CredentialWindow = 30 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Second
	}

	seen := make(map[string]bool, len(providers))
	list := make([]Provider, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Adapter == "" {
			return nil, fmt.Errorf("provider %s: adapter is required", p.Name)
		}
		if p.Endpoint == "" {
			return nil, fmt.Errorf("provider %s: endpoint is required", p.Name)
		}
		if len(p.Mirrors) == 0 {
			return nil, fmt.Errorf("provider %s: at least one mirror is required", p.Name)
		}
		for _, m := range p.Mirrors {
			u, err := url.Parse(m)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("provider %s: invalid mirror %q", p.Name, m)
			}
		}
		if p.Timeout <= 0 {
			p.Timeout = opts.DefaultTimeout
		}
		p.Mirrors = append([]string(nil), p.Mirrors...)
		p.Credentials = append([]string(nil), p.Credentials...)
		list[i] = p
	}

	return &Registry{
		providers:        list,
		mirrorWindow:     opts.MirrorWindow,
		credentialWindow: opts.CredentialWindow,
	}, nil
}

// List returns the providers in priority order.
func (r *Registry) List() []Provider {
	out := make([]Provider, len(r.providers))
	for i, p := range r.providers {
		p.Mirrors = append([]string(nil), p.Mirrors...)
		p.Credentials = append([]string(nil), p.Credentials...)
		out[i] = p
	}
	return out
}

// Names returns provider names in priority order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name
	}
	return names
}

// CloudflareHosts returns mirror hosts of providers flagged as Cloudflare-protected.
func (r *Registry) CloudflareHosts() []string {
	var hosts []string
	for _, p := range r.providers {
		if p.Cloudflare {
			hosts = append(hosts, p.Hosts()...)
		}
	}
	return hosts
}

// SelectMirror picks the mirror for the rotation window containing now.
func (r *Registry) SelectMirror(p Provider, now time.Time) string {
	return p.Mirrors[windowIndex(now, r.mirrorWindow, len(p.Mirrors))]
}

// SelectCredential picks the credential for the rotation window containing
// now, or "" when the provider has none.
func (r *Registry) SelectCredential(p Provider, now time.Time) string {
	if len(p.Credentials) == 0 {
		return ""
	}
	return p.Credentials[windowIndex(now, r.credentialWindow, len(p.Credentials))]
}

// windowIndex is floor(now / window) mod n.
func windowIndex(now time.Time, window time.Duration, n int) int {
	secs := int64(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	slot := now.Unix() / secs
	idx := slot % int64(n)
	if idx < 0 {
		idx += int64(n)
	}
	return int(idx)
}

// AdapterRegistry maps adapter names to ProviderAdapter implementations.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters []interfaces.ProviderAdapter
	byName   map[string]interfaces.ProviderAdapter
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry(adapters ...interfaces.ProviderAdapter) *AdapterRegistry {
	r := &AdapterRegistry{byName: make(map[string]interfaces.ProviderAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter to the registry.
func (r *AdapterRegistry) Register(adapter interfaces.ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, adapter)
	r.byName[adapter.Name()] = adapter
}

// Get returns the adapter registered under name.
func (r *AdapterRegistry) Get(name string) (interfaces.ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	return a, ok
}

// Validate checks that every provider references a registered adapter.
func (r *AdapterRegistry) Validate(reg *Registry) error {
	for _, p := range reg.providers {
		if _, ok := r.Get(p.Adapter); !ok {
			return fmt.Errorf("provider %s: unknown adapter %q", p.Name, p.Adapter)
		}
	}
	return nil
}

// All returns all registered adapters.
func (r *AdapterRegistry) All() []interfaces.ProviderAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]interfaces.ProviderAdapter, len(r.adapters))
	copy(result, r.adapters)
	return result
}
