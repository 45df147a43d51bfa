// Package resolver turns a title into playable stream sources by walking the
// provider registry.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"shuttuflix-go/pkg/extractors"
	"shuttuflix-go/pkg/interfaces"
	"shuttuflix-go/pkg/logging"
	"shuttuflix-go/pkg/registry"
	"shuttuflix-go/pkg/signer"
	"shuttuflix-go/pkg/types"
)

// Policy decides how provider results are combined.
type Policy string

const (
	// PolicyFirst tries providers in order and stops at the first non-empty result.
	PolicyFirst Policy = "first"
	// PolicyRace starts every provider at once; the first non-empty result wins
	// and the rest are cancelled.
	PolicyRace Policy = "race"
	// PolicyAggregate collects every provider's sources in registry order.
	PolicyAggregate Policy = "aggregate"
)

// ParsePolicy validates a RESOLVE_POLICY value. Empty means first.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyFirst, nil
	case PolicyFirst, PolicyRace, PolicyAggregate:
		return p, nil
	}
	return "", fmt.Errorf("unknown resolve policy %q", s)
}

// FallbackProvider names the raw-embed source returned when every provider fails.
const FallbackProvider = "embed-fallback"

// outboundSignTTL is the validity of signatures on provider requests.
const outboundSignTTL = time.Hour

// Provider request headers besides Authorization and Referer.
var baseHeaders = map[string]string{
	"User-Agent":       extractors.DefaultUserAgent,
	"Accept":           "application/json, text/javascript, */*; q=0.01",
	"X-Requested-With": "XMLHttpRequest",
}

var errRateLimited = errors.New("rate limited")

// Options configures a Resolver.
type Options struct {
	Policy Policy
	// EmbedFallback is a URL template ({type} {id} {imdbId} {season} {episode})
	// returned as a single unfiltered source when every provider fails.
	EmbedFallback string
	// Cache, when set, stores non-empty results for CacheTTL.
	Cache    interfaces.SourceCache
	CacheTTL time.Duration
	// CloudflareFetcher serves providers flagged cloudflare. Nil uses the default fetcher.
	CloudflareFetcher interfaces.PageFetcher
	Now               func() time.Time
}

// Resolver orchestrates provider attempts. It is safe for concurrent use.
type Resolver struct {
	reg      *registry.Registry
	adapters *registry.AdapterRegistry
	fetcher  interfaces.PageFetcher
	signer   *signer.Signer
	limiters map[string]*rate.Limiter
	group    singleflight.Group
	log      *logging.Logger
	opts     Options
}

// New creates a Resolver. Every provider must reference a registered adapter.
func New(reg *registry.Registry, adapters *registry.AdapterRegistry, fetcher interfaces.PageFetcher, sign *signer.Signer, log *logging.Logger, opts Options) (*Resolver, error) {
	if err := adapters.Validate(reg); err != nil {
		return nil, err
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFirst
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limiters := make(map[string]*rate.Limiter)
	for _, p := range reg.List() {
		if p.RateLimit <= 0 {
			continue
		}
		burst := p.Burst
		if burst <= 0 {
			burst = max(1, int(p.RateLimit))
		}
		limiters[p.Name] = rate.NewLimiter(rate.Limit(p.RateLimit), burst)
	}

	return &Resolver{
		reg:      reg,
		adapters: adapters,
		fetcher:  fetcher,
		signer:   sign,
		limiters: limiters,
		log:      log.WithComponent("resolver"),
		opts:     opts,
	}, nil
}

// Policy returns the configured policy.
func (r *Resolver) Policy() Policy {
	return r.opts.Policy
}

// Resolve returns the sources for req. An exhausted resolution is not an
// error: it has no sources (or only the unfiltered fallback) and Exhausted
// set. Errors are returned only for invalid requests or a cancelled ctx.
//
// Concurrent calls for the same request share one resolution.
func (r *Resolver) Resolve(ctx context.Context, req types.ResolveRequest) (*types.Resolution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.MediaType == "" {
		req.MediaType = types.MediaTypeMovie
	}
	key := req.CacheKey()

	if r.opts.Cache != nil {
		if sources, ok := r.opts.Cache.GetSources(ctx, key); ok {
			r.log.Debug("source cache hit", "key", key, "sources", len(sources))
			return &types.Resolution{Sources: sources, Attempts: []types.Attempt{}, Cached: true}, nil
		}
	}

	// The shared resolution outlives any single caller; provider timeouts bound it.
	ch := r.group.DoChan(key, func() (any, error) {
		return r.resolve(context.WithoutCancel(ctx), req), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		shared := res.Val.(*types.Resolution)
		out := *shared
		out.Sources = make([]types.StreamSource, len(shared.Sources))
		copy(out.Sources, shared.Sources)
		out.Attempts = make([]types.Attempt, len(shared.Attempts))
		copy(out.Attempts, shared.Attempts)
		return &out, nil
	}
}

func (r *Resolver) resolve(ctx context.Context, req types.ResolveRequest) *types.Resolution {
	start := time.Now()
	providers := r.reg.List()

	var res *types.Resolution
	switch r.opts.Policy {
	case PolicyRace:
		res = r.race(ctx, providers, req)
	case PolicyAggregate:
		res = r.aggregate(ctx, providers, req)
	default:
		res = r.sequential(ctx, providers, req)
	}

	if len(res.Sources) == 0 {
		res.Exhausted = true
		if fb, ok := r.fallback(req); ok {
			res.Sources = []types.StreamSource{fb}
		}
	} else if r.opts.Cache != nil {
		if err := r.opts.Cache.SetSources(ctx, req.CacheKey(), res.Sources, r.opts.CacheTTL); err != nil {
			r.log.Warn("failed to cache sources", "error", err)
		}
	}
	if res.Sources == nil {
		res.Sources = []types.StreamSource{}
	}

	r.log.Info("resolution finished",
		"title", req.TitleID,
		"type", req.MediaType,
		"policy", r.opts.Policy,
		"sources", len(res.Sources),
		"attempts", len(res.Attempts),
		"exhausted", res.Exhausted,
		"duration", time.Since(start),
	)
	return res
}

// sequential tries providers in order and stops at the first success.
// Providers after the winner stay pending.
func (r *Resolver) sequential(ctx context.Context, providers []registry.Provider, req types.ResolveRequest) *types.Resolution {
	res := &types.Resolution{Attempts: make([]types.Attempt, len(providers))}
	for i, p := range providers {
		res.Attempts[i] = types.Attempt{Provider: p.Name, State: types.AttemptPending}
	}

	for i, p := range providers {
		attempt, sources := r.attempt(ctx, p, req)
		res.Attempts[i] = attempt
		if len(sources) > 0 {
			res.Sources = sources
			break
		}
	}
	return res
}

// race starts every provider; the first non-empty result cancels the rest.
func (r *Resolver) race(ctx context.Context, providers []registry.Provider, req types.ResolveRequest) *types.Resolution {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	attempts := make([]types.Attempt, len(providers))
	results := make([][]types.StreamSource, len(providers))
	var winner atomic.Int32
	winner.Store(-1)

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			attempts[i], results[i] = r.attempt(ctx, p, req)
			if len(results[i]) > 0 && winner.CompareAndSwap(-1, int32(i)) {
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	res := &types.Resolution{Attempts: attempts}
	if w := winner.Load(); w >= 0 {
		res.Sources = results[w]
	}
	return res
}

// aggregate merges every provider's sources in registry order.
func (r *Resolver) aggregate(ctx context.Context, providers []registry.Provider, req types.ResolveRequest) *types.Resolution {
	attempts := make([]types.Attempt, len(providers))
	results := make([][]types.StreamSource, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			attempts[i], results[i] = r.attempt(ctx, p, req)
			return nil
		})
	}
	g.Wait()

	res := &types.Resolution{Attempts: attempts}
	seen := make(map[string]bool)
	for _, sources := range results {
		for _, s := range sources {
			if !seen[s.URL] {
				seen[s.URL] = true
				res.Sources = append(res.Sources, s)
			}
		}
	}
	return res
}

// attempt calls one provider under its own timeout. It never retries.
func (r *Resolver) attempt(ctx context.Context, p registry.Provider, req types.ResolveRequest) (types.Attempt, []types.StreamSource) {
	now := r.opts.Now()
	mirror := r.reg.SelectMirror(p, now)
	a := types.Attempt{Provider: p.Name, Mirror: mirror, State: types.AttemptTrying}
	log := r.log.WithProvider(p.Name, mirror)
	start := time.Now()

	finish := func(state types.AttemptState, sources []types.StreamSource, err error) (types.Attempt, []types.StreamSource) {
		a.State = state
		a.Sources = len(sources)
		a.Duration = time.Since(start)
		if err != nil {
			a.Err = err.Error()
			log.Warn("provider attempt failed", "state", state, "error", err, "duration", a.Duration)
		} else {
			log.Debug("provider attempt succeeded", "sources", len(sources), "duration", a.Duration)
		}
		return a, sources
	}

	if lim := r.limiters[p.Name]; lim != nil && !lim.Allow() {
		return finish(types.AttemptSkipped, nil, errRateLimited)
	}

	target, err := p.RequestURL(mirror, req)
	if errors.Is(err, registry.ErrMissingIMDbID) {
		return finish(types.AttemptSkipped, nil, err)
	}
	if err != nil {
		return finish(types.AttemptFailed, nil, err)
	}
	if p.SignRequests && r.signer != nil {
		if target, err = r.signer.SignQuery(target, outboundSignTTL); err != nil {
			return finish(types.AttemptFailed, nil, fmt.Errorf("sign request: %w", err))
		}
	}

	adapter, ok := r.adapters.Get(p.Adapter)
	if !ok {
		return finish(types.AttemptFailed, nil, fmt.Errorf("unknown adapter %q", p.Adapter))
	}

	headers := make(map[string]string, len(baseHeaders)+2)
	for k, v := range baseHeaders {
		headers[k] = v
	}
	headers["Referer"] = mirror
	if cred := r.reg.SelectCredential(p, now); cred != "" {
		headers["Authorization"] = "Bearer " + cred
	}

	fetcher := r.fetcher
	if p.Cloudflare && r.opts.CloudflareFetcher != nil {
		fetcher = r.opts.CloudflareFetcher
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	sources, err := adapter.Extract(ctx, &interfaces.ProviderCall{
		Provider:     p.Name,
		Mirror:       mirror,
		URL:          target,
		Headers:      headers,
		Request:      req,
		SecondaryURL: p.SecondaryURL(mirror),
		Fetcher:      fetcher,
	})
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return finish(types.AttemptFailed, nil, fmt.Errorf("timeout after %s", p.Timeout))
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		return finish(types.AttemptFailed, nil, errors.New("cancelled"))
	case err != nil:
		return finish(types.AttemptFailed, nil, err)
	case len(sources) == 0:
		return finish(types.AttemptFailed, nil, extractors.ErrNoSources)
	}
	return finish(types.AttemptSucceeded, sources, nil)
}

// fallback builds the raw-embed source from the configured template.
func (r *Resolver) fallback(req types.ResolveRequest) (types.StreamSource, bool) {
	tmpl := r.opts.EmbedFallback
	if tmpl == "" {
		return types.StreamSource{}, false
	}
	if strings.Contains(tmpl, "{imdbId}") && req.IMDbID == "" {
		return types.StreamSource{}, false
	}
	target := strings.NewReplacer(
		"{type}", string(req.MediaType),
		"{id}", req.TitleID,
		"{imdbId}", req.IMDbID,
		"{season}", strconv.Itoa(req.Season),
		"{episode}", strconv.Itoa(req.Episode),
	).Replace(tmpl)

	return types.StreamSource{
		URL:        target,
		Quality:    "auto",
		Kind:       types.StreamKindEmbed,
		Provider:   FallbackProvider,
		Domain:     extractors.GetDomain(target),
		Unfiltered: true,
	}, true
}
