// Package geo maps resource URIs to a "{countryCode}-{country}-{city}"
// location string by asking several geolocation providers for the same IP
// and keeping the most complete accepted answer.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resource-catalog/internal/metrics"
	"github.com/JakeFAU/resource-catalog/internal/policy/ratelimit"
)

// ErrProviderSkipped marks a provider that was never asked because its rate
// limiter could not grant a token before the context deadline.
var ErrProviderSkipped = errors.New("geolocation provider skipped")

// Cache stores final location strings keyed by IP.
type Cache interface {
	// Get returns the cached location and whether it was present.
	Get(ctx context.Context, ip string) (string, bool, error)
	Set(ctx context.Context, ip, location string) error
	Close(ctx context.Context) error
}

// Config controls the resolver.
type Config struct {
	// Providers lists provider names in query order.
	Providers []string
	// Keys holds API keys or tokens per provider name.
	Keys map[string]string
	// BaseURLs overrides provider endpoints, mostly for tests.
	BaseURLs      map[string]string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// Result is the outcome of one Resolve call.
type Result struct {
	IP       string
	Location string
	Cached   bool
	// Providers records, per provider queried, whether it returned an
	// accepted answer. It is empty on a cache hit, and skipped providers
	// have no entry.
	Providers map[string]bool
}

// Known reports whether the location is something other than the sentinel.
func (r Result) Known() bool {
	return r.Location != "" && r.Location != UnknownLocation
}

type provider struct {
	spec ProviderSpec
	base string
	key  string
}

// Resolver performs consensus geolocation with a cache in front.
type Resolver struct {
	providers []provider
	cache     Cache
	client    *http.Client
	timeout   time.Duration
	limiter   *ratelimit.Limiter
	userAgent string
	logger    *zap.Logger
}

// NewResolver validates the provider list and builds a Resolver. A nil
// client gets a dedicated one; a nil cache disables caching.
func NewResolver(cfg Config, cache Cache, client *http.Client, logger *zap.Logger) (*Resolver, error) {
	names := cfg.Providers
	if len(names) == 0 {
		names = DefaultProviders
	}
	providers := make([]provider, 0, len(names))
	for _, name := range names {
		spec, err := LookupSpec(name)
		if err != nil {
			return nil, err
		}
		base := spec.BaseURL
		if override := cfg.BaseURLs[spec.Name]; override != "" {
			base = strings.TrimRight(override, "/")
		}
		providers = append(providers, provider{spec: spec, base: base, key: cfg.Keys[spec.Name]})
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		providers: providers,
		cache:     cache,
		client:    client,
		timeout:   timeout,
		limiter:   ratelimit.New(ratelimit.Config{RatePerSecond: cfg.RatePerSecond, Burst: cfg.Burst}),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}, nil
}

// Resolve returns the location of ip. A cache hit skips every provider. The
// first accepted answer wins unless its city is unknown and a later accepted
// answer knows the city. When every provider was asked and nothing was
// accepted, the sentinel UnknownLocation is cached and returned. When some
// provider was skipped instead, the sentinel comes back with an error
// wrapping ErrProviderSkipped and nothing is cached.
func (r *Resolver) Resolve(ctx context.Context, ip string) (Result, error) {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return Result{}, fmt.Errorf("resolve %q: %w", ip, ErrNoIP)
	}
	if r.cache != nil {
		loc, ok, err := r.cache.Get(ctx, ip)
		if err != nil {
			r.logger.Warn("geo cache read failed", zap.String("ip", ip), zap.Error(err))
		}
		metrics.ObserveGeoCache(ok)
		if ok {
			return Result{IP: ip, Location: loc, Cached: true, Providers: map[string]bool{}}, nil
		}
	}

	best, flags, skipped := r.consensus(ctx, ip)
	if err := ctx.Err(); err != nil {
		// Cancelled lookups are not cached; the flags would be misleading.
		return Result{IP: ip, Location: UnknownLocation, Providers: flags}, fmt.Errorf("resolve %s: %w", ip, err)
	}
	if !best.Accepted() && skipped > 0 {
		return Result{IP: ip, Location: UnknownLocation, Providers: flags},
			fmt.Errorf("resolve %s: %d of %d providers: %w", ip, skipped, len(r.providers), ErrProviderSkipped)
	}
	location := UnknownLocation
	if best.Accepted() {
		location = best.String()
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, ip, location); err != nil {
			r.logger.Warn("geo cache write failed", zap.String("ip", ip), zap.Error(err))
		}
	}
	return Result{IP: ip, Location: location, Providers: flags}, nil
}

// consensus asks each provider in order and reports how many were skipped.
func (r *Resolver) consensus(ctx context.Context, ip string) (Location, map[string]bool, int) {
	flags := make(map[string]bool, len(r.providers))
	var best Location
	skipped := 0
	for _, p := range r.providers {
		if ctx.Err() != nil {
			break
		}
		loc, err := r.query(ctx, p, ip)
		if errors.Is(err, ErrProviderSkipped) {
			skipped++
			r.logger.Debug("geo provider skipped",
				zap.String("provider", p.spec.Name),
				zap.String("ip", ip),
				zap.Error(err))
			continue
		}
		accepted := err == nil && loc.Accepted()
		flags[p.spec.Name] = accepted
		metrics.ObserveGeoProvider(p.spec.Name, accepted)
		if err != nil {
			r.logger.Debug("geo provider failed",
				zap.String("provider", p.spec.Name),
				zap.String("ip", ip),
				zap.Error(err))
		}
		if !accepted {
			continue
		}
		switch {
		case !best.Accepted():
			best = loc
		case !best.CityKnown() && loc.CityKnown():
			best = loc
		}
	}
	return best, flags, skipped
}

// CurrentLocation resolves the caller's own location by asking each provider
// about the requesting address. It never fails; the sentinel is returned
// when no provider answers.
func (r *Resolver) CurrentLocation(ctx context.Context) string {
	best, _, _ := r.consensus(ctx, "")
	if !best.Accepted() {
		return UnknownLocation
	}
	return best.String()
}

func (r *Resolver) query(ctx context.Context, p provider, ip string) (Location, error) {
	if err := r.limiter.Wait(ctx, p.spec.Name); err != nil {
		return Location{}, fmt.Errorf("%w: %w", ErrProviderSkipped, err)
	}
	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(qctx, http.MethodGet, p.base+p.spec.Path(ip, p.key), nil)
	if err != nil {
		return Location{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	if p.spec.Authorize != nil {
		p.spec.Authorize(req, p.key)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close geo response", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusBadRequest {
		return Location{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Location{}, fmt.Errorf("decode response: %w", err)
	}
	loc := p.spec.parse(body)
	if !loc.Accepted() {
		return loc, errors.New("answer lacks country code or name")
	}
	return loc, nil
}

// Close releases the cache.
func (r *Resolver) Close(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Close(ctx)
}
