package chain

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"flare-signals/internal/logging"
	"flare-signals/internal/metrics"
)

// DefaultCacheSize bounds the anchor cache when no size is configured.
const DefaultCacheSize = 4096

// Locator finds the block produced at or before a timestamp using a live node.
type Locator interface {
	Locate(ctx context.Context, c Chain, timestampMs int64, estimate uint64) (uint64, error)
}

// ResolverOptions tune the resolver.
type ResolverOptions struct {
	CacheSize int
	// Locator refines estimates for chains that list RPC endpoints. Nil keeps the linear model.
	Locator Locator
	Metrics *metrics.Metrics
}

type cacheKey struct {
	chainID int64
	second  int64
}

// Resolver turns (chain, timestamp) into a cached block anchor.
type Resolver struct {
	registry *Registry
	locator  Locator
	cache    *lru.Cache[cacheKey, uint64]
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewResolver builds a resolver over registry.
func NewResolver(registry *Registry, opts ResolverOptions, logger zerolog.Logger) (*Resolver, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("create anchor cache: %w", err)
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Resolver{
		registry: registry,
		locator:  opts.Locator,
		cache:    cache,
		metrics:  opts.Metrics,
		logger:   logging.Component(logger, "block_resolver"),
	}, nil
}

// Registry exposes the underlying chain registry.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Resolve returns the block anchor for chainID at timestampMs. Timestamps are rounded down to
// the second; repeated calls with the same inputs are served from the cache.
func (r *Resolver) Resolve(ctx context.Context, chainID int64, timestampMs int64) (uint64, error) {
	key := cacheKey{chainID: chainID, second: floorDiv(timestampMs, 1000)}
	if block, ok := r.cache.Get(key); ok {
		r.metrics.AnchorLookup(true)
		return block, nil
	}
	r.metrics.AnchorLookup(false)

	v, err, _ := r.group.Do(fmt.Sprintf("%d:%d", key.chainID, key.second), func() (any, error) {
		if block, ok := r.cache.Get(key); ok {
			return block, nil
		}
		block, exact := r.compute(ctx, chainID, key.second*1000)
		if exact {
			r.cache.Add(key, block)
		}
		return block, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Clear drops every cached anchor.
func (r *Resolver) Clear() {
	r.cache.Purge()
}

// compute reports exact=false when an RPC lookup failed and the linear estimate stands in,
// so the fallback is retried on the next call instead of cached.
func (r *Resolver) compute(ctx context.Context, chainID int64, timestampMs int64) (uint64, bool) {
	c := r.registry.Resolve(chainID)
	estimate := c.Estimate(timestampMs)
	if r.locator == nil || len(c.RPCEndpoints) == 0 {
		return estimate, true
	}

	block, err := r.locator.Locate(ctx, c, timestampMs, estimate)
	if err != nil {
		r.logger.Warn().Err(err).
			Int64("chain_id", chainID).
			Uint64("estimate", estimate).
			Msg("rpc block lookup failed; using linear estimate")
		return estimate, false
	}
	return block, true
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
