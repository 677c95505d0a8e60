// Package cache provides the per-session asset details memoization table.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

// DetailsCache memoizes per-asset metadata (name, ticker, divisibility)
// keyed by asset id. It is scoped to one composition session: populated
// lazily, never evicted. The candidate set is bounded by what the user's
// portfolios hold, so an unbounded map is acceptable.
type DetailsCache struct {
	svc     chain.Service
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string]chain.AssetDetails
}

func NewDetailsCache(svc chain.Service, metrics *observability.Metrics) *DetailsCache {
	return &DetailsCache{
		svc:     svc,
		metrics: metrics,
		entries: make(map[string]chain.AssetDetails),
	}
}

// Get returns the cached details for an asset without fetching.
func (c *DetailsCache) Get(assetID string) (chain.AssetDetails, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.entries[assetID]
	return d, ok
}

// GetOrFetch returns cached details, fetching and caching on a miss.
func (c *DetailsCache) GetOrFetch(ctx context.Context, assetID string) (chain.AssetDetails, error) {
	if d, ok := c.Get(assetID); ok {
		if c.metrics != nil {
			c.metrics.DetailsCacheHits.Inc()
		}
		return d, nil
	}

	if c.metrics != nil {
		c.metrics.DetailsCacheMisses.Inc()
	}

	d, err := c.svc.GetAssetDetails(ctx, assetID)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DetailsFetchErrors.Inc()
		}
		return chain.AssetDetails{}, err
	}

	c.mu.Lock()
	c.entries[assetID] = d
	c.mu.Unlock()
	return d, nil
}

// Warm fetches details for every asset id not already cached. Fetches run
// concurrently and the call returns once the whole batch has settled. A
// failed fetch leaves that entry absent: display falls back to the raw
// asset id and a later lookup retries.
func (c *DetailsCache) Warm(ctx context.Context, assetIDs []string) {
	var missing []string
	c.mu.RLock()
	for _, id := range assetIDs {
		if _, ok := c.entries[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]chain.AssetDetails, len(missing))
	fetched := make([]bool, len(missing))

	for i, id := range missing {
		i, id := i, id
		g.Go(func() error {
			d, err := c.svc.GetAssetDetails(gctx, id)
			if err != nil {
				if c.metrics != nil {
					c.metrics.DetailsFetchErrors.Inc()
				}
				return nil // failures degrade display, never block the batch
			}
			results[i] = d
			fetched[i] = true
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	for i := range missing {
		if fetched[i] {
			c.entries[missing[i]] = results[i]
		}
	}
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *DetailsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
