// Package cache is the read-through front of the query cache. A query is
// answered from its cached hit list when there is one; otherwise the live
// searcher runs once per concurrent burst and its hit list is stored.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/miracle2k/xappy-sub001/internal/hitlist"
	"github.com/miracle2k/xappy-sub001/internal/querycache"
	"github.com/miracle2k/xappy-sub001/internal/results"
	"github.com/miracle2k/xappy-sub001/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Searcher runs a query against the live engine and returns its full ranked
// hit list.
type Searcher interface {
	Search(ctx context.Context, query string) (hitlist.HitList, error)
}

type QueryCache struct {
	// mu serialises access to the manager, which is single-writer.
	mu       sync.Mutex
	manager  *querycache.Manager
	searcher Searcher
	fetcher  results.DocumentFetcher
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
	hits     atomic.Int64
	misses   atomic.Int64
}

func New(manager *querycache.Manager, searcher Searcher, fetcher results.DocumentFetcher, mt *metrics.Metrics) *QueryCache {
	return &QueryCache{
		manager:  manager,
		searcher: searcher,
		fetcher:  fetcher,
		metrics:  mt,
		logger:   slog.Default().With("component", "query-cache"),
	}
}

// Get returns the cached view of ranks [start, end) for query, or false when
// the query has no cached hit list. A negative end means all hits.
func (c *QueryCache) Get(ctx context.Context, query string, start, end int) (*results.View, bool, error) {
	key := normalizeQuery(query)
	view, ok, err := c.lookup(key, start, end)
	if err != nil {
		return nil, false, err
	}
	c.record(ok)
	if ok {
		c.logger.Debug("cache hit", "query", key)
	}
	return view, ok, nil
}

func (c *QueryCache) lookup(key string, start, end int) (*results.View, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok, err := c.manager.GetQueryID(key)
	if err != nil || !ok {
		return nil, false, err
	}
	cached, err := c.manager.HasHits(q)
	if err != nil || !cached {
		return nil, false, err
	}
	hits, err := c.manager.GetHitsRange(q, start, end)
	if err != nil {
		return nil, false, fmt.Errorf("reading cached hits for %q: %w", key, err)
	}
	return results.NewView(c.fetcher, hits, max(start, 0)), true, nil
}

// Search answers query from the cache, running the live search and caching
// its hit list on a miss. The bool reports whether the answer was cached.
func (c *QueryCache) Search(ctx context.Context, query string, start, end int) (*results.View, bool, error) {
	if view, ok, err := c.Get(ctx, query, start, end); err != nil || ok {
		return view, ok, err
	}
	key := normalizeQuery(query)
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		if _, ok, err := c.lookup(key, 0, 0); err != nil || ok {
			return nil, err
		}
		hits, err := c.searcher.Search(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("live search for %q: %w", key, err)
		}
		if err := c.Store(key, hits); err != nil {
			return nil, err
		}
		return hits, nil
	})
	if err != nil {
		return nil, false, err
	}
	if val == nil {
		// another caller stored the hit list between our lookups
		view, _, err := c.lookup(key, start, end)
		return view, true, err
	}
	return sliceView(c.fetcher, val.(hitlist.HitList), start, end), false, nil
}

func sliceView(fetcher results.DocumentFetcher, hits hitlist.HitList, start, end int) *results.View {
	return results.NewView(fetcher, hits, 0).Slice(start, end)
}

// Store caches hits under query, allocating a query id if needed.
func (c *QueryCache) Store(query string, hits hitlist.HitList) error {
	key := normalizeQuery(query)
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.manager.GetOrMakeQueryID(key)
	if err != nil {
		return fmt.Errorf("allocating id for %q: %w", key, err)
	}
	if err := c.manager.SetHits(q, hits); err != nil {
		return fmt.Errorf("caching hits for %q: %w", key, err)
	}
	if err := c.manager.Flush(); err != nil {
		return err
	}
	c.logger.Debug("cache store", "query", key, "query_id", q, "hits", len(hits))
	return nil
}

// Invalidate drops the cached hit list of query so the next Search reruns it.
func (c *QueryCache) Invalidate(query string) error {
	key := normalizeQuery(query)
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok, err := c.manager.GetQueryID(key)
	if err != nil || !ok {
		return err
	}
	if err := c.manager.Delete(q); err != nil {
		return fmt.Errorf("invalidating %q: %w", key, err)
	}
	c.logger.Info("cache invalidate", "query", key, "query_id", q)
	return c.manager.Flush()
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.CacheLookup(hit)
}

// normalizeQuery folds case and whitespace so trivially different spellings
// of a query share one cache entry.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
