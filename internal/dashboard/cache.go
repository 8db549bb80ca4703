package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/ipiton/stackmon/internal/apperr"
	"github.com/ipiton/stackmon/internal/metrics"
)

// ErrNotFound is returned by Lookup when no cache entry subset-matches the
// descriptor even after a refresh.
var ErrNotFound = errors.New("component not found")

// Fetcher is the subset of *Client the cache needs; an interface so tests
// can substitute a fake.
type Fetcher interface {
	FetchComponents(ctx context.Context) ([]Component, error)
}

type entry struct {
	attrs []Attribute // sorted ascending by (name, value)
	id    uint32
}

// Cache indexes Dashboard components by name, with subset-attribute
// lookup: a descriptor matches an entry iff every descriptor attribute is
// present with an equal value in the entry's attributes. Cache is built
// once at reporter startup (with retry) and read-mostly afterward; a
// lookup miss triggers a single-flight refresh so concurrent misses don't
// stampede the Dashboard.
type Cache struct {
	mu     sync.RWMutex
	byName map[string][]entry

	fetcher Fetcher
	sf      singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithMetrics attaches a Metrics instance so every Lookup call records a
// hit/miss outcome. Returns c for chaining.
func (c *Cache) WithMetrics(m *metrics.Metrics) *Cache {
	c.metrics = m
	return c
}

// Build fetches the full component list with up to 3 attempts and a fixed
// 60-second delay between attempts. Final failure is returned as a
// CacheError and is fatal for the reporter, per contract.
func Build(ctx context.Context, fetcher Fetcher, logger *slog.Logger) (*Cache, error) {
	backoff := retry.NewConstant(60 * time.Second)
	backoff = retry.WithMaxRetries(2, backoff) // 1 initial attempt + 2 retries = 3 total
	return build(ctx, fetcher, logger, backoff)
}

func build(ctx context.Context, fetcher Fetcher, logger *slog.Logger, backoff retry.Backoff) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{fetcher: fetcher, logger: logger, byName: make(map[string][]entry)}

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		components, ferr := fetcher.FetchComponents(ctx)
		if ferr != nil {
			logger.Warn("component cache build attempt failed, will retry", "error", ferr)
			return retry.RetryableError(ferr)
		}
		c.rebuild(components)
		return nil
	})
	if err != nil {
		return nil, apperr.CacheError(err, "building component cache after retries exhausted")
	}

	return c, nil
}

func (c *Cache) rebuild(components []Component) {
	byName := make(map[string][]entry, len(components))
	for _, comp := range components {
		byName[comp.Name] = append(byName[comp.Name], entry{
			attrs: canonicalize(comp.Attributes),
			id:    comp.ID,
		})
	}

	c.mu.Lock()
	c.byName = byName
	c.mu.Unlock()
}

// Lookup resolves descriptor to a component ID. On miss it refreshes the
// full component list once (single-flighted across concurrent callers)
// and retries; a miss after refresh surfaces ErrNotFound so the caller
// can skip this service for the cycle.
func (c *Cache) Lookup(ctx context.Context, descriptor Descriptor) (uint32, error) {
	if id, ok := c.lookupOnce(descriptor); ok {
		c.recordLookup("hit")
		return id, nil
	}

	_, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		components, ferr := c.fetcher.FetchComponents(ctx)
		if ferr != nil {
			return nil, ferr
		}
		c.rebuild(components)
		return nil, nil
	})
	if err != nil {
		c.recordLookup("error")
		return 0, apperr.CacheError(err, "refreshing component cache on lookup miss")
	}

	if id, ok := c.lookupOnce(descriptor); ok {
		c.recordLookup("hit_after_refresh")
		return id, nil
	}
	c.recordLookup("miss")
	return 0, ErrNotFound
}

func (c *Cache) recordLookup(result string) {
	if c.metrics != nil {
		c.metrics.ComponentCacheHits.WithLabelValues(result).Inc()
	}
}

func (c *Cache) lookupOnce(descriptor Descriptor) (uint32, bool) {
	want := canonicalize(descriptor.Attributes)

	c.mu.RLock()
	candidates := c.byName[descriptor.Name]
	c.mu.RUnlock()

	var best *entry
	for i := range candidates {
		cand := candidates[i]
		if !isSubset(want, cand.attrs) {
			continue
		}
		if best == nil || len(cand.attrs) < len(best.attrs) || (len(cand.attrs) == len(best.attrs) && cand.id < best.id) {
			best = &cand
		}
	}

	if best == nil {
		return 0, false
	}

	matchCount := 0
	for i := range candidates {
		if isSubset(want, candidates[i].attrs) {
			matchCount++
		}
	}
	if matchCount > 1 {
		c.logger.Warn("multiple components subset-match descriptor, picking most specific", "name", descriptor.Name, "candidates", matchCount, "chosen_id", best.id)
	}

	return best.id, true
}

// canonicalize sorts attributes ascending by (name, value) so attribute
// order never affects matching or the cache key.
func canonicalize(attrs []Attribute) []Attribute {
	out := make([]Attribute, len(attrs))
	copy(out, attrs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// isSubset reports whether every attribute in want is present with an
// equal value in have. Both slices must already be canonicalized.
func isSubset(want, have []Attribute) bool {
	haveSet := make(map[Attribute]struct{}, len(have))
	for _, a := range have {
		haveSet[a] = struct{}{}
	}
	for _, a := range want {
		if _, ok := haveSet[a]; !ok {
			return false
		}
	}
	return true
}
