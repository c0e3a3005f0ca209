// Package cache bounds the cost of resolving the same raw_config
// repeatedly (spec §4.6: every identify/configure call needs the fully
// merged raw_config for a device's config). Grounded on the teacher's
// internal/infrastructure/template cache for the LRU-plus-logging shape,
// trimmed to a single in-memory tier since resolved raw_config is
// process-local and cheap to recompute on a miss.
package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/proformatique/provd/internal/document"
)

// entry pairs a cached resolved raw_config with the generation it was
// computed for, so a stale hit (generation mismatch after a cascade
// invalidation) is treated as a miss rather than served (spec §4.6).
type entry struct {
	generation uint64
	raw        document.Document
}

// ResolvedConfigCache caches GetRawConfig results by config id.
type ResolvedConfigCache struct {
	lru        *lru.Cache[string, entry]
	generation atomic.Uint64
	logger     *slog.Logger

	mu      sync.Mutex
	hits    int64
	misses  int64
}

// New builds a cache holding up to size resolved configs.
func New(size int, logger *slog.Logger) (*ResolvedConfigCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &ResolvedConfigCache{lru: l, logger: logger}, nil
}

// Get returns a cached resolved raw_config for id, if present and not
// invalidated by a later Bump.
func (c *ResolvedConfigCache) Get(id string) (document.Document, bool) {
	e, ok := c.lru.Get(id)
	if !ok || e.generation != c.generation.Load() {
		c.recordMiss()
		if ok {
			c.lru.Remove(id) // stale, drop eagerly
		}
		return nil, false
	}
	c.recordHit()
	return e.raw, true
}

// Put stores a freshly resolved raw_config for id.
func (c *ResolvedConfigCache) Put(id string, raw document.Document) {
	c.lru.Add(id, entry{generation: c.generation.Load(), raw: raw})
}

// Invalidate evicts a single id without bumping the global generation —
// used when only that config's own entry changed and descendants were
// already individually invalidated by the cascade (spec §4.6 "update
// cascade").
func (c *ResolvedConfigCache) Invalidate(id string) {
	c.lru.Remove(id)
}

// InvalidateAll bumps the generation counter, lazily invalidating every
// entry on its next Get without walking the whole cache — used after a
// config update whose descendant set (internal/rawconfig.GetDescendants)
// is large enough that per-id eviction would cost more than a blanket
// bump.
func (c *ResolvedConfigCache) InvalidateAll() {
	c.generation.Add(1)
	c.logger.Debug("resolved config cache generation bumped")
}

func (c *ResolvedConfigCache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *ResolvedConfigCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Stats reports cumulative hit/miss counts.
type Stats struct {
	Hits   int64
	Misses int64
	Len    int
}

// Stats returns the cache's current statistics.
func (c *ResolvedConfigCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Len: c.lru.Len()}
}
