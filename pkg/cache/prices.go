package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache is a sharded symbol -> price cache. The portfolio poller shares
// it across users so one refresh round only looks each symbol up once.
type PriceCache struct {
	shards [numShards]*priceShard
	maxAge time.Duration
	now    Clock
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates a sharded price cache; entries older than maxAge miss.
func NewPriceCache(maxAge time.Duration, now Clock) *PriceCache {
	if now == nil {
		now = time.Now
	}
	c := &PriceCache{maxAge: maxAge, now: now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]priceEntry)}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get retrieves a price for a symbol if it is fresh enough.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || c.now().Sub(entry.updatedAt) > c.maxAge {
		return 0, false
	}
	return entry.price, true
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than the cache max age.
func (c *PriceCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
