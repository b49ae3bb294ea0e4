// Package cache keeps short-lived venue quotes in front of a price source so
// a burst of signals on one symbol costs one venue call.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"execution-core/pkg/exchanges/common"
)

const numShards = 16

// QuoteCache is a sharded TTL cache that satisfies common.PriceSource.
type QuoteCache struct {
	upstream common.PriceSource
	ttl      time.Duration
	now      func() time.Time
	shards   [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	quote     common.Quote
	fetchedAt time.Time
}

var _ common.PriceSource = (*QuoteCache)(nil)

type Option func(*QuoteCache)

// WithClock overrides time.Now for expiry.
func WithClock(now func() time.Time) Option { return func(c *QuoteCache) { c.now = now } }

// NewQuoteCache serves quotes younger than ttl from memory. A ttl of zero
// disables caching.
func NewQuoteCache(upstream common.PriceSource, ttl time.Duration, opts ...Option) *QuoteCache {
	c := &QuoteCache{upstream: upstream, ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{
			items: make(map[string]quoteEntry),
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *QuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *QuoteCache) GetPrice(ctx context.Context, symbol string) (common.Quote, error) {
	if q, ok := c.fresh(symbol); ok {
		return q, nil
	}
	q, err := c.upstream.GetPrice(ctx, symbol)
	if err != nil {
		return common.Quote{}, err
	}
	c.Set(symbol, q)
	return q, nil
}

func (c *QuoteCache) fresh(symbol string) (common.Quote, bool) {
	if c.ttl <= 0 {
		return common.Quote{}, false
	}
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return common.Quote{}, false
	}
	return entry.quote, true
}

// Set stores a quote for a symbol.
func (c *QuoteCache) Set(symbol string, q common.Quote) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = quoteEntry{quote: q, fetchedAt: c.now()}
	shard.mu.Unlock()
}

// Invalidate forces the next GetPrice for symbol to the upstream.
func (c *QuoteCache) Invalidate(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *QuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.fetchedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
