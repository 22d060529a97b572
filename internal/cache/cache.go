// Package cache provides the sharded LRU cache used for compiled kernel
// programs.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/golang/groupcache/lru"
)

const (
	// ShardCount must be a power of two for fast modulo via bitwise AND.
	ShardCount = 8

	// DefaultCapacity is the default maximum entries per shard.
	DefaultCapacity = 64

	shardMask = ShardCount - 1
)

// StringHasher computes the FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Cache is a thread-safe sharded LRU cache keyed by string.
//
// Values are created at most once per key while resident; creation errors
// are returned to the caller and never cached.
type Cache[V any] struct {
	shards [ShardCount]*shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type shard struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// New creates a cache holding up to capacity entries per shard.
// If capacity <= 0, DefaultCapacity is used.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[V]{}
	for i := range c.shards {
		l := lru.New(capacity)
		l.OnEvicted = func(lru.Key, interface{}) { c.evictions.Add(1) }
		c.shards[i] = &shard{lru: l}
	}
	return c
}

func (c *Cache[V]) shard(key string) *shard {
	return c.shards[StringHasher(key)&shardMask]
}

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	s := c.shard(key)
	s.mu.Lock()
	v, ok := s.lru.Get(key)
	s.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return v.(V), true
}

// GetOrCreate returns the cached value for key or builds it with create.
// create runs with the shard lock held so concurrent callers for the same
// key never compile twice.
func (c *Cache[V]) GetOrCreate(key string, create func() (V, error)) (V, error) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.lru.Get(key); ok {
		c.hits.Add(1)
		return v.(V), nil
	}
	c.misses.Add(1)

	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	s.lru.Add(key, v)
	return v, nil
}

// Len returns the number of entries across all shards.
func (c *Cache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Clear()
		s.mu.Unlock()
	}
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Len:       c.Len(),
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   rate,
	}
}
