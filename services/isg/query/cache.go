// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/isg/services/isg/graph"
	"github.com/AleutianAI/isg/services/isg/identity"
)

// DefaultCacheEntries is the default cache capacity.
const DefaultCacheEntries = 1000

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isg",
		Subsystem: "query_cache",
		Name:      "hits_total",
		Help:      "Query cache hits",
	}, []string{"op"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isg",
		Subsystem: "query_cache",
		Name:      "misses_total",
		Help:      "Query cache misses",
	}, []string{"op"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "isg",
		Subsystem: "query_cache",
		Name:      "evictions_total",
		Help:      "Query cache LRU evictions",
	})
)

// Cache is an LRU of query results keyed by store generation.
//
// # Description
//
// Keys embed the store generation, so any write makes every older entry
// unreachable; stale entries age out through LRU eviction. Concurrent
// misses for the same key compute once via singleflight. Errors are never
// cached.
//
// Time bounds are not part of the key. Every caller waits on a shared
// computation only until its own context ends, and a timeout that belongs
// to another caller is never handed on: the waiter recomputes under its
// own context instead.
//
// Cached values are shared; the engine hands callers deep copies.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	entries  map[string]*list.Element
	flight   singleflight.Group
}

type cacheEntry struct {
	key   string
	op    string
	value any
}

// NewCache creates a cache holding up to capacity results. capacity <= 0
// uses DefaultCacheEntries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheEntries
	}
	return &Cache{
		capacity: capacity,
		lru:      list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.entries = make(map[string]*list.Element, c.capacity)
}

func cacheKey(generation uint64, op string, hash identity.Hash, o QueryOptions) string {
	return fmt.Sprintf("%d|%s|%s|d%d|r%d|k%v", generation, op, hash, o.MaxDepth, o.MaxResults, o.EdgeKinds)
}

func opOf(key string) string {
	start := -1
	for i := 0; i < len(key); i++ {
		if key[i] != '|' {
			continue
		}
		if start < 0 {
			start = i + 1
			continue
		}
		return key[start:i]
	}
	return "unknown"
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *Cache) put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, op: opOf(key), value: value})
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
		cacheEvictions.Inc()
	}
}

// computeFunc produces a value under ctx. cacheable is false when the
// value must not be filed under the requested key.
type computeFunc func(ctx context.Context) (value any, cacheable bool, err error)

// getOrCompute returns the cached value for key or computes it once.
//
// The shared computation runs under the context of the caller that
// started it. A caller whose ctx ends first returns graph.ErrTimeout
// without waiting further.
func (c *Cache) getOrCompute(ctx context.Context, key string, compute computeFunc) (any, error) {
	op := opOf(key)
	if err := ctxExpired(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", graph.ErrTimeout, err)
	}
	if v, ok := c.get(key); ok {
		cacheHits.WithLabelValues(op).Inc()
		return v, nil
	}
	cacheMisses.WithLabelValues(op).Inc()

	ch := c.flight.DoChan(key, func() (any, error) {
		v, cacheable, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			c.put(key, v)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		expired := ctxExpired(ctx)
		switch {
		case expired != nil:
			return nil, fmt.Errorf("%w: %w", graph.ErrTimeout, expired)
		case res.Err != nil && errors.Is(res.Err, graph.ErrTimeout):
			// The bound that expired was another caller's.
			v, _, err := compute(ctx)
			return v, err
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", graph.ErrTimeout, ctx.Err())
	}
}
