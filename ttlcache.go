/*
Copyright 2024 The ragrelay Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package ragrelay

import (
	"container/list"
	"sync"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// TTLCache is an in-memory cache with per-entry TTL and FIFO eviction.
// Entries expire lazily on read; a background sweep reclaims entries that
// nobody reads again. Eviction is strictly by oldest insertion time, not
// LRU; reads never reorder entries.
type TTLCache struct {
	mu    sync.Mutex
	cache map[string]*list.Element
	// Insertion order, newest at the front. Since an overwrite resets
	// CreatedAt it moves the entry to the front; the back of the list is
	// always the entry with the smallest CreatedAt.
	ll         *list.List
	maxSize    int
	defaultTTL time.Duration
	sweepEvery time.Duration

	hits   int64
	misses int64

	log logrus.FieldLogger
	wg  syncutil.WaitGroup
}

// TTLCacheConfig is the startup configuration for a TTLCache. The cache is
// created once per process and lives until Close().
type TTLCacheConfig struct {
	// Max number of simultaneous live entries. Inserting a new key at
	// capacity evicts the oldest entry first. Default: 1,000
	MaxSize int

	// TTL applied by Set() when none is given. Default: 5 minutes
	DefaultTTL time.Duration

	// How often the background sweep scans for expired entries.
	// Default: 1 minute
	SweepInterval time.Duration

	Logger logrus.FieldLogger
}

var _ Cache = &TTLCache{}
var _ prometheus.Collector = &TTLCache{}

var cacheSizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ragrelay_cache_size",
	Help: "The number of items in the TTL cache which holds query responses.",
})
var cacheAccessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ragrelay_cache_access_count",
	Help: "Cache access counts.  Label \"type\" = hit|miss.",
}, []string{"type"})
var cacheSweptMetric = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "ragrelay_cache_swept_total",
	Help: "Total number of expired entries removed by the background sweep.",
})

// NewTTLCache creates a new cache according to the provided config.
func NewTTLCache(conf TTLCacheConfig) *TTLCache {
	setter.SetDefault(&conf.MaxSize, 1_000)
	setter.SetDefault(&conf.DefaultTTL, 5*clock.Minute)
	setter.SetDefault(&conf.SweepInterval, clock.Minute)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "cache"))

	return &TTLCache{
		cache:      make(map[string]*list.Element),
		ll:         list.New(),
		maxSize:    conf.MaxSize,
		defaultTTL: conf.DefaultTTL,
		sweepEvery: conf.SweepInterval,
		log:        conf.Logger,
	}
}

// Start launches the background sweep. Correctness of Get/Has never
// depends on the sweep having run; it only bounds memory held by expired
// entries nobody reads again.
func (c *TTLCache) Start() error {
	tick := time.NewTicker(c.sweepEvery)
	c.wg.Until(func(done chan struct{}) bool {
		select {
		case <-tick.C:
			if removed := c.Sweep(); removed != 0 {
				c.log.WithField("removed", removed).Debug("swept expired cache entries")
			}
			return true
		case <-done:
			tick.Stop()
			return false
		}
	})
	return nil
}

// Close stops the background sweep.
func (c *TTLCache) Close() error {
	c.wg.Stop()
	return nil
}

// Set inserts or overwrites an entry. A non-positive ttl applies the
// cache's default TTL. If the cache is at capacity and the key is new, the
// single oldest-by-insertion-time entry is evicted before the insert.
// Overwriting resets CreatedAt and HitCount.
func (c *TTLCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	item := &CacheItem{
		Key:       key,
		Value:     value,
		CreatedAt: MillisecondNow(),
		TTL:       ttl.Milliseconds(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// An overwrite is a fresh entry; its CreatedAt is now, so it moves to
	// the front of the insertion-order list.
	if ee, ok := c.cache[key]; ok {
		ee.Value = item
		c.ll.MoveToFront(ee)
		return
	}

	if c.maxSize != 0 && c.ll.Len() >= c.maxSize {
		c.removeOldest()
	}
	c.cache[key] = c.ll.PushFront(item)
}

// Get returns the value stored under key if present and not expired.
// Expired entries are removed on read, so a stale value is never returned
// even if the sweep is delayed or disabled.
func (c *TTLCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, hit := c.cache[key]; hit {
		item := ele.Value.(*CacheItem)
		if item.IsExpired(MillisecondNow()) {
			c.removeElement(ele)
			c.misses++
			cacheAccessMetric.WithLabelValues("miss").Add(1)
			return nil, false
		}
		item.HitCount++
		c.hits++
		cacheAccessMetric.WithLabelValues("hit").Add(1)
		return item.Value, true
	}

	c.misses++
	cacheAccessMetric.WithLabelValues("miss").Add(1)
	return nil, false
}

// Has reports whether key is present and not expired. Unlike Get it does
// not touch the hit/miss counters or the entry's HitCount.
func (c *TTLCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, hit := c.cache[key]
	if !hit {
		return false
	}
	item := ele.Value.(*CacheItem)
	if item.IsExpired(MillisecondNow()) {
		c.removeElement(ele)
		return false
	}
	return true
}

// Peek returns a copy of the item stored under key without touching the
// hit/miss counters or the item's HitCount. Expired items are reported as
// absent and removed, same as Has.
func (c *TTLCache) Peek(key string) (CacheItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ele, hit := c.cache[key]
	if !hit {
		return CacheItem{}, false
	}
	item := ele.Value.(*CacheItem)
	if item.IsExpired(MillisecondNow()) {
		c.removeElement(ele)
		return CacheItem{}, false
	}
	return *item, true
}

// Delete removes the provided key from the cache.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ele, hit := c.cache[key]; hit {
		c.removeElement(ele)
	}
}

// Clear removes every entry and resets the cumulative hit/miss counters.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*list.Element)
	c.ll = list.New()
	c.hits = 0
	c.misses = 0
}

// Sweep scans all entries and removes any whose TTL has elapsed, returning
// the number removed. Called periodically once Start() has run; exported so
// callers can compact on demand.
func (c *TTLCache) Sweep() int {
	now := MillisecondNow()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed int
	var next *list.Element
	for ele := c.ll.Front(); ele != nil; ele = next {
		next = ele.Next()
		if ele.Value.(*CacheItem).IsExpired(now) {
			c.removeElement(ele)
			removed++
		}
	}
	cacheSweptMetric.Add(float64(removed))
	return removed
}

// Size returns the number of items in the cache, including entries that
// have expired but have not been read or swept yet.
func (c *TTLCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.ll.Len())
}

// Stats returns a snapshot of the cache counters. HitRate is zero until at
// least one lookup has occurred.
func (c *TTLCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		EntryCount: int64(c.ll.Len()),
		Hits:       c.hits,
		Misses:     c.misses,
	}
	if total := c.hits + c.misses; total != 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	for ele := c.ll.Front(); ele != nil; ele = ele.Next() {
		stats.ApproxMemory += approxItemSize(ele.Value.(*CacheItem))
	}
	return stats
}

// removeOldest removes the entry with the smallest CreatedAt.
func (c *TTLCache) removeOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
	}
}

func (c *TTLCache) removeElement(e *list.Element) {
	c.ll.Remove(e)
	delete(c.cache, e.Value.(*CacheItem).Key)
}

// Rough per-entry footprint; enough for capacity planning, not accounting.
func approxItemSize(item *CacheItem) int64 {
	const overhead = 96
	size := int64(overhead + len(item.Key))
	switch v := item.Value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	default:
		size += 48
	}
	return size
}

// Describe fetches prometheus metrics to be registered
func (c *TTLCache) Describe(ch chan<- *prometheus.Desc) {
	cacheSizeMetric.Describe(ch)
	cacheAccessMetric.Describe(ch)
	cacheSweptMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (c *TTLCache) Collect(ch chan<- prometheus.Metric) {
	cacheSizeMetric.Set(float64(c.Size()))
	cacheSizeMetric.Collect(ch)
	cacheAccessMetric.Collect(ch)
	cacheSweptMetric.Collect(ch)
}
