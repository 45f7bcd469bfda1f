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
*/

package ragrelay_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/mailgun/holster/v4/clock"
	"github.com/ragrelay/ragrelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCache(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	t.Run("Happy path", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "bar", clock.Minute)
		value, ok := cache.Get("foo")
		require.True(t, ok)
		assert.Equal(t, "bar", value)
		assert.Equal(t, int64(1), cache.Size())
	})

	t.Run("Entries expire lazily on read", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "bar", clock.Second)

		// Readable right up to the TTL
		clock.Advance(clock.Second)
		value, ok := cache.Get("foo")
		require.True(t, ok)
		assert.Equal(t, "bar", value)

		// One millisecond past the TTL the entry is logically absent even
		// though the sweep has never run
		clock.Advance(clock.Millisecond)
		_, ok = cache.Get("foo")
		assert.False(t, ok)
		assert.Zero(t, cache.Size())
	})

	t.Run("Overwrite is a fresh entry", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "first", clock.Second)
		_, _ = cache.Get("foo")

		item, ok := cache.Peek("foo")
		require.True(t, ok)
		assert.Equal(t, int64(1), item.HitCount)
		createdAt := item.CreatedAt

		clock.Advance(500 * clock.Millisecond)
		cache.Set("foo", "second", clock.Second)

		item, ok = cache.Peek("foo")
		require.True(t, ok)
		assert.Equal(t, int64(0), item.HitCount, "overwrite resets HitCount")
		assert.Equal(t, createdAt+500, item.CreatedAt, "overwrite resets CreatedAt")

		// The new TTL is measured from the overwrite
		clock.Advance(800 * clock.Millisecond)
		value, ok := cache.Get("foo")
		require.True(t, ok)
		assert.Equal(t, "second", value)
	})

	t.Run("Capacity evicts oldest insertion", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{MaxSize: 3})

		cache.Set("a", 1, clock.Hour)
		clock.Advance(clock.Millisecond)
		cache.Set("b", 2, clock.Hour)
		clock.Advance(clock.Millisecond)
		cache.Set("c", 3, clock.Hour)

		// Reading "a" must not protect it; eviction is by insertion time,
		// not recency of use
		_, _ = cache.Get("a")

		clock.Advance(clock.Millisecond)
		cache.Set("d", 4, clock.Hour)

		assert.Equal(t, int64(3), cache.Size())
		assert.False(t, cache.Has("a"), "oldest by CreatedAt is evicted")
		assert.True(t, cache.Has("b"))
		assert.True(t, cache.Has("c"))
		assert.True(t, cache.Has("d"))
	})

	t.Run("Overwrite refreshes insertion order", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{MaxSize: 2})

		cache.Set("a", 1, clock.Hour)
		clock.Advance(clock.Millisecond)
		cache.Set("b", 2, clock.Hour)
		clock.Advance(clock.Millisecond)
		cache.Set("a", 10, clock.Hour)
		clock.Advance(clock.Millisecond)
		cache.Set("c", 3, clock.Hour)

		// "b" now has the smallest CreatedAt
		assert.False(t, cache.Has("b"))
		assert.True(t, cache.Has("a"))
		assert.True(t, cache.Has("c"))
	})

	t.Run("Has does not affect counters", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "bar", clock.Minute)
		assert.True(t, cache.Has("foo"))
		assert.False(t, cache.Has("missing"))

		stats := cache.Stats()
		assert.Zero(t, stats.Hits)
		assert.Zero(t, stats.Misses)

		item, ok := cache.Peek("foo")
		require.True(t, ok)
		assert.Zero(t, item.HitCount)
	})

	t.Run("Hit and miss accounting", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		stats := cache.Stats()
		assert.Zero(t, stats.HitRate, "hit rate is 0 before any lookups")

		cache.Set("foo", "bar", clock.Minute)
		_, _ = cache.Get("foo")
		_, _ = cache.Get("foo")
		_, _ = cache.Get("missing")
		_, _ = cache.Get("also-missing")

		stats = cache.Stats()
		assert.Equal(t, int64(2), stats.Hits)
		assert.Equal(t, int64(2), stats.Misses)
		assert.Equal(t, 0.5, stats.HitRate)
		assert.Equal(t, int64(1), stats.EntryCount)
		assert.NotZero(t, stats.ApproxMemory)
	})

	t.Run("Clear resets entries and stats", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "bar", clock.Minute)
		_, _ = cache.Get("foo")
		_, _ = cache.Get("missing")

		cache.Clear()

		assert.Zero(t, cache.Size())
		stats := cache.Stats()
		assert.Zero(t, stats.Hits)
		assert.Zero(t, stats.Misses)
		assert.Zero(t, stats.HitRate)
	})

	t.Run("Delete removes unconditionally", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("foo", "bar", clock.Minute)
		cache.Delete("foo")
		assert.False(t, cache.Has("foo"))

		// Deleting a missing key is a no-op
		cache.Delete("foo")
	})

	t.Run("Sweep removes only expired entries", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})

		cache.Set("short-1", 1, clock.Second)
		cache.Set("short-2", 2, clock.Second)
		cache.Set("long", 3, clock.Hour)

		clock.Advance(2 * clock.Second)
		removed := cache.Sweep()

		assert.Equal(t, 2, removed)
		assert.Equal(t, int64(1), cache.Size())
		assert.True(t, cache.Has("long"))
	})

	t.Run("Default TTL applied when none given", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{DefaultTTL: clock.Second})

		cache.Set("foo", "bar", 0)
		clock.Advance(clock.Second + clock.Millisecond)
		_, ok := cache.Get("foo")
		assert.False(t, ok)
	})

	t.Run("End to end query scenario", func(t *testing.T) {
		cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})
		key := "query:abc123:6:0:0:3"

		cache.Set(key, map[string]string{"answer": "42"}, 300000*clock.Millisecond)

		value, ok := cache.Get(key)
		require.True(t, ok)
		assert.Equal(t, map[string]string{"answer": "42"}, value)

		item, ok := cache.Peek(key)
		require.True(t, ok)
		assert.Equal(t, int64(1), item.HitCount)

		clock.Advance(300001 * clock.Millisecond)
		_, ok = cache.Get(key)
		assert.False(t, ok)
		assert.Equal(t, int64(1), cache.Stats().Misses)
	})
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	const iterations = 500
	const concurrency = 32

	cache := ragrelay.NewTTLCache(ragrelay.TTLCacheConfig{})
	for i := 0; i < iterations; i++ {
		cache.Set(strconv.Itoa(i), i, clock.Hour)
	}

	var launchWg, doneWg sync.WaitGroup
	launchWg.Add(1)

	for thread := 0; thread < concurrency; thread++ {
		doneWg.Add(1)
		go func() {
			defer doneWg.Done()
			launchWg.Wait()

			for i := 0; i < iterations; i++ {
				key := strconv.Itoa(i)
				value, ok := cache.Get(key)
				assert.True(t, ok)
				assert.Equal(t, i, value)
			}
		}()
	}

	launchWg.Done()
	doneWg.Wait()

	stats := cache.Stats()
	assert.Equal(t, int64(iterations*concurrency), stats.Hits)
}
