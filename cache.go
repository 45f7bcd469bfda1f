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

package ragrelay

import (
	"time"

	"github.com/mailgun/holster/v4/clock"
)

// CacheItem is a single cached value along with its expiry metadata.
type CacheItem struct {
	Key   string
	Value interface{}

	// CreatedAt is the unix epoch in milliseconds of the insert, or of the
	// last overwrite. An overwrite is treated as a fresh entry, not an
	// update, so it resets this field along with HitCount.
	CreatedAt int64

	// TTL in milliseconds, independent per entry.
	TTL int64

	// HitCount is the number of successful reads since insertion.
	HitCount int64
}

// IsExpired returns true if the item is past its TTL at the given time.
// An item is readable while `now - CreatedAt <= TTL`; once expired it is
// logically absent even if it has not been swept yet.
func (i *CacheItem) IsExpired(now int64) bool {
	return now-i.CreatedAt > i.TTL
}

// Cache is the contract the gateway expects from a response cache.
type Cache interface {
	// Access methods
	Set(key string, value interface{}, ttl time.Duration)
	Get(key string) (value interface{}, ok bool)
	Has(key string) bool
	Delete(key string)
	Clear()
	Size() int64
	Stats() CacheStats

	// Controls init and shutdown of the background sweep
	Start() error
	Close() error
}

// CacheStats holds cumulative counters collected about the cache. The
// counters reset only on Clear().
type CacheStats struct {
	EntryCount   int64   `json:"entryCount"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hitRate"`
	ApproxMemory int64   `json:"approxMemory"`
}

// MillisecondNow returns the unix epoch in milliseconds. It reads through
// holster clock so tests can freeze and advance time.
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}
