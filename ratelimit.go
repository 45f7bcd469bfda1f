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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimitReq asks for one admission under the given quota. Limit and
// WindowMs are read on every call; a bucket keeps only its timestamps, so
// changing the quota for an existing key takes effect immediately.
type RateLimitReq struct {
	// Key identifies the caller scope, typically an address joined with an
	// endpoint name.
	Key      string
	Limit    int
	WindowMs int64
}

// RateLimitResult is the admission decision for a single request.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	// ResetMs is how long until the oldest retained timestamp exits the
	// window. Zero when the bucket is empty.
	ResetMs int64
}

// RateLimiter is a sliding-window rate limiter that tracks exact admission
// timestamps per key. Tracking the timestamp log rather than a fixed-window
// counter means no window of WindowMs ever admits more than Limit requests,
// at the cost of O(requests-in-window) memory per key.
//
// This is a single-process, in-memory authority; there is no coordination
// across instances. Buckets are never evicted; see BucketCount.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]int64
}

var _ prometheus.Collector = &RateLimiter{}

var rateLimitCheckMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ragrelay_ratelimit_check_count",
	Help: "Rate limit check decisions.  Label \"status\" = allowed|denied.",
}, []string{"status"})
var rateLimitBucketsMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ragrelay_ratelimit_buckets",
	Help: "The number of rate limit buckets currently tracked.",
})

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string][]int64),
	}
}

// Check prunes timestamps older than the window, then admits the request if
// the bucket holds fewer than Limit entries. A non-positive Limit always
// denies; a non-positive WindowMs behaves as a window of zero width.
func (r *RateLimiter) Check(req RateLimitReq) RateLimitResult {
	now := MillisecondNow()

	r.mu.Lock()
	defer r.mu.Unlock()

	stamps := r.buckets[req.Key]
	cutoff := now - req.WindowMs

	// Timestamps are appended in order, so everything to prune sits at the
	// front of the log.
	var i int
	for i < len(stamps) && stamps[i] <= cutoff {
		i++
	}
	if i != 0 {
		stamps = append(stamps[:0], stamps[i:]...)
	}

	var resetMs int64
	if len(stamps) != 0 {
		resetMs = stamps[0] + req.WindowMs - now
	}

	if req.Limit <= 0 || len(stamps) >= req.Limit {
		r.buckets[req.Key] = stamps
		rateLimitCheckMetric.WithLabelValues("denied").Add(1)
		return RateLimitResult{Allowed: false, Remaining: 0, ResetMs: resetMs}
	}

	stamps = append(stamps, now)
	r.buckets[req.Key] = stamps
	if resetMs == 0 {
		resetMs = req.WindowMs
	}
	rateLimitCheckMetric.WithLabelValues("allowed").Add(1)
	return RateLimitResult{
		Allowed:   true,
		Remaining: req.Limit - len(stamps),
		ResetMs:   resetMs,
	}
}

// BucketCount returns the number of keys currently tracked. Buckets live
// for the process lifetime, so this grows with the number of distinct
// callers observed.
func (r *RateLimiter) BucketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Describe fetches prometheus metrics to be registered
func (r *RateLimiter) Describe(ch chan<- *prometheus.Desc) {
	rateLimitCheckMetric.Describe(ch)
	rateLimitBucketsMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the limiter
func (r *RateLimiter) Collect(ch chan<- prometheus.Metric) {
	rateLimitBucketsMetric.Set(float64(r.BucketCount()))
	rateLimitBucketsMetric.Collect(ch)
	rateLimitCheckMetric.Collect(ch)
}
