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
	"testing"

	"github.com/mailgun/holster/v4/clock"
	"github.com/ragrelay/ragrelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	t.Run("Window correctness", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()
		req := ragrelay.RateLimitReq{Key: "10.0.0.1:chat", Limit: 3, WindowMs: 1000}

		// Four calls at t=0,100,200,300
		expected := []bool{true, true, true, false}
		for i, want := range expected {
			if i != 0 {
				clock.Advance(100 * clock.Millisecond)
			}
			res := limiter.Check(req)
			assert.Equal(t, want, res.Allowed, "call %d", i)
		}

		// A fifth call at t=1001; the t=0 timestamp has aged out
		clock.Advance(701 * clock.Millisecond)
		res := limiter.Check(req)
		assert.True(t, res.Allowed)
	})

	t.Run("Remaining counts down", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()
		req := ragrelay.RateLimitReq{Key: "remaining", Limit: 3, WindowMs: 1000}

		for _, want := range []int{2, 1, 0} {
			res := limiter.Check(req)
			require.True(t, res.Allowed)
			assert.Equal(t, want, res.Remaining)
		}

		res := limiter.Check(req)
		assert.False(t, res.Allowed)
		assert.Zero(t, res.Remaining)
	})

	t.Run("ResetMs reports time until oldest ages out", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()
		req := ragrelay.RateLimitReq{Key: "reset", Limit: 1, WindowMs: 1000}

		res := limiter.Check(req)
		require.True(t, res.Allowed)

		clock.Advance(400 * clock.Millisecond)
		res = limiter.Check(req)
		require.False(t, res.Allowed)
		assert.Equal(t, int64(600), res.ResetMs)
	})

	t.Run("Quota change takes effect immediately", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()

		req := ragrelay.RateLimitReq{Key: "reconf", Limit: 2, WindowMs: 1000}
		require.True(t, limiter.Check(req).Allowed)
		require.True(t, limiter.Check(req).Allowed)
		require.False(t, limiter.Check(req).Allowed)

		// The bucket does not remember the values used for prior
		// admissions; raising the limit admits the next call
		req.Limit = 3
		assert.True(t, limiter.Check(req).Allowed)
	})

	t.Run("Non-positive limit always denies", func(t *testing.T) {
		limiter := ragrelay.NewRateLimiter()
		res := limiter.Check(ragrelay.RateLimitReq{Key: "zero", Limit: 0, WindowMs: 1000})
		assert.False(t, res.Allowed)
		res = limiter.Check(ragrelay.RateLimitReq{Key: "zero", Limit: -1, WindowMs: 1000})
		assert.False(t, res.Allowed)
	})

	t.Run("Non-positive window behaves as zero width", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()
		req := ragrelay.RateLimitReq{Key: "zero-window", Limit: 1, WindowMs: 0}

		// Every admission ages out instantly, so calls never accumulate
		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Check(req).Allowed)
			clock.Advance(clock.Millisecond)
		}
	})

	t.Run("Keys are independent", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		limiter := ragrelay.NewRateLimiter()

		chat := ragrelay.RateLimitReq{Key: "10.0.0.1:chat", Limit: 1, WindowMs: 1000}
		upload := ragrelay.RateLimitReq{Key: "10.0.0.1:upload", Limit: 1, WindowMs: 1000}

		require.True(t, limiter.Check(chat).Allowed)
		require.False(t, limiter.Check(chat).Allowed)
		assert.True(t, limiter.Check(upload).Allowed)
		assert.Equal(t, 2, limiter.BucketCount())
	})
}

// No sliding window of WindowMs may ever contain more than Limit
// admissions, regardless of the calling pattern. This is the property that
// distinguishes the timestamp log from fixed-window counters.
func TestRateLimiterSlidingBoundary(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()

	const limit = 5
	const windowMs = 1000
	limiter := ragrelay.NewRateLimiter()
	req := ragrelay.RateLimitReq{Key: "boundary", Limit: limit, WindowMs: windowMs}

	// An uneven calling pattern that straddles many window boundaries
	steps := []int64{0, 37, 37, 100, 1, 1, 250, 37, 500, 13, 13, 13, 400, 90, 90, 90, 90, 777, 3, 3}
	var admitted []int64
	var now int64

	for i := 0; i < 10; i++ {
		for _, step := range steps {
			clock.Advance(clock.Duration(step) * clock.Millisecond)
			now += step
			if limiter.Check(req).Allowed {
				admitted = append(admitted, now)
			}
		}
	}

	require.NotEmpty(t, admitted)
	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j]-admitted[i] < windowMs {
				count++
			}
		}
		assert.LessOrEqual(t, count, limit,
			"window starting at admission %d holds %d admissions", i, count)
	}
}
