// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	// Test saturation: all workers must be running at the same time for the tasks to finish.
	wantTasks := 5
	pool := New(wantTasks)

	var count atomic.Int32
	allStarted := make(chan struct{})
	done := make(chan struct{})
	go func() {
		pool.Saturate(func() {
			got := count.Add(1)
			runtime.Gosched()
			if int(got) == wantTasks {
				close(allStarted)
				return
			}
			<-allStarted
		})
		close(done)
	}()

	select {
	case <-done:
		// Success
	case <-time.After(time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	require.Equal(t, int32(wantTasks), count.Load())

	// No parallelism.
	pool = New(0)
	count.Store(0)
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())

	// Unlimited.
	pool = New(-1)
	count.Store(0)
	var started atomic.Int32
	pool.Saturate(func() {
		started.Add(1)
		runtime.Gosched()
		count.Add(1)
	})
	assert.Greater(t, int(started.Load()), 1)
	assert.Equal(t, count.Load(), started.Load())
}

func TestPool_ParallelRange(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := New(parallelism)
		for _, n := range []int{0, 1, 7, 100} {
			var mu sync.Mutex
			seen := make([]int, n)
			pool.ParallelRange(n, 2, func(start, end int) {
				assert.LessOrEqual(t, start, end)
				mu.Lock()
				defer mu.Unlock()
				for i := start; i < end; i++ {
					seen[i]++
				}
			})
			for i, c := range seen {
				require.Equalf(t, 1, c, "parallelism=%d, n=%d: element %d visited %d times", parallelism, n, i, c)
			}
		}
	}
}

func TestPool_IsEnabled(t *testing.T) {
	for _, tc := range []struct {
		parallelism        int
		enabled, unlimited bool
	}{
		{0, false, false},
		{1, true, false},
		{4, true, false},
		{-1, true, true},
	} {
		pool := New(tc.parallelism)
		assert.Equalf(t, tc.enabled, pool.IsEnabled(), "parallelism=%d", tc.parallelism)
		assert.Equalf(t, tc.unlimited, pool.IsUnlimited(), "parallelism=%d", tc.parallelism)
	}
}
