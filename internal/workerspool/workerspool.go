// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines used by the host kernels to split
// one computation into concurrent chunks.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool limits the number of goroutines running kernel chunks.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines is higher than that -- because of waits and such.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worker goes to sleep.
	extraParallelism atomic.Int32
}

// New returns a new Pool with the given parallelism: 0 disables parallelism (tasks run inline),
// a negative value makes it unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits until there is a worker available to run the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Saturate runs task concurrently in as many workers as the parallelism allows (runtime.NumCPU()
// if unlimited), and waits for all of them to finish. The task is usually a loop consuming a
// channel of work chunks.
//
// If parallelism is disabled, task is run once inline.
func (w *Pool) Saturate(task func()) {
	numWorkers := w.maxParallelism
	switch {
	case numWorkers == 0:
		task()
		return
	case numWorkers < 0:
		numWorkers = max(runtime.NumCPU(), 2)
	}
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		w.WaitToStart(func() {
			defer wg.Done()
			task()
		})
	}
	w.WorkerIsAsleep()
	wg.Wait()
	w.WorkerRestarted()
}

// ParallelRange splits [0, n) in consecutive ranges of at least minChunk elements, and calls
// fn(start, end) for each of them, concurrently on the pool. It returns when all ranges are done.
func (w *Pool) ParallelRange(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	numWorkers := w.maxParallelism
	if numWorkers < 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers <= 1 || n <= minChunk {
		fn(0, n)
		return
	}
	chunk := max(minChunk, (n+numWorkers-1)/numWorkers)
	type span struct{ start, end int }
	work := make(chan span, (n+chunk-1)/chunk)
	for start := 0; start < n; start += chunk {
		work <- span{start, min(start+chunk, n)}
	}
	close(work)
	w.Saturate(func() {
		for s := range work {
			fn(s.start, s.end)
		}
	})
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, and temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the worker (the one that called the method) is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
