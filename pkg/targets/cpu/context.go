// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gomlir/internal/workerspool"
)

// Context of the cpu target. Kernels run synchronously, so Finish has nothing to wait for.
type Context struct {
	pool *workerspool.Pool
}

// NewContext returns a Context whose kernels use up to parallelism goroutines: 0 disables
// parallelism and a negative value makes it unlimited.
func NewContext(parallelism int) *Context {
	return &Context{pool: workerspool.New(parallelism)}
}

// Pool used by the kernels.
func (c *Context) Pool() *workerspool.Pool { return c.pool }

func (c *Context) Finish() error { return nil }
