// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

// Context of the device target: it keeps the kernels registered at finalization and counts
// launches. Launched kernels stay in flight until Finish.
type Context struct {
	kernels  map[string]int
	launched int
	inFlight int
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{kernels: make(map[string]int)}
}

func (c *Context) register(kernel string) {
	c.kernels[kernel]++
}

func (c *Context) launch() {
	c.launched++
	c.inFlight++
}

// Kernels returns the number of finalized instructions per kernel name.
func (c *Context) Kernels() map[string]int {
	kernels := make(map[string]int, len(c.kernels))
	for name, n := range c.kernels {
		kernels[name] = n
	}
	return kernels
}

// Launched returns the number of kernels launched since the context was created.
func (c *Context) Launched() int { return c.launched }

// InFlight returns the number of kernels launched and not yet finished.
func (c *Context) InFlight() int { return c.inFlight }

// Finish waits for the kernels in flight.
func (c *Context) Finish() error {
	c.inFlight = 0
	return nil
}
