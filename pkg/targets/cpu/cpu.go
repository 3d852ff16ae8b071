// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the host target: programs are lowered to "cpu::" operators that run the
// host kernels, with matrix multiplications split across a pool of goroutines.
package cpu

import (
	"github.com/gomlx/gomlir/pkg/config"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/passes"
	"k8s.io/klog/v2"
)

// Name of the target.
const Name = "cpu"

// Target compiles programs for the host.
type Target struct {
	cfg config.Config
}

var _ ir.Target = (*Target)(nil)

// New returns a cpu Target configured by cfg.
func New(cfg config.Config) *Target {
	return &Target{cfg: cfg}
}

func (t *Target) Name() string { return Name }

// Passes returns the pipeline: the recurrent operators are expanded, views feeding kernels are made
// contiguous and every operator is lowered. QuantizeFP16 is run first if configured.
func (t *Target) Passes(ir.Context) []ir.Pass {
	var pipeline []ir.Pass
	if t.cfg.QuantizeFP16 {
		pipeline = append(pipeline, passes.QuantizeFP16{})
	}
	pipeline = append(pipeline,
		passes.RewriteRNN{},
		passes.DeadCodeElimination{},
		passes.AutoContiguous{},
		passes.DeadCodeElimination{},
		Lowering{},
		passes.DeadCodeElimination{},
	)
	return pipeline
}

// Context returns a new execution context, with a pool of Config.Parallelism workers.
func (t *Target) Context() ir.Context {
	klog.V(2).Infof("cpu target: new context with parallelism %d", t.cfg.Parallelism)
	return NewContext(t.cfg.Parallelism)
}
