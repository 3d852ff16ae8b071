// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device implements a simulated offload target.
//
// Kernels ("dev::" operators) write their results into an explicit output buffer, given as their
// last input and created by "dev::allocate". With memory coloring enabled all buffers are folded
// into a single arena parameter, named passes.MemoryParameter, that the caller binds at evaluation
// (see BindMemory). Launched kernels are queued on the Context until Finish.
package device

import (
	"github.com/gomlx/gomlir/pkg/config"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/passes"
	"k8s.io/klog/v2"
)

// Name of the target.
const Name = "device"

// Target compiles programs for the simulated device.
type Target struct {
	cfg config.Config
}

var _ ir.Target = (*Target)(nil)

// New returns a device Target configured by cfg.
func New(cfg config.Config) *Target {
	return &Target{cfg: cfg}
}

func (t *Target) Name() string { return Name }

func (t *Target) Passes(ir.Context) []ir.Pass {
	pipeline := []ir.Pass{
		passes.RewriteRNN{},
		passes.DeadCodeElimination{},
		passes.AutoContiguous{},
		passes.DeadCodeElimination{},
		Lowering{},
	}
	if t.cfg.QuantizeFP16 {
		pipeline = append(pipeline, passes.QuantizeFP16{})
	}
	return append(pipeline,
		AdjustAllocation{},
		passes.EliminateAllocation{AllocationOp: AllocateOpName, Alignment: t.cfg.Alignment, Enabled: t.cfg.MemoryColoring},
		passes.DeadCodeElimination{},
	)
}

func (t *Target) Context() ir.Context {
	return NewContext()
}

// BindMemory returns params with the memory arena bound to a zeroed buffer, if the program has an
// arena parameter and params doesn't bind it already. The given params are not modified.
func BindMemory(p *ir.Program, params ir.Parameters) ir.Parameters {
	mem := p.Parameter(passes.MemoryParameter)
	if mem == nil {
		return params
	}
	if _, found := params[passes.MemoryParameter]; found {
		return params
	}
	bound := make(ir.Parameters, len(params)+1)
	for name, value := range params {
		bound[name] = value
	}
	bound[passes.MemoryParameter] = tensors.Zeros(mem.Shape())
	klog.V(2).Infof("program %s: memory arena of %d bytes bound", p.ID(), mem.Shape().Memory())
	return bound
}
