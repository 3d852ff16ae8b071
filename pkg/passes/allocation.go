// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MemoryParameter is the name of the arena parameter created by EliminateAllocation.
const MemoryParameter = "memory"

// DefaultAlignment of the allocations colored into the arena, in bytes.
const DefaultAlignment = 32

// EliminateAllocation folds every allocation into a single arena: a parameter named MemoryParameter
// of shape Int8[n] is added, and each instruction named AllocationOp is replaced by a load of its
// shape at its offset in the arena. Offsets are assigned in program order, each allocation padded to
// a multiple of Alignment bytes.
//
// It does nothing if Enabled is false, or if the program has no allocations.
type EliminateAllocation struct {
	// AllocationOp is the name of the allocation operator, "allocate" if empty.
	AllocationOp string

	// Alignment in bytes, DefaultAlignment if 0.
	Alignment int

	Enabled bool
}

func (EliminateAllocation) Name() string { return "eliminate_allocation" }

func (pass EliminateAllocation) allocationOp() string {
	if pass.AllocationOp == "" {
		return ops.Allocate{}.Name()
	}
	return pass.AllocationOp
}

func (pass EliminateAllocation) Apply(p *ir.Program) error {
	if !pass.Enabled {
		klog.V(2).Infof("program %s: memory coloring disabled", p.ID())
		return nil
	}
	alignment := pass.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment < 0 {
		return errors.Errorf("eliminate_allocation: invalid alignment %d", alignment)
	}

	type allocation struct {
		ins    *ir.Instruction
		offset int
	}
	var allocations []allocation
	var n int
	name := pass.allocationOp()
	for ins := range p.Instructions() {
		if ins.Name() != name {
			continue
		}
		allocations = append(allocations, allocation{ins, n})
		size := ins.Shape().Memory()
		padding := (alignment - size%alignment) % alignment
		n += size + padding
	}
	if len(allocations) == 0 {
		return nil
	}

	mem, err := p.AddParameter(MemoryParameter, shapes.Make(dtypes.Int8, n))
	if err != nil {
		return err
	}
	for _, alloc := range allocations {
		load := ops.Load{Shape: alloc.ins.Shape(), Offset: alloc.offset}
		if _, err := p.ReplaceInstruction(alloc.ins, load, mem); err != nil {
			return errors.WithMessagef(err, "coloring allocation of %s at offset %d", alloc.ins.Shape(), alloc.offset)
		}
	}
	klog.V(2).Infof("program %s: %d allocations colored into an arena of %s", p.ID(), len(allocations), humanize.Bytes(uint64(n)))
	return nil
}
