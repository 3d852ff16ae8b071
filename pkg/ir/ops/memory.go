// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
)

// Allocate creates a new zero-initialized buffer of the given Shape. Targets use it for output buffers.
type Allocate struct {
	Shape shapes.Shape
}

func (Allocate) Name() string { return "allocate" }

func (op Allocate) String() string { return fmt.Sprintf("allocate[shape=%s]", op.Shape) }

func (op Allocate) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	return op.Shape, nil
}

func (op Allocate) Compute(_ ir.Context, output shapes.Shape, _ []*tensors.Argument) (*tensors.Argument, error) {
	return tensors.Zeros(output), nil
}

// Load is a view of Shape at the byte Offset of its input, typically the memory arena.
type Load struct {
	Shape  shapes.Shape
	Offset int
}

func (Load) Name() string { return "load" }

func (op Load) String() string {
	return fmt.Sprintf("load[offset=%d,end=%d]", op.Offset, op.Offset+op.Shape.Memory())
}

func (op Load) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if op.Offset < 0 || op.Offset+op.Shape.Memory() > inputs[0].Memory() {
		return shapes.Invalid(), ir.ShapeErrorf("load of %s at offset %d out of bounds of %s (%d bytes)",
			op.Shape, op.Offset, inputs[0], inputs[0].Memory())
	}
	return op.Shape, nil
}

func (op Load) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].View(op.Offset, output)
}

func (Load) OutputAlias([]shapes.Shape) int { return 0 }

// Undefined stands for an absent optional input, e.g. the bias of a recurrent operator.
// Its shape is invalid.
type Undefined struct{}

func (Undefined) Name() string { return "undefined" }

func (op Undefined) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 0); err != nil {
		return shapes.Invalid(), err
	}
	return shapes.Invalid(), nil
}

func (Undefined) Compute(_ ir.Context, output shapes.Shape, _ []*tensors.Argument) (*tensors.Argument, error) {
	return tensors.Empty(output), nil
}

// IsUndefined returns whether ins is an Undefined value.
func IsUndefined(ins *ir.Instruction) bool {
	_, ok := ins.Op().(Undefined)
	return ok
}
