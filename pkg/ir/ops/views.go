// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/support/xslices"
)

// Transpose permutes the axes: output axis i is the input axis Permutation[i]. It is a view.
type Transpose struct {
	Permutation []int
}

func (Transpose) Name() string { return "transpose" }

func (op Transpose) String() string {
	return fmt.Sprintf("transpose[permutation=%s]", formatInts(op.Permutation))
}

func (op Transpose) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	sorted := slices.Clone(op.Permutation)
	slices.Sort(sorted)
	if !slices.Equal(sorted, xslices.Iota(0, input.Rank())) {
		return shapes.Invalid(), ir.ShapeErrorf("transpose permutation %v invalid for %s", op.Permutation, input)
	}
	dims := make([]int, input.Rank())
	strides := make([]int, input.Rank())
	for i, axis := range op.Permutation {
		dims[i] = input.Dimensions[axis]
		strides[i] = input.Strides[axis]
	}
	return shapes.MakeStrided(input.DType, dims, strides), nil
}

func (Transpose) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].Reshape(output)
}

func (Transpose) OutputAlias([]shapes.Shape) int { return 0 }

// Broadcast expands the input to Dims, placing the input axes starting at Axis. The other
// axes get stride 0. It is a view.
type Broadcast struct {
	Axis int
	Dims []int
}

func (Broadcast) Name() string { return "broadcast" }

func (op Broadcast) String() string {
	return fmt.Sprintf("broadcast[axis=%d,dims=%s]", op.Axis, formatInts(op.Dims))
}

func (op Broadcast) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	if op.Axis < 0 || op.Axis+input.Rank() > len(op.Dims) {
		return shapes.Invalid(), ir.ShapeErrorf("broadcast of %s to %v at axis %d out of range", input, op.Dims, op.Axis)
	}
	strides := make([]int, len(op.Dims))
	for i, dim := range input.Dimensions {
		if op.Dims[op.Axis+i] != dim {
			return shapes.Invalid(), ir.ShapeErrorf("broadcast of %s to %v at axis %d: dimensions don't match", input, op.Dims, op.Axis)
		}
		strides[op.Axis+i] = input.Strides[i]
	}
	for _, dim := range op.Dims {
		if dim <= 0 {
			return shapes.Invalid(), ir.ShapeErrorf("broadcast to invalid dimensions %v", op.Dims)
		}
	}
	return shapes.MakeStrided(input.DType, op.Dims, strides), nil
}

func (Broadcast) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].Reshape(output)
}

func (Broadcast) OutputAlias([]shapes.Shape) int { return 0 }

// Slice selects the range [Starts[i], Ends[i]) of each axis Axes[i]. Negative values count from the end
// of the axis, and values are clamped to the axis dimension. It is a view.
type Slice struct {
	Axes, Starts, Ends []int
}

func (Slice) Name() string { return "slice" }

func (op Slice) String() string {
	return fmt.Sprintf("slice[axes=%s,starts=%s,ends=%s]", formatInts(op.Axes), formatInts(op.Starts), formatInts(op.Ends))
}

func clampIndex(idx, dim int) int {
	if idx < 0 {
		idx += dim
	}
	return min(max(idx, 0), dim)
}

// ranges returns the start of every axis of input, and the output dimensions.
func (op Slice) ranges(input shapes.Shape) (starts, dims []int, err error) {
	if len(op.Axes) != len(op.Starts) || len(op.Axes) != len(op.Ends) {
		return nil, nil, ir.ShapeErrorf("slice axes %v, starts %v and ends %v must have the same length", op.Axes, op.Starts, op.Ends)
	}
	starts = make([]int, input.Rank())
	dims = slices.Clone(input.Dimensions)
	for i, axis := range op.Axes {
		axis, err = normalizeAxis(op.Name(), axis, input.Rank())
		if err != nil {
			return nil, nil, err
		}
		dim := input.Dimensions[axis]
		start, end := clampIndex(op.Starts[i], dim), clampIndex(op.Ends[i], dim)
		if end <= start {
			return nil, nil, ir.ShapeErrorf("slice [%d, %d) of axis %d of %s is empty", op.Starts[i], op.Ends[i], axis, input)
		}
		starts[axis] = start
		dims[axis] = end - start
	}
	return starts, dims, nil
}

func (op Slice) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	_, dims, err := op.ranges(inputs[0])
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.MakeStrided(inputs[0].DType, dims, inputs[0].Strides), nil
}

func (op Slice) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	input := args[0].Shape()
	starts, _, err := op.ranges(input)
	if err != nil {
		return nil, err
	}
	return args[0].View(input.Offset(starts)*input.DType.Size(), output)
}

func (Slice) OutputAlias([]shapes.Shape) int { return 0 }

// Squeeze removes the given axes, which must have dimension 1. If Axes is empty, all axes of dimension 1
// are removed. It is a view.
type Squeeze struct {
	Axes []int
}

func (Squeeze) Name() string { return "squeeze" }

func (op Squeeze) String() string {
	return fmt.Sprintf("squeeze[axes=%s]", formatInts(op.Axes))
}

func (op Squeeze) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	remove := make([]bool, input.Rank())
	if len(op.Axes) == 0 {
		for axis, dim := range input.Dimensions {
			remove[axis] = dim == 1
		}
	}
	for _, axis := range op.Axes {
		axis, err := normalizeAxis(op.Name(), axis, input.Rank())
		if err != nil {
			return shapes.Invalid(), err
		}
		if input.Dimensions[axis] != 1 {
			return shapes.Invalid(), ir.ShapeErrorf("squeeze axis %d of %s doesn't have dimension 1", axis, input)
		}
		remove[axis] = true
	}
	var dims, strides []int
	for axis, dim := range input.Dimensions {
		if !remove[axis] {
			dims = append(dims, dim)
			strides = append(strides, input.Strides[axis])
		}
	}
	if len(dims) == 0 {
		return shapes.Make(input.DType), nil
	}
	return shapes.MakeStrided(input.DType, dims, strides), nil
}

func (Squeeze) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].Reshape(output)
}

func (Squeeze) OutputAlias([]shapes.Shape) int { return 0 }

// Unsqueeze inserts axes of dimension 1. Axes are positions in the output. It is a view.
type Unsqueeze struct {
	Axes []int
}

func (Unsqueeze) Name() string { return "unsqueeze" }

func (op Unsqueeze) String() string {
	return fmt.Sprintf("unsqueeze[axes=%s]", formatInts(op.Axes))
}

func (op Unsqueeze) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	input := inputs[0]
	rank := input.Rank() + len(op.Axes)
	inserted := make([]bool, rank)
	for _, axis := range op.Axes {
		axis, err := normalizeAxis(op.Name(), axis, rank)
		if err != nil {
			return shapes.Invalid(), err
		}
		if inserted[axis] {
			return shapes.Invalid(), ir.ShapeErrorf("unsqueeze axis %d repeated in %v", axis, op.Axes)
		}
		inserted[axis] = true
	}
	dims := make([]int, rank)
	strides := make([]int, rank)
	inputAxis := 0
	for axis := range rank {
		if !inserted[axis] {
			dims[axis] = input.Dimensions[inputAxis]
			strides[axis] = input.Strides[inputAxis]
			inputAxis++
		}
	}
	// Inserted axes take the stride that a standard layout would give them.
	for axis := rank - 1; axis >= 0; axis-- {
		if inserted[axis] {
			dims[axis] = 1
			if axis == rank-1 {
				strides[axis] = 1
			} else {
				strides[axis] = dims[axis+1] * strides[axis+1]
			}
		}
	}
	return shapes.MakeStrided(input.DType, dims, strides), nil
}

func (Unsqueeze) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].Reshape(output)
}

func (Unsqueeze) OutputAlias([]shapes.Shape) int { return 0 }

// Contiguous copies its input into the standard layout.
type Contiguous struct{}

func (Contiguous) Name() string { return "contiguous" }

func (op Contiguous) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func (Contiguous) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0].Contiguous(), nil
}

// IsView returns whether op returns a view aliasing its input storage.
func IsView(op ir.Operation) bool {
	switch op.(type) {
	case Transpose, Broadcast, Slice, Squeeze, Unsqueeze:
		return true
	}
	return false
}
