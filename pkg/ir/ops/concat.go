// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
)

// Concat joins its inputs along Axis. All other dimensions must match.
type Concat struct {
	Axis int
}

func (Concat) Name() string { return "concat" }

func (op Concat) String() string { return fmt.Sprintf("concat[axis=%d]", op.Axis) }

func (op Concat) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), ir.ShapeErrorf("concat requires at least one input")
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	first := inputs[0]
	axis, err := normalizeAxis(op.Name(), op.Axis, first.Rank())
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := slices.Clone(first.Dimensions)
	dims[axis] = 0
	for i, input := range inputs {
		if input.DType != first.DType || input.Rank() != first.Rank() {
			return shapes.Invalid(), ir.ShapeErrorf("concat input #%d %s incompatible with input #0 %s", i, input, first)
		}
		for a, dim := range input.Dimensions {
			if a != axis && dim != first.Dimensions[a] {
				return shapes.Invalid(), ir.ShapeErrorf("concat input #%d %s incompatible with input #0 %s on axis %d", i, input, first, a)
			}
		}
		dims[axis] += input.Dimensions[axis]
	}
	return shapes.Make(first.DType, dims...), nil
}

func (op Concat) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	axis, err := normalizeAxis(op.Name(), op.Axis, output.Rank())
	if err != nil {
		return nil, err
	}
	outer := 1
	for _, dim := range output.Dimensions[:axis] {
		outer *= dim
	}
	blocks := make([][]float64, len(args))
	blockSizes := make([]int, len(args))
	for i, arg := range args {
		blocks[i] = arg.Float64s()
		blockSizes[i] = len(blocks[i]) / outer
	}
	out := make([]float64, 0, output.Size())
	for o := range outer {
		for i, block := range blocks {
			out = append(out, block[o*blockSizes[i]:(o+1)*blockSizes[i]]...)
		}
	}
	return fromFloat64s(output, out)
}

// Gather takes the slices of the data (first input) along Axis selected by the indices (second input).
// The output dimensions are data[:Axis] + indices + data[Axis+1:]. Negative indices count from the end.
type Gather struct {
	Axis int
}

func (Gather) Name() string { return "gather" }

func (op Gather) String() string { return fmt.Sprintf("gather[axis=%d]", op.Axis) }

func (op Gather) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	data, indices := inputs[0], inputs[1]
	if !indices.DType.IsInt() {
		return shapes.Invalid(), ir.ShapeErrorf("gather indices must be integers, got %s", indices)
	}
	axis, err := normalizeAxis(op.Name(), op.Axis, data.Rank())
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := slices.Concat(data.Dimensions[:axis], indices.Dimensions, data.Dimensions[axis+1:])
	return shapes.Make(data.DType, dims...), nil
}

func (op Gather) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	dataShape := args[0].Shape()
	axis, err := normalizeAxis(op.Name(), op.Axis, dataShape.Rank())
	if err != nil {
		return nil, err
	}
	outer, inner := 1, 1
	for _, dim := range dataShape.Dimensions[:axis] {
		outer *= dim
	}
	for _, dim := range dataShape.Dimensions[axis+1:] {
		inner *= dim
	}
	axisDim := dataShape.Dimensions[axis]
	data, indices := args[0].Float64s(), args[1].Float64s()
	out := make([]float64, 0, output.Size())
	for o := range outer {
		for _, idxValue := range indices {
			idx := int(idxValue)
			if idx < 0 {
				idx += axisDim
			}
			if idx < 0 || idx >= axisDim {
				return nil, ir.ShapeErrorf("gather index %d out of range for axis of dimension %d", int(idxValue), axisDim)
			}
			start := (o*axisDim + idx) * inner
			out = append(out, data[start:start+inner]...)
		}
	}
	return fromFloat64s(output, out)
}

// Convert changes the precision of a floating point input: to Float16 if ToHalf is set, to Float32 otherwise.
// It is the conversion inserted by fp16 quantization.
type Convert struct {
	ToHalf bool
}

func (Convert) Name() string { return "fp_conversion" }

func (op Convert) String() string { return fmt.Sprintf("fp_conversion[reduce_precision=%v]", op.ToHalf) }

// Target returns the output dtype.
func (op Convert) Target() dtypes.DType {
	if op.ToHalf {
		return dtypes.Float16
	}
	return dtypes.Float32
}

func (op Convert) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	if !inputs[0].DType.IsFloat() {
		return shapes.Invalid(), ir.ShapeErrorf("fp_conversion requires a floating point input, got %s", inputs[0])
	}
	return inputs[0].Standard().WithDType(op.Target()), nil
}

func (Convert) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	return fromFloat64s(output, args[0].Float64s())
}
