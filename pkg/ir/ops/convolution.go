// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
)

// Convolution is a 2D convolution of an input [N, C, H, W] with weights [O, C, KH, KW], giving [N, O, OH, OW].
//
// Padding, Stride and Dilation are given for the two spatial axes. Zero values of Stride and Dilation
// are taken as 1.
type Convolution struct {
	Padding  [2]int
	Stride   [2]int
	Dilation [2]int
}

func (Convolution) Name() string { return "convolution" }

func (op Convolution) String() string {
	return fmt.Sprintf("convolution[padding=%s,stride=%s,dilation=%s]",
		formatInts(op.Padding[:]), formatInts(op.stride()), formatInts(op.dilation()))
}

func (op Convolution) stride() []int {
	s := []int{op.Stride[0], op.Stride[1]}
	for i := range s {
		if s[i] <= 0 {
			s[i] = 1
		}
	}
	return s
}

func (op Convolution) dilation() []int {
	d := []int{op.Dilation[0], op.Dilation[1]}
	for i := range d {
		if d[i] <= 0 {
			d[i] = 1
		}
	}
	return d
}

func (op Convolution) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	input, weights := inputs[0], inputs[1]
	if input.DType != weights.DType {
		return shapes.Invalid(), ir.ShapeErrorf("convolution inputs have different dtypes %s and %s", input.DType, weights.DType)
	}
	if input.Rank() != 4 || weights.Rank() != 4 {
		return shapes.Invalid(), ir.ShapeErrorf("convolution requires rank-4 input and weights, got %s and %s", input, weights)
	}
	if input.Dim(1) != weights.Dim(1) {
		return shapes.Invalid(), ir.ShapeErrorf("convolution channels of input %s and weights %s don't match", input, weights)
	}
	stride, dilation := op.stride(), op.dilation()
	dims := []int{input.Dim(0), weights.Dim(0), 0, 0}
	for i := range 2 {
		effectiveKernel := dilation[i]*(weights.Dim(2+i)-1) + 1
		padded := input.Dim(2+i) + 2*op.Padding[i]
		if padded < effectiveKernel {
			return shapes.Invalid(), ir.ShapeErrorf("convolution kernel %s larger than padded input %s", weights, input)
		}
		dims[2+i] = (padded-effectiveKernel)/stride[i] + 1
	}
	return shapes.Make(input.DType, dims...), nil
}

func (op Convolution) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	inShape, wShape := args[0].Shape(), args[1].Shape()
	in, w := args[0].Float64s(), args[1].Float64s()
	channels, height, width := inShape.Dim(1), inShape.Dim(2), inShape.Dim(3)
	kh, kw := wShape.Dim(2), wShape.Dim(3)
	batch, outChannels, oh, ow := output.Dim(0), output.Dim(1), output.Dim(2), output.Dim(3)
	stride, dilation := op.stride(), op.dilation()
	out := make([]float64, output.Size())
	idx := 0
	for n := range batch {
		for o := range outChannels {
			for y := range oh {
				for x := range ow {
					var sum float64
					for c := range channels {
						for i := range kh {
							inY := y*stride[0] + i*dilation[0] - op.Padding[0]
							if inY < 0 || inY >= height {
								continue
							}
							for j := range kw {
								inX := x*stride[1] + j*dilation[1] - op.Padding[1]
								if inX < 0 || inX >= width {
									continue
								}
								sum += in[((n*channels+c)*height+inY)*width+inX] * w[((o*channels+c)*kh+i)*kw+j]
							}
						}
					}
					out[idx] = sum
					idx++
				}
			}
		}
	}
	return fromFloat64s(output, out)
}
