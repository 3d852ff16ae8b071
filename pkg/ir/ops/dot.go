// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
)

// Dot is the matrix multiplication of two rank-2 inputs: [M, K] x [K, N] -> [M, N].
type Dot struct{}

func (Dot) Name() string { return "dot" }

func (op Dot) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(op.Name(), inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(op.Name(), inputs); err != nil {
		return shapes.Invalid(), err
	}
	lhs, rhs := inputs[0], inputs[1]
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), ir.ShapeErrorf("dot inputs have different dtypes %s and %s", lhs.DType, rhs.DType)
	}
	if lhs.Rank() != 2 || rhs.Rank() != 2 {
		return shapes.Invalid(), ir.ShapeErrorf("dot only supports rank-2 inputs, got %s and %s", lhs, rhs)
	}
	if lhs.Dim(1) != rhs.Dim(0) {
		return shapes.Invalid(), ir.ShapeErrorf("dot inner dimensions don't match: %s x %s", lhs, rhs)
	}
	return shapes.Make(lhs.DType, lhs.Dim(0), rhs.Dim(1)), nil
}

func (Dot) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	lhsShape := args[0].Shape()
	m, k, n := lhsShape.Dim(0), lhsShape.Dim(1), output.Dim(1)
	lhs, rhs := args[0].Float64s(), args[1].Float64s()
	out := make([]float64, m*n)
	MatMulRows(lhs, rhs, out, k, n, 0, m)
	return fromFloat64s(output, out)
}

// MatMulRows computes the rows [rowStart, rowEnd) of out = lhs x rhs, with all matrices in
// row-major order, lhs of shape [M, k] and rhs of shape [k, n].
//
// Rows are independent, so disjoint ranges can be computed concurrently.
func MatMulRows(lhs, rhs, out []float64, k, n, rowStart, rowEnd int) {
	for row := rowStart; row < rowEnd; row++ {
		outRow := out[row*n : (row+1)*n]
		clear(outRow)
		for kk := range k {
			a := lhs[row*k+kk]
			if a == 0 {
				continue
			}
			rhsRow := rhs[kk*n : (kk+1)*n]
			for col, b := range rhsRow {
				outRow[col] += a * b
			}
		}
	}
}
