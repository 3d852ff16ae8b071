// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
)

// binaryShape is the shape inference of the elementwise binary operators: both inputs must have the same
// dtype and dimensions, the output has the standard layout.
func binaryShape(name string, inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(name, inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(name, inputs); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDTypeAndDims(name, inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func computeBinary(output shapes.Shape, args []*tensors.Argument, fn func(a, b float64) float64) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	lhs, rhs := args[0].Float64s(), args[1].Float64s()
	for i := range lhs {
		lhs[i] = fn(lhs[i], rhs[i])
	}
	return fromFloat64s(output, lhs)
}

// Add is the elementwise sum.
type Add struct{}

func (Add) Name() string { return "add" }
func (op Add) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Add) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, func(a, b float64) float64 { return a + b })
}

// Sub is the elementwise difference.
type Sub struct{}

func (Sub) Name() string { return "sub" }
func (op Sub) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Sub) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, func(a, b float64) float64 { return a - b })
}

// Mul is the elementwise product.
type Mul struct{}

func (Mul) Name() string { return "mul" }
func (op Mul) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Mul) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, func(a, b float64) float64 { return a * b })
}

// Div is the elementwise quotient. Integer results are truncated towards zero.
type Div struct{}

func (Div) Name() string { return "div" }
func (op Div) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Div) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, func(a, b float64) float64 { return a / b })
}

// Max is the elementwise maximum.
type Max struct{}

func (Max) Name() string { return "max" }
func (op Max) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Max) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, math.Max)
}

// Min is the elementwise minimum.
type Min struct{}

func (Min) Name() string { return "min" }
func (op Min) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return binaryShape(op.Name(), inputs)
}
func (Min) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeBinary(output, args, math.Min)
}

// unaryShape is the shape inference of the elementwise unary operators.
func unaryShape(name string, inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(name, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkOk(name, inputs); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

func computeUnary(output shapes.Shape, args []*tensors.Argument, fn func(x float64) float64) (*tensors.Argument, error) {
	if anyEmpty(args) {
		return tensors.Empty(output), nil
	}
	values := args[0].Float64s()
	for i, v := range values {
		values[i] = fn(v)
	}
	return fromFloat64s(output, values)
}

// Tanh is the elementwise hyperbolic tangent.
type Tanh struct{}

func (Tanh) Name() string { return "tanh" }
func (op Tanh) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Tanh) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, math.Tanh)
}

// Sigmoid is the elementwise logistic function 1/(1+exp(-x)).
type Sigmoid struct{}

func (Sigmoid) Name() string { return "sigmoid" }
func (op Sigmoid) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Sigmoid) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, func(x float64) float64 { return 1 / (1 + math.Exp(-x)) })
}

// Relu is the elementwise max(x, 0).
type Relu struct{}

func (Relu) Name() string { return "relu" }
func (op Relu) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Relu) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, func(x float64) float64 { return math.Max(x, 0) })
}

// Abs is the elementwise absolute value.
type Abs struct{}

func (Abs) Name() string { return "abs" }
func (op Abs) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Abs) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, math.Abs)
}

// Neg is the elementwise negation.
type Neg struct{}

func (Neg) Name() string { return "neg" }
func (op Neg) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Neg) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, func(x float64) float64 { return -x })
}

// Exp is the elementwise exponential.
type Exp struct{}

func (Exp) Name() string { return "exp" }
func (op Exp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return unaryShape(op.Name(), inputs)
}
func (Exp) Compute(_ ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return computeUnary(output, args, math.Exp)
}
