// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Operation is the contract every operator implements.
//
// Operators are values: they are not modified after being given to a program, and they can be shared
// among instructions. Operators that print attributes should implement fmt.Stringer: the printed form
// (and hence program equality) uses it.
type Operation interface {
	// Name of the operator, e.g. "add". Names starting with "@" are reserved for structural operators.
	Name() string

	// ComputeShape returns the output shape for the given input shapes. Errors should wrap ErrShape.
	ComputeShape(inputs []shapes.Shape) (shapes.Shape, error)

	// Compute the output for the given arguments. The returned Argument must have the given output shape.
	Compute(ctx Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error)
}

// Finalizer is implemented by operators that need to prepare resources after compilation.
// Finalize is called once per instruction by Program.Finalize.
type Finalizer interface {
	Finalize(ctx Context, output shapes.Shape, inputs []shapes.Shape) error
}

// OutputAliaser is implemented by operators whose result reuses the storage of one of their inputs.
// It returns the index of the aliased input, or -1 if none.
type OutputAliaser interface {
	OutputAlias(inputs []shapes.Shape) int
}

// OperationString returns the printed form of the operator: its String() if it implements fmt.Stringer,
// or its Name() otherwise.
func OperationString(op Operation) string {
	if s, ok := op.(fmt.Stringer); ok {
		return s.String()
	}
	return op.Name()
}

// OutputAlias returns the index of the input aliased by the output of op, or -1.
func OutputAlias(op Operation, inputs []shapes.Shape) int {
	if aliaser, ok := op.(OutputAliaser); ok {
		return aliaser.OutputAlias(inputs)
	}
	return -1
}

// Kind of operator: the closed set of structural kinds plus "computational" for everything else.
type Kind int

const (
	KindComputational Kind = iota
	KindParameter
	KindLiteral
	KindOutline
)

func (k Kind) String() string {
	switch k {
	case KindComputational:
		return "Computational"
	case KindParameter:
		return "Parameter"
	case KindLiteral:
		return "Literal"
	case KindOutline:
		return "Outline"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// structural is implemented only by the operators of this package that represent program inputs:
// they have no inputs and are never computed.
type structural interface {
	Operation
	kind() Kind
}

// KindOf returns the kind of the operator.
func KindOf(op Operation) Kind {
	if s, ok := op.(structural); ok {
		return s.kind()
	}
	return KindComputational
}

// parameterOp is the operator of "@param" instructions, an input bound at evaluation time.
type parameterOp struct {
	name  string
	shape shapes.Shape
}

func (op *parameterOp) kind() Kind     { return KindParameter }
func (op *parameterOp) Name() string   { return "@param" }
func (op *parameterOp) String() string { return "@param:" + op.name }
func (op *parameterOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), ShapeErrorf("@param takes no inputs, got %d", len(inputs))
	}
	return op.shape, nil
}
func (op *parameterOp) Compute(Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, errors.Wrapf(ErrNotComputable, "parameter %q is bound at evaluation", op.name)
}

// literalOp is the operator of "@literal" instructions, holding an embedded constant.
type literalOp struct {
	literal *tensors.Literal
}

func (op *literalOp) kind() Kind   { return KindLiteral }
func (op *literalOp) Name() string { return "@literal" }
func (op *literalOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), ShapeErrorf("@literal takes no inputs, got %d", len(inputs))
	}
	return op.literal.Shape(), nil
}
func (op *literalOp) Compute(Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return op.literal.Argument(), nil
}

// outlineOp is the operator of "@outline" instructions: a value with a shape and no data.
type outlineOp struct {
	shape shapes.Shape
}

func (op *outlineOp) kind() Kind   { return KindOutline }
func (op *outlineOp) Name() string { return "@outline" }
func (op *outlineOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), ShapeErrorf("@outline takes no inputs, got %d", len(inputs))
	}
	return op.shape, nil
}
func (op *outlineOp) Compute(_ Context, output shapes.Shape, _ []*tensors.Argument) (*tensors.Argument, error) {
	return tensors.Empty(output), nil
}

// Identity returns its single input unchanged. Its output aliases the input.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 1 {
		return shapes.Invalid(), ShapeErrorf("identity takes 1 input, got %d", len(inputs))
	}
	return inputs[0], nil
}

func (Identity) Compute(_ Context, _ shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return args[0], nil
}

func (Identity) OutputAlias([]shapes.Shape) int { return 0 }
