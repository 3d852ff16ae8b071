// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/support/sets"
	"github.com/pkg/errors"
)

// Instruction is a node of a Program: an operator applied to the results of other instructions.
//
// The pointer is the stable handle of the instruction: it remains valid while the instruction is in
// the program, regardless of insertions or removals elsewhere.
//
// Instructions are created and mutated only through Program methods.
type Instruction struct {
	op    Operation
	shape shapes.Shape

	// inputs are the arguments, in order. They always precede the instruction in the program.
	inputs []*Instruction

	// outputs are the consumers of this instruction, unique, in the order they started using it.
	// It is kept as the exact reverse of inputs.
	outputs []*Instruction

	program    *Program
	prev, next *Instruction
}

// Op returns the operator of the instruction.
func (ins *Instruction) Op() Operation { return ins.op }

// Name returns the operator name.
func (ins *Instruction) Name() string { return ins.op.Name() }

// Kind returns the kind of the instruction's operator.
func (ins *Instruction) Kind() Kind { return KindOf(ins.op) }

// Shape returns the cached output shape.
func (ins *Instruction) Shape() shapes.Shape { return ins.shape }

// Inputs returns a copy of the list of arguments.
func (ins *Instruction) Inputs() []*Instruction { return slices.Clone(ins.inputs) }

// Input returns the i-th argument.
func (ins *Instruction) Input(i int) *Instruction { return ins.inputs[i] }

// NumInputs returns the number of arguments.
func (ins *Instruction) NumInputs() int { return len(ins.inputs) }

// Outputs returns a copy of the list of consumers.
func (ins *Instruction) Outputs() []*Instruction { return slices.Clone(ins.outputs) }

// NumOutputs returns the number of distinct consumers.
func (ins *Instruction) NumOutputs() int { return len(ins.outputs) }

// Next returns the following instruction in the program, or nil for the last one.
func (ins *Instruction) Next() *Instruction { return ins.next }

// Prev returns the previous instruction in the program, or nil for the first one.
func (ins *Instruction) Prev() *Instruction { return ins.prev }

// Program returns the program holding the instruction, or nil if it has been removed.
func (ins *Instruction) Program() *Program { return ins.program }

// Literal returns the constant of a "@literal" instruction, or nil for any other instruction.
func (ins *Instruction) Literal() *tensors.Literal {
	if l, ok := ins.op.(*literalOp); ok {
		return l.literal
	}
	return nil
}

// ParameterName returns the name of a "@param" instruction, and whether it is a parameter.
func (ins *Instruction) ParameterName() (string, bool) {
	if p, ok := ins.op.(*parameterOp); ok {
		return p.name, true
	}
	return "", false
}

func (ins *Instruction) inputShapes() []shapes.Shape {
	inputShapes := make([]shapes.Shape, len(ins.inputs))
	for i, input := range ins.inputs {
		inputShapes[i] = input.shape
	}
	return inputShapes
}

// InputShapes returns the shapes of the arguments.
func (ins *Instruction) InputShapes() []shapes.Shape { return ins.inputShapes() }

// RecomputeShape re-derives the cached shape from the operator and the current input shapes.
// Errors wrap ErrShape, and the cached shape is left unchanged.
// It is used by passes that change the dtype of the inputs (e.g.: quantization).
func (ins *Instruction) RecomputeShape() error {
	shape, err := ins.op.ComputeShape(ins.inputShapes())
	if err != nil {
		if !errors.Is(err, ErrShape) {
			err = errors.Wrap(ErrShape, err.Error())
		}
		return errors.WithMessagef(err, "recomputing shape of %q", ins.op.Name())
	}
	ins.shape = shape
	return nil
}

// ReplaceArgument replaces every occurrence of oldArg in the arguments with newArg, keeping the
// back-references in sync. If recompute is true the shape is re-derived afterwards.
//
// newArg must belong to the same program and precede the instruction.
func (ins *Instruction) ReplaceArgument(oldArg, newArg *Instruction, recompute bool) error {
	if newArg == nil {
		return errors.Wrapf(ErrGraphIntegrity, "ReplaceArgument: nil new argument for %q", ins.Name())
	}
	if ins.program == nil || newArg.program != ins.program {
		return errors.Wrapf(ErrGraphIntegrity, "ReplaceArgument: new argument %q is not in the same program", newArg.Name())
	}
	found := false
	for i, input := range ins.inputs {
		if input == oldArg {
			ins.inputs[i] = newArg
			found = true
		}
	}
	if !found {
		return nil
	}
	oldArg.removeOutput(ins)
	newArg.addOutput(ins)
	if recompute {
		return ins.RecomputeShape()
	}
	return nil
}

// hasInput returns whether arg is one of the arguments.
func (ins *Instruction) hasInput(arg *Instruction) bool {
	return slices.Contains(ins.inputs, arg)
}

// addOutput registers consumer as an output, if not yet registered.
func (ins *Instruction) addOutput(consumer *Instruction) {
	if !slices.Contains(ins.outputs, consumer) {
		ins.outputs = append(ins.outputs, consumer)
	}
}

// removeOutput unregisters consumer as an output, if consumer no longer uses ins as an argument.
func (ins *Instruction) removeOutput(consumer *Instruction) {
	if consumer.hasInput(ins) {
		return
	}
	ins.outputs = slices.DeleteFunc(ins.outputs, func(o *Instruction) bool { return o == consumer })
}

// setArguments replaces the arguments, updating the back-references of old and new arguments.
func (ins *Instruction) setArguments(args []*Instruction) {
	oldArgs := ins.inputs
	ins.inputs = slices.Clone(args)
	for _, arg := range oldArgs {
		arg.removeOutput(ins)
	}
	for _, arg := range ins.inputs {
		arg.addOutput(ins)
	}
}

// clearArguments detaches the instruction from its arguments.
func (ins *Instruction) clearArguments() {
	ins.setArguments(nil)
}

// Valid checks the invariants of the instruction: the cached shape is the one computed by its operator,
// back-references are consistent and every argument belongs to the program and precedes the instruction.
func (ins *Instruction) Valid() bool {
	if ins.program == nil {
		return false
	}
	preceding := sets.Make[*Instruction]()
	for prev := ins.prev; prev != nil; prev = prev.prev {
		preceding.Insert(prev)
	}
	return ins.validWith(preceding)
}

// validWith implements Valid, given the set of instructions preceding ins.
func (ins *Instruction) validWith(preceding sets.Set[*Instruction]) bool {
	shape, err := ins.op.ComputeShape(ins.inputShapes())
	if err != nil || !shape.Equal(ins.shape) {
		return false
	}
	for _, input := range ins.inputs {
		if input.program != ins.program || !preceding.Has(input) || !slices.Contains(input.outputs, ins) {
			return false
		}
	}
	for i, output := range ins.outputs {
		if output.program != ins.program || !output.hasInput(ins) || slices.Contains(ins.outputs[:i], output) {
			return false
		}
	}
	return true
}
