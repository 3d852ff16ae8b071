// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the graph intermediate representation: a Program is an ordered list of
// Instruction objects, each applying an Operation to the results of previous instructions.
//
// The order of the instructions is a topological order of the dataflow graph: arguments always
// precede their consumers, and the last instruction is the result of the program. Passes transform
// the program in place with the mutation methods of Program, and a Target provides the list of passes
// and the execution Context used by Program.Compile and Program.Eval.
//
// A Program is not safe for concurrent use.
package ir

import (
	"iter"
	"strings"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Program is an ordered dataflow graph of instructions.
type Program struct {
	id          uuid.UUID
	first, last *Instruction
	length      int

	// ctx is set by Compile.
	ctx        Context
	ctxVersion int
	options    CompileOptions
}

// New creates an empty Program.
func New() *Program {
	return &Program{id: uuid.New()}
}

// ID is a unique identifier of the program, used in logs.
func (p *Program) ID() uuid.UUID { return p.id }

// Len returns the number of instructions.
func (p *Program) Len() int { return p.length }

// First returns the first instruction, or nil if the program is empty.
func (p *Program) First() *Instruction { return p.first }

// Last returns the last instruction (the result of the program), or nil if the program is empty.
func (p *Program) Last() *Instruction { return p.last }

// Instructions iterates over the instructions in program order.
//
// The iteration tolerates the removal of the instruction being yielded.
func (p *Program) Instructions() iter.Seq[*Instruction] {
	return func(yield func(*Instruction) bool) {
		for ins := p.first; ins != nil; {
			next := ins.next
			if !yield(ins) {
				return
			}
			ins = next
		}
	}
}

// HasInstruction returns whether ins is part of the program.
func (p *Program) HasInstruction(ins *Instruction) bool {
	return ins != nil && ins.program == p
}

// Index returns the position of ins in the program, or -1 if it is not part of it.
func (p *Program) Index(ins *Instruction) int {
	if !p.HasInstruction(ins) {
		return -1
	}
	idx := 0
	for current := p.first; current != ins; current = current.next {
		idx++
	}
	return idx
}

// Shape returns the shape of the last instruction, the shape of the program result.
func (p *Program) Shape() shapes.Shape {
	if p.last == nil {
		return shapes.Invalid()
	}
	return p.last.shape
}

// Context returns the context set by Compile, or nil if not compiled.
func (p *Program) Context() Context { return p.ctx }

// checkArguments verifies that all args are instructions of p.
func (p *Program) checkArguments(op Operation, args []*Instruction) error {
	for i, arg := range args {
		if !p.HasInstruction(arg) {
			return errors.Wrapf(ErrGraphIntegrity, "argument #%d of %q is not an instruction of the program", i, op.Name())
		}
	}
	return nil
}

// checkComputational verifies op can be given to AddInstruction and friends.
func checkComputational(op Operation) error {
	if op == nil {
		return errors.Wrap(ErrGraphIntegrity, "nil operator")
	}
	if KindOf(op) != KindComputational || strings.HasPrefix(op.Name(), "@") {
		return errors.Wrapf(ErrGraphIntegrity, "operator %q is reserved for structural instructions", op.Name())
	}
	return nil
}

func computeShape(op Operation, args []*Instruction) (shapes.Shape, error) {
	inputShapes := make([]shapes.Shape, len(args))
	for i, arg := range args {
		inputShapes[i] = arg.shape
	}
	shape, err := op.ComputeShape(inputShapes)
	if err != nil {
		if !errors.Is(err, ErrShape) {
			err = errors.Wrap(ErrShape, err.Error())
		}
		return shapes.Invalid(), errors.WithMessagef(err, "operator %q", OperationString(op))
	}
	return shape, nil
}

// link inserts ins before pos (or at the end if pos is nil).
func (p *Program) link(ins, pos *Instruction) {
	ins.program = p
	if pos == nil {
		ins.prev = p.last
		ins.next = nil
		if p.last != nil {
			p.last.next = ins
		} else {
			p.first = ins
		}
		p.last = ins
	} else {
		ins.next = pos
		ins.prev = pos.prev
		if pos.prev != nil {
			pos.prev.next = ins
		} else {
			p.first = ins
		}
		pos.prev = ins
	}
	p.length++
}

// unlink removes ins from the list, without touching its edges.
func (p *Program) unlink(ins *Instruction) {
	if ins.prev != nil {
		ins.prev.next = ins.next
	} else {
		p.first = ins.next
	}
	if ins.next != nil {
		ins.next.prev = ins.prev
	} else {
		p.last = ins.prev
	}
	ins.prev, ins.next = nil, nil
	ins.program = nil
	p.length--
}

// AddInstruction appends a new instruction applying op to args.
// See InsertInstruction.
func (p *Program) AddInstruction(op Operation, args ...*Instruction) (*Instruction, error) {
	return p.InsertInstruction(nil, op, args...)
}

// InsertInstruction inserts a new instruction applying op to args, before pos. If pos is nil it is
// appended at the end.
//
// It returns an error wrapping ErrGraphIntegrity if an argument doesn't belong to the program or if op
// is a structural operator, and an error wrapping ErrShape if op rejects the shapes of args. Nothing is
// inserted on error.
func (p *Program) InsertInstruction(pos *Instruction, op Operation, args ...*Instruction) (*Instruction, error) {
	if err := checkComputational(op); err != nil {
		return nil, err
	}
	if pos != nil && !p.HasInstruction(pos) {
		return nil, errors.Wrapf(ErrGraphIntegrity, "insertion position %q is not an instruction of the program", pos.Name())
	}
	if err := p.checkArguments(op, args); err != nil {
		return nil, err
	}
	shape, err := computeShape(op, args)
	if err != nil {
		return nil, err
	}
	ins := &Instruction{op: op, shape: shape}
	p.link(ins, pos)
	ins.setArguments(args)
	return ins, nil
}

// ReplaceInstruction changes in place the operator and arguments of ins. The handle ins remains valid,
// and consumers of ins are untouched (their shapes are not recomputed).
func (p *Program) ReplaceInstruction(ins *Instruction, op Operation, args ...*Instruction) (*Instruction, error) {
	if !p.HasInstruction(ins) {
		return nil, errors.Wrapf(ErrGraphIntegrity, "ReplaceInstruction: %q is not an instruction of the program", ins.Name())
	}
	if err := checkComputational(op); err != nil {
		return nil, err
	}
	if err := p.checkArguments(op, args); err != nil {
		return nil, err
	}
	shape, err := computeShape(op, args)
	if err != nil {
		return nil, err
	}
	ins.op = op
	ins.shape = shape
	ins.setArguments(args)
	return ins, nil
}

// ReplaceWith redirects the consumers of ins to rep.
//
//   - If ins is the last instruction of the program, it becomes identity(rep), so the program result
//     is preserved, and ins is returned.
//   - If ins has no consumers, rep is returned and nothing changes.
//   - Otherwise every consumer of ins, except rep itself, is changed to use rep instead, and rep is returned.
//
// Afterwards ins has no consumers, except possibly rep. It is not removed: dead code elimination does that.
func (p *Program) ReplaceWith(ins, rep *Instruction) (*Instruction, error) {
	if ins == rep {
		return nil, errors.Wrapf(ErrGraphIntegrity, "ReplaceWith: instruction %q replaced by itself", ins.Name())
	}
	if !p.HasInstruction(ins) || !p.HasInstruction(rep) {
		return nil, errors.Wrapf(ErrGraphIntegrity, "ReplaceWith: instructions must belong to the program")
	}
	if ins == p.last {
		return p.ReplaceInstruction(ins, Identity{}, rep)
	}
	if len(ins.outputs) == 0 {
		return rep, nil
	}
	for _, consumer := range ins.Outputs() {
		if consumer == rep {
			continue
		}
		if err := consumer.ReplaceArgument(ins, rep, false); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// RemoveInstruction removes ins from the program. It fails with ErrGraphIntegrity if ins still has consumers.
func (p *Program) RemoveInstruction(ins *Instruction) error {
	if !p.HasInstruction(ins) {
		return errors.Wrapf(ErrGraphIntegrity, "RemoveInstruction: instruction is not part of the program")
	}
	if len(ins.outputs) > 0 {
		return errors.Wrapf(ErrGraphIntegrity, "RemoveInstruction: %q still has %d consumers", ins.Name(), len(ins.outputs))
	}
	ins.clearArguments()
	p.unlink(ins)
	return nil
}

// RemoveInstructions removes the half-open range [first, last) of instructions. If last is nil the range
// goes to the end of the program. Consumers of the removed instructions must all be within the range,
// otherwise ErrGraphIntegrity is returned and nothing is removed.
func (p *Program) RemoveInstructions(first, last *Instruction) error {
	if !p.HasInstruction(first) || (last != nil && !p.HasInstruction(last)) {
		return errors.Wrapf(ErrGraphIntegrity, "RemoveInstructions: range is not part of the program")
	}
	var span []*Instruction
	inSpan := sets.Make[*Instruction]()
	for ins := first; ins != last; ins = ins.next {
		if ins == nil {
			return errors.Wrapf(ErrGraphIntegrity, "RemoveInstructions: %q comes after %q", last.Name(), first.Name())
		}
		span = append(span, ins)
		inSpan.Insert(ins)
	}
	for _, ins := range span {
		for _, consumer := range ins.outputs {
			if !inSpan.Has(consumer) {
				return errors.Wrapf(ErrGraphIntegrity, "RemoveInstructions: %q is still used by %q outside the range",
					ins.Name(), consumer.Name())
			}
		}
	}
	for _, ins := range span {
		ins.clearArguments()
	}
	for _, ins := range span {
		p.unlink(ins)
	}
	return nil
}

// MoveInstruction relocates src just before dst (or to the end if dst is nil). Edges are not changed,
// so the caller must keep the program ordered (see Validate).
func (p *Program) MoveInstruction(src, dst *Instruction) error {
	if !p.HasInstruction(src) || (dst != nil && !p.HasInstruction(dst)) {
		return errors.Wrapf(ErrGraphIntegrity, "MoveInstruction: instructions must belong to the program")
	}
	if src == dst {
		return nil
	}
	p.unlink(src)
	p.link(src, dst)
	return nil
}

// addStructural prepends a structural instruction.
func (p *Program) addStructural(op structural) *Instruction {
	shape, _ := op.ComputeShape(nil)
	ins := &Instruction{op: op, shape: shape}
	p.link(ins, p.first)
	return ins
}

// AddLiteral adds, at the start of the program, an instruction holding the given constant.
func (p *Program) AddLiteral(literal *tensors.Literal) *Instruction {
	return p.addStructural(&literalOp{literal: literal})
}

// AddOutline adds, at the start of the program, a shape-only placeholder (it has no data when evaluated).
func (p *Program) AddOutline(shape shapes.Shape) *Instruction {
	return p.addStructural(&outlineOp{shape: shape})
}

// AddParameter adds, at the start of the program, an input bound by name at evaluation time.
// Parameter names must be unique: a duplicate returns an error wrapping ErrGraphIntegrity.
func (p *Program) AddParameter(name string, shape shapes.Shape) (*Instruction, error) {
	if p.Parameter(name) != nil {
		return nil, errors.Wrapf(ErrGraphIntegrity, "AddParameter: parameter %q already defined", name)
	}
	if !shape.Ok() {
		return nil, errors.Wrapf(ErrShape, "AddParameter: invalid shape for parameter %q", name)
	}
	return p.addStructural(&parameterOp{name: name, shape: shape}), nil
}

// Parameter returns the "@param" instruction with the given name, or nil if there is none.
func (p *Program) Parameter(name string) *Instruction {
	for ins := range p.Instructions() {
		if paramName, ok := ins.ParameterName(); ok && paramName == name {
			return ins
		}
	}
	return nil
}

// ParameterShape returns the shape of the named parameter, or an invalid shape if there is none.
func (p *Program) ParameterShape(name string) shapes.Shape {
	if ins := p.Parameter(name); ins != nil {
		return ins.shape
	}
	return shapes.Invalid()
}

// ParameterShapes returns the shapes of all parameters, by name.
func (p *Program) ParameterShapes() map[string]shapes.Shape {
	result := make(map[string]shapes.Shape)
	for ins := range p.Instructions() {
		if name, ok := ins.ParameterName(); ok {
			result[name] = ins.shape
		}
	}
	return result
}

// Validate checks every instruction is valid (see Instruction.Valid), in program order.
// It returns the first invalid instruction, or nil if the program is valid.
func (p *Program) Validate() *Instruction {
	preceding := sets.Make[*Instruction](p.length)
	for ins := range p.Instructions() {
		if !ins.validWith(preceding) {
			return ins
		}
		preceding.Insert(ins)
	}
	return nil
}
