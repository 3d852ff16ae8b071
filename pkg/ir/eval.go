// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Parameters binds parameter names to their values for evaluation.
type Parameters map[string]*tensors.Argument

// computeFn computes the result of one instruction.
type computeFn func() (*tensors.Argument, error)

// traceFn wraps the computation of each instruction: it may measure, print or skip it.
type traceFn func(ins *Instruction, compute computeFn) (*tensors.Argument, error)

func (p *Program) evalContext() Context {
	if p.ctx == nil {
		return nopContext{}
	}
	return p.ctx
}

// genericEval evaluates the program in order, calling trace around the computation of every instruction.
// It returns the result of the last instruction.
//
// The program must be valid: otherwise it fails with an error wrapping ErrCompilationInvariant.
func (p *Program) genericEval(ctx Context, params Parameters, trace traceFn) (*tensors.Argument, error) {
	if p.last == nil {
		return nil, errors.Wrap(ErrGraphIntegrity, "cannot evaluate an empty program")
	}
	if err := p.firstInvalidError("cannot evaluate invalid program"); err != nil {
		return nil, err
	}
	results := make(map[*Instruction]*tensors.Argument, p.length)
	for ins := range p.Instructions() {
		var compute computeFn
		switch op := ins.op.(type) {
		case *literalOp:
			compute = func() (*tensors.Argument, error) { return op.literal.Argument(), nil }
		case *parameterOp:
			compute = func() (*tensors.Argument, error) {
				value, found := params[op.name]
				if !found || value == nil {
					return nil, errors.Wrapf(ErrParameterMissing, "parameter %q", op.name)
				}
				if !value.Shape().Equal(ins.shape) {
					return nil, errors.Wrapf(ErrShapeMismatch, "shape %s given for parameter %q, expected %s",
						value.Shape(), op.name, ins.shape)
				}
				return value, nil
			}
		case *outlineOp:
			compute = func() (*tensors.Argument, error) { return tensors.Empty(ins.shape), nil }
		default:
			args := make([]*tensors.Argument, len(ins.inputs))
			for i, input := range ins.inputs {
				arg, found := results[input]
				if !found || arg == nil {
					return nil, errors.Wrapf(ErrGraphIntegrity, "argument #%d of instruction %d (%s) was not evaluated",
						i, p.Index(ins), ins.Name())
				}
				args[i] = arg
			}
			compute = func() (*tensors.Argument, error) {
				result, err := ins.op.Compute(ctx, ins.shape, args)
				if err != nil {
					return nil, errors.WithMessagef(err, "computing %s", OperationString(ins.op))
				}
				return result, nil
			}
		}
		result, err := trace(ins, compute)
		if err != nil {
			return nil, err
		}
		results[ins] = result
	}
	result, found := results[p.last]
	if !found || result == nil {
		return nil, errors.Wrap(ErrGraphIntegrity, "result of the last instruction was not evaluated")
	}
	return result, nil
}

// Eval evaluates the program with the given parameters, and returns the result of the last instruction.
//
// If the program was compiled with CompileOptions.EvalTracer, every instruction is printed before being
// evaluated, after waiting for the context to finish the previous work.
func (p *Program) Eval(params Parameters) (*tensors.Argument, error) {
	ctx := p.evalContext()
	version := p.ctxVersion
	checkContext := func() error {
		if p.options.Debug && p.ctxVersion != version {
			return errors.Wrap(ErrCompilationInvariant, "context changed during evaluation")
		}
		return nil
	}
	if tracer := p.options.EvalTracer; tracer != nil {
		names := p.instructionNames()
		return p.genericEval(ctx, params, func(ins *Instruction, compute computeFn) (*tensors.Argument, error) {
			if err := ctx.Finish(); err != nil {
				return nil, err
			}
			_, _ = fmt.Fprintf(tracer, "Run instruction: ")
			p.printInstruction(tracer, ins, names)
			_, _ = fmt.Fprintln(tracer)
			result, err := compute()
			if err != nil {
				return nil, err
			}
			return result, checkContext()
		})
	}
	return p.genericEval(ctx, params, func(ins *Instruction, compute computeFn) (*tensors.Argument, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		return result, checkContext()
	})
}

// DryRun walks the program as Eval does, binding and checking parameters, but without computing anything.
// It measures the evaluation overhead.
func (p *Program) DryRun(params Parameters) error {
	_, err := p.genericEval(p.evalContext(), params, func(ins *Instruction, compute computeFn) (*tensors.Argument, error) {
		if ins.Kind() == KindParameter {
			return compute()
		}
		return tensors.Empty(ins.shape), nil
	})
	return err
}
