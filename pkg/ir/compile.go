// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is the execution state of a Target, owned by the compiled Program and handed to every
// Operation.Compute and Finalizer.Finalize call. Operators must not retain it.
type Context interface {
	// Finish blocks until all work issued on the context is completed.
	Finish() error
}

// Pass is a named program transformation.
type Pass interface {
	Name() string
	Apply(p *Program) error
}

// Target provides the compilation pipeline and the execution context for a backend.
type Target interface {
	Name() string

	// Passes returns the ordered list of passes to compile a program for this target.
	Passes(ctx Context) []Pass

	// Context returns a new execution context.
	Context() Context
}

// passFunc adapts a function to the Pass interface.
type passFunc struct {
	name  string
	apply func(p *Program) error
}

func (pf passFunc) Name() string          { return pf.name }
func (pf passFunc) Apply(p *Program) error { return pf.apply(p) }

// NewPass returns a Pass with the given name, implemented by apply.
func NewPass(name string, apply func(p *Program) error) Pass {
	return passFunc{name: name, apply: apply}
}

// CompileOptions configure Compile and the evaluation of the compiled program.
type CompileOptions struct {
	// Tracer, if set, receives the program after each pass.
	Tracer io.Writer

	// EvalTracer, if set, receives each instruction before it is evaluated, and forces
	// a Context.Finish before each instruction.
	EvalTracer io.Writer

	// Debug validates the program after every pass, and checks the context is not changed during evaluation.
	Debug bool
}

// nopContext is used to evaluate programs that were not compiled.
type nopContext struct{}

func (nopContext) Finish() error { return nil }

// firstInvalidError returns an error describing the first invalid instruction, or nil.
func (p *Program) firstInvalidError(format string, args ...any) error {
	invalid := p.Validate()
	if invalid == nil {
		return nil
	}
	return errors.Wrapf(ErrCompilationInvariant, "%s at instruction %d: %s",
		fmt.Sprintf(format, args...), p.Index(invalid), DebugString(invalid))
}

// RunPasses applies the passes in order. The program is traced after each pass if options.Tracer is set,
// and validated after each pass if options.Debug is set.
func RunPasses(p *Program, passes []Pass, options CompileOptions) error {
	for _, pass := range passes {
		start := time.Now()
		if err := pass.Apply(p); err != nil {
			return errors.WithMessagef(err, "pass %q", pass.Name())
		}
		if klog.V(1).Enabled() {
			klog.Infof("program %s: pass %q applied in %s, %d instructions", p.id, pass.Name(), time.Since(start), p.length)
		}
		if options.Tracer != nil {
			_, _ = fmt.Fprintf(options.Tracer, "Pass: %s\n", pass.Name())
			_ = p.Print(options.Tracer)
			_, _ = fmt.Fprintln(options.Tracer)
		}
		if options.Debug {
			if err := p.firstInvalidError("%s pass produces invalid program", pass.Name()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Compile transforms the program for the target: it sets the context, runs the target's passes,
// validates the result and finalizes the instructions.
//
// The program must be valid before compilation. Errors from passes are returned as is (with the pass name);
// invariant violations wrap ErrCompilationInvariant.
func (p *Program) Compile(target Target, options CompileOptions) error {
	if err := p.firstInvalidError("invalid program before compilation"); err != nil {
		return err
	}
	p.ctx = target.Context()
	p.ctxVersion++
	p.options = options
	if options.Tracer != nil {
		_, _ = fmt.Fprintf(options.Tracer, "Compiling for target %q\n", target.Name())
		_ = p.Print(options.Tracer)
		_, _ = fmt.Fprintln(options.Tracer)
	}
	start := time.Now()
	if err := RunPasses(p, target.Passes(p.ctx), options); err != nil {
		return errors.WithMessagef(err, "compiling for target %q", target.Name())
	}
	if err := p.firstInvalidError("invalid program from compilation"); err != nil {
		return err
	}
	klog.V(1).Infof("program %s: compiled for %q in %s", p.id, target.Name(), time.Since(start))
	return p.Finalize()
}

// Finalize calls Finalizer.Finalize on every instruction whose operator implements it, in program order.
func (p *Program) Finalize() error {
	ctx := p.ctx
	if ctx == nil {
		ctx = nopContext{}
	}
	for ins := range p.Instructions() {
		if finalizer, ok := ins.op.(Finalizer); ok {
			if err := finalizer.Finalize(ctx, ins.shape, ins.inputShapes()); err != nil {
				return errors.WithMessagef(err, "finalizing instruction %d (%s)", p.Index(ins), ins.Name())
			}
		}
	}
	return nil
}
