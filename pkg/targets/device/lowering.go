// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// OpPrefix of the names of the device operators.
	OpPrefix = "dev::"

	// AllocateOpName is the name of the operator creating output buffers.
	AllocateOpName = OpPrefix + "allocate"
)

// allocateOp creates an output buffer of the given shape.
type allocateOp struct {
	shape shapes.Shape
}

func (allocateOp) Name() string { return AllocateOpName }

func (op allocateOp) String() string { return fmt.Sprintf("%s[shape=%s]", AllocateOpName, op.shape) }

func (op allocateOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), ir.ShapeErrorf("%s takes no inputs, got %d", AllocateOpName, len(inputs))
	}
	return op.shape, nil
}

func (allocateOp) Compute(_ ir.Context, output shapes.Shape, _ []*tensors.Argument) (*tensors.Argument, error) {
	return tensors.Zeros(output), nil
}

// kernelOp runs the wrapped operator on the device.
//
// Kernels with an output buffer take it as their last input: the result is written into it, and
// the output aliases it. Views have no buffer, their output aliases their input.
type kernelOp struct {
	op       ir.Operation
	buffered bool
}

func (k kernelOp) Name() string   { return OpPrefix + k.op.Name() }
func (k kernelOp) String() string { return OpPrefix + ir.OperationString(k.op) }

func (k kernelOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	if !k.buffered {
		return k.op.ComputeShape(inputs)
	}
	if len(inputs) == 0 {
		return shapes.Invalid(), ir.ShapeErrorf("%s requires an output buffer", k.Name())
	}
	return k.op.ComputeShape(inputs[:len(inputs)-1])
}

func (k kernelOp) OutputAlias(inputs []shapes.Shape) int {
	if !k.buffered {
		return ir.OutputAlias(k.op, inputs)
	}
	return len(inputs) - 1
}

func (k kernelOp) Compute(ctx ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	if devCtx, ok := ctx.(*Context); ok {
		devCtx.launch()
	}
	if !k.buffered {
		return k.op.Compute(ctx, output, args)
	}
	buffer := args[len(args)-1]
	result, err := k.op.Compute(ctx, output, args[:len(args)-1])
	if err != nil {
		return nil, err
	}
	if buffer.IsEmpty() || result.IsEmpty() {
		return result, nil
	}
	if len(buffer.Bytes()) < output.Memory() {
		return nil, errors.Errorf("%s: output buffer %s too small for %s", k.Name(), buffer.Shape(), output)
	}
	copy(buffer.Bytes(), result.Contiguous().Bytes())
	return buffer.View(0, output.Standard())
}

// Finalize registers the kernel with the device Context.
func (k kernelOp) Finalize(ctx ir.Context, _ shapes.Shape, _ []shapes.Shape) error {
	devCtx, ok := ctx.(*Context)
	if !ok {
		return errors.Errorf("%s finalized with a %T context, expected a device context", k.Name(), ctx)
	}
	devCtx.register(k.Name())
	return nil
}

// unbuffered reports whether the operator's result aliases an input, so it needs no output buffer.
func unbuffered(op ir.Operation) bool {
	switch op.(type) {
	case ir.Identity, ops.Load:
		return true
	}
	return ops.IsView(op)
}

// Lowering replaces every computational operator by its "dev::" kernel, creating an output buffer
// ("dev::allocate") just before each kernel that needs one.
type Lowering struct{}

func (Lowering) Name() string { return "lowering" }

func (Lowering) Apply(p *ir.Program) error {
	var kernels, buffers int
	for ins := range p.Instructions() {
		if ins.Kind() != ir.KindComputational {
			continue
		}
		op := ins.Op()
		switch op.(type) {
		case kernelOp, allocateOp, ops.Undefined:
			continue
		case ops.RNN, ops.GRU, ops.LSTM, ops.RNNLastOutput, ops.LSTMLastCellOutput, ops.Allocate:
			return errors.Wrapf(ir.ErrNotComputable, "no device kernel for %s", ir.OperationString(op))
		}
		args := ins.Inputs()
		kernel := kernelOp{op: op, buffered: !unbuffered(op)}
		if kernel.buffered {
			buffer, err := p.InsertInstruction(ins, allocateOp{shape: ins.Shape().Standard()})
			if err != nil {
				return err
			}
			args = append(args, buffer)
			buffers++
		}
		if _, err := p.ReplaceInstruction(ins, kernel, args...); err != nil {
			return errors.WithMessagef(err, "lowering %s", ins.Name())
		}
		kernels++
	}
	klog.V(2).Infof("program %s: %d instructions lowered to %s, %d output buffers", p.ID(), kernels, Name, buffers)
	return nil
}

// AdjustAllocation replaces the output buffers whose shape no longer matches the shape of the kernel
// writing into them, e.g. after a quantization changed the kernel's dtype.
type AdjustAllocation struct{}

func (AdjustAllocation) Name() string { return "adjust_allocation" }

func (AdjustAllocation) Apply(p *ir.Program) error {
	var adjusted int
	for ins := range p.Instructions() {
		alias := ir.OutputAlias(ins.Op(), ins.InputShapes())
		if alias < 0 || alias >= ins.NumInputs() {
			continue
		}
		buffer := ins.Input(alias)
		if _, ok := buffer.Op().(allocateOp); !ok {
			continue
		}
		if buffer.Shape().Equal(ins.Shape().Standard()) {
			continue
		}
		reallocated, err := p.InsertInstruction(ins, allocateOp{shape: ins.Shape().Standard()})
		if err != nil {
			return err
		}
		if err := ins.ReplaceArgument(buffer, reallocated, false); err != nil {
			return err
		}
		if buffer.NumOutputs() == 0 && buffer != p.Last() {
			if err := p.RemoveInstruction(buffer); err != nil {
				return err
			}
		}
		adjusted++
	}
	if adjusted > 0 {
		klog.V(2).Infof("program %s: %d output buffers reallocated", p.ID(), adjusted)
	}
	return nil
}
