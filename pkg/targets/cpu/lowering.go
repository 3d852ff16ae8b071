// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpPrefix of the names of the operators of the cpu target.
const OpPrefix = "cpu::"

// Lowering replaces every computational operator by its "cpu::" version.
type Lowering struct{}

func (Lowering) Name() string { return "lowering" }

func (Lowering) Apply(p *ir.Program) error {
	var lowered int
	for ins := range p.Instructions() {
		if ins.Kind() != ir.KindComputational {
			continue
		}
		var op ir.Operation
		switch generic := ins.Op().(type) {
		case hostOp, dotOp:
			continue
		case ops.Undefined:
			continue
		case ops.RNN, ops.GRU, ops.LSTM, ops.RNNLastOutput, ops.LSTMLastCellOutput, ops.Allocate:
			return errors.Wrapf(ir.ErrNotComputable, "no cpu kernel for %s", ir.OperationString(generic))
		case ops.Dot:
			op = dotOp{}
		default:
			op = hostOp{op: generic}
		}
		if _, err := p.ReplaceInstruction(ins, op, ins.Inputs()...); err != nil {
			return errors.WithMessagef(err, "lowering %s", ins.Name())
		}
		lowered++
	}
	klog.V(2).Infof("program %s: %d instructions lowered to %s", p.ID(), lowered, Name)
	return nil
}

// hostOp runs the host kernel of the wrapped operator.
type hostOp struct {
	op ir.Operation
}

func (h hostOp) Name() string   { return OpPrefix + h.op.Name() }
func (h hostOp) String() string { return OpPrefix + ir.OperationString(h.op) }

func (h hostOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return h.op.ComputeShape(inputs)
}

func (h hostOp) Compute(ctx ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	return h.op.Compute(ctx, output, args)
}

func (h hostOp) OutputAlias(inputs []shapes.Shape) int {
	return ir.OutputAlias(h.op, inputs)
}

// minRowsPerTask of a parallel matrix multiplication.
const minRowsPerTask = 8

// dotOp multiplies matrices, splitting the rows of the result among the workers of the Context.
// It runs the plain ops.Dot when the Context has parallelism disabled.
type dotOp struct{}

func (dotOp) Name() string { return OpPrefix + "dot" }

func (dotOp) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return ops.Dot{}.ComputeShape(inputs)
}

func (dotOp) Compute(ctx ir.Context, output shapes.Shape, args []*tensors.Argument) (*tensors.Argument, error) {
	cpuCtx, ok := ctx.(*Context)
	if !ok || !cpuCtx.pool.IsEnabled() || args[0].IsEmpty() || args[1].IsEmpty() {
		return ops.Dot{}.Compute(ctx, output, args)
	}
	m, k, n := output.Dim(0), args[0].Shape().Dim(1), output.Dim(1)
	lhs, rhs := args[0].Float64s(), args[1].Float64s()
	out := make([]float64, m*n)
	cpuCtx.pool.ParallelRange(m, minRowsPerTask, func(start, end int) {
		ops.MatMulRows(lhs, rhs, out, k, n, start, end)
	})
	return tensors.FromFloat64s(output, out)
}
