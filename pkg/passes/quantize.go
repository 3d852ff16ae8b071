// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/gomlx/gomlir/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// QuantizeFP16 reduces the precision of the program from Float32 to Float16.
//
//   - Float32 literals are re-encoded as new Float16 literals, and their consumers redirected to them.
//   - Float32 parameters keep their type (it is part of the external contract): a conversion to Float16
//     is inserted right after them, and their consumers are redirected to the conversion.
//   - Every other instruction has its shape recomputed, since the dtype of its inputs changed.
//
// If anything was reduced and the program result ends up as Float16, a conversion back to Float32 is
// appended, so the external output type is unchanged.
type QuantizeFP16 struct{}

func (QuantizeFP16) Name() string { return "quantize_fp16" }

func (QuantizeFP16) Apply(p *ir.Program) error {
	created := sets.Make[*ir.Instruction]()
	var reduced int
	for ins := range p.Instructions() {
		if created.Has(ins) {
			continue
		}
		isFloat32 := ins.Shape().DType == dtypes.Float32
		switch {
		case ins.Kind() == ir.KindLiteral && isFloat32:
			half, err := halfLiteral(ins.Literal())
			if err != nil {
				return err
			}
			halfIns := p.AddLiteral(half)
			created.Insert(halfIns)
			if _, err := p.ReplaceWith(ins, halfIns); err != nil {
				return err
			}
			reduced++

		case ins.Kind() == ir.KindParameter && isFloat32:
			var convert *ir.Instruction
			var err error
			if ins == p.Last() {
				convert, err = p.AddInstruction(ops.Convert{ToHalf: true}, ins)
			} else {
				convert, err = p.InsertInstruction(ins.Next(), ops.Convert{ToHalf: true}, ins)
			}
			if err != nil {
				return err
			}
			created.Insert(convert)
			if _, err := p.ReplaceWith(ins, convert); err != nil {
				return err
			}
			reduced++

		case ins.Kind() == ir.KindComputational:
			if err := ins.RecomputeShape(); err != nil {
				return errors.WithMessagef(err, "quantizing instruction %d", p.Index(ins))
			}
		}
	}

	if reduced > 0 && p.Last().Shape().DType == dtypes.Float16 {
		if _, err := p.AddInstruction(ops.Convert{ToHalf: false}, p.Last()); err != nil {
			return err
		}
	}
	klog.V(2).Infof("program %s: %d literals and parameters reduced to Float16", p.ID(), reduced)
	return nil
}

// halfLiteral re-encodes a literal as Float16.
func halfLiteral(l *tensors.Literal) (*tensors.Literal, error) {
	shape := shapes.Make(dtypes.Float16, l.Shape().Dimensions...)
	return tensors.LiteralFromFloat64s(shape, l.Float64s())
}
