// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"k8s.io/klog/v2"
)

// AutoContiguous inserts a contiguous copy after every instruction whose result is not in the
// standard layout (transposed, broadcast or sliced views), and redirects its consumers to the copy.
//
// Chains of views are only copied at their end: an instruction consumed exclusively by other views
// is left alone.
type AutoContiguous struct{}

func (AutoContiguous) Name() string { return "auto_contiguous" }

func (AutoContiguous) Apply(p *ir.Program) error {
	var inserted int
	for ins := range p.Instructions() {
		shape := ins.Shape()
		if !shape.Ok() || shape.IsStandard() {
			continue
		}
		if _, ok := ins.Op().(ops.Contiguous); ok {
			continue
		}
		if (ins.NumOutputs() == 0 && ins != p.Last()) || onlyViewConsumers(ins) {
			continue
		}
		if ins == p.Last() {
			if _, err := p.AddInstruction(ops.Contiguous{}, ins); err != nil {
				return err
			}
			inserted++
			// The new last instruction is standard, the iteration ends with it.
			continue
		}
		contiguous, err := p.InsertInstruction(ins.Next(), ops.Contiguous{}, ins)
		if err != nil {
			return err
		}
		if _, err := p.ReplaceWith(ins, contiguous); err != nil {
			return err
		}
		inserted++
	}
	if inserted > 0 {
		klog.V(2).Infof("program %s: %d contiguous copies inserted", p.ID(), inserted)
	}
	return nil
}

// onlyViewConsumers returns whether ins has consumers and all of them are views.
func onlyViewConsumers(ins *ir.Instruction) bool {
	if ins.NumOutputs() == 0 {
		return false
	}
	for _, consumer := range ins.Outputs() {
		if !ops.IsView(consumer.Op()) {
			return false
		}
	}
	return true
}
