// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/support/sets"
	"k8s.io/klog/v2"
)

// DeadCodeElimination removes instructions whose results are not consumed.
//
// The last instruction (the program result) and parameters are never removed. Inputs of removed
// instructions are examined again, so a single application reaches a fixed point.
type DeadCodeElimination struct{}

func (DeadCodeElimination) Name() string { return "dead_code_elimination" }

func (DeadCodeElimination) Apply(p *ir.Program) error {
	last := p.Last()
	if last == nil {
		return nil
	}
	var worklist sets.Worklist[*ir.Instruction]
	for ins := last.Prev(); ins != nil; ins = ins.Prev() {
		worklist.Push(ins)
	}
	var removed int
	for worklist.Len() > 0 {
		ins, _ := worklist.Pop()
		if ins == last || !p.HasInstruction(ins) || ins.NumOutputs() > 0 || ins.Kind() == ir.KindParameter {
			continue
		}
		inputs := ins.Inputs()
		if err := p.RemoveInstruction(ins); err != nil {
			return err
		}
		removed++
		worklist.Push(inputs...)
	}
	if removed > 0 {
		klog.V(2).Infof("program %s: dead code elimination removed %d instructions", p.ID(), removed)
	}
	return nil
}
