// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gomlir/pkg/ir"
)

// EliminateIdentity removes identity instructions, making their consumers use the identity's
// argument directly.
//
// The last instruction is special: a terminal identity is only removed if its argument has no
// other consumer, in which case the argument is moved to the end to become the program result.
// Otherwise, it is kept.
type EliminateIdentity struct{}

func (EliminateIdentity) Name() string { return "eliminate_identity" }

func (EliminateIdentity) Apply(p *ir.Program) error {
	for ins := range p.Instructions() {
		if _, ok := ins.Op().(ir.Identity); !ok {
			continue
		}
		arg := ins.Input(0)
		if ins != p.Last() {
			if _, err := p.ReplaceWith(ins, arg); err != nil {
				return err
			}
			if err := p.RemoveInstruction(ins); err != nil {
				return err
			}
			continue
		}
		if arg.NumOutputs() != 1 {
			continue
		}
		if err := p.RemoveInstruction(ins); err != nil {
			return err
		}
		if err := p.MoveInstruction(arg, nil); err != nil {
			return err
		}
	}
	return nil
}
