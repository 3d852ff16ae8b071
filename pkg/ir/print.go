// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// maxPrintedLiteralElements is the largest literal printed in full. Larger ones are elided.
const maxPrintedLiteralElements = 10

// instructionNames assigns the printed names: parameters use their name, other instructions
// are named "@<index>".
func (p *Program) instructionNames() map[*Instruction]string {
	names := make(map[*Instruction]string, p.length)
	idx := 0
	for ins := range p.Instructions() {
		if name, ok := ins.ParameterName(); ok {
			names[ins] = name
		} else {
			names[ins] = fmt.Sprintf("@%d", idx)
		}
		idx++
	}
	return names
}

// printInstruction writes one instruction as "<name> = <op>[{literal}](<args>) -> <shape>", without newline.
func (p *Program) printInstruction(w io.Writer, ins *Instruction, names map[*Instruction]string) {
	var sb strings.Builder
	sb.WriteString(names[ins])
	sb.WriteString(" = ")
	sb.WriteString(OperationString(ins.op))
	if l := ins.Literal(); l != nil {
		if l.Shape().Size() > maxPrintedLiteralElements {
			sb.WriteString("{ ... }")
		} else {
			sb.WriteString("{")
			sb.WriteString(l.String())
			sb.WriteString("}")
		}
	}
	if len(ins.inputs) > 0 {
		sb.WriteString("(")
		for i, input := range ins.inputs {
			if i > 0 {
				sb.WriteString(", ")
			}
			if name, found := names[input]; found {
				sb.WriteString(name)
			} else {
				sb.WriteString("?")
			}
		}
		sb.WriteString(")")
	}
	sb.WriteString(" -> ")
	sb.WriteString(ins.shape.String())
	_, _ = io.WriteString(w, sb.String())
}

// Annotate prints the program, one instruction per line, calling annotate after each instruction
// and before the newline, to append extra information.
func (p *Program) Annotate(w io.Writer, annotate func(w io.Writer, ins *Instruction)) error {
	names := p.instructionNames()
	var buf bytes.Buffer
	for ins := range p.Instructions() {
		p.printInstruction(&buf, ins, names)
		if annotate != nil {
			annotate(&buf, ins)
		}
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Print writes the textual dump of the program, one instruction per line.
func (p *Program) Print(w io.Writer) error {
	return p.Annotate(w, nil)
}

// String implements fmt.Stringer, it returns the textual dump of the program.
func (p *Program) String() string {
	var sb strings.Builder
	_ = p.Print(&sb)
	return sb.String()
}

// Equal returns whether both programs have the same textual dump.
func (p *Program) Equal(p2 *Program) bool {
	return p.String() == p2.String()
}

// DebugString returns the printed form of a single instruction, with names relative to its program.
func DebugString(ins *Instruction) string {
	var sb strings.Builder
	if ins.program == nil {
		names := map[*Instruction]string{ins: "@?"}
		(&Program{}).printInstruction(&sb, ins, names)
		return sb.String()
	}
	ins.program.printInstruction(&sb, ins, ins.program.instructionNames())
	return sb.String()
}
