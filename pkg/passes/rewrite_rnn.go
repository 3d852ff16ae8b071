// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RewriteRNN expands the recurrent operators (rnn, gru and lstm) into primitive operators: the
// sequence is unrolled, one cell per time step, using slices, dots, elementwise operations and the
// operator's activations.
//
// The recurrent instruction is replaced in place by the concatenation of the hidden states of every
// step, with shape [seqLen, numDirections, batch, hiddenSize]. Consumers that extract the last hidden
// state (rnn_last_output) or the last cell state (lstm_last_cell_output) are redirected to the
// values computed by the last step.
type RewriteRNN struct{}

func (RewriteRNN) Name() string { return "rewrite_rnn" }

func (RewriteRNN) Apply(p *ir.Program) error {
	var rewritten int
	for ins := range p.Instructions() {
		var expand func(r *rnnRewriter)
		switch op := ins.Op().(type) {
		case ops.RNN:
			expand = func(r *rnnRewriter) {
				activations := vanillaActivations(op.Activations, op.Direction)
				r.expand(op.Direction, activations, 1, false, r.vanillaCell)
			}
		case ops.GRU:
			expand = func(r *rnnRewriter) {
				activations := gruActivations(op.Activations, op.Direction)
				r.expand(op.Direction, activations, 2, false, func(forward bool, in cellInputs, act []ir.Operation) cellOutputs {
					return r.gruCell(forward, in, act, op.LinearBeforeReset)
				})
			}
		case ops.LSTM:
			expand = func(r *rnnRewriter) {
				activations := lstmActivations(op.Activations, op.Direction)
				r.expand(op.Direction, activations, 3, true, r.lstmCell)
			}
		default:
			continue
		}
		description := ir.OperationString(ins.Op())
		r := &rnnRewriter{p: p, ins: ins}
		if err := exceptions.TryCatch[error](func() { expand(r) }); err != nil {
			return errors.WithMessagef(err, "rewriting %s", description)
		}
		rewritten++
	}
	if rewritten > 0 {
		klog.V(2).Infof("program %s: %d recurrent operators expanded", p.ID(), rewritten)
	}
	return nil
}

// vanillaActivations returns one activation per direction.
func vanillaActivations(given []ir.Operation, direction ops.Direction) []ir.Operation {
	if direction == ops.Bidirectional {
		switch len(given) {
		case 0:
			return []ir.Operation{ops.Tanh{}, ops.Tanh{}}
		case 1:
			return []ir.Operation{given[0], given[0]}
		}
		return given
	}
	if len(given) == 0 {
		return []ir.Operation{ops.Tanh{}}
	}
	return given
}

// gruActivations returns two activations per direction: for the update/reset gates and for the
// hidden gate.
func gruActivations(given []ir.Operation, direction ops.Direction) []ir.Operation {
	if direction == ops.Bidirectional {
		switch len(given) {
		case 0:
			return []ir.Operation{ops.Sigmoid{}, ops.Tanh{}, ops.Sigmoid{}, ops.Tanh{}}
		case 1:
			return []ir.Operation{given[0], given[0], given[0], given[0]}
		case 2:
			return []ir.Operation{given[0], given[1], given[0], given[1]}
		case 3:
			return []ir.Operation{given[0], given[1], given[2], given[0]}
		}
		return given
	}
	switch len(given) {
	case 0:
		return []ir.Operation{ops.Sigmoid{}, ops.Tanh{}}
	case 1:
		return []ir.Operation{given[0], given[0]}
	}
	return given
}

// lstmActivations returns three activations per direction: for the gates, for the cell candidate
// and for the cell output.
func lstmActivations(given []ir.Operation, direction ops.Direction) []ir.Operation {
	if direction == ops.Bidirectional {
		switch len(given) {
		case 0:
			return []ir.Operation{ops.Sigmoid{}, ops.Tanh{}, ops.Tanh{}, ops.Sigmoid{}, ops.Tanh{}, ops.Tanh{}}
		case 1:
			return []ir.Operation{given[0], given[0], given[0], given[0], given[0], given[0]}
		case 2:
			return []ir.Operation{given[0], given[1], given[1], given[0], given[1], given[1]}
		case 3:
			return []ir.Operation{given[0], given[1], given[2], given[0], given[1], given[2]}
		case 4:
			return []ir.Operation{given[0], given[1], given[2], given[3], given[3], given[3]}
		case 5:
			return []ir.Operation{given[0], given[1], given[2], given[3], given[4], given[4]}
		}
		return given
	}
	switch len(given) {
	case 0:
		return []ir.Operation{ops.Sigmoid{}, ops.Tanh{}, ops.Tanh{}}
	case 1:
		return []ir.Operation{given[0], given[0], given[0]}
	case 2:
		return []ir.Operation{given[0], given[1], given[1]}
	}
	return given
}

// cellInputs of one direction. Weights, biases and states keep their leading direction axis (of
// dimension 1). Optional inputs not given are nil, except the initial states which default to zeros.
type cellInputs struct {
	seq, w, r, bias, ih, ic, peephole *ir.Instruction
}

// cellOutputs of one direction.
type cellOutputs struct {
	// hidden is the concatenation, in sequence order, of the hidden states of all steps but the last
	// one computed. It is nil if the sequence has length 1.
	hidden *ir.Instruction

	// last is the hidden state of the last step computed, shaped [1, 1, batch, hiddenSize].
	last *ir.Instruction

	// lastCell is the cell state of the last step computed, shaped [1, batch, hiddenSize]. LSTM only.
	lastCell *ir.Instruction
}

type cellFn func(forward bool, in cellInputs, activations []ir.Operation) cellOutputs

// rnnRewriter expands one recurrent instruction, inserting the new instructions just before it.
// Errors of the program mutations are thrown as panics, and caught by RewriteRNN.Apply.
type rnnRewriter struct {
	p   *ir.Program
	ins *ir.Instruction
}

func (r *rnnRewriter) insert(op ir.Operation, args ...*ir.Instruction) *ir.Instruction {
	ins, err := r.p.InsertInstruction(r.ins, op, args...)
	if err != nil {
		panic(err)
	}
	return ins
}

// input returns the recurrent instruction's input at position idx, or nil if it is missing or undefined.
func (r *rnnRewriter) input(idx int) *ir.Instruction {
	if idx >= r.ins.NumInputs() {
		return nil
	}
	input := r.ins.Input(idx)
	if ops.IsUndefined(input) {
		return nil
	}
	return input
}

func (r *rnnRewriter) filled(shape shapes.Shape, value float64) *ir.Instruction {
	return r.p.AddLiteral(tensors.FilledLiteral(shape, value))
}

// slice0 slices the range [start, end) of axis 0.
func (r *rnnRewriter) slice0(x *ir.Instruction, start, end int) *ir.Instruction {
	return r.insert(ops.Slice{Axes: []int{0}, Starts: []int{start}, Ends: []int{end}}, x)
}

func (r *rnnRewriter) squeeze0(x *ir.Instruction) *ir.Instruction {
	return r.insert(ops.Squeeze{Axes: []int{0}}, x)
}

// gateWeights slices the rows [gate*hiddenSize, (gate+1)*hiddenSize) of the squeezed weights, and
// transposes them so they can right-multiply the inputs.
func (r *rnnRewriter) gateWeights(w *ir.Instruction, gate, hiddenSize int) *ir.Instruction {
	sliced := r.slice0(w, gate*hiddenSize, (gate+1)*hiddenSize)
	return r.insert(ops.Transpose{Permutation: []int{1, 0}}, sliced)
}

// biasSlice returns the slice [block*hiddenSize, (block+1)*hiddenSize) of a squeezed bias.
func (r *rnnRewriter) biasSlice(bias *ir.Instruction, block, hiddenSize int) *ir.Instruction {
	return r.slice0(bias, block*hiddenSize, (block+1)*hiddenSize)
}

// broadcastState broadcasts a [hiddenSize] vector to the state shape [batch, hiddenSize].
func (r *rnnRewriter) broadcastState(x *ir.Instruction, batch, hiddenSize int) *ir.Instruction {
	return r.insert(ops.Broadcast{Axis: 1, Dims: []int{batch, hiddenSize}}, x)
}

// step returns the input of the i-th step, [batch, inputSize]: it walks the sequence backwards
// if not forward.
func (r *rnnRewriter) step(seq *ir.Instruction, forward bool, i int) *ir.Instruction {
	seqLen := seq.Shape().Dim(0)
	idx := i
	if !forward {
		idx = seqLen - 1 - i
	}
	return r.squeeze0(r.slice0(seq, idx, idx+1))
}

// accumulate records the hidden state ht of step i (of seqLen): the hidden states of all but the
// last step are concatenated in sequence order.
func (r *rnnRewriter) accumulate(out *cellOutputs, forward bool, i, seqLen int, ht *ir.Instruction) {
	out.last = r.insert(ops.Unsqueeze{Axes: []int{0, 1}}, ht)
	if i == seqLen-1 {
		return
	}
	switch {
	case out.hidden == nil:
		out.hidden = out.last
	case forward:
		out.hidden = r.insert(ops.Concat{Axis: 0}, out.hidden, out.last)
	default:
		out.hidden = r.insert(ops.Concat{Axis: 0}, out.last, out.hidden)
	}
}

// expand unrolls the recurrent instruction with the given cell, for one or both directions, and
// replaces it with the concatenated hidden states.
func (r *rnnRewriter) expand(direction ops.Direction, activations []ir.Operation, perDirection int, withCell bool, cell cellFn) {
	numDirections := direction.NumDirections()
	if len(activations) < perDirection*numDirections {
		panic(errors.Errorf("%d activations given, %d required", len(activations), perDirection*numDirections))
	}
	seq := r.input(ops.RNNInputSequence)
	seqShape := seq.Shape()
	hiddenSize := r.input(ops.RNNInputRecurrence).Shape().Dim(2)
	stateShape := shapes.Make(seqShape.DType, 1, seqShape.Dim(1), hiddenSize)

	forDirection := func(d int, x *ir.Instruction) *ir.Instruction {
		if x == nil || direction != ops.Bidirectional {
			return x
		}
		return r.slice0(x, d, d+1)
	}
	orZeros := func(x *ir.Instruction) *ir.Instruction {
		if x == nil {
			return r.filled(stateShape, 0)
		}
		return x
	}
	run := func(d int, forward bool) cellOutputs {
		in := cellInputs{
			seq:  seq,
			w:    forDirection(d, r.input(ops.RNNInputWeights)),
			r:    forDirection(d, r.input(ops.RNNInputRecurrence)),
			bias: forDirection(d, r.input(ops.RNNInputBias)),
			ih:   orZeros(forDirection(d, r.input(ops.RNNInputInitialHidden))),
		}
		if withCell {
			in.ic = orZeros(forDirection(d, r.input(ops.RNNInputInitialCell)))
			in.peephole = forDirection(d, r.input(ops.RNNInputPeephole))
		}
		return cell(forward, in, activations[d*perDirection:(d+1)*perDirection])
	}

	var lastOutput, lastCell *ir.Instruction
	if direction == ops.Bidirectional {
		fwd, rev := run(0, true), run(1, false)
		lastOutput = r.squeeze0(r.insert(ops.Concat{Axis: 1}, fwd.last, rev.last))
		if withCell {
			lastCell = r.insert(ops.Concat{Axis: 0}, fwd.lastCell, rev.lastCell)
		}
		if fwd.hidden == nil {
			r.replace(ops.Concat{Axis: 1}, fwd.last, rev.last)
		} else {
			fwdAll := r.insert(ops.Concat{Axis: 0}, fwd.hidden, fwd.last)
			revAll := r.insert(ops.Concat{Axis: 0}, rev.last, rev.hidden)
			r.replace(ops.Concat{Axis: 1}, fwdAll, revAll)
		}
	} else {
		forward := direction == ops.Forward
		out := run(0, forward)
		lastOutput = r.squeeze0(out.last)
		lastCell = out.lastCell
		switch {
		case out.hidden == nil:
			r.replace(ops.Concat{Axis: 0}, out.last)
		case forward:
			r.replace(ops.Concat{Axis: 0}, out.hidden, out.last)
		default:
			r.replace(ops.Concat{Axis: 0}, out.last, out.hidden)
		}
	}

	for _, consumer := range r.ins.Outputs() {
		var rep *ir.Instruction
		switch consumer.Op().(type) {
		case ops.RNNLastOutput:
			rep = lastOutput
		case ops.LSTMLastCellOutput:
			rep = lastCell
		}
		if rep == nil {
			continue
		}
		if _, err := r.p.ReplaceWith(consumer, rep); err != nil {
			panic(err)
		}
	}
}

// replace changes the recurrent instruction in place into op(args...).
func (r *rnnRewriter) replace(op ir.Operation, args ...*ir.Instruction) {
	if _, err := r.p.ReplaceInstruction(r.ins, op, args...); err != nil {
		panic(err)
	}
}
