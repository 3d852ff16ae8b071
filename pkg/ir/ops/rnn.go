// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/support/xslices"
)

// Direction in which a recurrent operator walks the sequence.
type Direction int

const (
	Forward Direction = iota
	Reverse
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case Bidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// NumDirections returns 2 for Bidirectional, 1 otherwise.
func (d Direction) NumDirections() int {
	if d == Bidirectional {
		return 2
	}
	return 1
}

// Inputs of the recurrent operators, by position. Trailing optional inputs may be omitted, and any
// optional input may be an Undefined instruction.
//
//   - RNNInputSequence: [seqLen, batch, inputSize]
//   - RNNInputWeights: [numDirections, gates*hiddenSize, inputSize]
//   - RNNInputRecurrence: [numDirections, gates*hiddenSize, hiddenSize]
//   - RNNInputBias (optional): [numDirections, 2*gates*hiddenSize], the input bias followed by the recurrence bias.
//   - RNNInputSequenceLengths (optional): ignored.
//   - RNNInputInitialHidden (optional): [numDirections, batch, hiddenSize]
//   - RNNInputInitialCell (optional, LSTM only): [numDirections, batch, hiddenSize]
//   - RNNInputPeephole (optional, LSTM only): [numDirections, 3*hiddenSize]
const (
	RNNInputSequence = iota
	RNNInputWeights
	RNNInputRecurrence
	RNNInputBias
	RNNInputSequenceLengths
	RNNInputInitialHidden
	RNNInputInitialCell
	RNNInputPeephole
)

// recurrentShape is the shape inference of RNN, GRU and LSTM: [seqLen, numDirections, batch, hiddenSize].
// Optional inputs are checked only when defined.
func recurrentShape(name string, hiddenSize, gates int, direction Direction, maxInputs int, inputs []shapes.Shape) (shapes.Shape, error) {
	if len(inputs) < 3 || len(inputs) > maxInputs {
		return shapes.Invalid(), ir.ShapeErrorf("%s takes between 3 and %d inputs, got %d", name, maxInputs, len(inputs))
	}
	if err := checkOk(name, inputs[:3]); err != nil {
		return shapes.Invalid(), err
	}
	if hiddenSize <= 0 {
		return shapes.Invalid(), ir.ShapeErrorf("%s requires a positive hidden size, got %d", name, hiddenSize)
	}
	seq, weights, recurrence := inputs[RNNInputSequence], inputs[RNNInputWeights], inputs[RNNInputRecurrence]
	if seq.Rank() != 3 || weights.Rank() != 3 || recurrence.Rank() != 3 {
		return shapes.Invalid(), ir.ShapeErrorf("%s requires rank-3 sequence, weights and recurrence, got %s, %s and %s",
			name, seq, weights, recurrence)
	}
	numDirections := direction.NumDirections()
	batch := seq.Dim(1)
	if recurrence.Dim(2) != hiddenSize {
		return shapes.Invalid(), ir.ShapeErrorf("%s hidden size %d doesn't match recurrence weights %s", name, hiddenSize, recurrence)
	}
	if weights.Dim(0) != numDirections || recurrence.Dim(0) != numDirections {
		return shapes.Invalid(), ir.ShapeErrorf("%s %s requires %d directions in the weights, got %s and %s",
			name, direction, numDirections, weights, recurrence)
	}
	if weights.Dim(1) != gates*hiddenSize || recurrence.Dim(1) != gates*hiddenSize {
		return shapes.Invalid(), ir.ShapeErrorf("%s requires %d*%d rows in the weights, got %s and %s",
			name, gates, hiddenSize, weights, recurrence)
	}
	if weights.Dim(2) != seq.Dim(2) {
		return shapes.Invalid(), ir.ShapeErrorf("%s input size of sequence %s doesn't match weights %s", name, seq, weights)
	}

	expected := map[int][]int{
		RNNInputBias:          {numDirections, 2 * gates * hiddenSize},
		RNNInputInitialHidden: {numDirections, batch, hiddenSize},
		RNNInputInitialCell:   {numDirections, batch, hiddenSize},
		RNNInputPeephole:      {numDirections, 3 * hiddenSize},
	}
	for idx := RNNInputBias; idx < len(inputs); idx++ {
		dims, checked := expected[idx]
		if !checked || !inputs[idx].Ok() {
			continue
		}
		if !slices.Equal(inputs[idx].Dimensions, dims) {
			return shapes.Invalid(), ir.ShapeErrorf("%s input #%d must be shaped %v, got %s", name, idx, dims, inputs[idx])
		}
	}
	return shapes.Make(seq.DType, seq.Dim(0), numDirections, batch, hiddenSize), nil
}

func formatRecurrent(name string, hiddenSize int, activations []ir.Operation, direction Direction, clip float64, extra string) string {
	names := xslices.Map(activations, ir.OperationString)
	return fmt.Sprintf("%s[hidden_size=%d,actv_func={%s},direction=%s,clip=%g%s]",
		name, hiddenSize, strings.Join(names, ","), direction, clip, extra)
}

// RNN is a vanilla recurrent layer: H_t = f(X_t W^T + H_{t-1} R^T + Wb + Rb).
//
// It has no kernel, it is expanded by the rewrite_rnn pass.
type RNN struct {
	HiddenSize  int
	Activations []ir.Operation
	Direction   Direction
	Clip        float64
}

func (RNN) Name() string { return "rnn" }

func (op RNN) String() string {
	return formatRecurrent(op.Name(), op.HiddenSize, op.Activations, op.Direction, op.Clip, "")
}

func (op RNN) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return recurrentShape(op.Name(), op.HiddenSize, 1, op.Direction, RNNInputInitialHidden+1, inputs)
}

func (op RNN) Compute(ir.Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, notComputable(op.Name())
}

// GRU is a gated recurrent unit layer, with gates in the order update (z), reset (r), hidden (h).
//
// It has no kernel, it is expanded by the rewrite_rnn pass.
type GRU struct {
	HiddenSize        int
	Activations       []ir.Operation
	Direction         Direction
	Clip              float64
	LinearBeforeReset bool
}

func (GRU) Name() string { return "gru" }

func (op GRU) String() string {
	return formatRecurrent(op.Name(), op.HiddenSize, op.Activations, op.Direction, op.Clip,
		fmt.Sprintf(",linear_before_reset=%v", op.LinearBeforeReset))
}

func (op GRU) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return recurrentShape(op.Name(), op.HiddenSize, 3, op.Direction, RNNInputInitialHidden+1, inputs)
}

func (op GRU) Compute(ir.Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, notComputable(op.Name())
}

// LSTM is a long short-term memory layer, with gates in the order input (i), output (o), forget (f), cell (c).
//
// It has no kernel, it is expanded by the rewrite_rnn pass.
type LSTM struct {
	HiddenSize  int
	Activations []ir.Operation
	Direction   Direction
	Clip        float64
	InputForget bool
}

func (LSTM) Name() string { return "lstm" }

func (op LSTM) String() string {
	return formatRecurrent(op.Name(), op.HiddenSize, op.Activations, op.Direction, op.Clip,
		fmt.Sprintf(",input_forget=%v", op.InputForget))
}

func (op LSTM) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return recurrentShape(op.Name(), op.HiddenSize, 4, op.Direction, RNNInputPeephole+1, inputs)
}

func (op LSTM) Compute(ir.Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, notComputable(op.Name())
}

// lastOutputShape drops the sequence axis of a recurrent output [seqLen, numDirections, batch, hiddenSize].
func lastOutputShape(name string, inputs []shapes.Shape) (shapes.Shape, error) {
	if err := checkNumInputs(name, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if inputs[0].Rank() != 4 {
		return shapes.Invalid(), ir.ShapeErrorf("%s requires the rank-4 output of a recurrent operator, got %s", name, inputs[0])
	}
	return shapes.Make(inputs[0].DType, inputs[0].Dimensions[1:]...), nil
}

// RNNLastOutput is the hidden state after the last step of the recurrent operator given as input,
// shaped [numDirections, batch, hiddenSize].
//
// It has no kernel, the rewrite_rnn pass replaces it.
type RNNLastOutput struct{}

func (RNNLastOutput) Name() string { return "rnn_last_output" }

func (op RNNLastOutput) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return lastOutputShape(op.Name(), inputs)
}

func (op RNNLastOutput) Compute(ir.Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, notComputable(op.Name())
}

// LSTMLastCellOutput is the cell state after the last step of the LSTM given as input,
// shaped [numDirections, batch, hiddenSize].
//
// It has no kernel, the rewrite_rnn pass replaces it.
type LSTMLastCellOutput struct{}

func (LSTMLastCellOutput) Name() string { return "lstm_last_cell_output" }

func (op LSTMLastCellOutput) ComputeShape(inputs []shapes.Shape) (shapes.Shape, error) {
	return lastOutputShape(op.Name(), inputs)
}

func (op LSTMLastCellOutput) Compute(ir.Context, shapes.Shape, []*tensors.Argument) (*tensors.Argument, error) {
	return nil, notComputable(op.Name())
}
