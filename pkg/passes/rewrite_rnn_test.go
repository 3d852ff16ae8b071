// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
	"github.com/janpfeifer/must"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// recurrentCase describes a recurrent layer to build and to compute with the reference implementation.
type recurrentCase struct {
	kind                                 string        // "rnn", "gru" or "lstm"
	direction                            ops.Direction
	seqLen, batch, inputSize, hiddenSize int
	bias, initialState, peephole         bool
	linearBeforeReset                    bool
}

func (c recurrentCase) String() string {
	return fmt.Sprintf("%s/%s/L=%d/bias=%v/initial=%v/peephole=%v/lbr=%v",
		c.kind, c.direction, c.seqLen, c.bias, c.initialState, c.peephole, c.linearBeforeReset)
}

func (c recurrentCase) numGates() int {
	switch c.kind {
	case "gru":
		return 3
	case "lstm":
		return 4
	}
	return 1
}

func (c recurrentCase) op() ir.Operation {
	switch c.kind {
	case "gru":
		return ops.GRU{HiddenSize: c.hiddenSize, Direction: c.direction, LinearBeforeReset: c.linearBeforeReset}
	case "lstm":
		return ops.LSTM{HiddenSize: c.hiddenSize, Direction: c.direction}
	}
	return ops.RNN{HiddenSize: c.hiddenSize, Direction: c.direction}
}

// inputShapes returns the shapes of seq, w, r, bias, initial hidden, initial cell and peephole.
func (c recurrentCase) inputShapes() map[string]shapes.Shape {
	d, g, h := c.direction.NumDirections(), c.numGates(), c.hiddenSize
	return map[string]shapes.Shape{
		"seq":      shapes.Make(dtypes.Float32, c.seqLen, c.batch, c.inputSize),
		"w":        shapes.Make(dtypes.Float32, d, g*h, c.inputSize),
		"r":        shapes.Make(dtypes.Float32, d, g*h, h),
		"bias":     shapes.Make(dtypes.Float32, d, 2*g*h),
		"ih":       shapes.Make(dtypes.Float32, d, c.batch, h),
		"ic":       shapes.Make(dtypes.Float32, d, c.batch, h),
		"peephole": shapes.Make(dtypes.Float32, d, 3*h),
	}
}

// build returns a program with the recurrent instruction, its parameters and the parameter values.
func (c recurrentCase) build(t *testing.T) (p *ir.Program, recurrent *ir.Instruction, params ir.Parameters) {
	p = ir.New()
	params = make(ir.Parameters)
	inputShapes := c.inputShapes()
	var seed uint64
	param := func(name string) *ir.Instruction {
		seed++
		params[name] = tensors.Generate(inputShapes[name], seed)
		return must.M1(p.AddParameter(name, inputShapes[name]))
	}
	optional := func(name string, given bool) *ir.Instruction {
		if given {
			return param(name)
		}
		return must.M1(p.AddInstruction(ops.Undefined{}))
	}
	args := []*ir.Instruction{param("seq"), param("w"), param("r")}
	args = append(args, optional("bias", c.bias))
	args = append(args, must.M1(p.AddInstruction(ops.Undefined{}))) // sequence lengths.
	args = append(args, optional("ih", c.initialState))
	if c.kind == "lstm" {
		args = append(args, optional("ic", c.initialState))
		args = append(args, optional("peephole", c.peephole))
	}
	recurrent, err := p.AddInstruction(c.op(), args...)
	require.NoError(t, err)
	return p, recurrent, params
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// reference computes the recurrent layer directly, with the default activations. It returns the
// hidden states [seqLen, numDirections, batch, hiddenSize], the last hidden states and the last
// cell states [numDirections, batch, hiddenSize].
func (c recurrentCase) reference(params ir.Parameters) (output, lastHidden, lastCell []float64) {
	L, B, I, H, G := c.seqLen, c.batch, c.inputSize, c.hiddenSize, c.numGates()
	D := c.direction.NumDirections()
	values := func(name string) []float64 {
		if arg, found := params[name]; found {
			return arg.Float64s()
		}
		return nil
	}
	seq, w, r, bias := values("seq"), values("w"), values("r"), values("bias")
	ih, ic, peephole := values("ih"), values("ic"), values("peephole")

	output = make([]float64, L*D*B*H)
	lastHidden = make([]float64, D*B*H)
	lastCell = make([]float64, D*B*H)
	for d := range D {
		forward := c.direction == ops.Forward || (c.direction == ops.Bidirectional && d == 0)
		h := make([]float64, B*H)
		cell := make([]float64, B*H)
		if ih != nil {
			copy(h, ih[d*B*H:(d+1)*B*H])
		}
		if ic != nil {
			copy(cell, ic[d*B*H:(d+1)*B*H])
		}
		// xw returns x_t[b] . W[gate]^T[j], hr returns state[b] . R[gate]^T[j].
		xw := func(t, b, gate, j int) float64 {
			var sum float64
			for k := range I {
				sum += seq[(t*B+b)*I+k] * w[((d*G+gate)*H+j)*I+k]
			}
			return sum
		}
		hr := func(state []float64, b, gate, j int) float64 {
			var sum float64
			for k := range H {
				sum += state[b*H+k] * r[((d*G+gate)*H+j)*H+k]
			}
			return sum
		}
		wb := func(gate, j int) float64 {
			if bias == nil {
				return 0
			}
			return bias[d*2*G*H+gate*H+j]
		}
		rb := func(gate, j int) float64 {
			if bias == nil {
				return 0
			}
			return bias[d*2*G*H+(G+gate)*H+j]
		}
		pp := func(gate, j int) float64 {
			if peephole == nil {
				return 0
			}
			return peephole[d*3*H+gate*H+j]
		}

		for i := range L {
			t := i
			if !forward {
				t = L - 1 - i
			}
			newH := make([]float64, B*H)
			newC := make([]float64, B*H)
			for b := range B {
				for j := range H {
					switch c.kind {
					case "rnn":
						newH[b*H+j] = math.Tanh(xw(t, b, 0, j) + hr(h, b, 0, j) + wb(0, j) + rb(0, j))
					case "gru":
						z := sigmoid(xw(t, b, 0, j) + hr(h, b, 0, j) + wb(0, j) + rb(0, j))
						var candidate float64
						if c.linearBeforeReset {
							rt := sigmoid(xw(t, b, 1, j) + hr(h, b, 1, j) + wb(1, j) + rb(1, j))
							candidate = math.Tanh(xw(t, b, 2, j) + rt*(hr(h, b, 2, j)+rb(2, j)) + wb(2, j))
						} else {
							// (r_t . H_{t-1}) R^T mixes all hidden units of the reset state.
							resetState := make([]float64, H)
							for k := range H {
								resetState[k] = sigmoid(xw(t, b, 1, k)+hr(h, b, 1, k)+wb(1, k)+rb(1, k)) * h[b*H+k]
							}
							var rh float64
							for k := range H {
								rh += resetState[k] * r[((d*G+2)*H+j)*H+k]
							}
							candidate = math.Tanh(xw(t, b, 2, j) + rh + wb(2, j) + rb(2, j))
						}
						newH[b*H+j] = (1-z)*candidate + z*h[b*H+j]
					case "lstm":
						prevC := cell[b*H+j]
						it := sigmoid(xw(t, b, 0, j) + hr(h, b, 0, j) + pp(0, j)*prevC + wb(0, j) + rb(0, j))
						ft := sigmoid(xw(t, b, 2, j) + hr(h, b, 2, j) + pp(2, j)*prevC + wb(2, j) + rb(2, j))
						ct := math.Tanh(xw(t, b, 3, j) + hr(h, b, 3, j) + wb(3, j) + rb(3, j))
						newC[b*H+j] = ft*prevC + it*ct
						ot := sigmoid(xw(t, b, 1, j) + hr(h, b, 1, j) + pp(1, j)*newC[b*H+j] + wb(1, j) + rb(1, j))
						newH[b*H+j] = ot * math.Tanh(newC[b*H+j])
					}
				}
			}
			h, cell = newH, newC
			copy(output[(t*D+d)*B*H:(t*D+d+1)*B*H], h)
		}
		copy(lastHidden[d*B*H:(d+1)*B*H], h)
		copy(lastCell[d*B*H:(d+1)*B*H], cell)
	}
	return
}

func TestRewriteRNN(t *testing.T) {
	var testCases []recurrentCase
	for _, kind := range []string{"rnn", "gru", "lstm"} {
		for _, direction := range []ops.Direction{ops.Forward, ops.Reverse, ops.Bidirectional} {
			for _, seqLen := range []int{1, 3} {
				testCases = append(testCases,
					recurrentCase{kind: kind, direction: direction, seqLen: seqLen, batch: 2, inputSize: 3, hiddenSize: 4},
					recurrentCase{kind: kind, direction: direction, seqLen: seqLen, batch: 2, inputSize: 3, hiddenSize: 4,
						bias: true, initialState: true, peephole: kind == "lstm"})
			}
		}
	}
	testCases = append(testCases,
		recurrentCase{kind: "gru", direction: ops.Forward, seqLen: 2, batch: 1, inputSize: 2, hiddenSize: 3,
			bias: true, initialState: true, linearBeforeReset: true},
		recurrentCase{kind: "gru", direction: ops.Bidirectional, seqLen: 2, batch: 1, inputSize: 2, hiddenSize: 3,
			bias: true, linearBeforeReset: true})

	for _, tc := range testCases {
		t.Run(tc.String(), func(t *testing.T) {
			wantOutput, wantLastHidden, wantLastCell := tc.reference(func() ir.Parameters {
				_, _, params := tc.build(t)
				return params
			}())

			// Full output.
			p, recurrent, params := tc.build(t)
			outputShape := recurrent.Shape()
			run(t, p, RewriteRNN{}, DeadCodeElimination{})
			require.Equal(t, recurrent, p.Last())
			require.Equal(t, "concat", recurrent.Name())
			require.True(t, p.Shape().Equal(outputShape))
			require.Zero(t, count(p, tc.kind)+count(p, "undefined"))
			got := must.M1(p.Eval(params))
			require.InDeltaSlice(t, wantOutput, got.Float64s(), 1e-4)

			// Last hidden state.
			p, recurrent, params = tc.build(t)
			must.M1(p.AddInstruction(ops.RNNLastOutput{}, recurrent))
			run(t, p, RewriteRNN{}, DeadCodeElimination{})
			require.Zero(t, count(p, "rnn_last_output"))
			got = must.M1(p.Eval(params))
			require.Equal(t, []int{tc.direction.NumDirections(), tc.batch, tc.hiddenSize}, got.Shape().Dimensions)
			require.InDeltaSlice(t, wantLastHidden, got.Float64s(), 1e-4)

			if tc.kind != "lstm" {
				return
			}
			p, recurrent, params = tc.build(t)
			must.M1(p.AddInstruction(ops.LSTMLastCellOutput{}, recurrent))
			run(t, p, RewriteRNN{}, DeadCodeElimination{})
			require.Zero(t, count(p, "lstm_last_cell_output"))
			got = must.M1(p.Eval(params))
			require.InDeltaSlice(t, wantLastCell, got.Float64s(), 1e-4)
		})
	}
}

func TestRewriteRNNConsumers(t *testing.T) {
	// The last outputs are used by other instructions, not only as the program result.
	tc := recurrentCase{kind: "lstm", direction: ops.Bidirectional, seqLen: 2, batch: 1, inputSize: 2, hiddenSize: 2, bias: true}
	p, recurrent, params := tc.build(t)
	lastHidden := must.M1(p.AddInstruction(ops.RNNLastOutput{}, recurrent))
	lastCell := must.M1(p.AddInstruction(ops.LSTMLastCellOutput{}, recurrent))
	must.M1(p.AddInstruction(ops.Add{}, lastHidden, lastCell))
	run(t, p, RewriteRNN{}, DeadCodeElimination{})
	require.Zero(t, count(p, "rnn_last_output")+count(p, "lstm_last_cell_output")+count(p, "lstm"))

	_, wantHidden, wantCell := tc.reference(params)
	got := must.M1(p.Eval(params)).Float64s()
	for i := range got {
		require.InDelta(t, wantHidden[i]+wantCell[i], got[i], 1e-4)
	}
}

func TestRecurrentActivations(t *testing.T) {
	relu, abs, neg, exp, tanh := ops.Relu{}, ops.Abs{}, ops.Neg{}, ops.Exp{}, ops.Tanh{}
	sig := ops.Sigmoid{}
	testCases := []struct {
		name      string
		normalize func([]ir.Operation, ops.Direction) []ir.Operation
		direction ops.Direction
		given     []ir.Operation
		want      []ir.Operation
	}{
		{"rnn", vanillaActivations, ops.Forward, nil, []ir.Operation{tanh}},
		{"rnn", vanillaActivations, ops.Bidirectional, nil, []ir.Operation{tanh, tanh}},
		{"rnn", vanillaActivations, ops.Bidirectional, []ir.Operation{relu}, []ir.Operation{relu, relu}},
		{"gru", gruActivations, ops.Forward, nil, []ir.Operation{sig, tanh}},
		{"gru", gruActivations, ops.Reverse, []ir.Operation{relu}, []ir.Operation{relu, relu}},
		{"gru", gruActivations, ops.Bidirectional, nil, []ir.Operation{sig, tanh, sig, tanh}},
		{"gru", gruActivations, ops.Bidirectional, []ir.Operation{relu, abs}, []ir.Operation{relu, abs, relu, abs}},
		{"gru", gruActivations, ops.Bidirectional, []ir.Operation{relu, abs, neg}, []ir.Operation{relu, abs, neg, relu}},
		{"lstm", lstmActivations, ops.Forward, nil, []ir.Operation{sig, tanh, tanh}},
		{"lstm", lstmActivations, ops.Forward, []ir.Operation{relu, abs}, []ir.Operation{relu, abs, abs}},
		{"lstm", lstmActivations, ops.Bidirectional, []ir.Operation{relu}, []ir.Operation{relu, relu, relu, relu, relu, relu}},
		{"lstm", lstmActivations, ops.Bidirectional, []ir.Operation{relu, abs}, []ir.Operation{relu, abs, abs, relu, abs, abs}},
		{"lstm", lstmActivations, ops.Bidirectional, []ir.Operation{relu, abs, neg}, []ir.Operation{relu, abs, neg, relu, abs, neg}},
		{"lstm", lstmActivations, ops.Bidirectional, []ir.Operation{relu, abs, neg, exp}, []ir.Operation{relu, abs, neg, exp, exp, exp}},
		{"lstm", lstmActivations, ops.Bidirectional, []ir.Operation{relu, abs, neg, exp, tanh}, []ir.Operation{relu, abs, neg, exp, tanh, tanh}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s/%s/%d", tc.name, tc.direction, len(tc.given)), func(t *testing.T) {
			require.Equal(t, tc.want, tc.normalize(tc.given, tc.direction))
		})
	}
}

func TestRewriteRNNCustomActivation(t *testing.T) {
	// A vanilla RNN with relu activation: with all inputs positive the result is the linear recurrence.
	p := ir.New()
	seq := p.AddLiteral(tensors.NewLiteral([]float32{1, 2}, 2, 1, 1))
	w := p.AddLiteral(tensors.NewLiteral([]float32{1}, 1, 1, 1))
	r := p.AddLiteral(tensors.NewLiteral([]float32{2}, 1, 1, 1))
	must.M1(p.AddInstruction(ops.RNN{HiddenSize: 1, Activations: []ir.Operation{ops.Relu{}}}, seq, w, r))
	// Unidirectional outputs keep the directions axis: [seqLen, 1, batch, hiddenSize].
	require.Equal(t, []int{2, 1, 1, 1}, p.Shape().Dimensions)
	run(t, p, RewriteRNN{}, DeadCodeElimination{})
	require.Equal(t, []int{2, 1, 1, 1}, p.Shape().Dimensions)
	// h1 = 1, h2 = 2 + 2*1 = 4.
	require.Equal(t, []float64{1, 4}, must.M1(p.Eval(nil)).Float64s())
}

func TestRewriteRNNErrors(t *testing.T) {
	newProgram := func(op ir.Operation, numDirections int) *ir.Program {
		p := ir.New()
		seq := p.AddOutline(shapes.Make(dtypes.Float32, 2, 1, 1))
		w := p.AddOutline(shapes.Make(dtypes.Float32, numDirections, 3, 1))
		r := p.AddOutline(shapes.Make(dtypes.Float32, numDirections, 3, 1))
		must.M1(p.AddInstruction(op, seq, w, r))
		return p
	}

	// Three activations are completed to four for a bidirectional GRU.
	gru := ops.GRU{HiddenSize: 1, Direction: ops.Bidirectional, Activations: []ir.Operation{ops.Relu{}, ops.Abs{}, ops.Neg{}}}
	p := newProgram(gru, 2)
	require.NoError(t, RewriteRNN{}.Apply(p))
	require.Nil(t, p.Validate())

	// Activations must be unary operators.
	rnn := ops.RNN{HiddenSize: 1, Activations: []ir.Operation{ops.Add{}}}
	p = ir.New()
	seq := p.AddOutline(shapes.Make(dtypes.Float32, 2, 1, 1))
	w := p.AddOutline(shapes.Make(dtypes.Float32, 1, 1, 1))
	must.M1(p.AddInstruction(rnn, seq, w, w))
	err := RewriteRNN{}.Apply(p)
	require.Error(t, err)
	require.ErrorIs(t, err, ir.ErrShape)
	require.Contains(t, err.Error(), "rewriting rnn")
}

func TestRewriteRNNShapeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)
	properties.Property("the expanded program keeps the output shape", prop.ForAll(
		func(kindIdx, directionIdx, seqLen, batch, hiddenSize int) bool {
			tc := recurrentCase{
				kind:      []string{"rnn", "gru", "lstm"}[kindIdx],
				direction: ops.Direction(directionIdx),
				seqLen:    seqLen, batch: batch, inputSize: 2, hiddenSize: hiddenSize,
				bias: seqLen%2 == 0,
			}
			p := ir.New()
			shapesByName := tc.inputShapes()
			args := []*ir.Instruction{p.AddOutline(shapesByName["seq"]), p.AddOutline(shapesByName["w"]), p.AddOutline(shapesByName["r"])}
			if tc.bias {
				args = append(args, p.AddOutline(shapesByName["bias"]))
			}
			recurrent, err := p.AddInstruction(tc.op(), args...)
			if err != nil {
				return false
			}
			want := shapes.Make(dtypes.Float32, seqLen, tc.direction.NumDirections(), batch, hiddenSize)
			if !recurrent.Shape().Equal(want) {
				return false
			}
			err = ir.RunPasses(p, []ir.Pass{RewriteRNN{}, DeadCodeElimination{}}, ir.CompileOptions{Debug: true})
			return err == nil && p.Shape().Equal(want) && p.Last().Name() == "concat"
		},
		gen.IntRange(0, 2),
		gen.IntRange(0, 2),
		gen.IntRange(1, 5),
		gen.IntRange(1, 3),
		gen.IntRange(1, 4),
	))
	properties.TestingRun(t)
}
