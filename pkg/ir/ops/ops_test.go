// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// compute runs shape inference and the kernel of op on the given arguments.
func compute(t *testing.T, op ir.Operation, args ...*tensors.Argument) *tensors.Argument {
	inputShapes := make([]shapes.Shape, len(args))
	for i, arg := range args {
		inputShapes[i] = arg.Shape()
	}
	output, err := op.ComputeShape(inputShapes)
	require.NoError(t, err)
	result, err := op.Compute(nil, output, args)
	require.NoError(t, err)
	require.Truef(t, result.Shape().Equal(output), "%s: kernel returned %s, shape inference %s", op.Name(), result.Shape(), output)
	return result
}

func TestElementwise(t *testing.T) {
	a := tensors.FromFlat([]float32{1, -2, 3, -4}, 2, 2)
	b := tensors.FromFlat([]float32{2, 2, 2, 2}, 2, 2)
	testCases := []struct {
		op   ir.Operation
		args []*tensors.Argument
		want []float64
	}{
		{Add{}, []*tensors.Argument{a, b}, []float64{3, 0, 5, -2}},
		{Sub{}, []*tensors.Argument{a, b}, []float64{-1, -4, 1, -6}},
		{Mul{}, []*tensors.Argument{a, b}, []float64{2, -4, 6, -8}},
		{Div{}, []*tensors.Argument{a, b}, []float64{0.5, -1, 1.5, -2}},
		{Max{}, []*tensors.Argument{a, b}, []float64{2, 2, 3, 2}},
		{Min{}, []*tensors.Argument{a, b}, []float64{1, -2, 2, -4}},
		{Relu{}, []*tensors.Argument{a}, []float64{1, 0, 3, 0}},
		{Abs{}, []*tensors.Argument{a}, []float64{1, 2, 3, 4}},
		{Neg{}, []*tensors.Argument{a}, []float64{-1, 2, -3, 4}},
	}
	for _, tc := range testCases {
		t.Run(tc.op.Name(), func(t *testing.T) {
			got := compute(t, tc.op, tc.args...)
			require.Equal(t, tc.want, got.Float64s())
			require.Equal(t, dtypes.Float32, got.Shape().DType)
		})
	}

	got := compute(t, Sigmoid{}, tensors.FromFlat([]float64{0}))
	require.Equal(t, []float64{0.5}, got.Float64s())
	got = compute(t, Tanh{}, tensors.FromFlat([]float64{0}))
	require.Equal(t, []float64{0}, got.Float64s())

	// Mismatched dtypes or dimensions.
	_, err := Add{}.ComputeShape([]shapes.Shape{a.Shape(), a.Shape().WithDType(dtypes.Float64)})
	require.True(t, errors.Is(err, ir.ErrShape))
	_, err = Mul{}.ComputeShape([]shapes.Shape{a.Shape(), shapes.Make(dtypes.Float32, 4)})
	require.True(t, errors.Is(err, ir.ErrShape))
	_, err = Tanh{}.ComputeShape(nil)
	require.True(t, errors.Is(err, ir.ErrShape))

	// Empty arguments only propagate the shape.
	empty := tensors.Empty(a.Shape())
	got = compute(t, Add{}, empty, b)
	require.True(t, got.IsEmpty())
}

func TestDot(t *testing.T) {
	lhs := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	rhs := tensors.FromFlat([]float32{1, 0, 0, 1, 1, 1}, 3, 2)
	got := compute(t, Dot{}, lhs, rhs)
	require.Equal(t, []int{2, 2}, got.Shape().Dimensions)
	require.Equal(t, []float64{4, 5, 10, 11}, got.Float64s())

	// Transposed (strided) right-hand side.
	rhsT := compute(t, Transpose{Permutation: []int{1, 0}}, tensors.FromFlat([]float32{1, 0, 1, 0, 1, 1}, 2, 3))
	require.False(t, rhsT.Shape().IsStandard())
	got = compute(t, Dot{}, lhs, rhsT)
	require.Equal(t, []float64{4, 5, 10, 11}, got.Float64s())

	_, err := Dot{}.ComputeShape([]shapes.Shape{lhs.Shape(), lhs.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))
}

func TestConvolution(t *testing.T) {
	// 1 batch, 1 channel, 3x3 image of ones, 2x2 kernel of ones.
	input := tensors.FromFlat([]float32{1, 1, 1, 1, 1, 1, 1, 1, 1}, 1, 1, 3, 3)
	weights := tensors.FromFlat([]float32{1, 1, 1, 1}, 1, 1, 2, 2)
	got := compute(t, Convolution{}, input, weights)
	require.Equal(t, []int{1, 1, 2, 2}, got.Shape().Dimensions)
	require.Equal(t, []float64{4, 4, 4, 4}, got.Float64s())

	got = compute(t, Convolution{Padding: [2]int{1, 1}, Stride: [2]int{2, 2}}, input, weights)
	require.Equal(t, []int{1, 1, 2, 2}, got.Shape().Dimensions)
	require.Equal(t, []float64{1, 2, 2, 4}, got.Float64s())
	require.Equal(t, "convolution[padding={1,1},stride={2,2},dilation={1,1}]", Convolution{Padding: [2]int{1, 1}, Stride: [2]int{2, 2}}.String())
}

func TestViews(t *testing.T) {
	x := tensors.FromFlat([]float32{0, 1, 2, 3, 4, 5}, 2, 3)

	sliced := compute(t, Slice{Axes: []int{1}, Starts: []int{1}, Ends: []int{3}}, x)
	require.Equal(t, []int{2, 2}, sliced.Shape().Dimensions)
	require.Equal(t, []int{3, 1}, sliced.Shape().Strides)
	require.Equal(t, []float64{1, 2, 4, 5}, sliced.Float64s())
	require.Equal(t, []float64{1, 2, 4, 5}, compute(t, Contiguous{}, sliced).Float64s())

	// Negative and clamped ranges.
	sliced = compute(t, Slice{Axes: []int{0}, Starts: []int{-1}, Ends: []int{100}}, x)
	require.Equal(t, []float64{3, 4, 5}, sliced.Float64s())
	_, err := Slice{Axes: []int{0}, Starts: []int{1}, Ends: []int{1}}.ComputeShape([]shapes.Shape{x.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))

	// Squeeze after slicing the first axis gives a standard layout.
	row := compute(t, Squeeze{Axes: []int{0}}, sliced)
	require.True(t, row.Shape().Equal(shapes.Make(dtypes.Float32, 3)))
	require.Equal(t, []float64{3, 4, 5}, row.Float64s())

	unsqueezed := compute(t, Unsqueeze{Axes: []int{0, 1}}, row)
	require.True(t, unsqueezed.Shape().Equal(shapes.Make(dtypes.Float32, 1, 1, 3)))
	require.True(t, compute(t, Squeeze{}, unsqueezed).Shape().Equal(shapes.Make(dtypes.Float32, 3)))

	broadcast := compute(t, Broadcast{Axis: 1, Dims: []int{2, 3}}, row)
	require.True(t, broadcast.Shape().IsBroadcasted())
	require.Equal(t, []float64{3, 4, 5, 3, 4, 5}, broadcast.Float64s())
	_, err = Broadcast{Axis: 0, Dims: []int{2, 3}}.ComputeShape([]shapes.Shape{row.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))

	transposed := compute(t, Transpose{Permutation: []int{1, 0}}, x)
	require.Equal(t, []float64{0, 3, 1, 4, 2, 5}, transposed.Float64s())
	_, err = Transpose{Permutation: []int{0, 0}}.ComputeShape([]shapes.Shape{x.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))

	require.True(t, IsView(Slice{}))
	require.False(t, IsView(Contiguous{}))
}

func TestConcatAndGather(t *testing.T) {
	a := tensors.FromFlat([]int32{1, 2, 3, 4}, 2, 2)
	b := tensors.FromFlat([]int32{5, 6}, 2, 1)
	got := compute(t, Concat{Axis: 1}, a, b)
	require.Equal(t, []int{2, 3}, got.Shape().Dimensions)
	require.Equal(t, []float64{1, 2, 5, 3, 4, 6}, got.Float64s())

	got = compute(t, Concat{Axis: 0}, a, a)
	require.Equal(t, []float64{1, 2, 3, 4, 1, 2, 3, 4}, got.Float64s())
	_, err := Concat{Axis: 0}.ComputeShape([]shapes.Shape{a.Shape(), b.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))

	data := tensors.FromFlat([]float32{0, 1, 2, 3, 4, 5}, 3, 2)
	indices := tensors.FromFlat([]int64{2, -3})
	got = compute(t, Gather{Axis: 0}, data, indices)
	require.Equal(t, []int{2, 2}, got.Shape().Dimensions)
	require.Equal(t, []float64{4, 5, 0, 1}, got.Float64s())
	got = compute(t, Gather{Axis: 1}, data, tensors.FromFlat([]int32{1}))
	require.Equal(t, []float64{1, 3, 5}, got.Float64s())
}

func TestConvert(t *testing.T) {
	x := tensors.FromFlat([]float32{0.5, 1.5})
	half := compute(t, Convert{ToHalf: true}, x)
	require.Equal(t, dtypes.Float16, half.Shape().DType)
	back := compute(t, Convert{}, half)
	require.Equal(t, dtypes.Float32, back.Shape().DType)
	require.True(t, back.Equal(x))
	_, err := Convert{}.ComputeShape([]shapes.Shape{shapes.Make(dtypes.Int32, 2)})
	require.True(t, errors.Is(err, ir.ErrShape))
}

func TestMemory(t *testing.T) {
	arena := tensors.Zeros(shapes.Make(dtypes.Int8, 64))
	load := Load{Shape: shapes.Make(dtypes.Float32, 4), Offset: 32}
	view := compute(t, load, arena)
	tensors.Flat[float32](view)[0] = 1
	require.NotEqual(t, byte(0), arena.Bytes()[32+3])
	_, err := Load{Shape: shapes.Make(dtypes.Float32, 4), Offset: 56}.ComputeShape([]shapes.Shape{arena.Shape()})
	require.True(t, errors.Is(err, ir.ErrShape))

	alloc := compute(t, Allocate{Shape: shapes.Make(dtypes.Float32, 2)})
	require.Equal(t, []float64{0, 0}, alloc.Float64s())

	shape, err := Undefined{}.ComputeShape(nil)
	require.NoError(t, err)
	require.False(t, shape.Ok())
}

func TestRecurrentShapes(t *testing.T) {
	seq := shapes.Make(dtypes.Float32, 5, 2, 3)
	w := shapes.Make(dtypes.Float32, 2, 3*4, 3)
	r := shapes.Make(dtypes.Float32, 2, 3*4, 4)
	gru := GRU{HiddenSize: 4, Direction: Bidirectional, Activations: []ir.Operation{Sigmoid{}, Tanh{}}}
	out, err := gru.ComputeShape([]shapes.Shape{seq, w, r})
	require.NoError(t, err)
	require.Equal(t, []int{5, 2, 2, 4}, out.Dimensions)
	require.Equal(t, "gru[hidden_size=4,actv_func={sigmoid,tanh},direction=bidirectional,clip=0,linear_before_reset=false]", gru.String())

	// Wrong number of directions.
	_, err = RNN{HiddenSize: 4, Direction: Forward}.ComputeShape([]shapes.Shape{seq, w, r})
	require.True(t, errors.Is(err, ir.ErrShape))

	// Optional inputs, defined or not.
	f32 := func(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float32, dims...) }
	undefined := shapes.Invalid()
	lstm := LSTM{HiddenSize: 4, Direction: Forward}
	lstmSeq, lstmW, lstmR := f32(2, 1, 3), f32(1, 16, 3), f32(1, 16, 4)
	for _, tc := range []struct {
		name   string
		op     ir.Operation
		inputs []shapes.Shape
		ok     bool
	}{
		{"lstm all inputs", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, f32(1, 32), undefined, f32(1, 1, 4), f32(1, 1, 4), f32(1, 12)}, true},
		{"lstm undefined optionals", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, undefined, undefined, undefined, undefined, undefined}, true},
		{"lstm weights rows", lstm, []shapes.Shape{f32(2, 1, 3), f32(1, 7, 3), f32(1, 7, 4)}, false},
		{"lstm recurrence rows", lstm, []shapes.Shape{lstmSeq, lstmW, f32(1, 12, 4)}, false},
		{"lstm bias", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, f32(1, 16)}, false},
		{"lstm initial hidden batch", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, undefined, undefined, f32(1, 2, 4)}, false},
		{"lstm initial cell", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, undefined, undefined, undefined, f32(1, 1, 3)}, false},
		{"lstm peephole", lstm, []shapes.Shape{lstmSeq, lstmW, lstmR, undefined, undefined, undefined, undefined, f32(1, 16)}, false},
		{"gru rows", gru, []shapes.Shape{seq, f32(2, 16, 3), f32(2, 16, 4)}, false},
		{"gru bias", gru, []shapes.Shape{seq, w, r, f32(2, 24)}, true},
		{"gru bias directions", gru, []shapes.Shape{seq, w, r, f32(1, 24)}, false},
		{"rnn initial hidden", RNN{HiddenSize: 4}, []shapes.Shape{seq, f32(1, 4, 3), f32(1, 4, 4), undefined, undefined, f32(1, 2, 4)}, true},
		{"rnn too many inputs", RNN{HiddenSize: 4}, []shapes.Shape{seq, f32(1, 4, 3), f32(1, 4, 4), undefined, undefined, undefined, undefined}, false},
		{"rnn zero hidden size", RNN{}, []shapes.Shape{seq, f32(1, 4, 3), f32(1, 4, 4)}, false},
	} {
		_, err := tc.op.ComputeShape(tc.inputs)
		if tc.ok {
			require.NoErrorf(t, err, "case %q", tc.name)
		} else {
			require.Truef(t, errors.Is(err, ir.ErrShape), "case %q: got %v", tc.name, err)
		}
	}

	// Invalid weights are rejected when the instruction is added.
	p := ir.New()
	_, err = p.AddInstruction(lstm, p.AddOutline(f32(2, 1, 3)), p.AddOutline(f32(1, 7, 3)), p.AddOutline(f32(1, 7, 4)))
	require.True(t, errors.Is(err, ir.ErrShape))
	require.Equal(t, 3, p.Len())

	last, err := RNNLastOutput{}.ComputeShape([]shapes.Shape{out})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 4}, last.Dimensions)

	_, err = LSTM{}.Compute(nil, out, nil)
	require.True(t, errors.Is(err, ir.ErrNotComputable))
}
