// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"flag"
	"os"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

// run applies the passes with validation after each one.
func run(t *testing.T, p *ir.Program, passes ...ir.Pass) {
	t.Helper()
	require.NoError(t, ir.RunPasses(p, passes, ir.CompileOptions{Debug: true}))
	require.Nil(t, p.Validate())
}

// count returns the number of instructions with the given operator name.
func count(p *ir.Program, name string) int {
	var n int
	for ins := range p.Instructions() {
		if ins.Name() == name {
			n++
		}
	}
	return n
}

func TestDeadCodeElimination(t *testing.T) {
	p := ir.New()
	x := must.M1(p.AddParameter("x", shapes.Make(dtypes.Float32, 2)))
	unused := must.M1(p.AddParameter("unused", shapes.Make(dtypes.Float32, 2)))
	one := p.AddLiteral(tensors.NewLiteral([]float32{1, 1}, 2))
	// Dead chain: neg -> abs.
	neg := must.M1(p.AddInstruction(ops.Neg{}, x))
	must.M1(p.AddInstruction(ops.Abs{}, neg))
	sum := must.M1(p.AddInstruction(ops.Add{}, x, one))
	// Dead literal consumer placed before the result.
	must.M1(p.AddInstruction(ops.Exp{}, one))
	result := must.M1(p.AddInstruction(ops.Relu{}, sum))

	run(t, p, DeadCodeElimination{})
	require.Equal(t, 5, p.Len())
	require.Equal(t, result, p.Last())
	require.True(t, p.HasInstruction(unused))
	require.Zero(t, count(p, "neg")+count(p, "abs")+count(p, "exp"))
	got := must.M1(p.Eval(ir.Parameters{
		"x":      tensors.FromFlat([]float32{-3, 2}, 2),
		"unused": tensors.FromFlat([]float32{0, 0}, 2),
	}))
	require.Equal(t, []float64{0, 3}, got.Float64s())

	// The last instruction is kept even without consumers, and parameters are kept.
	before := p.String()
	run(t, p, DeadCodeElimination{})
	require.Equal(t, before, p.String())

	run(t, ir.New(), DeadCodeElimination{})
}

// randomProgram builds a program from a list of choices: each one adds a unary or binary instruction
// on previously added instructions.
func randomProgram(choices []int) *ir.Program {
	p := ir.New()
	x := must.M1(p.AddParameter("x", shapes.Make(dtypes.Float32, 3)))
	all := []*ir.Instruction{x, p.AddLiteral(tensors.NewLiteral([]float32{1, 2, 3}, 3))}
	for _, c := range choices {
		c = max(c, -c)
		a := all[c%len(all)]
		b := all[(c/7)%len(all)]
		var op ir.Operation
		switch c % 4 {
		case 0:
			op = ops.Neg{}
		case 1:
			op = ops.Add{}
		case 2:
			op = ops.Mul{}
		default:
			op = ops.Tanh{}
		}
		var ins *ir.Instruction
		if c%4 == 1 || c%4 == 2 {
			ins = must.M1(p.AddInstruction(op, a, b))
		} else {
			ins = must.M1(p.AddInstruction(op, a))
		}
		all = append(all, ins)
	}
	return p
}

func TestDeadCodeEliminationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	properties.Property("only the result and parameters are left without consumers, and a second run changes nothing", prop.ForAll(
		func(choices []int) bool {
			p := randomProgram(choices)
			params := ir.Parameters{"x": tensors.FromFlat([]float32{0.5, -1, 2}, 3)}
			want, err := p.Eval(params)
			if err != nil {
				return false
			}
			if err := (DeadCodeElimination{}).Apply(p); err != nil || p.Validate() != nil {
				return false
			}
			for ins := range p.Instructions() {
				if ins != p.Last() && ins.NumOutputs() == 0 && ins.Kind() != ir.KindParameter {
					return false
				}
			}
			once := p.String()
			if err := (DeadCodeElimination{}).Apply(p); err != nil || p.String() != once {
				return false
			}
			got, err := p.Eval(params)
			return err == nil && got.String() == want.String()
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))
	properties.TestingRun(t)
}

func TestEliminateIdentity(t *testing.T) {
	t.Run("identities on arguments", func(t *testing.T) {
		p := ir.New()
		one := p.AddLiteral(tensors.ScalarLiteral[int32](1))
		oneIdentity := must.M1(p.AddInstruction(ir.Identity{}, one))
		two := p.AddLiteral(tensors.ScalarLiteral[int32](2))
		twoIdentity := must.M1(p.AddInstruction(ir.Identity{}, two))
		must.M1(p.AddInstruction(ops.Add{}, oneIdentity, twoIdentity))
		run(t, p, EliminateIdentity{})
		require.Zero(t, count(p, "identity"))
		require.Equal(t, []float64{3}, must.M1(p.Eval(nil)).Float64s())
	})

	t.Run("terminal identity", func(t *testing.T) {
		p := ir.New()
		two := p.AddLiteral(tensors.ScalarLiteral[int32](2))
		one := p.AddLiteral(tensors.ScalarLiteral[int32](1))
		ans := must.M1(p.AddInstruction(ops.Add{}, one, two))
		must.M1(p.AddInstruction(ir.Identity{}, ans))
		run(t, p, EliminateIdentity{})
		require.Zero(t, count(p, "identity"))
		require.Equal(t, ans, p.Last())
		require.Equal(t, []float64{3}, must.M1(p.Eval(nil)).Float64s())
	})

	t.Run("terminal identity with dependency", func(t *testing.T) {
		p := ir.New()
		three := p.AddLiteral(tensors.ScalarLiteral(3.0))
		two := p.AddLiteral(tensors.ScalarLiteral(2.0))
		one := p.AddLiteral(tensors.ScalarLiteral(1.0))
		ans := must.M1(p.AddInstruction(ops.Add{}, one, two))
		must.M1(p.AddInstruction(ops.Add{}, ans, three))
		must.M1(p.AddInstruction(ir.Identity{}, ans))
		run(t, p, EliminateIdentity{})
		require.Equal(t, 1, count(p, "identity"))
		require.Equal(t, []float64{3}, must.M1(p.Eval(nil)).Float64s())
	})

	t.Run("chain", func(t *testing.T) {
		p := ir.New()
		one := p.AddLiteral(tensors.ScalarLiteral[float32](1))
		inner := must.M1(p.AddInstruction(ir.Identity{}, one))
		neg := must.M1(p.AddInstruction(ops.Neg{}, inner))
		must.M1(p.AddInstruction(ir.Identity{}, must.M1(p.AddInstruction(ir.Identity{}, neg))))
		run(t, p, EliminateIdentity{}, DeadCodeElimination{})
		require.Zero(t, count(p, "identity"))
		require.Equal(t, neg, p.Last())
		require.Equal(t, []float64{-1}, must.M1(p.Eval(nil)).Float64s())
	})
}

func TestEliminateAllocation(t *testing.T) {
	build := func() (*ir.Program, []*ir.Instruction) {
		p := ir.New()
		a := must.M1(p.AddInstruction(ops.Allocate{Shape: shapes.Make(dtypes.Float32, 3)})) // 12 bytes
		b := must.M1(p.AddInstruction(ops.Allocate{Shape: shapes.Make(dtypes.Float64, 4)})) // 32 bytes
		c := must.M1(p.AddInstruction(ops.Allocate{Shape: shapes.Make(dtypes.Int8, 33)}))   // 33 bytes
		x := must.M1(p.AddInstruction(ops.Concat{Axis: 0}, a, a))
		must.M1(p.AddInstruction(ops.Add{}, x, x))
		return p, []*ir.Instruction{a, b, c}
	}

	p, allocs := build()
	run(t, p, EliminateAllocation{Enabled: true})
	require.Zero(t, count(p, "allocate"))
	mem := p.Parameter(MemoryParameter)
	require.NotNil(t, mem)
	require.True(t, mem.Shape().Equal(shapes.Make(dtypes.Int8, 32+32+64)))
	wantOffsets := []int{0, 32, 64}
	for i, alloc := range allocs {
		load, ok := alloc.Op().(ops.Load)
		require.True(t, ok)
		assert.Equal(t, wantOffsets[i], load.Offset)
		assert.Equal(t, []*ir.Instruction{mem}, alloc.Inputs())
	}
	arena := tensors.Zeros(mem.Shape())
	got := must.M1(p.Eval(ir.Parameters{MemoryParameter: arena}))
	require.Equal(t, []float64{0, 0, 0, 0, 0, 0}, got.Float64s())

	// Custom alignment and operator name.
	p, _ = build()
	run(t, p, EliminateAllocation{Enabled: true, Alignment: 4})
	require.Equal(t, []int{12 + 32 + 36}, p.ParameterShape(MemoryParameter).Dimensions)
	p, _ = build()
	run(t, p, EliminateAllocation{Enabled: true, AllocationOp: "other::allocate"})
	require.Equal(t, 3, count(p, "allocate"))
	require.Nil(t, p.Parameter(MemoryParameter))

	// Disabled.
	p, _ = build()
	before := p.String()
	run(t, p, EliminateAllocation{})
	require.Equal(t, before, p.String())
}

func TestEliminateAllocationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	properties.Property("allocations are aligned and don't overlap", prop.ForAll(
		func(sizes []int, alignment int) bool {
			if len(sizes) == 0 {
				return true
			}
			p := ir.New()
			var allocs []*ir.Instruction
			for _, size := range sizes {
				allocs = append(allocs, must.M1(p.AddInstruction(ops.Allocate{Shape: shapes.Make(dtypes.Int8, size)})))
			}
			if err := (EliminateAllocation{Enabled: true, Alignment: alignment}).Apply(p); err != nil {
				return false
			}
			arenaSize := p.ParameterShape(MemoryParameter).Dim(0)
			end := 0
			for i, alloc := range allocs {
				load := alloc.Op().(ops.Load)
				if load.Offset%alignment != 0 || load.Offset < end {
					return false
				}
				end = load.Offset + sizes[i]
			}
			return end <= arenaSize && arenaSize%alignment == 0 && p.Validate() == nil
		},
		gen.SliceOf(gen.IntRange(1, 100)),
		gen.IntRange(1, 64),
	))
	properties.TestingRun(t)
}

func TestQuantizeFP16(t *testing.T) {
	p := ir.New()
	x := must.M1(p.AddParameter("x", shapes.Make(dtypes.Float32, 3)))
	w := p.AddLiteral(tensors.NewLiteral([]float32{0.5, 2, -1}, 3))
	mul := must.M1(p.AddInstruction(ops.Mul{}, x, w))
	must.M1(p.AddInstruction(ops.Tanh{}, mul))
	params := ir.Parameters{"x": tensors.FromFlat([]float32{1, 0.25, 0.75}, 3)}
	want := must.M1(p.Eval(params))

	run(t, p, QuantizeFP16{}, DeadCodeElimination{})
	require.Equal(t, dtypes.Float16, mul.Shape().DType)
	require.Equal(t, "fp_conversion", p.Last().Name())
	require.Equal(t, dtypes.Float32, p.Shape().DType)
	require.Equal(t, 2, count(p, "fp_conversion"))
	require.True(t, p.ParameterShape("x").Equal(shapes.Make(dtypes.Float32, 3)))
	got := must.M1(p.Eval(params))
	require.True(t, tensors.InDelta(want, got, 1e-2), "want %s, got %s", want, got)
}

func TestQuantizeFP16Edges(t *testing.T) {
	t.Run("parameter is the result", func(t *testing.T) {
		p := ir.New()
		must.M1(p.AddParameter("x", shapes.Make(dtypes.Float32, 2)))
		run(t, p, QuantizeFP16{})
		require.Equal(t, 3, p.Len())
		require.Equal(t, dtypes.Float32, p.Shape().DType)
		got := must.M1(p.Eval(ir.Parameters{"x": tensors.FromFlat([]float32{1.5, -2}, 2)}))
		require.Equal(t, []float64{1.5, -2}, got.Float64s())
	})

	t.Run("literal is the result", func(t *testing.T) {
		p := ir.New()
		p.AddLiteral(tensors.NewLiteral([]float32{0.5}, 1))
		run(t, p, QuantizeFP16{})
		require.Equal(t, dtypes.Float32, p.Shape().DType)
		require.Equal(t, []float64{0.5}, must.M1(p.Eval(nil)).Float64s())
	})

	t.Run("no floats", func(t *testing.T) {
		p := ir.New()
		one := p.AddLiteral(tensors.ScalarLiteral[int32](1))
		must.M1(p.AddInstruction(ops.Neg{}, one))
		before := p.String()
		run(t, p, QuantizeFP16{})
		require.Equal(t, before, p.String())
	})
}

func TestAutoContiguous(t *testing.T) {
	p := ir.New()
	x := must.M1(p.AddParameter("x", shapes.Make(dtypes.Float32, 2, 3)))
	transposed := must.M1(p.AddInstruction(ops.Transpose{Permutation: []int{1, 0}}, x))
	sliced := must.M1(p.AddInstruction(ops.Slice{Axes: []int{0}, Starts: []int{1}, Ends: []int{3}}, transposed))
	relu := must.M1(p.AddInstruction(ops.Relu{}, sliced))
	must.M1(p.AddInstruction(ops.Transpose{Permutation: []int{1, 0}}, relu))
	params := ir.Parameters{"x": tensors.FromFlat([]float32{0, -1, 2, 3, 4, -5}, 2, 3)}
	want := must.M1(p.Eval(params))

	run(t, p, AutoContiguous{})
	// The transpose feeds only a view, so only the slice and the final transpose get a copy.
	require.Equal(t, 2, count(p, "contiguous"))
	require.Equal(t, "contiguous", relu.Input(0).Name())
	require.Equal(t, "contiguous", p.Last().Name())
	for ins := range p.Instructions() {
		if !ops.IsView(ins.Op()) {
			for _, input := range ins.Inputs() {
				if ops.IsView(input.Op()) {
					require.Equal(t, "contiguous", ins.Name())
				}
			}
		}
	}
	got := must.M1(p.Eval(params))
	require.True(t, p.Shape().IsStandard())
	require.True(t, got.Equal(want))
	require.Equal(t, []float64{0, 2, 4, 0}, got.Float64s())
}
