// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Literal is an immutable constant value, embedded in a program.
type Literal struct {
	arg *Argument
}

// NewLiteral creates a Literal with a copy of the given values and dimensions.
// If no dimensions are given, a vector is created (or a scalar, for one value).
func NewLiteral[T dtypes.Supported](values []T, dimensions ...int) *Literal {
	return &Literal{arg: FromFlat(values, dimensions...)}
}

// ScalarLiteral creates a scalar Literal.
func ScalarLiteral[T dtypes.Supported](value T) *Literal {
	return &Literal{arg: FromFlat([]T{value})}
}

// LiteralFromFloat64s creates a Literal of the given shape (its dtype and dimensions, the layout is standard)
// with the values converted from float64.
func LiteralFromFloat64s(shape shapes.Shape, values []float64) (*Literal, error) {
	arg, err := FromFloat64s(shape, values)
	if err != nil {
		return nil, errors.WithMessage(err, "creating literal")
	}
	return &Literal{arg: arg}, nil
}

// FilledLiteral creates a Literal of the given shape with all elements set to value.
func FilledLiteral(shape shapes.Shape, value float64) *Literal {
	values := make([]float64, shape.Size())
	for i := range values {
		values[i] = value
	}
	l, err := LiteralFromFloat64s(shape, values)
	if err != nil {
		panic(err)
	}
	return l
}

// LiteralFromArgument creates a Literal with a standard layout copy of the argument's values.
func LiteralFromArgument(a *Argument) *Literal {
	return &Literal{arg: a.Contiguous()}
}

// Shape of the literal.
func (l *Literal) Shape() shapes.Shape { return l.arg.shape }

// Argument returns an Argument sharing the literal's storage. It must not be modified.
func (l *Literal) Argument() *Argument {
	return &Argument{shape: l.arg.shape, data: l.arg.data}
}

// Float64s returns the values converted to float64, in row-major order.
func (l *Literal) Float64s() []float64 { return l.arg.Float64s() }

// Equal compares shape dimensions, dtype and values.
func (l *Literal) Equal(l2 *Literal) bool { return l.arg.Equal(l2.arg) }

// String returns the values separated by commas.
func (l *Literal) String() string { return l.arg.String() }

// String returns the values separated by commas. Arguments without storage print as their shape.
func (a *Argument) String() string {
	if a.data == nil {
		return a.shape.String()
	}
	values := a.Float64s()
	parts := make([]string, len(values))
	for i, v := range values {
		if a.shape.DType.IsFloat() {
			parts[i] = fmt.Sprintf("%g", v)
		} else if a.shape.DType == dtypes.Bool {
			parts[i] = fmt.Sprintf("%v", v != 0)
		} else {
			parts[i] = fmt.Sprintf("%d", int64(v))
		}
	}
	return strings.Join(parts, ", ")
}

// Generate returns an Argument of the given shape (standard layout) filled with deterministic
// pseudo-random values in [-1, 1) for floats and [0, 32) for integers, seeded by seed.
//
// It is used to create inputs for benchmarks and tests.
func Generate(shape shapes.Shape, seed uint64) *Argument {
	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	values := make([]float64, shape.Size())
	for i := range values {
		switch {
		case shape.DType.IsFloat():
			values[i] = 2*rng.Float64() - 1
		case shape.DType == dtypes.Bool:
			values[i] = float64(rng.IntN(2))
		default:
			values[i] = float64(rng.IntN(32))
		}
	}
	a, err := FromFloat64s(shape, values)
	if err != nil {
		panic(err)
	}
	return a
}
