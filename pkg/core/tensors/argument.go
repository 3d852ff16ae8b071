// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors defines the values flowing through a program: Argument, a runtime tensor that
// may alias other storage, and Literal, an immutable constant embedded in a program.
//
// Storage is a flat []byte addressed through the shape's strides. Typed access is given by Flat,
// without copying.
package tensors

import (
	"math"
	"slices"
	"unsafe"

	"github.com/gomlx/gomlir/pkg/core/dtypes"
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Argument is a runtime tensor: a shape plus storage.
//
// The storage may be nil, in which case the Argument is only a placeholder for its shape
// (used by outlines and dry runs). Arguments created with View share storage with their parent.
type Argument struct {
	shape shapes.Shape
	data  []byte
}

// NewArgument wraps the given storage, which must be large enough for the shape's layout.
// The data is not copied.
func NewArgument(shape shapes.Shape, data []byte) (*Argument, error) {
	if data != nil && len(data) < shape.Memory() {
		return nil, errors.Errorf("tensors.NewArgument: storage of %d bytes too small for shape %s (%d bytes)",
			len(data), shape, shape.Memory())
	}
	return &Argument{shape: shape, data: data}, nil
}

// Empty returns an Argument with the given shape and no storage.
func Empty(shape shapes.Shape) *Argument {
	return &Argument{shape: shape}
}

// Zeros returns an Argument with freshly allocated storage initialized to zero.
func Zeros(shape shapes.Shape) *Argument {
	return &Argument{shape: shape, data: make([]byte, shape.Memory())}
}

// Shape of the argument.
func (a *Argument) Shape() shapes.Shape { return a.shape }

// Bytes returns the underlying storage, shared with the argument.
func (a *Argument) Bytes() []byte { return a.data }

// IsEmpty returns whether the argument has no storage.
func (a *Argument) IsEmpty() bool { return a.data == nil }

// View returns a new Argument with the given shape, aliasing the receiver's storage starting at the byte offset.
func (a *Argument) View(offset int, shape shapes.Shape) (*Argument, error) {
	if a.data == nil {
		return Empty(shape), nil
	}
	end := offset + shape.Memory()
	if offset < 0 || end > len(a.data) {
		return nil, errors.Errorf("tensors.View: range [%d, %d) out of bounds for storage of %d bytes", offset, end, len(a.data))
	}
	return &Argument{shape: shape, data: a.data[offset:end:end]}, nil
}

// Reshape returns an Argument sharing the storage with a different layout. It doesn't check
// the layout fits the storage beyond its size.
func (a *Argument) Reshape(shape shapes.Shape) (*Argument, error) {
	if a.data != nil && shape.Memory() > len(a.data) {
		return nil, errors.Errorf("tensors.Reshape: shape %s needs %d bytes, storage has %d",
			shape, shape.Memory(), len(a.data))
	}
	return &Argument{shape: shape, data: a.data}, nil
}

// Flat returns a typed view (no copy) of the storage of the argument, with one element per addressed
// position (shape.ElementSpace()), in storage order.
//
// It panics if T doesn't match the argument's dtype.
func Flat[T dtypes.Supported](a *Argument) []T {
	if dtypes.FromGenericsType[T]() != a.shape.DType {
		panic(errors.Errorf("tensors.Flat[%T] used on argument of dtype %s", *new(T), a.shape.DType))
	}
	if len(a.data) == 0 {
		return nil
	}
	n := len(a.data) / a.shape.DType.Size()
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(a.data))), n)
}

// Float64s returns the values of the argument converted to float64, in logical row-major order.
// It follows the strides, so it works for transposed and broadcast layouts.
func (a *Argument) Float64s() []float64 {
	if a.data == nil {
		return nil
	}
	out := make([]float64, a.shape.Size())
	switch a.shape.DType {
	case dtypes.Float32:
		readAsFloat64(a.shape, Flat[float32](a), out)
	case dtypes.Float64:
		readAsFloat64(a.shape, Flat[float64](a), out)
	case dtypes.Int8:
		readAsFloat64(a.shape, Flat[int8](a), out)
	case dtypes.Int16:
		readAsFloat64(a.shape, Flat[int16](a), out)
	case dtypes.Int32:
		readAsFloat64(a.shape, Flat[int32](a), out)
	case dtypes.Int64:
		readAsFloat64(a.shape, Flat[int64](a), out)
	case dtypes.Uint8:
		readAsFloat64(a.shape, Flat[uint8](a), out)
	case dtypes.Uint16:
		readAsFloat64(a.shape, Flat[uint16](a), out)
	case dtypes.Uint32:
		readAsFloat64(a.shape, Flat[uint32](a), out)
	case dtypes.Uint64:
		readAsFloat64(a.shape, Flat[uint64](a), out)
	case dtypes.Float16:
		flat := Flat[float16.Float16](a)
		for i, offset := range a.shape.Offsets() {
			out[i] = float64(flat[offset].Float32())
		}
	case dtypes.Bool:
		flat := Flat[bool](a)
		for i, offset := range a.shape.Offsets() {
			if flat[offset] {
				out[i] = 1
			}
		}
	}
	return out
}

func readAsFloat64[T constraints.Integer | constraints.Float](shape shapes.Shape, flat []T, out []float64) {
	for i, offset := range shape.Offsets() {
		out[i] = float64(flat[offset])
	}
}

// FromFloat64s creates an Argument with the standard layout of shape, with the values converted
// from float64 to the shape's dtype. len(values) must equal shape.Size().
func FromFloat64s(shape shapes.Shape, values []float64) (*Argument, error) {
	if len(values) != shape.Size() {
		return nil, errors.Errorf("tensors.FromFloat64s: %d values given for shape %s with %d elements",
			len(values), shape, shape.Size())
	}
	a := Zeros(shape.Standard())
	switch shape.DType {
	case dtypes.Float32:
		writeFromFloat64(values, Flat[float32](a))
	case dtypes.Float64:
		copy(Flat[float64](a), values)
	case dtypes.Int8:
		writeFromFloat64(values, Flat[int8](a))
	case dtypes.Int16:
		writeFromFloat64(values, Flat[int16](a))
	case dtypes.Int32:
		writeFromFloat64(values, Flat[int32](a))
	case dtypes.Int64:
		writeFromFloat64(values, Flat[int64](a))
	case dtypes.Uint8:
		writeFromFloat64(values, Flat[uint8](a))
	case dtypes.Uint16:
		writeFromFloat64(values, Flat[uint16](a))
	case dtypes.Uint32:
		writeFromFloat64(values, Flat[uint32](a))
	case dtypes.Uint64:
		writeFromFloat64(values, Flat[uint64](a))
	case dtypes.Float16:
		flat := Flat[float16.Float16](a)
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case dtypes.Bool:
		flat := Flat[bool](a)
		for i, v := range values {
			flat[i] = v != 0
		}
	default:
		return nil, errors.Errorf("tensors.FromFloat64s: dtype %s not supported", shape.DType)
	}
	return a, nil
}

func writeFromFloat64[T constraints.Integer | constraints.Float](values []float64, flat []T) {
	for i, v := range values {
		flat[i] = T(v)
	}
}

// FromFlat creates an Argument with a copy of the given values and the given dimensions.
// If no dimensions are given, a vector is created (or a scalar, for one value).
func FromFlat[T dtypes.Supported](values []T, dimensions ...int) *Argument {
	if len(dimensions) == 0 && len(values) != 1 {
		dimensions = []int{len(values)}
	}
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(values) {
		panic(errors.Errorf("tensors.FromFlat: %d values given for shape %s", len(values), shape))
	}
	a := Zeros(shape)
	copy(Flat[T](a), values)
	return a
}

// Contiguous returns a copy of the argument in the standard layout of its shape.
func (a *Argument) Contiguous() *Argument {
	if a.shape.IsStandard() && a.data != nil {
		return &Argument{shape: a.shape.Standard(), data: slices.Clone(a.data[:a.shape.Memory()])}
	}
	if a.data == nil {
		return Empty(a.shape.Standard())
	}
	out := Zeros(a.shape.Standard())
	size := a.shape.DType.Size()
	for i, offset := range a.shape.Offsets() {
		copy(out.data[i*size:(i+1)*size], a.data[offset*size:(offset+1)*size])
	}
	return out
}

// Equal returns whether both arguments have the same dtype, dimensions and logical values.
// Layouts may differ.
func (a *Argument) Equal(b *Argument) bool {
	if !a.shape.EqualDimensions(b.shape) {
		return false
	}
	return slices.Equal(a.Float64s(), b.Float64s())
}

// InDelta returns whether both arguments have the same dimensions and every pair of values
// is within delta (absolute).
func InDelta(a, b *Argument, delta float64) bool {
	if !slices.Equal(a.shape.Dimensions, b.shape.Dimensions) {
		return false
	}
	av, bv := a.Float64s(), b.Float64s()
	for i := range av {
		if math.IsNaN(av[i]) != math.IsNaN(bv[i]) || math.Abs(av[i]-bv[i]) > delta {
			return false
		}
	}
	return true
}
