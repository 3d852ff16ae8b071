// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape: the element type, the dimensions and the memory layout (strides) of a tensor.
//
// Shapes are values: all methods return copies, and a Shape is never modified after construction.
// Strides are counted in elements, not bytes.
//
// Standard shapes are row-major and packed, as created by Make. Non-standard layouts (transposed views or
// broadcast views with stride 0) are created with MakeStrided.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlir/pkg/core/dtypes"
)

// Shape of a tensor: DType, Dimensions and Strides.
//
// Use Make or MakeStrided to create one. The zero value is an invalid shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
	Strides    []int
}

// Make returns a Shape with standard (row-major, packed) strides.
// A scalar is created without dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): cannot create a shape with an axis with dimension <= 0", dtype, dimensions)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: StandardStrides(dimensions)}
}

// MakeStrided returns a Shape with the given layout. len(strides) must equal len(dimensions).
func MakeStrided(dtype dtypes.DType, dimensions, strides []int) Shape {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.MakeStrided(%s, %v, %v): dimensions and strides must have the same length", dtype, dimensions, strides)
	}
	for axis, dim := range dimensions {
		if dim <= 0 || strides[axis] < 0 {
			exceptions.Panicf("shapes.MakeStrided(%s, %v, %v): invalid dimension or stride for axis %d", dtype, dimensions, strides, axis)
		}
	}
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions), Strides: slices.Clone(strides)}
}

// StandardStrides returns the row-major packed strides for the given dimensions.
func StandardStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	current := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = current
		current *= dimensions[axis]
	}
	return strides
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Stride returns the stride of the given axis, negative axes count from the end.
func (s Shape) Stride(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Stride(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Strides[adjustedAxis]
}

// Size returns the number of logical elements: the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// ElementSpace returns the number of elements addressed by the layout: one more than the largest storage offset.
// It is smaller than Size for broadcast shapes, and larger for padded (non-packed) ones.
func (s Shape) ElementSpace() int {
	if !s.Ok() {
		return 0
	}
	space := 1
	for axis, dim := range s.Dimensions {
		space += (dim - 1) * s.Strides[axis]
	}
	return space
}

// Memory returns the number of bytes needed to store a tensor with this shape, including any gaps of the layout.
func (s Shape) Memory() int {
	return s.ElementSpace() * s.DType.Size()
}

// IsPacked returns whether every addressed element is used exactly once: there are no gaps and no broadcasting.
func (s Shape) IsPacked() bool {
	return s.Size() == s.ElementSpace()
}

// IsStandard returns whether the layout is the row-major packed layout created by Make.
// Strides of axes with dimension 1 are ignored.
func (s Shape) IsStandard() bool {
	want := StandardStrides(s.Dimensions)
	for axis, dim := range s.Dimensions {
		if dim != 1 && s.Strides[axis] != want[axis] {
			return false
		}
	}
	return true
}

// IsTransposed returns whether the shape is packed but its strides are not in decreasing order.
func (s Shape) IsTransposed() bool {
	if !s.IsPacked() {
		return false
	}
	return !slices.IsSortedFunc(s.Strides, func(a, b int) int { return b - a })
}

// IsBroadcasted returns whether some axis with dimension > 1 has stride 0.
func (s Shape) IsBroadcasted() bool {
	for axis, dim := range s.Dimensions {
		if dim > 1 && s.Strides[axis] == 0 {
			return true
		}
	}
	return false
}

// Standard returns a shape with the same dtype and dimensions, and standard strides.
func (s Shape) Standard() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions), Strides: StandardStrides(s.Dimensions)}
}

// WithDType returns a copy of the shape with a different dtype. Layout is preserved.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	s2.Strides = slices.Clone(s.Strides)
	return
}

// Equal compares two shapes for equality: dtype, dimensions and strides are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions) && slices.Equal(s.Strides, s2.Strides)
}

// EqualDimensions compares dtype and dimensions, but not the layout.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// String implements stringer, pretty-prints the shape.
// Strides are only printed for non-standard layouts.
func (s Shape) String() string {
	if !s.Ok() {
		return "(Invalid)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if s.IsStandard() {
		return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
	}
	return fmt.Sprintf("(%s)%v{%v}", s.DType, s.Dimensions, s.Strides)
}

// Offset returns the storage offset (in elements) of the element at the given indices.
func (s Shape) Offset(indices []int) int {
	offset := 0
	for axis, idx := range indices {
		offset += idx * s.Strides[axis]
	}
	return offset
}

// Index returns the storage offset (in elements) of the element with the given logical row-major position.
func (s Shape) Index(linear int) int {
	offset := 0
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		dim := s.Dimensions[axis]
		offset += (linear % dim) * s.Strides[axis]
		linear /= dim
	}
	return offset
}
