// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"
	"slices"

	"github.com/pkg/errors"
)

// Iter iterates sequentially, in row-major logical order, over all indices of the given shape.
//
// It yields the logical flat index (counter) and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	indices := make([]int, s.Rank())
	return s.IterOn(indices)
}

// IterOn iterates over all possible indices of the given shape, updating the given indices slice.
//
// It expects len(indices) == s.Rank(). It will panic otherwise.
func (s Shape) IterOn(indices []int) iter.Seq2[int, []int] {
	if len(indices) != s.Rank() {
		panic(errors.Errorf("Shape.IterOn given len(indices) == %d, want it to be equal to the rank %d", len(indices), s.Rank()))
	}
	return func(yield func(int, []int) bool) {
		if !s.Ok() {
			return
		}
		rank := s.Rank()
		for i := range indices {
			indices[i] = 0
		}
		if rank == 0 {
			_ = yield(0, indices)
			return
		}

		// Only iterate over the non-trivial axes (dimension > 1), last axis first.
		spatialAxes := make([]int, 0, rank)
		for axis, dim := range s.Dimensions {
			if dim <= 0 {
				return
			}
			if dim > 1 {
				spatialAxes = append(spatialAxes, axis)
			}
		}
		slices.Reverse(spatialAxes)
		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			for _, axis := range spatialAxes {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					continue yielder
				}
				// Carry-over to the next higher-order axis.
				indices[axis] = 0
			}
			break
		}
	}
}

// Offsets iterates in row-major logical order over the shape, yielding the logical flat index and
// the storage offset (in elements) given by the strides.
//
// For standard shapes both values are the same.
func (s Shape) Offsets() iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		if s.IsStandard() {
			for i := range s.Size() {
				if !yield(i, i) {
					return
				}
			}
			return
		}
		offset := 0
		for flatIdx, indices := range s.Iter() {
			offset = s.Offset(indices)
			if !yield(flatIdx, offset) {
				return
			}
		}
	}
}
