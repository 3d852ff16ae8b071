// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the computational operators of the IR, with shape inference and
// reference host kernels.
//
// View operators (Transpose, Broadcast, Slice, Squeeze, Unsqueeze) return strided shapes and alias their
// input storage. Contiguous materializes any layout in the standard one. Other operators take any layout
// and return standard shapes.
//
// The recurrent operators (RNN, GRU, LSTM) and their pseudo-consumers have no kernel: they must be expanded
// by the rewrite_rnn pass.
package ops

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/core/tensors"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/pkg/errors"
)

// checkNumInputs returns an ErrShape error if len(inputs) != n.
func checkNumInputs(name string, inputs []shapes.Shape, n int) error {
	if len(inputs) != n {
		return ir.ShapeErrorf("%s takes %d inputs, got %d", name, n, len(inputs))
	}
	return nil
}

// checkSameDTypeAndDims returns an ErrShape error unless all inputs have the same dtype and dimensions.
func checkSameDTypeAndDims(name string, inputs []shapes.Shape) error {
	for i, s := range inputs[1:] {
		if !s.EqualDimensions(inputs[0]) {
			return ir.ShapeErrorf("%s inputs #0 %s and #%d %s must have the same dtype and dimensions",
				name, inputs[0], i+1, s)
		}
	}
	return nil
}

// checkOk returns an ErrShape error if any input is invalid (e.g. an undefined value).
func checkOk(name string, inputs []shapes.Shape) error {
	for i, s := range inputs {
		if !s.Ok() {
			return ir.ShapeErrorf("%s input #%d is undefined", name, i)
		}
	}
	return nil
}

// normalizeAxis converts a negative axis, counting from the end, and checks it is within [0, rank).
func normalizeAxis(name string, axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, ir.ShapeErrorf("%s axis %d out of range for rank %d", name, axis, rank)
	}
	return adjusted, nil
}

// fromFloat64s creates the output argument, and checks it matches the output shape computed at compile time.
func fromFloat64s(output shapes.Shape, values []float64) (*tensors.Argument, error) {
	result, err := tensors.FromFloat64s(output, values)
	if err != nil {
		return nil, err
	}
	if !result.Shape().Equal(output) {
		return nil, errors.Errorf("kernel produced shape %s, expected %s", result.Shape(), output)
	}
	return result, nil
}

// anyEmpty returns whether any argument has no storage (outlines and dry runs), in which case
// kernels only propagate the output shape.
func anyEmpty(args []*tensors.Argument) bool {
	for _, arg := range args {
		if arg == nil || arg.IsEmpty() {
			return true
		}
	}
	return false
}

// formatInts formats a list of ints as "{1,2,3}".
func formatInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// notComputable returns the error for operators that must be rewritten before evaluation.
func notComputable(name string) error {
	return errors.Wrapf(ir.ErrNotComputable, "%s must be rewritten before evaluation", name)
}
