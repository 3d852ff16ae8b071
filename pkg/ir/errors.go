// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "github.com/pkg/errors"

// Error categories returned (wrapped) by the IR. Use errors.Is to test for them.
var (
	// ErrGraphIntegrity is returned when a mutation would break the program structure: arguments from another
	// program, structural operators given to AddInstruction, removing an instruction that is still used, etc.
	ErrGraphIntegrity = errors.New("graph integrity violation")

	// ErrShape is returned when an operator rejects its input shapes.
	ErrShape = errors.New("invalid shape")

	// ErrParameterMissing is returned by evaluation when a parameter is not bound.
	ErrParameterMissing = errors.New("parameter not found")

	// ErrShapeMismatch is returned by evaluation when a bound parameter has the wrong shape.
	ErrShapeMismatch = errors.New("incorrect shape for parameter")

	// ErrCompilationInvariant is returned by Compile when a pass leaves the program invalid.
	ErrCompilationInvariant = errors.New("invalid program")

	// ErrNotComputable is returned by operators that must be rewritten (or lowered) before evaluation.
	ErrNotComputable = errors.New("operator not computable")
)

// ShapeErrorf returns an error wrapping ErrShape with the formatted message.
// It is a helper for Operation.ComputeShape implementations.
func ShapeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}
