// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements the target-independent program transformations.
//
// Each pass is a small struct implementing ir.Pass, configured by its fields. Targets assemble them
// into pipelines (see the targets packages), and tests can run them directly with ir.RunPasses.
package passes

import (
	"github.com/gomlx/gomlir/pkg/ir"
)

var (
	_ ir.Pass = DeadCodeElimination{}
	_ ir.Pass = EliminateIdentity{}
	_ ir.Pass = EliminateAllocation{}
	_ ir.Pass = QuantizeFP16{}
	_ ir.Pass = RewriteRNN{}
	_ ir.Pass = AutoContiguous{}
)
