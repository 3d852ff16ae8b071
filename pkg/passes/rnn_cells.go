// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/gomlir/pkg/core/shapes"
	"github.com/gomlx/gomlir/pkg/ir"
	"github.com/gomlx/gomlir/pkg/ir/ops"
)

// cellDims returns the sequence length, batch size and hidden size of a cell.
func cellDims(in cellInputs) (seqLen, batch, hiddenSize int) {
	return in.seq.Shape().Dim(0), in.seq.Shape().Dim(1), in.r.Shape().Dim(2)
}

// vanillaCell unrolls: H_t = f(X_t W^T + H_{t-1} R^T + Wb + Rb).
func (r *rnnRewriter) vanillaCell(forward bool, in cellInputs, act []ir.Operation) cellOutputs {
	seqLen, batch, hiddenSize := cellDims(in)
	w := r.gateWeights(r.squeeze0(in.w), 0, hiddenSize)
	rec := r.gateWeights(r.squeeze0(in.r), 0, hiddenSize)
	h := r.squeeze0(in.ih)

	var bias *ir.Instruction
	if in.bias != nil {
		b := r.squeeze0(in.bias)
		sum := r.insert(ops.Add{}, r.biasSlice(b, 0, hiddenSize), r.biasSlice(b, 1, hiddenSize))
		bias = r.broadcastState(sum, batch, hiddenSize)
	}

	var out cellOutputs
	for i := range seqLen {
		xt := r.step(in.seq, forward, i)
		ht := r.insert(ops.Add{}, r.insert(ops.Dot{}, xt, w), r.insert(ops.Dot{}, h, rec))
		if bias != nil {
			ht = r.insert(ops.Add{}, ht, bias)
		}
		h = r.insert(act[0], ht)
		r.accumulate(&out, forward, i, seqLen, h)
	}
	return out
}

// gruCell unrolls a GRU, with gates z (update), r (reset) and h (hidden):
//
//	z_t = f(X_t Wz^T + H_{t-1} Rz^T + Wbz + Rbz)
//	r_t = f(X_t Wr^T + H_{t-1} Rr^T + Wbr + Rbr)
//	h_t = g(X_t Wh^T + (r_t . H_{t-1}) Rh^T + Rbh + Wbh)          if not linearBeforeReset
//	h_t = g(X_t Wh^T + (r_t . (H_{t-1} Rh^T + Rbh)) + Wbh)        if linearBeforeReset
//	H_t = (1 - z_t) . h_t + z_t . H_{t-1}
func (r *rnnRewriter) gruCell(forward bool, in cellInputs, act []ir.Operation, linearBeforeReset bool) cellOutputs {
	seqLen, batch, hiddenSize := cellDims(in)
	ones := r.filled(shapes.Make(in.seq.Shape().DType, batch, hiddenSize), 1)

	sw, sr := r.squeeze0(in.w), r.squeeze0(in.r)
	wz, wr, wh := r.gateWeights(sw, 0, hiddenSize), r.gateWeights(sw, 1, hiddenSize), r.gateWeights(sw, 2, hiddenSize)
	rz, rr, rh := r.gateWeights(sr, 0, hiddenSize), r.gateWeights(sr, 1, hiddenSize), r.gateWeights(sr, 2, hiddenSize)
	h := r.squeeze0(in.ih)

	// Input biases are the blocks 0 to 2, recurrence biases the blocks 3 to 5.
	var bz, br, bh, wbh, rbh *ir.Instruction
	hasBias := in.bias != nil
	if hasBias {
		b := r.squeeze0(in.bias)
		wbz, wbr, wbhSlice := r.biasSlice(b, 0, hiddenSize), r.biasSlice(b, 1, hiddenSize), r.biasSlice(b, 2, hiddenSize)
		rbz, rbr, rbhSlice := r.biasSlice(b, 3, hiddenSize), r.biasSlice(b, 4, hiddenSize), r.biasSlice(b, 5, hiddenSize)
		wbh = r.broadcastState(wbhSlice, batch, hiddenSize)
		rbh = r.broadcastState(rbhSlice, batch, hiddenSize)
		bz = r.broadcastState(r.insert(ops.Add{}, wbz, rbz), batch, hiddenSize)
		br = r.broadcastState(r.insert(ops.Add{}, wbr, rbr), batch, hiddenSize)
		bh = r.broadcastState(r.insert(ops.Add{}, wbhSlice, rbhSlice), batch, hiddenSize)
	}

	// gate computes X_t W^T + H_{t-1} R^T (+ bias).
	gate := func(xt, prev, w, rec, bias *ir.Instruction) *ir.Instruction {
		sum := r.insert(ops.Add{}, r.insert(ops.Dot{}, xt, w), r.insert(ops.Dot{}, prev, rec))
		if bias != nil {
			sum = r.insert(ops.Add{}, sum, bias)
		}
		return sum
	}

	var out cellOutputs
	for i := range seqLen {
		xt := r.step(in.seq, forward, i)
		zt := r.insert(act[0], gate(xt, h, wz, rz, bz))
		rt := r.insert(act[0], gate(xt, h, wr, rr, br))

		var candidate *ir.Instruction
		if !linearBeforeReset {
			resetHidden := r.insert(ops.Mul{}, rt, h)
			candidate = r.insert(ops.Add{}, r.insert(ops.Dot{}, xt, wh), r.insert(ops.Dot{}, resetHidden, rh))
			if hasBias {
				candidate = r.insert(ops.Add{}, candidate, bh)
			}
		} else {
			hiddenRh := r.insert(ops.Dot{}, h, rh)
			if hasBias {
				hiddenRh = r.insert(ops.Add{}, hiddenRh, rbh)
			}
			candidate = r.insert(ops.Add{}, r.insert(ops.Dot{}, xt, wh), r.insert(ops.Mul{}, rt, hiddenRh))
			if hasBias {
				candidate = r.insert(ops.Add{}, candidate, wbh)
			}
		}
		ht := r.insert(act[1], candidate)

		oneMinusZt := r.insert(ops.Sub{}, ones, zt)
		h = r.insert(ops.Add{}, r.insert(ops.Mul{}, oneMinusZt, ht), r.insert(ops.Mul{}, zt, h))
		r.accumulate(&out, forward, i, seqLen, h)
	}
	return out
}

// lstmCell unrolls an LSTM, with gates i (input), o (output), f (forget) and c (cell), and peepholes
// Pi, Po and Pf:
//
//	i_t = f(X_t Wi^T + H_{t-1} Ri^T + Pi . C_{t-1} + Wbi + Rbi)
//	f_t = f(X_t Wf^T + H_{t-1} Rf^T + Pf . C_{t-1} + Wbf + Rbf)
//	c_t = g(X_t Wc^T + H_{t-1} Rc^T + Wbc + Rbc)
//	C_t = f_t . C_{t-1} + i_t . c_t
//	o_t = f(X_t Wo^T + H_{t-1} Ro^T + Po . C_t + Wbo + Rbo)
//	H_t = o_t . h(C_t)
func (r *rnnRewriter) lstmCell(forward bool, in cellInputs, act []ir.Operation) cellOutputs {
	seqLen, batch, hiddenSize := cellDims(in)
	const (
		gateI = iota
		gateO
		gateF
		gateC
	)
	sw, sr := r.squeeze0(in.w), r.squeeze0(in.r)
	var w, rec, bias, peephole [4]*ir.Instruction
	for g := range 4 {
		w[g] = r.gateWeights(sw, g, hiddenSize)
		rec[g] = r.gateWeights(sr, g, hiddenSize)
	}
	h := r.squeeze0(in.ih)
	c := r.squeeze0(in.ic)

	if in.bias != nil {
		// Input biases are the blocks 0 to 3, recurrence biases the blocks 4 to 7.
		b := r.squeeze0(in.bias)
		for g := range 4 {
			sum := r.insert(ops.Add{}, r.biasSlice(b, g, hiddenSize), r.biasSlice(b, 4+g, hiddenSize))
			bias[g] = r.broadcastState(sum, batch, hiddenSize)
		}
	}
	if in.peephole != nil {
		// Peepholes are given for the gates i, o and f, in this order.
		p := r.squeeze0(in.peephole)
		for _, g := range []int{gateI, gateO, gateF} {
			peephole[g] = r.broadcastState(r.biasSlice(p, g, hiddenSize), batch, hiddenSize)
		}
	}

	// gate computes X_t W^T + H_{t-1} R^T (+ P . cell) (+ bias) for gate g.
	gate := func(g int, xt, cell *ir.Instruction) *ir.Instruction {
		sum := r.insert(ops.Add{}, r.insert(ops.Dot{}, xt, w[g]), r.insert(ops.Dot{}, h, rec[g]))
		if peephole[g] != nil {
			sum = r.insert(ops.Add{}, sum, r.insert(ops.Mul{}, peephole[g], cell))
		}
		if bias[g] != nil {
			sum = r.insert(ops.Add{}, sum, bias[g])
		}
		return sum
	}

	var out cellOutputs
	for i := range seqLen {
		xt := r.step(in.seq, forward, i)
		it := r.insert(act[0], gate(gateI, xt, c))
		ft := r.insert(act[0], gate(gateF, xt, c))
		ct := r.insert(act[1], gate(gateC, xt, nil))
		c = r.insert(ops.Add{}, r.insert(ops.Mul{}, ft, c), r.insert(ops.Mul{}, it, ct))
		ot := r.insert(act[0], gate(gateO, xt, c))
		h = r.insert(ops.Mul{}, ot, r.insert(act[2], c))
		r.accumulate(&out, forward, i, seqLen, h)
	}
	out.lastCell = r.insert(ops.Unsqueeze{Axes: []int{0}}, c)
	return out
}
