// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import "github.com/Koyote059/diffit-reimplementation/tensor"

// Modulation carries the per-example adaptive normalization terms a block
// computes once per forward pass from the conditioning vector: the shift
// and scale applied after normalization, and the gate on the residual
// branch. Each tensor is [batch, hidden], broadcast over tokens. It is a
// plain value passed explicitly into each block's normalization step.
type Modulation struct {
	Shift, Scale, Gate *tensor.Tensor
}

// Modulate applies x * (1 + scale) + shift with per-example broadcast:
// x is [batch, tokens, hidden], shift/scale are [batch, hidden].
func Modulate(x, shift, scale *tensor.Tensor) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	batch, toks, dim := dims[0], dims[1], dims[2]
	out := tensor.New(x.Shape(), tensor.F32)
	src, dst := x.DataPtr(), out.DataPtr()
	sh, sc := shift.DataPtr(), scale.DataPtr()
	for b := 0; b < batch; b++ {
		cOff := b * dim
		for t := 0; t < toks; t++ {
			off := (b*toks + t) * dim
			for d := 0; d < dim; d++ {
				dst[off+d] = src[off+d]*(1+sc[cOff+d]) + sh[cOff+d]
			}
		}
	}
	return out
}

// ModulateBackward inverts Modulate: given the output gradient and the
// forward input x, it returns the input gradient and the per-example
// shift/scale gradients (summed over tokens).
func ModulateBackward(grad, x, scale *tensor.Tensor) (gradX, gradShift, gradScale *tensor.Tensor) {
	dims := x.Shape().DimsRef()
	batch, toks, dim := dims[0], dims[1], dims[2]
	gradX = tensor.New(x.Shape(), tensor.F32)
	gradShift = tensor.New(scale.Shape(), tensor.F32)
	gradScale = tensor.New(scale.Shape(), tensor.F32)

	g, src := grad.DataPtr(), x.DataPtr()
	gx, gsh, gsc := gradX.DataPtr(), gradShift.DataPtr(), gradScale.DataPtr()
	sc := scale.DataPtr()
	for b := 0; b < batch; b++ {
		cOff := b * dim
		for t := 0; t < toks; t++ {
			off := (b*toks + t) * dim
			for d := 0; d < dim; d++ {
				gv := g[off+d]
				gx[off+d] = gv * (1 + sc[cOff+d])
				gsh[cOff+d] += gv
				gsc[cOff+d] += gv * src[off+d]
			}
		}
	}
	return gradX, gradShift, gradScale
}

// ApplyGate multiplies each example's tokens by its gate vector:
// out[b,t,d] = x[b,t,d] * gate[b,d].
func ApplyGate(x, gate *tensor.Tensor) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	batch, toks, dim := dims[0], dims[1], dims[2]
	out := tensor.New(x.Shape(), tensor.F32)
	src, dst, gt := x.DataPtr(), out.DataPtr(), gate.DataPtr()
	for b := 0; b < batch; b++ {
		cOff := b * dim
		for t := 0; t < toks; t++ {
			off := (b*toks + t) * dim
			for d := 0; d < dim; d++ {
				dst[off+d] = src[off+d] * gt[cOff+d]
			}
		}
	}
	return out
}

// GateBackward inverts ApplyGate: returns the input gradient and the
// per-example gate gradient (summed over tokens).
func GateBackward(grad, x, gate *tensor.Tensor) (gradX, gradGate *tensor.Tensor) {
	dims := x.Shape().DimsRef()
	batch, toks, dim := dims[0], dims[1], dims[2]
	gradX = tensor.New(x.Shape(), tensor.F32)
	gradGate = tensor.New(gate.Shape(), tensor.F32)
	g, src := grad.DataPtr(), x.DataPtr()
	gx, gg, gt := gradX.DataPtr(), gradGate.DataPtr(), gate.DataPtr()
	for b := 0; b < batch; b++ {
		cOff := b * dim
		for t := 0; t < toks; t++ {
			off := (b*toks + t) * dim
			for d := 0; d < dim; d++ {
				gv := g[off+d]
				gx[off+d] = gv * gt[cOff+d]
				gg[cOff+d] += gv * src[off+d]
			}
		}
	}
	return gradX, gradGate
}
