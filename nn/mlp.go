// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// sqrt(2/pi), the tanh-approximation constant of GELU.
const geluC = 0.7978845608

// gelu computes the tanh approximation of GELU:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func gelu(x float32) float32 {
	return 0.5 * x * (1 + math32.Tanh(geluC*(x+0.044715*x*x*x)))
}

// geluDeriv computes d/dx of the tanh-approximated GELU.
func geluDeriv(x float32) float32 {
	u := geluC * (x + 0.044715*x*x*x)
	t := math32.Tanh(u)
	du := geluC * (1 + 3*0.044715*x*x)
	return 0.5*(1+t) + 0.5*x*(1-t*t)*du
}

// siluDeriv computes d/dx of SiLU(x) = x*sigmoid(x):
//
//	silu'(x) = sigmoid(x) * (1 + x * (1 - sigmoid(x)))
func siluDeriv(x float32) float32 {
	sig := 1.0 / (1.0 + math32.Exp(-x))
	return sig * (1.0 + x*(1.0-sig))
}

// SiLUBackward multiplies grad in-place by silu'(pre), element-wise.
// Used by composite layers that apply SiLU between cached sub-layers.
func SiLUBackward(grad, pre *tensor.Tensor) {
	g, p := grad.DataPtr(), pre.DataPtr()
	for i := range g {
		g[i] *= siluDeriv(p[i])
	}
}

// MLP is the transformer block feed-forward network:
//
//	MLP(x) = W2 @ GELU(W1 @ x)
//
// W1 projects hidden -> ffn (ffn = hidden * mlp_ratio), W2 projects back.
// Both carry biases, matching the reference transformer blocks.
type MLP struct {
	fc1, fc2    *Linear
	lastPreGELU *tensor.Tensor // cached pre-activation for the backward derivative
}

// NewMLP creates an MLP with the given hidden and feed-forward widths.
func NewMLP(hiddenDim, ffnDim int) *MLP {
	return &MLP{
		fc1: NewLinear(hiddenDim, ffnDim, true),
		fc2: NewLinear(ffnDim, hiddenDim, true),
	}
}

// Forward computes fc2(GELU(fc1(x))).
func (m *MLP) Forward(input *tensor.Tensor) *tensor.Tensor {
	pre := m.fc1.Forward(input)
	m.lastPreGELU = pre

	act := tensor.New(pre.Shape(), tensor.F32)
	src, dst := pre.DataPtr(), act.DataPtr()
	for i, x := range src {
		dst[i] = gelu(x)
	}
	return m.fc2.Forward(act)
}

// Backward propagates gradients through fc2, the GELU derivative, and fc1.
func (m *MLP) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	gradAct := m.fc2.Backward(gradOutput)
	pre := m.lastPreGELU.DataPtr()
	g := gradAct.DataPtr()
	for i := range g {
		g[i] *= geluDeriv(pre[i])
	}
	return m.fc1.Backward(gradAct)
}

// Parameters returns the weights of both projections.
func (m *MLP) Parameters() []*tensor.Tensor {
	return ConcatParams(m.fc1.Parameters(), m.fc2.Parameters())
}

// Layers exposes the two projections by role, used for checkpoint naming.
func (m *MLP) Layers() (fc1, fc2 *Linear) { return m.fc1, m.fc2 }
