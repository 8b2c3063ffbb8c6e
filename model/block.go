// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package model

import (
	"github.com/Koyote059/diffit-reimplementation/nn"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Block is one conditioned transformer block:
//
//	(shift1, scale1, gate1, shift2, scale2, gate2) = W_mod @ SiLU(c)
//	x = x + gate1 * Attn(modulate(LN1(x), shift1, scale1))
//	x = x + gate2 * MLP(modulate(LN2(x), shift2, scale2))
//
// The layer norms carry no affine parameters: scale and shift come from
// the conditioning vector c (timestep + class embedding) instead. W_mod
// is zero-initialized so every block starts as the identity.
type Block struct {
	norm1, norm2 *nn.LayerNorm
	attn         *nn.MultiHeadAttention
	mlp          *nn.MLP
	mod          *nn.Linear // hidden -> 6*hidden, zero init

	// Forward caches for backward.
	lastC     *tensor.Tensor // conditioning, pre-SiLU
	lastSiLUC *tensor.Tensor
	lastMod1  nn.Modulation  // attention branch terms
	lastMod2  nn.Modulation  // MLP branch terms
	lastH1    *tensor.Tensor // LN1 output
	lastH2    *tensor.Tensor // LN2 output
	lastAttn  *tensor.Tensor // attention branch output
	lastMLP   *tensor.Tensor // MLP branch output
}

// NewBlock constructs a block for the given width.
func NewBlock(hiddenDim, nHeads, ffnDim int) *Block {
	return &Block{
		norm1: nn.NewLayerNorm(hiddenDim, 1e-6, false),
		norm2: nn.NewLayerNorm(hiddenDim, 1e-6, false),
		attn:  nn.NewMultiHeadAttention(hiddenDim, nHeads),
		mlp:   nn.NewMLP(hiddenDim, ffnDim),
		mod:   nn.NewLinearZero(hiddenDim, 6*hiddenDim, true),
	}
}

// chunkCols splits a [batch, n*dim] tensor into n [batch, dim] tensors.
func chunkCols(t *tensor.Tensor, n int) []*tensor.Tensor {
	dims := t.Shape().DimsRef()
	batch, total := dims[0], dims[1]
	dim := total / n
	src := t.DataPtr()
	out := make([]*tensor.Tensor, n)
	for i := range out {
		c := tensor.New(tensor.NewShape(batch, dim), tensor.F32)
		dst := c.DataPtr()
		for b := 0; b < batch; b++ {
			copy(dst[b*dim:(b+1)*dim], src[b*total+i*dim:b*total+(i+1)*dim])
		}
		out[i] = c
	}
	return out
}

// concatCols is the inverse of chunkCols: n [batch, dim] tensors into one
// [batch, n*dim] tensor.
func concatCols(parts ...*tensor.Tensor) *tensor.Tensor {
	dims := parts[0].Shape().DimsRef()
	batch, dim := dims[0], dims[1]
	n := len(parts)
	out := tensor.New(tensor.NewShape(batch, n*dim), tensor.F32)
	dst := out.DataPtr()
	for i, p := range parts {
		src := p.DataPtr()
		for b := 0; b < batch; b++ {
			copy(dst[b*n*dim+i*dim:b*n*dim+(i+1)*dim], src[b*dim:(b+1)*dim])
		}
	}
	return out
}

// Forward runs the block on tokens x [batch, tokens, hidden] with
// conditioning c [batch, hidden].
func (blk *Block) Forward(x, c *tensor.Tensor) *tensor.Tensor {
	blk.lastC = c
	siluC := c.SiLU()
	blk.lastSiLUC = siluC

	mods := chunkCols(blk.mod.Forward(siluC), 6)
	m1 := nn.Modulation{Shift: mods[0], Scale: mods[1], Gate: mods[2]}
	m2 := nn.Modulation{Shift: mods[3], Scale: mods[4], Gate: mods[5]}
	blk.lastMod1, blk.lastMod2 = m1, m2

	h1 := blk.norm1.Forward(x)
	blk.lastH1 = h1
	attnOut := blk.attn.Forward(nn.Modulate(h1, m1.Shift, m1.Scale))
	blk.lastAttn = attnOut
	x2 := x.Add(nn.ApplyGate(attnOut, m1.Gate))

	h2 := blk.norm2.Forward(x2)
	blk.lastH2 = h2
	mlpOut := blk.mlp.Forward(nn.Modulate(h2, m2.Shift, m2.Scale))
	blk.lastMLP = mlpOut
	return x2.Add(nn.ApplyGate(mlpOut, m2.Gate))
}

// Backward propagates the output gradient through both branches,
// returning the token gradient and the conditioning gradient.
func (blk *Block) Backward(gradOutput *tensor.Tensor) (gradX, gradC *tensor.Tensor) {
	// MLP branch: out = x2 + gate2 * mlpOut.
	gradMLPOut, gradGate2 := nn.GateBackward(gradOutput, blk.lastMLP, blk.lastMod2.Gate)
	gradM2 := blk.mlp.Backward(gradMLPOut)
	gradH2, gradShift2, gradScale2 := nn.ModulateBackward(gradM2, blk.lastH2, blk.lastMod2.Scale)
	gradX2 := gradOutput.Add(blk.norm2.Backward(gradH2))

	// Attention branch: x2 = x + gate1 * attnOut.
	gradAttnOut, gradGate1 := nn.GateBackward(gradX2, blk.lastAttn, blk.lastMod1.Gate)
	gradM1 := blk.attn.Backward(gradAttnOut)
	gradH1, gradShift1, gradScale1 := nn.ModulateBackward(gradM1, blk.lastH1, blk.lastMod1.Scale)
	gradX = gradX2.Add(blk.norm1.Backward(gradH1))

	// Conditioning path through the modulation projection and SiLU.
	gradModOut := concatCols(gradShift1, gradScale1, gradGate1, gradShift2, gradScale2, gradGate2)
	gradC = blk.mod.Backward(gradModOut)
	nn.SiLUBackward(gradC, blk.lastC)
	return gradX, gradC
}

// Parameters returns all trainable parameters of the block.
func (blk *Block) Parameters() []*tensor.Tensor {
	return nn.ConcatParams(
		blk.attn.Parameters(),
		blk.mlp.Parameters(),
		blk.mod.Parameters(),
	)
}
