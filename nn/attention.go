// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// MultiHeadAttention implements full (bidirectional) multi-head
// self-attention over patch tokens. Unlike a language model there is no
// causal mask -- every patch attends to every patch -- and no rotary
// embedding: position information enters through the fixed position table
// added at patch embedding.
//
//	scores  = (Q @ K^T) / sqrt(d_k)
//	weights = softmax(scores)
//	output  = W_O @ (weights @ V)
type MultiHeadAttention struct {
	wQ, wK, wV, wO  *Linear
	nHeads, headDim int
	hiddenDim       int
	scale           float32 // 1 / sqrt(head_dim)
	// Cached from forward pass for backward.
	lastInput       *tensor.Tensor // input to attention
	lastQ           *tensor.Tensor // Q [batch, tokens, nHeads, headDim]
	lastK           *tensor.Tensor // K, same layout
	lastV           *tensor.Tensor // V, same layout
	lastAttnWeights []float32      // softmax weights [batch * nHeads * tokens * tokens]
	lastBatch       int
	lastTokens      int
}

// NewMultiHeadAttention creates a multi-head self-attention layer.
// hiddenDim must be divisible by nHeads; the denoiser config validates
// this before construction.
func NewMultiHeadAttention(hiddenDim, nHeads int) *MultiHeadAttention {
	headDim := hiddenDim / nHeads
	return &MultiHeadAttention{
		wQ:        NewLinear(hiddenDim, hiddenDim, true),
		wK:        NewLinear(hiddenDim, hiddenDim, true),
		wV:        NewLinear(hiddenDim, hiddenDim, true),
		wO:        NewLinear(hiddenDim, hiddenDim, true),
		nHeads:    nHeads,
		headDim:   headDim,
		hiddenDim: hiddenDim,
		scale:     1.0 / math32.Sqrt(float32(headDim)),
	}
}

// Forward computes self-attention over a [batch, tokens, hidden] tensor.
//
// Per-head score and weighted-sum matmuls run through strided sgemm on
// the [batch, tokens, nHeads, headDim] layout, avoiding permute copies.
func (a *MultiHeadAttention) Forward(input *tensor.Tensor) *tensor.Tensor {
	dims := input.Shape().DimsRef()
	batch, tokens := dims[0], dims[1]
	a.lastInput = input
	a.lastBatch = batch
	a.lastTokens = tokens

	q := a.wQ.Forward(input).Reshape(tensor.NewShape(batch, tokens, a.nHeads, a.headDim))
	k := a.wK.Forward(input).Reshape(tensor.NewShape(batch, tokens, a.nHeads, a.headDim))
	v := a.wV.Forward(input).Reshape(tensor.NewShape(batch, tokens, a.nHeads, a.headDim))
	a.lastQ, a.lastK, a.lastV = q, k, v

	hd := a.headDim
	stride := a.nHeads * hd

	attnWeightsLen := batch * a.nHeads * tokens * tokens
	if cap(a.lastAttnWeights) >= attnWeightsLen {
		a.lastAttnWeights = a.lastAttnWeights[:attnWeightsLen]
	} else {
		a.lastAttnWeights = make([]float32, attnWeightsLen)
	}

	out := make([]float32, batch*tokens*stride)
	qData, kData, vData := q.DataPtr(), k.DataPtr(), v.DataPtr()

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*tokens*stride + h*hd
			scores := a.lastAttnWeights[(b*a.nHeads+h)*tokens*tokens:][:tokens*tokens]

			// scores = scale * Q @ K^T, full tokens x tokens matrix.
			tensor.Sgemm(false, true, tokens, tokens, hd,
				a.scale,
				qData[base:], stride,
				kData[base:], stride,
				0.0, scores, tokens)

			for qi := 0; qi < tokens; qi++ {
				tensor.SoftmaxInPlace(scores[qi*tokens : (qi+1)*tokens])
			}

			// output = weights @ V.
			tensor.Sgemm(false, false, tokens, hd, tokens,
				1.0, scores, tokens,
				vData[base:], stride,
				0.0, out[base:], stride)
		}
	}

	merged := tensor.FromSliceNoCopy(out, tensor.NewShape(batch, tokens, a.hiddenDim))
	return a.wO.Forward(merged)
}

// Backward computes the full attention backward pass.
// Propagates gradients through: W_O -> attention (V, weights, softmax,
// scores) -> W_Q, W_K, W_V, using per-head strided sgemm calls.
func (a *MultiHeadAttention) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	batch, tokens := a.lastBatch, a.lastTokens

	gradOInput := a.wO.Backward(gradOutput)
	goData := gradOInput.DataPtr()

	qData := a.lastQ.DataPtr()
	kData := a.lastK.DataPtr()
	vData := a.lastV.DataPtr()

	hd := a.headDim
	stride := a.nHeads * hd

	gradQ := make([]float32, batch*tokens*stride)
	gradK := make([]float32, batch*tokens*stride)
	gradV := make([]float32, batch*tokens*stride)
	gradScores := make([]float32, tokens*tokens)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*tokens*stride + h*hd
			weights := a.lastAttnWeights[(b*a.nHeads+h)*tokens*tokens:][:tokens*tokens]

			// grad_V = W^T @ dO
			tensor.Sgemm(true, false, tokens, hd, tokens,
				1.0, weights, tokens,
				goData[base:], stride,
				0.0, gradV[base:], stride)

			// grad_W = dO @ V^T
			tensor.Sgemm(false, true, tokens, tokens, hd,
				1.0, goData[base:], stride,
				vData[base:], stride,
				0.0, gradScores, tokens)

			// Softmax backward, row-wise:
			// grad_scores = weights * (grad_weights - sum(grad_weights * weights))
			for qi := 0; qi < tokens; qi++ {
				row := qi * tokens
				sumTerm := float32(0)
				for ki := 0; ki < tokens; ki++ {
					sumTerm += gradScores[row+ki] * weights[row+ki]
				}
				for ki := 0; ki < tokens; ki++ {
					gradScores[row+ki] = weights[row+ki] * (gradScores[row+ki] - sumTerm)
				}
			}

			// grad_Q = scale * grad_scores @ K
			tensor.Sgemm(false, false, tokens, hd, tokens,
				a.scale, gradScores, tokens,
				kData[base:], stride,
				0.0, gradQ[base:], stride)

			// grad_K = scale * grad_scores^T @ Q
			tensor.Sgemm(true, false, tokens, hd, tokens,
				a.scale, gradScores, tokens,
				qData[base:], stride,
				0.0, gradK[base:], stride)
		}
	}

	gradQTensor := tensor.FromSliceNoCopy(gradQ, tensor.NewShape(batch, tokens, a.hiddenDim))
	gradKTensor := tensor.FromSliceNoCopy(gradK, tensor.NewShape(batch, tokens, a.hiddenDim))
	gradVTensor := tensor.FromSliceNoCopy(gradV, tensor.NewShape(batch, tokens, a.hiddenDim))

	// Q/K/V projections all consumed the same input x.
	a.wQ.SetLastInput(a.lastInput)
	a.wK.SetLastInput(a.lastInput)
	a.wV.SetLastInput(a.lastInput)

	gradXQ := a.wQ.Backward(gradQTensor)
	gradXK := a.wK.Backward(gradKTensor)
	gradXV := a.wV.Backward(gradVTensor)

	return gradXQ.Add(gradXK).Add(gradXV)
}

// Parameters returns all projection weights: Q, K, V, and O.
func (a *MultiHeadAttention) Parameters() []*tensor.Tensor {
	return ConcatParams(
		a.wQ.Parameters(),
		a.wK.Parameters(),
		a.wV.Parameters(),
		a.wO.Parameters(),
	)
}

// Projections exposes the four projection layers by role, used for
// checkpoint naming.
func (a *MultiHeadAttention) Projections() (wq, wk, wv, wo *Linear) {
	return a.wQ, a.wK, a.wV, a.wO
}
