// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// FreqEmbedDim is the width of the raw sinusoidal timestep embedding
// before its MLP projection, matching the reference embedder.
const FreqEmbedDim = 256

// TimestepEmbedder maps an integer diffusion timestep to a conditioning
// vector: a deterministic sinusoidal frequency embedding followed by a
// two-layer SiLU MLP.
//
//	freq_i = 10000^(-i / half)           for i in [0, half)
//	emb(t) = [cos(t*freq_0..), sin(t*freq_0..)]
//	out    = W2 @ SiLU(W1 @ emb(t))
type TimestepEmbedder struct {
	mlp1, mlp2  *Linear
	hiddenDim   int
	freqs       []float32
	lastPreSiLU *tensor.Tensor // cached pre-activation for backward
}

// NewTimestepEmbedder creates a timestep embedder projecting to hiddenDim.
func NewTimestepEmbedder(hiddenDim int) *TimestepEmbedder {
	half := FreqEmbedDim / 2
	freqs := make([]float32, half)
	for i := range freqs {
		freqs[i] = math32.Exp(-math32.Log(10000) * float32(i) / float32(half))
	}
	return &TimestepEmbedder{
		mlp1:      NewLinearNormal(FreqEmbedDim, hiddenDim, 0.02),
		mlp2:      NewLinearNormal(hiddenDim, hiddenDim, 0.02),
		hiddenDim: hiddenDim,
		freqs:     freqs,
	}
}

// Forward embeds one timestep per example: [batch] ints -> [batch, hidden].
func (te *TimestepEmbedder) Forward(timesteps []int) *tensor.Tensor {
	batch := len(timesteps)
	half := FreqEmbedDim / 2
	freqEmb := tensor.New(tensor.NewShape(batch, FreqEmbedDim), tensor.F32)
	data := freqEmb.DataPtr()
	for b, t := range timesteps {
		off := b * FreqEmbedDim
		tf := float32(t)
		for i, f := range te.freqs {
			angle := tf * f
			data[off+i] = math32.Cos(angle)
			data[off+half+i] = math32.Sin(angle)
		}
	}

	pre := te.mlp1.Forward(freqEmb)
	te.lastPreSiLU = pre
	act := pre.SiLU()
	return te.mlp2.Forward(act)
}

// Backward accumulates MLP gradients. The sinusoidal embedding is
// deterministic in t, so nothing propagates past the first projection.
func (te *TimestepEmbedder) Backward(gradOutput *tensor.Tensor) {
	gradAct := te.mlp2.Backward(gradOutput)
	pre := te.lastPreSiLU.DataPtr()
	g := gradAct.DataPtr()
	for i := range g {
		g[i] *= siluDeriv(pre[i])
	}
	te.mlp1.Backward(gradAct)
}

// Parameters returns the MLP weights.
func (te *TimestepEmbedder) Parameters() []*tensor.Tensor {
	return ConcatParams(te.mlp1.Parameters(), te.mlp2.Parameters())
}

// Layers exposes the two projections by role, used for checkpoint naming.
func (te *TimestepEmbedder) Layers() (mlp1, mlp2 *Linear) { return te.mlp1, te.mlp2 }

// LabelEmbedder maps class labels to conditioning vectors via a learned
// table of num_classes + 1 rows. Row num_classes is the reserved
// unconditional slot: explicit requests for unconditional generation use
// it directly, and during training each example's label is independently
// replaced by it with probability dropProb (classifier-free guidance
// training).
type LabelEmbedder struct {
	table      *tensor.Tensor // [num_classes + 1, hidden]
	numClasses int
	hiddenDim  int
	dropProb   float32
	lastLabels []int // effective (post-dropout) labels, cached for backward
}

// NewLabelEmbedder creates a label embedding table with N(0, 0.02) init.
func NewLabelEmbedder(numClasses, hiddenDim int, dropProb float32) *LabelEmbedder {
	return &LabelEmbedder{
		table:      tensor.RandnWithStd(tensor.NewShape(numClasses+1, hiddenDim), tensor.F32, 0.02),
		numClasses: numClasses,
		hiddenDim:  hiddenDim,
		dropProb:   dropProb,
	}
}

// Unconditional returns the sentinel label of the unconditional slot.
func (le *LabelEmbedder) Unconditional() int { return le.numClasses }

// Forward looks up one conditioning vector per label: [batch] ints ->
// [batch, hidden]. When train is true, each label is independently
// dropped to the unconditional slot with probability dropProb, drawn
// from rng so that a seeded training step is reproducible.
func (le *LabelEmbedder) Forward(labels []int, train bool, rng *rand.Rand) *tensor.Tensor {
	batch := len(labels)
	effective := make([]int, batch)
	for i, y := range labels {
		if y < 0 || y > le.numClasses {
			panic(fmt.Sprintf("label %d out of range [0, %d]", y, le.numClasses))
		}
		if train && le.dropProb > 0 && rng.Float32() < le.dropProb {
			effective[i] = le.numClasses
		} else {
			effective[i] = y
		}
	}
	le.lastLabels = effective

	out := tensor.New(tensor.NewShape(batch, le.hiddenDim), tensor.F32)
	dst, w := out.DataPtr(), le.table.DataPtr()
	for i, y := range effective {
		copy(dst[i*le.hiddenDim:(i+1)*le.hiddenDim], w[y*le.hiddenDim:(y+1)*le.hiddenDim])
	}
	return out
}

// Backward accumulates table gradients via scatter-add. No gradient flows
// to the discrete labels.
func (le *LabelEmbedder) Backward(gradOutput *tensor.Tensor) {
	if le.table.Grad == nil {
		le.table.Grad = make([]float32, le.table.Shape().Numel())
	}
	g := gradOutput.DataPtr()
	for i, y := range le.lastLabels {
		gOff := i * le.hiddenDim
		wOff := y * le.hiddenDim
		for d := 0; d < le.hiddenDim; d++ {
			le.table.Grad[wOff+d] += g[gOff+d]
		}
	}
}

// Parameters returns the embedding table.
func (le *LabelEmbedder) Parameters() []*tensor.Tensor { return []*tensor.Tensor{le.table} }

// Table returns the embedding table tensor.
func (le *LabelEmbedder) Table() *tensor.Tensor { return le.table }
