// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// LayerNorm normalizes over the last dimension:
//
//	y_i = (x_i - mean(x)) / sqrt(var(x) + eps) * gamma_i + beta_i
//
// The denoiser blocks use the affine-free form (gamma/beta nil) because
// adaptive modulation supplies the scale and shift from the conditioning
// vector instead.
type LayerNorm struct {
	gamma, beta *tensor.Tensor // nil when affine is disabled
	eps         float32
	dim         int
	affine      bool
	lastXHat    *tensor.Tensor // normalized input, cached for backward
	lastInvStd  []float32      // 1/sqrt(var+eps) per vector, cached for backward
}

// NewLayerNorm creates a LayerNorm over vectors of length dim.
func NewLayerNorm(dim int, eps float32, affine bool) *LayerNorm {
	ln := &LayerNorm{eps: eps, dim: dim, affine: affine}
	if affine {
		ln.gamma = tensor.Ones(tensor.NewShape(dim), tensor.F32)
		ln.beta = tensor.Zeros(tensor.NewShape(dim), tensor.F32)
	}
	return ln
}

// Forward applies LayerNorm along the last dimension.
func (ln *LayerNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	shape := input.Shape()
	numVectors := shape.Numel() / ln.dim
	if cap(ln.lastInvStd) >= numVectors {
		ln.lastInvStd = ln.lastInvStd[:numVectors]
	} else {
		ln.lastInvStd = make([]float32, numVectors)
	}

	xhat := tensor.New(shape, tensor.F32)
	in, xh := input.DataPtr(), xhat.DataPtr()
	invDim := 1.0 / float32(ln.dim)
	for v := 0; v < numVectors; v++ {
		off := v * ln.dim
		row := in[off : off+ln.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim

		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		invStd := 1.0 / math32.Sqrt(variance+ln.eps)
		ln.lastInvStd[v] = invStd

		xhRow := xh[off : off+ln.dim]
		for i := range xhRow {
			xhRow[i] = (row[i] - mean) * invStd
		}
	}
	ln.lastXHat = xhat

	if !ln.affine {
		return xhat.Clone()
	}
	out := tensor.New(shape, tensor.F32)
	o, g, b := out.DataPtr(), ln.gamma.DataPtr(), ln.beta.DataPtr()
	for v := 0; v < numVectors; v++ {
		off := v * ln.dim
		for i := 0; i < ln.dim; i++ {
			o[off+i] = xh[off+i]*g[i] + b[i]
		}
	}
	return out
}

// Backward computes the input gradient for LayerNorm and, when affine,
// accumulates gamma/beta gradients. Standard derivation in terms of the
// cached normalized input:
//
//	d_xhat = gradOutput * gamma              (or gradOutput when affine-free)
//	d_x    = invStd * (d_xhat - mean(d_xhat) - xhat * mean(d_xhat * xhat))
func (ln *LayerNorm) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if ln.lastXHat == nil {
		panic("backward called before forward")
	}
	shape := gradOutput.Shape()
	numVectors := shape.Numel() / ln.dim

	gradInput := tensor.New(shape, tensor.F32)
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	xh := ln.lastXHat.DataPtr()
	invDim := 1.0 / float32(ln.dim)

	var dGamma, dBeta []float32
	var g []float32
	if ln.affine {
		dGamma = make([]float32, ln.dim)
		dBeta = make([]float32, ln.dim)
		g = ln.gamma.DataPtr()
	}

	for v := 0; v < numVectors; v++ {
		off := v * ln.dim
		invStd := ln.lastInvStd[v]

		// d_xhat, plus affine parameter gradients in the same pass.
		meanDXhat := float32(0)
		meanDXhatXhat := float32(0)
		for i := 0; i < ln.dim; i++ {
			dxh := gOut[off+i]
			if ln.affine {
				dGamma[i] += dxh * xh[off+i]
				dBeta[i] += dxh
				dxh *= g[i]
			}
			gIn[off+i] = dxh // stash d_xhat, rewritten below
			meanDXhat += dxh
			meanDXhatXhat += dxh * xh[off+i]
		}
		meanDXhat *= invDim
		meanDXhatXhat *= invDim

		for i := 0; i < ln.dim; i++ {
			gIn[off+i] = invStd * (gIn[off+i] - meanDXhat - xh[off+i]*meanDXhatXhat)
		}
	}

	if ln.affine {
		ln.gamma.AccumulateGrad(dGamma)
		ln.beta.AccumulateGrad(dBeta)
	}
	return gradInput
}

// Parameters returns gamma and beta, or nothing for the affine-free form.
func (ln *LayerNorm) Parameters() []*tensor.Tensor {
	if !ln.affine {
		return nil
	}
	return []*tensor.Tensor{ln.gamma, ln.beta}
}

// GroupNorm normalizes over channel groups of a [batch, channels, H, W]
// tensor: each (example, group) normalizes across its C/G channels and all
// spatial positions, then a per-channel affine applies.
//
// Forward-only: group normalization appears exclusively inside the frozen
// autoencoder, which never trains here.
type GroupNorm struct {
	gamma, beta *tensor.Tensor // per-channel affine, shape [channels]
	numGroups   int
	channels    int
	eps         float32
}

// NewGroupNorm creates a GroupNorm layer. Panics if channels is not
// divisible by numGroups; the manifest validation catches this earlier.
func NewGroupNorm(numGroups, channels int, eps float32) *GroupNorm {
	if channels%numGroups != 0 {
		panic(fmt.Sprintf("groupnorm: channels %d not divisible by groups %d", channels, numGroups))
	}
	return &GroupNorm{
		gamma:     tensor.Ones(tensor.NewShape(channels), tensor.F32),
		beta:      tensor.Zeros(tensor.NewShape(channels), tensor.F32),
		numGroups: numGroups,
		channels:  channels,
		eps:       eps,
	}
}

// Forward applies group normalization to a [batch, channels, H, W] tensor.
func (gn *GroupNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	dims := input.Shape().DimsRef()
	if len(dims) != 4 || dims[1] != gn.channels {
		panic(fmt.Sprintf("groupnorm: want [batch, %d, H, W], got %v", gn.channels, input.Shape()))
	}
	batch, h, w := dims[0], dims[2], dims[3]
	spatial := h * w
	chansPerGroup := gn.channels / gn.numGroups
	groupSize := chansPerGroup * spatial

	out := tensor.New(input.Shape(), tensor.F32)
	in, o := input.DataPtr(), out.DataPtr()
	g, b := gn.gamma.DataPtr(), gn.beta.DataPtr()

	for bi := 0; bi < batch; bi++ {
		for gi := 0; gi < gn.numGroups; gi++ {
			base := (bi*gn.channels + gi*chansPerGroup) * spatial

			mean := float32(0)
			for i := 0; i < groupSize; i++ {
				mean += in[base+i]
			}
			mean /= float32(groupSize)

			variance := float32(0)
			for i := 0; i < groupSize; i++ {
				d := in[base+i] - mean
				variance += d * d
			}
			variance /= float32(groupSize)
			invStd := 1.0 / math32.Sqrt(variance+gn.eps)

			for ci := 0; ci < chansPerGroup; ci++ {
				ch := gi*chansPerGroup + ci
				off := base + ci*spatial
				for i := 0; i < spatial; i++ {
					o[off+i] = (in[off+i]-mean)*invStd*g[ch] + b[ch]
				}
			}
		}
	}
	return out
}

// Parameters returns the per-channel affine parameters (for checkpoint
// loading; GroupNorm never receives gradients).
func (gn *GroupNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{gn.gamma, gn.beta}
}

// Gamma returns the per-channel scale.
func (gn *GroupNorm) Gamma() *tensor.Tensor { return gn.gamma }

// Beta returns the per-channel shift.
func (gn *GroupNorm) Beta() *tensor.Tensor { return gn.beta }
