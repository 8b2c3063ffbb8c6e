// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"fmt"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Patchify splits a [batch, channels, H, W] tensor into non-overlapping
// patchSize x patchSize patches, producing [batch, tokens, channels*p*p]
// where tokens = (H/p)*(W/p). Patch vectors use [channel, row, col] layout;
// tokens are ordered row-major over the patch grid. Unpatchify is the
// exact inverse, so the pair also serves as the gradient path for each
// other.
func Patchify(x *tensor.Tensor, patchSize int) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	if len(dims) != 4 {
		panic(fmt.Sprintf("patchify: want 4D input, got %v", x.Shape()))
	}
	batch, channels, h, w := dims[0], dims[1], dims[2], dims[3]
	if h%patchSize != 0 || w%patchSize != 0 {
		panic(fmt.Sprintf("patchify: spatial size %dx%d not divisible by patch size %d", h, w, patchSize))
	}
	gh, gw := h/patchSize, w/patchSize
	tokens := gh * gw
	patchDim := channels * patchSize * patchSize

	out := tensor.New(tensor.NewShape(batch, tokens, patchDim), tensor.F32)
	src, dst := x.DataPtr(), out.DataPtr()
	for b := 0; b < batch; b++ {
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				tokOff := ((b*tokens + py*gw + px)) * patchDim
				for c := 0; c < channels; c++ {
					for i := 0; i < patchSize; i++ {
						srcOff := ((b*channels+c)*h+py*patchSize+i)*w + px*patchSize
						dstOff := tokOff + (c*patchSize+i)*patchSize
						copy(dst[dstOff:dstOff+patchSize], src[srcOff:srcOff+patchSize])
					}
				}
			}
		}
	}
	return out
}

// Unpatchify reassembles [batch, tokens, channels*p*p] patch vectors into
// a [batch, channels, H, W] spatial grid. Inverse of Patchify.
func Unpatchify(tokens *tensor.Tensor, channels, h, w, patchSize int) *tensor.Tensor {
	dims := tokens.Shape().DimsRef()
	if len(dims) != 3 {
		panic(fmt.Sprintf("unpatchify: want 3D input, got %v", tokens.Shape()))
	}
	batch, numTokens, patchDim := dims[0], dims[1], dims[2]
	gh, gw := h/patchSize, w/patchSize
	if numTokens != gh*gw || patchDim != channels*patchSize*patchSize {
		panic(fmt.Sprintf("unpatchify: tokens %v incompatible with %dx%dx%d / patch %d",
			tokens.Shape(), channels, h, w, patchSize))
	}

	out := tensor.New(tensor.NewShape(batch, channels, h, w), tensor.F32)
	src, dst := tokens.DataPtr(), out.DataPtr()
	for b := 0; b < batch; b++ {
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				tokOff := ((b*numTokens + py*gw + px)) * patchDim
				for c := 0; c < channels; c++ {
					for i := 0; i < patchSize; i++ {
						dstOff := ((b*channels+c)*h+py*patchSize+i)*w + px*patchSize
						srcOff := tokOff + (c*patchSize+i)*patchSize
						copy(dst[dstOff:dstOff+patchSize], src[srcOff:srcOff+patchSize])
					}
				}
			}
		}
	}
	return out
}

// PatchEmbed turns a [batch, channels, H, W] latent into a token sequence:
// each non-overlapping patch is flattened and linearly projected to the
// transformer hidden size.
type PatchEmbed struct {
	proj      *Linear
	patchSize int
	channels  int
	lastH     int
	lastW     int
}

// NewPatchEmbed creates a patch embedding with a biased projection,
// matching the reference patch embedder.
func NewPatchEmbed(channels, patchSize, hiddenDim int) *PatchEmbed {
	return &PatchEmbed{
		proj:      NewLinear(channels*patchSize*patchSize, hiddenDim, true),
		patchSize: patchSize,
		channels:  channels,
	}
}

// Forward produces [batch, tokens, hidden] from [batch, channels, H, W].
func (pe *PatchEmbed) Forward(x *tensor.Tensor) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	pe.lastH, pe.lastW = dims[2], dims[3]
	patches := Patchify(x, pe.patchSize)
	return pe.proj.Forward(patches)
}

// Backward propagates through the projection and scatters the patch
// gradients back onto the spatial grid.
func (pe *PatchEmbed) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	gradPatches := pe.proj.Backward(gradOutput)
	return Unpatchify(gradPatches, pe.channels, pe.lastH, pe.lastW, pe.patchSize)
}

// Parameters returns the projection weights.
func (pe *PatchEmbed) Parameters() []*tensor.Tensor { return pe.proj.Parameters() }

// Proj exposes the projection layer, used for checkpoint naming.
func (pe *PatchEmbed) Proj() *Linear { return pe.proj }
