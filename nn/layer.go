// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package nn implements the neural network layers of the denoising
// network and the frozen autoencoder. Trainable layers carry a manual
// backward pass; layers used only under frozen weights (convolutions,
// group normalization) implement the forward path alone.
package nn

import "github.com/Koyote059/diffit-reimplementation/tensor"

// ConcatParams concatenates multiple parameter slices into one.
// Used by composite layers to aggregate their sub-layer parameters.
func ConcatParams(groups ...[]*tensor.Tensor) []*tensor.Tensor {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]*tensor.Tensor, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
