// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package model implements the conditional denoising network: a
// transformer over latent patches whose blocks are conditioned on the
// diffusion timestep and class label through adaptive layer
// normalization.
package model

import (
	"github.com/Koyote059/diffit-reimplementation/config"
)

// Config holds the hyperparameters defining the denoiser architecture.
type Config struct {
	InputSize    int     // latent spatial size (squared)
	Channels     int     // latent channel count
	PatchSize    int     // patch edge length
	HiddenSize   int     // transformer width
	Depth        int     // number of transformer blocks
	NumHeads     int     // attention heads
	MLPRatio     float32 // feed-forward width multiplier
	NumClasses   int     // class-conditioning vocabulary
	ClassDropout float32 // per-example probability of the unconditional slot
}

// FromManifest derives the denoiser config from a validated manifest and
// the latent geometry fixed by the loaded autoencoder.
func FromManifest(m config.Manifest, latentSize, latentChannels int) Config {
	return Config{
		InputSize:    latentSize,
		Channels:     latentChannels,
		PatchSize:    m.PatchSize,
		HiddenSize:   m.HiddenSize,
		Depth:        m.Depth,
		NumHeads:     m.NumHeads,
		MLPRatio:     m.MLPRatio,
		NumClasses:   m.NumClasses,
		ClassDropout: m.ClassDropoutProb,
	}
}

// Tiny returns a minimal config for tests: 8x8 4-channel latents,
// patch 2, hidden 64, 2 blocks, 4 heads, 10 classes.
func Tiny() Config {
	return Config{
		InputSize:    8,
		Channels:     4,
		PatchSize:    2,
		HiddenSize:   64,
		Depth:        2,
		NumHeads:     4,
		MLPRatio:     2.0,
		NumClasses:   10,
		ClassDropout: 0.1,
	}
}

// Validate checks the architecture constraints. Runs before any tensor
// is allocated.
func (c Config) Validate() error {
	switch {
	case c.InputSize < 1:
		return config.Errorf("input_size", "must be >= 1, got %d", c.InputSize)
	case c.Channels < 1:
		return config.Errorf("channels", "must be >= 1, got %d", c.Channels)
	case c.PatchSize < 1:
		return config.Errorf("patch_size", "must be >= 1, got %d", c.PatchSize)
	case c.InputSize%c.PatchSize != 0:
		return config.Errorf("patch_size", "input size %d not divisible by patch size %d", c.InputSize, c.PatchSize)
	case c.HiddenSize < 1:
		return config.Errorf("hidden_size", "must be >= 1, got %d", c.HiddenSize)
	case c.NumHeads < 1:
		return config.Errorf("num_heads", "must be >= 1, got %d", c.NumHeads)
	case c.HiddenSize%c.NumHeads != 0:
		return config.Errorf("hidden_size", "must be divisible by num_heads (%d %% %d != 0)", c.HiddenSize, c.NumHeads)
	case c.HiddenSize%4 != 0:
		return config.Errorf("hidden_size", "must be divisible by 4 for the 2D positional table, got %d", c.HiddenSize)
	case c.Depth < 1:
		return config.Errorf("depth", "must be >= 1, got %d", c.Depth)
	case c.MLPRatio <= 0:
		return config.Errorf("mlp_ratio", "must be > 0, got %g", c.MLPRatio)
	case c.NumClasses < 1:
		return config.Errorf("num_classes", "must be >= 1, got %d", c.NumClasses)
	case c.ClassDropout < 0 || c.ClassDropout > 1:
		return config.Errorf("class_dropout_prob", "must be in [0, 1], got %g", c.ClassDropout)
	}
	return nil
}

// Tokens returns the sequence length: (InputSize/PatchSize)^2.
func (c Config) Tokens() int {
	g := c.InputSize / c.PatchSize
	return g * g
}

// FFNDim returns the feed-forward width: HiddenSize * MLPRatio.
func (c Config) FFNDim() int {
	return int(float32(c.HiddenSize) * c.MLPRatio)
}
