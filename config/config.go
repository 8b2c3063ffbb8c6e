// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package config parses and validates the parameter manifest that
// drives a training or sampling run. Validation fails fast, before any
// tensor is allocated.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Error reports an invalid hyperparameter or hyperparameter combination.
// It is fatal: nothing downstream is constructed once validation fails.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Errorf builds a *Error for the given field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Manifest holds every recognized option of a run. Field names follow
// the manifest file keys one-to-one.
type Manifest struct {
	// Input image tensor shape.
	ImgSize  int `yaml:"img_size"`
	Channels int `yaml:"channels"`

	// I/O locations for the data-loading and checkpointing layer.
	DatasetFolder string `yaml:"dataset_folder"`
	SaveFolder    string `yaml:"save_folder"`

	// Training-loop control.
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float32 `yaml:"learning_rate"`
	TestSize     float32 `yaml:"test_size"`
	RandomSeed   int64   `yaml:"random_seed"`
	LossFunction string  `yaml:"loss_function"`

	// Frozen autoencoder.
	AutoencoderCheckpoint string `yaml:"autoencoder_checkpoint"`
	NumGroups             int    `yaml:"num_groups"`
	HiddenChannels        int    `yaml:"hidden_channels"`
	L1                    int    `yaml:"l1"`
	L2                    int    `yaml:"l2"`
	L3                    int    `yaml:"l3"`
	L4                    int    `yaml:"l4"`

	// Denoiser architecture.
	PatchSize  int     `yaml:"patch_size"`
	HiddenSize int     `yaml:"hidden_size"`
	Depth      int     `yaml:"depth"`
	NumHeads   int     `yaml:"num_heads"`
	MLPRatio   float32 `yaml:"mlp_ratio"`

	// Classifier-free-guidance conditioning.
	ClassDropoutProb float32 `yaml:"class_dropout_prob"`
	NumClasses       int     `yaml:"num_classes"`

	// Noise schedule.
	DiffusionSteps int     `yaml:"diffusion_steps"`
	BetaStart      float32 `yaml:"beta_start"`
	BetaEnd        float32 `yaml:"beta_end"`
}

// Default returns a manifest mirroring the reference run: 256px 3-channel
// images, a 1000-step linear schedule, and the standard DiffiT-scale
// denoiser.
func Default() Manifest {
	return Manifest{
		ImgSize:          256,
		Channels:         3,
		Epochs:           100,
		BatchSize:        16,
		LearningRate:     1e-4,
		TestSize:         0.1,
		RandomSeed:       42,
		LossFunction:     "mse",
		NumGroups:        8,
		HiddenChannels:   128,
		L1:               4,
		L2:               4,
		L3:               4,
		L4:               4,
		PatchSize:        2,
		HiddenSize:       1152,
		Depth:            12,
		NumHeads:         16,
		MLPRatio:         4.0,
		ClassDropoutProb: 0.1,
		NumClasses:       1000,
		DiffusionSteps:   1000,
		BetaStart:        1e-4,
		BetaEnd:          0.02,
	}
}

// Load reads a YAML manifest from path, applies it over Default(), and
// validates the result.
func Load(path string) (Manifest, error) {
	m := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks every option and cross-option constraint. Returns the
// first violation as a *Error.
func (m Manifest) Validate() error {
	switch {
	case m.ImgSize < 1:
		return Errorf("img_size", "must be >= 1, got %d", m.ImgSize)
	case m.Channels != 3:
		return Errorf("channels", "must be 3, got %d", m.Channels)
	case m.Epochs < 1:
		return Errorf("epochs", "must be >= 1, got %d", m.Epochs)
	case m.BatchSize < 1:
		return Errorf("batch_size", "must be >= 1, got %d", m.BatchSize)
	case m.LearningRate <= 0:
		return Errorf("learning_rate", "must be > 0, got %g", m.LearningRate)
	case m.TestSize < 0 || m.TestSize >= 1:
		return Errorf("test_size", "must be in [0, 1), got %g", m.TestSize)
	}

	switch m.LossFunction {
	case "", "mse", "l1":
	default:
		return Errorf("loss_function", "unknown loss %q (want mse or l1)", m.LossFunction)
	}

	switch {
	case m.HiddenChannels < 1:
		return Errorf("hidden_channels", "must be >= 1, got %d", m.HiddenChannels)
	case m.NumGroups < 1:
		return Errorf("num_groups", "must be >= 1, got %d", m.NumGroups)
	case m.HiddenChannels%m.NumGroups != 0:
		return Errorf("hidden_channels", "must be divisible by num_groups (%d %% %d != 0)", m.HiddenChannels, m.NumGroups)
	case m.L1 < 1 || m.L2 < 1 || m.L3 < 1 || m.L4 < 1:
		return Errorf("l1..l4", "level depths must be >= 1, got %d/%d/%d/%d", m.L1, m.L2, m.L3, m.L4)
	}

	switch {
	case m.PatchSize < 1:
		return Errorf("patch_size", "must be >= 1, got %d", m.PatchSize)
	case m.HiddenSize < 1:
		return Errorf("hidden_size", "must be >= 1, got %d", m.HiddenSize)
	case m.Depth < 1:
		return Errorf("depth", "must be >= 1, got %d", m.Depth)
	case m.NumHeads < 1:
		return Errorf("num_heads", "must be >= 1, got %d", m.NumHeads)
	case m.HiddenSize%m.NumHeads != 0:
		return Errorf("hidden_size", "must be divisible by num_heads (%d %% %d != 0)", m.HiddenSize, m.NumHeads)
	case m.MLPRatio <= 0:
		return Errorf("mlp_ratio", "must be > 0, got %g", m.MLPRatio)
	}

	switch {
	case m.NumClasses < 1:
		return Errorf("num_classes", "must be >= 1, got %d", m.NumClasses)
	case m.ClassDropoutProb < 0 || m.ClassDropoutProb > 1:
		return Errorf("class_dropout_prob", "must be in [0, 1], got %g", m.ClassDropoutProb)
	}

	switch {
	case m.DiffusionSteps < 1:
		return Errorf("diffusion_steps", "must be >= 1, got %d", m.DiffusionSteps)
	case m.BetaStart <= 0:
		return Errorf("beta_start", "must be > 0, got %g", m.BetaStart)
	case m.BetaEnd <= m.BetaStart:
		return Errorf("beta_end", "must be > beta_start (%g), got %g", m.BetaStart, m.BetaEnd)
	}

	return nil
}

// Loss returns the configured loss function name, defaulting to "mse".
func (m Manifest) Loss() string {
	if m.LossFunction == "" {
		return "mse"
	}
	return m.LossFunction
}
