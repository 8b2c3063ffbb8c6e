// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Koyote059/diffit-reimplementation/ckpt"
)

// metadata keys stored alongside the weights.
const (
	metaInputSize    = "input_size"
	metaChannels     = "channels"
	metaPatchSize    = "patch_size"
	metaHiddenSize   = "hidden_size"
	metaDepth        = "depth"
	metaNumHeads     = "num_heads"
	metaMLPRatio     = "mlp_ratio"
	metaNumClasses   = "num_classes"
	metaClassDropout = "class_dropout_prob"
)

// ConfigMeta encodes the architecture as snapshot metadata.
func ConfigMeta(cfg Config) map[string]string {
	return map[string]string{
		metaInputSize:    strconv.Itoa(cfg.InputSize),
		metaChannels:     strconv.Itoa(cfg.Channels),
		metaPatchSize:    strconv.Itoa(cfg.PatchSize),
		metaHiddenSize:   strconv.Itoa(cfg.HiddenSize),
		metaDepth:        strconv.Itoa(cfg.Depth),
		metaNumHeads:     strconv.Itoa(cfg.NumHeads),
		metaMLPRatio:     strconv.FormatFloat(float64(cfg.MLPRatio), 'g', -1, 32),
		metaNumClasses:   strconv.Itoa(cfg.NumClasses),
		metaClassDropout: strconv.FormatFloat(float64(cfg.ClassDropout), 'g', -1, 32),
	}
}

func metaInt(meta map[string]string, key string, dst *int) error {
	raw, ok := meta[key]
	if !ok {
		return fmt.Errorf("missing metadata %q", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	*dst = v
	return nil
}

func metaFloat(meta map[string]string, key string, dst *float32) error {
	raw, ok := meta[key]
	if !ok {
		return fmt.Errorf("missing metadata %q", key)
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	*dst = float32(v)
	return nil
}

// ConfigFromMeta is the inverse of ConfigMeta.
func ConfigFromMeta(meta map[string]string) (Config, error) {
	var cfg Config
	ints := []struct {
		key string
		dst *int
	}{
		{metaInputSize, &cfg.InputSize},
		{metaChannels, &cfg.Channels},
		{metaPatchSize, &cfg.PatchSize},
		{metaHiddenSize, &cfg.HiddenSize},
		{metaDepth, &cfg.Depth},
		{metaNumHeads, &cfg.NumHeads},
		{metaNumClasses, &cfg.NumClasses},
	}
	for _, f := range ints {
		if err := metaInt(meta, f.key, f.dst); err != nil {
			return Config{}, err
		}
	}
	if err := metaFloat(meta, metaMLPRatio, &cfg.MLPRatio); err != nil {
		return Config{}, err
	}
	if err := metaFloat(meta, metaClassDropout, &cfg.ClassDropout); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromSnapshot builds a freshly initialized denoiser with the
// architecture recorded in the snapshot metadata. Weights are not
// restored; callers that want them use LoadState or ckpt.Restore.
func FromSnapshot(snap *ckpt.Snapshot) (*Denoiser, error) {
	cfg, err := ConfigFromMeta(snap.Meta)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Save writes the denoiser weights and architecture to a checkpoint.
func Save(d *Denoiser, path string) error {
	snap := &ckpt.Snapshot{
		Version: ckpt.Version,
		Meta:    ConfigMeta(d.Config()),
		Tensors: ckpt.PackNamed(d.NamedParameters(), ckpt.DTypeF32),
	}
	return ckpt.Save(path, snap)
}

// LoadState reads a denoiser from a checkpoint. Snapshots written by
// the trainer carry optimizer moments under an "opt." prefix; those are
// skipped here so the same file serves both resuming and sampling.
func LoadState(path string) (*Denoiser, error) {
	snap, err := ckpt.Load(path)
	if err != nil {
		return nil, err
	}
	d, err := FromSnapshot(snap)
	if err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	weights := *snap
	weights.Tensors = nil
	for _, nt := range snap.Tensors {
		if strings.HasPrefix(nt.Name, "opt.") {
			continue
		}
		weights.Tensors = append(weights.Tensors, nt)
	}
	if err := ckpt.Restore(&weights, d.NamedParameters()); err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	return d, nil
}
