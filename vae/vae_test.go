// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package vae

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Koyote059/diffit-reimplementation/ckpt"
	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

func tinyConfig() Config {
	return Config{
		ImageSize:      16,
		ImageChannels:  3,
		HiddenChannels: 8,
		LatentChannels: 4,
		NumGroups:      2,
		Levels:         [4]int{1, 1, 1, 1},
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"size not multiple of eight", func(c *Config) { c.ImageSize = 20 }},
		{"zero channels", func(c *Config) { c.ImageChannels = 0 }},
		{"groups mismatch", func(c *Config) { c.HiddenChannels = 9 }},
		{"zero level", func(c *Config) { c.Levels[2] = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tinyConfig()
			tc.mutate(&cfg)
			_, err := New(cfg)
			var cfgErr *config.Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *config.Error, got %v", err)
			}
		})
	}
}

func TestEncodeDecodeShapes(t *testing.T) {
	a, err := New(tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	if a.LatentSize() != 2 {
		t.Fatalf("latent size = %d, want 2", a.LatentSize())
	}

	rng := rand.New(rand.NewSource(1))
	images := tensor.RandnSource(rng, tensor.NewShape(3, 3, 16, 16), tensor.F32)

	latents, err := a.Encode(images)
	if err != nil {
		t.Fatal(err)
	}
	if !latents.Shape().Equal(tensor.NewShape(3, 4, 2, 2)) {
		t.Fatalf("latent shape %v, want [3, 4, 2, 2]", latents.Shape())
	}

	decoded, err := a.Decode(latents)
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Shape().Equal(images.Shape()) {
		t.Fatalf("decoded shape %v, want %v", decoded.Shape(), images.Shape())
	}
}

func TestEncodeRejectsWrongGeometry(t *testing.T) {
	a, err := New(tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))

	var shapeErr *tensor.ShapeError
	if _, err := a.Encode(tensor.RandnSource(rng, tensor.NewShape(1, 3, 8, 8), tensor.F32)); !errors.As(err, &shapeErr) {
		t.Fatalf("wrong size: expected *tensor.ShapeError, got %v", err)
	}
	if _, err := a.Decode(tensor.RandnSource(rng, tensor.NewShape(1, 3, 2, 2), tensor.F32)); !errors.As(err, &shapeErr) {
		t.Fatalf("wrong latent channels: expected *tensor.ShapeError, got %v", err)
	}
}

// Batched encoding must match example-by-example encoding, whatever
// order the worker pool runs them in.
func TestEncodeBatchMatchesSingle(t *testing.T) {
	a, err := New(tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(3))
	images := tensor.RandnSource(rng, tensor.NewShape(4, 3, 16, 16), tensor.F32)

	batchOut, err := a.Encode(images)
	if err != nil {
		t.Fatal(err)
	}

	per := 3 * 16 * 16
	perLatent := 4 * 2 * 2
	src := images.Data()
	for b := 0; b < 4; b++ {
		one := tensor.FromSlice(src[b*per:(b+1)*per], tensor.NewShape(1, 3, 16, 16))
		single, err := a.Encode(one)
		if err != nil {
			t.Fatal(err)
		}
		sd := single.DataPtr()
		bd := batchOut.DataPtr()[b*perLatent : (b+1)*perLatent]
		for i := range sd {
			if sd[i] != bd[i] {
				t.Fatalf("example %d diverged at %d: %f vs %f", b, i, sd[i], bd[i])
			}
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	a, err := New(tinyConfig())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "vae.ckpt")
	if err := a.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Config(), loaded.Config()); diff != "" {
		t.Fatalf("config mismatch:\n%s", diff)
	}

	rng := rand.New(rand.NewSource(4))
	images := tensor.RandnSource(rng, tensor.NewShape(2, 3, 16, 16), tensor.F32)
	want, err := a.Encode(images)
	if err != nil {
		t.Fatal(err)
	}
	got, err := loaded.Encode(images)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Data(), got.Data()); diff != "" {
		t.Fatalf("loaded autoencoder encodes differently:\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	var loadErr *ckpt.LoadError
	if _, err := Load(filepath.Join(t.TempDir(), "nope.ckpt")); !errors.As(err, &loadErr) {
		t.Fatalf("missing file: expected *ckpt.LoadError, got %v", err)
	}
}
