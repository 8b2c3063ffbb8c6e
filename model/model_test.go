// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package model

import (
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"indivisible patch", func(c *Config) { c.InputSize = 9 }},
		{"heads mismatch", func(c *Config) { c.NumHeads = 3 }},
		{"odd hidden", func(c *Config) { c.HiddenSize = 66 }},
		{"zero depth", func(c *Config) { c.Depth = 0 }},
		{"negative dropout", func(c *Config) { c.ClassDropout = -0.1 }},
		{"zero classes", func(c *Config) { c.NumClasses = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Tiny()
			tc.mutate(&cfg)
			_, err := New(cfg)
			if err == nil {
				t.Fatal("expected config error")
			}
			var cfgErr *config.Error
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *config.Error, got %T", err)
			}
		})
	}
}

// The predicted-noise tensor must always have the input's shape, across
// valid (input size, patch size) combinations.
func TestPredictNoiseShapeInvariant(t *testing.T) {
	for _, geom := range []struct{ size, patch int }{
		{8, 2}, {8, 4}, {12, 2}, {16, 4},
	} {
		cfg := Tiny()
		cfg.InputSize = geom.size
		cfg.PatchSize = geom.patch
		d, err := New(cfg)
		if err != nil {
			t.Fatalf("size %d patch %d: %v", geom.size, geom.patch, err)
		}

		rng := rand.New(rand.NewSource(1))
		x := tensor.RandnSource(rng, tensor.NewShape(2, cfg.Channels, geom.size, geom.size), tensor.F32)
		out, err := d.PredictNoise(x, []int{0, 5}, []int{1, 2})
		if err != nil {
			t.Fatalf("size %d patch %d: %v", geom.size, geom.patch, err)
		}
		if !out.Shape().Equal(x.Shape()) {
			t.Fatalf("size %d patch %d: output %v, want %v", geom.size, geom.patch, out.Shape(), x.Shape())
		}
	}
}

func TestPredictNoiseValidatesInputs(t *testing.T) {
	d, err := New(Tiny())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))
	good := tensor.RandnSource(rng, tensor.NewShape(1, 4, 8, 8), tensor.F32)

	var shapeErr *tensor.ShapeError
	if _, err := d.PredictNoise(tensor.RandnSource(rng, tensor.NewShape(1, 3, 8, 8), tensor.F32), []int{0}, []int{0}); !errors.As(err, &shapeErr) {
		t.Fatalf("wrong channels: expected *tensor.ShapeError, got %v", err)
	}
	if _, err := d.PredictNoise(good, []int{0, 1}, []int{0}); !errors.As(err, &shapeErr) {
		t.Fatalf("timestep count: expected *tensor.ShapeError, got %v", err)
	}
	if _, err := d.PredictNoise(good, []int{0}, []int{99}); !errors.As(err, &shapeErr) {
		t.Fatalf("label range: expected *tensor.ShapeError, got %v", err)
	}
	// The unconditional sentinel (== NumClasses) is a valid label.
	if _, err := d.PredictNoise(good, []int{0}, []int{d.Unconditional()}); err != nil {
		t.Fatalf("sentinel label rejected: %v", err)
	}
}

// The final projection and every modulation layer start at zero, so a
// freshly built model predicts exactly zero noise.
func TestFreshModelPredictsZero(t *testing.T) {
	d, err := New(Tiny())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(3))
	x := tensor.RandnSource(rng, tensor.NewShape(2, 4, 8, 8), tensor.F32)
	out, err := d.PredictNoise(x, []int{0, 999}, []int{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.DataPtr() {
		if v != 0 {
			t.Fatalf("index %d: expected 0 at init, got %f", i, v)
		}
	}
}

func TestBackwardReachesEveryParameter(t *testing.T) {
	d, err := New(Tiny())
	if err != nil {
		t.Fatal(err)
	}
	named := d.NamedParameters()
	for _, p := range named {
		p.ZeroGrad()
	}

	rng := rand.New(rand.NewSource(4))
	x := tensor.RandnSource(rng, tensor.NewShape(2, 4, 8, 8), tensor.F32)
	pred := d.ForwardTrain(x, []int{1, 2}, []int{0, 1}, rng)
	d.Backward(tensor.Ones(pred.Shape(), tensor.F32))

	for name, p := range named {
		if p.Grad == nil {
			t.Errorf("parameter %s received no gradient", name)
		}
	}
}

func TestForwardDeterministicInEval(t *testing.T) {
	d, err := New(Tiny())
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(5))
	x := tensor.RandnSource(rng, tensor.NewShape(1, 4, 8, 8), tensor.F32)

	a, err := d.PredictNoise(x, []int{7}, []int{3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.PredictNoise(x, []int{7}, []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Data(), b.Data()); diff != "" {
		t.Fatalf("eval forward not deterministic:\n%s", diff)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	d, err := New(Tiny())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "model.ckpt")
	if err := Save(d, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d.Config(), loaded.Config()); diff != "" {
		t.Fatalf("config mismatch:\n%s", diff)
	}
	want := d.NamedParameters()
	got := loaded.NamedParameters()
	for name, p := range want {
		if diff := cmp.Diff(p.Data(), got[name].Data()); diff != "" {
			t.Fatalf("tensor %s mismatch:\n%s", name, diff)
		}
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	_, err := LoadState(filepath.Join(t.TempDir(), "nope.ckpt"))
	if err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

func TestPositionalTableDistinguishesPositions(t *testing.T) {
	pos := sincosPosEmbed(16, 4)
	if !pos.Shape().Equal(tensor.NewShape(16, 16)) {
		t.Fatalf("expected [16, 16], got %v", pos.Shape())
	}
	data := pos.DataPtr()
	// Any two grid positions must get distinct embeddings.
	for a := 0; a < 16; a++ {
		for b := a + 1; b < 16; b++ {
			same := true
			for i := 0; i < 16; i++ {
				if data[a*16+i] != data[b*16+i] {
					same = false
					break
				}
			}
			if same {
				t.Fatalf("positions %d and %d share an embedding", a, b)
			}
		}
	}
}
