// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package ckpt

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

func TestF32RoundTripExact(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := tensor.RandnSource(rng, tensor.NewShape(3, 5), tensor.F32)

	got, err := Pack("w", src, DTypeF32).Unpack()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Shape().Equal(src.Shape()) {
		t.Fatalf("shape %v, want %v", got.Shape(), src.Shape())
	}
	sd, gd := src.DataPtr(), got.DataPtr()
	for i := range sd {
		if sd[i] != gd[i] {
			t.Fatalf("f32 round trip not exact at %d: %f vs %f", i, sd[i], gd[i])
		}
	}
}

func TestF16RoundTripWithinTolerance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	src := tensor.RandnSource(rng, tensor.NewShape(64), tensor.F32)

	got, err := Pack("w", src, DTypeF16).Unpack()
	if err != nil {
		t.Fatal(err)
	}
	sd, gd := src.DataPtr(), got.DataPtr()
	for i := range sd {
		// Half precision keeps ~3 decimal digits around unit scale.
		if math.Abs(float64(sd[i]-gd[i])) > 2e-3*math.Max(1, math.Abs(float64(sd[i]))) {
			t.Fatalf("f16 error too large at %d: %f vs %f", i, sd[i], gd[i])
		}
	}
}

func TestUnpackRejectsCorruptPayload(t *testing.T) {
	nt := Pack("w", tensor.Ones(tensor.NewShape(4), tensor.F32), DTypeF32)
	nt.Data = nt.Data[:len(nt.Data)-4]
	if _, err := nt.Unpack(); err == nil {
		t.Fatal("expected error for truncated payload")
	}
	nt.DType = "f64"
	if _, err := nt.Unpack(); err == nil {
		t.Fatal("expected error for unknown dtype")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	params := map[string]*tensor.Tensor{
		"a": tensor.RandnSource(rng, tensor.NewShape(2, 3), tensor.F32),
		"b": tensor.RandnSource(rng, tensor.NewShape(4), tensor.F32),
	}
	snap := &Snapshot{
		Version: Version,
		Meta:    map[string]string{"step": "17"},
		Tensors: PackNamed(params, DTypeF32),
	}

	path := filepath.Join(t.TempDir(), "snap.ckpt")
	if err := Save(path, snap); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Version != Version || loaded.Meta["step"] != "17" {
		t.Fatalf("envelope mismatch: %+v", loaded)
	}

	dst := map[string]*tensor.Tensor{
		"a": tensor.Zeros(tensor.NewShape(2, 3), tensor.F32),
		"b": tensor.Zeros(tensor.NewShape(4), tensor.F32),
	}
	if err := Restore(loaded, dst); err != nil {
		t.Fatal(err)
	}
	for name, want := range params {
		wd, gd := want.DataPtr(), dst[name].DataPtr()
		for i := range wd {
			if wd[i] != gd[i] {
				t.Fatalf("tensor %s index %d: %f vs %f", name, i, wd[i], gd[i])
			}
		}
	}
}

func TestRestoreStrictness(t *testing.T) {
	params := map[string]*tensor.Tensor{
		"a": tensor.Ones(tensor.NewShape(2), tensor.F32),
	}
	snap := &Snapshot{Version: Version, Tensors: PackNamed(params, DTypeF32)}

	// Missing destination for a snapshot tensor.
	if err := Restore(snap, map[string]*tensor.Tensor{}); err == nil {
		t.Fatal("expected error for unexpected tensor")
	}
	// Destination not covered by the snapshot.
	dst := map[string]*tensor.Tensor{
		"a": tensor.Zeros(tensor.NewShape(2), tensor.F32),
		"b": tensor.Zeros(tensor.NewShape(2), tensor.F32),
	}
	if err := Restore(snap, dst); err == nil {
		t.Fatal("expected error for missing tensor")
	}
	// Shape mismatch.
	var shapeErr *tensor.ShapeError
	bad := map[string]*tensor.Tensor{
		"a": tensor.Zeros(tensor.NewShape(3), tensor.F32),
	}
	if err := Restore(snap, bad); !errors.As(err, &shapeErr) {
		t.Fatalf("expected *tensor.ShapeError, got %v", err)
	}
}

func TestLoadFailures(t *testing.T) {
	var loadErr *LoadError

	if _, err := Load(filepath.Join(t.TempDir(), "missing.ckpt")); !errors.As(err, &loadErr) {
		t.Fatalf("missing file: expected *LoadError, got %v", err)
	}

	garbage := filepath.Join(t.TempDir(), "garbage.ckpt")
	if err := os.WriteFile(garbage, []byte("not cbor at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(garbage); !errors.As(err, &loadErr) {
		t.Fatalf("corrupt file: expected *LoadError, got %v", err)
	}

	future := filepath.Join(t.TempDir(), "future.ckpt")
	if err := Save(future, &Snapshot{Version: Version + 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(future); !errors.As(err, &loadErr) {
		t.Fatalf("future version: expected *LoadError, got %v", err)
	}
}

func TestPackNamedDeterministicOrder(t *testing.T) {
	params := map[string]*tensor.Tensor{
		"z": tensor.Ones(tensor.NewShape(1), tensor.F32),
		"a": tensor.Ones(tensor.NewShape(1), tensor.F32),
		"m": tensor.Ones(tensor.NewShape(1), tensor.F32),
	}
	tensors := PackNamed(params, DTypeF32)
	want := []string{"a", "m", "z"}
	for i, nt := range tensors {
		if nt.Name != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], nt.Name)
		}
	}
}
