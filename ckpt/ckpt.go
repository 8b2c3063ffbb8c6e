// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package ckpt serializes model snapshots. The on-disk format is CBOR:
// a versioned envelope holding string metadata and a flat list of named
// tensors, with payloads stored as float32 or float16 little-endian.
package ckpt

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Version is written into every snapshot; Load rejects anything newer.
const Version = 1

// DType names accepted in NamedTensor.DType.
const (
	DTypeF32 = "f32"
	DTypeF16 = "f16"
)

// LoadError wraps any failure while reading or applying a checkpoint.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NamedTensor is one serialized tensor.
type NamedTensor struct {
	Name  string `cbor:"name"`
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// Snapshot is the full checkpoint envelope.
type Snapshot struct {
	Version int               `cbor:"version"`
	Meta    map[string]string `cbor:"meta,omitempty"`
	Tensors []NamedTensor     `cbor:"tensors"`
}

// Pack serializes t under the given name and storage dtype.
func Pack(name string, t *tensor.Tensor, dtype string) NamedTensor {
	src := t.Data()
	nt := NamedTensor{Name: name, DType: dtype, Shape: t.Shape().Dims()}
	switch dtype {
	case DTypeF16:
		nt.Data = make([]byte, 2*len(src))
		for i, v := range src {
			binary.LittleEndian.PutUint16(nt.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		nt.Data = make([]byte, 4*len(src))
		for i, v := range src {
			binary.LittleEndian.PutUint32(nt.Data[4*i:], math.Float32bits(v))
		}
	}
	return nt
}

// Unpack decodes a serialized tensor back to float32.
func (nt NamedTensor) Unpack() (*tensor.Tensor, error) {
	shape := tensor.NewShape(nt.Shape...)
	n := shape.Numel()
	data := make([]float32, n)
	switch nt.DType {
	case DTypeF16:
		if len(nt.Data) != 2*n {
			return nil, fmt.Errorf("tensor %s: want %d f16 bytes, got %d", nt.Name, 2*n, len(nt.Data))
		}
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(nt.Data[2*i:])).Float32()
		}
	case DTypeF32:
		if len(nt.Data) != 4*n {
			return nil, fmt.Errorf("tensor %s: want %d f32 bytes, got %d", nt.Name, 4*n, len(nt.Data))
		}
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(nt.Data[4*i:]))
		}
	default:
		return nil, fmt.Errorf("tensor %s: unknown dtype %q", nt.Name, nt.DType)
	}
	return tensor.FromSliceNoCopy(data, shape), nil
}

// PackNamed serializes a parameter map in deterministic name order.
func PackNamed(params map[string]*tensor.Tensor, dtype string) []NamedTensor {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]NamedTensor, len(names))
	for i, name := range names {
		out[i] = Pack(name, params[name], dtype)
	}
	return out
}

// Restore copies snapshot tensors into an existing parameter map. Every
// destination parameter must be present in the snapshot with a matching
// shape; extra snapshot tensors are an error too, so a renamed layer
// cannot silently fall back to its random init.
func Restore(snap *Snapshot, params map[string]*tensor.Tensor) error {
	seen := make(map[string]bool, len(snap.Tensors))
	for _, nt := range snap.Tensors {
		dst, ok := params[nt.Name]
		if !ok {
			return fmt.Errorf("unexpected tensor %q", nt.Name)
		}
		seen[nt.Name] = true
		src, err := nt.Unpack()
		if err != nil {
			return err
		}
		if !src.Shape().Equal(dst.Shape()) {
			return &tensor.ShapeError{Op: "restore " + nt.Name, Want: dst.Shape().String(), Got: src.Shape().String()}
		}
		copy(dst.DataPtr(), src.Data())
	}
	for name := range params {
		if !seen[name] {
			return fmt.Errorf("missing tensor %q", name)
		}
	}
	return nil
}

// Save writes the snapshot to path, going through a temp file in the
// same directory so a crash mid-write never leaves a truncated
// checkpoint behind.
func Save(path string, snap *Snapshot) error {
	payload, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads and decodes a snapshot. All failures come back as a
// *LoadError carrying the path.
func Load(path string) (*Snapshot, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	var snap Snapshot
	if err := cbor.Unmarshal(payload, &snap); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if snap.Version > Version {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("version %d newer than supported %d", snap.Version, Version)}
	}
	return &snap, nil
}
