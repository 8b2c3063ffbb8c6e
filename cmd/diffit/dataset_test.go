// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

func writeTestDataset(t *testing.T, dir string, labels []int, channels, size int) []float32 {
	t.Helper()
	per := channels * size * size
	pixels := make([]float32, len(labels)*per)
	rng := rand.New(rand.NewSource(1))
	for i := range pixels {
		pixels[i] = rng.Float32()*2 - 1
	}

	var buf bytes.Buffer
	buf.WriteString(datasetMagic)
	for _, v := range []uint32{uint32(len(labels)), uint32(channels), uint32(size)} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	for i, label := range labels {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(label)); err != nil {
			t.Fatal(err)
		}
		for _, v := range pixels[i*per : (i+1)*per] {
			if err := binary.Write(&buf, binary.LittleEndian, math.Float32bits(v)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.WriteFile(filepath.Join(dir, datasetFile), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return pixels
}

func TestLoadDatasetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	labels := []int{3, 1, 4, 1, 5}
	pixels := writeTestDataset(t, dir, labels, 3, 4)

	d, err := loadDataset(dir, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if d.len() != 5 {
		t.Fatalf("expected 5 examples, got %d", d.len())
	}
	for i, want := range labels {
		if d.labels[i] != want {
			t.Fatalf("label %d: expected %d, got %d", i, want, d.labels[i])
		}
	}
	for i, want := range pixels {
		if d.pixels[i] != want {
			t.Fatalf("pixel %d: expected %f, got %f", i, want, d.pixels[i])
		}
	}
}

func TestLoadDatasetRejectsGeometryMismatch(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, []int{0}, 3, 4)
	if _, err := loadDataset(dir, 3, 8); err == nil {
		t.Fatal("expected geometry mismatch error")
	}
}

func TestLoadDatasetRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, datasetFile), []byte("xxxx\x00\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadDataset(dir, 3, 4); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestSplitPreservesExamples(t *testing.T) {
	dir := t.TempDir()
	labels := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	writeTestDataset(t, dir, labels, 1, 2)

	d, err := loadDataset(dir, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	trainSet, testSet := d.split(0.3, rand.New(rand.NewSource(2)))
	if trainSet.len() != 7 || testSet.len() != 3 {
		t.Fatalf("split sizes %d/%d, want 7/3", trainSet.len(), testSet.len())
	}

	seen := map[int]bool{}
	for _, l := range append(append([]int{}, trainSet.labels...), testSet.labels...) {
		seen[l] = true
	}
	if len(seen) != 10 {
		t.Fatalf("split lost examples: %d distinct labels", len(seen))
	}
}

func TestBatchShapes(t *testing.T) {
	dir := t.TempDir()
	writeTestDataset(t, dir, []int{0, 1, 2, 3, 4}, 3, 4)
	d, err := loadDataset(dir, 3, 4)
	if err != nil {
		t.Fatal(err)
	}

	if got := d.numBatches(2); got != 3 {
		t.Fatalf("numBatches = %d, want 3", got)
	}
	images, labels := d.batch(0, 2)
	if !images.Shape().Equal(tensor.NewShape(2, 3, 4, 4)) {
		t.Fatalf("batch shape %v", images.Shape())
	}
	if len(labels) != 2 {
		t.Fatalf("batch labels %d, want 2", len(labels))
	}
	// The trailing batch is short.
	images, labels = d.batch(2, 2)
	if !images.Shape().Equal(tensor.NewShape(1, 3, 4, 4)) {
		t.Fatalf("short batch shape %v", images.Shape())
	}
	if len(labels) != 1 {
		t.Fatalf("short batch labels %d, want 1", len(labels))
	}
}
