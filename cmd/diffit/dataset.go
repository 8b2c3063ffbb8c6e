// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Dataset file layout (little-endian), produced by the external
// preprocessing step:
//
//	magic   [4]byte  "dft1"
//	count   uint32
//	chans   uint32
//	size    uint32
//	records count x { label uint32, pixels [chans*size*size]float32 }
//
// Pixel values are expected in [-1, 1].
const datasetMagic = "dft1"

// datasetFile is the file name looked up inside dataset_folder.
const datasetFile = "train.bin"

type dataset struct {
	channels int
	size     int
	pixels   []float32 // count * channels * size * size
	labels   []int
}

func (d *dataset) len() int { return len(d.labels) }

func (d *dataset) perExample() int { return d.channels * d.size * d.size }

func loadDataset(folder string, channels, size int) (*dataset, error) {
	path := filepath.Join(folder, datasetFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 1<<20)

	var header struct {
		Magic [4]byte
		Count uint32
		Chans uint32
		Size  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("dataset %s: header: %w", path, err)
	}
	if string(header.Magic[:]) != datasetMagic {
		return nil, fmt.Errorf("dataset %s: bad magic %q", path, header.Magic)
	}
	if int(header.Chans) != channels || int(header.Size) != size {
		return nil, fmt.Errorf("dataset %s: geometry %dx%d does not match manifest %dx%d",
			path, header.Chans, header.Size, channels, size)
	}

	count := int(header.Count)
	per := channels * size * size
	d := &dataset{
		channels: channels,
		size:     size,
		pixels:   make([]float32, count*per),
		labels:   make([]int, count),
	}
	raw := make([]byte, 4+4*per)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("dataset %s: record %d: %w", path, i, err)
		}
		d.labels[i] = int(binary.LittleEndian.Uint32(raw))
		dst := d.pixels[i*per : (i+1)*per]
		for j := range dst {
			dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4+4*j:]))
		}
	}
	return d, nil
}

// split shuffles the examples and carves off a held-out fraction.
func (d *dataset) split(testSize float32, rng *rand.Rand) (train, test *dataset) {
	n := d.len()
	perm := rng.Perm(n)
	nTest := int(float32(n) * testSize)

	take := func(idx []int) *dataset {
		per := d.perExample()
		out := &dataset{
			channels: d.channels,
			size:     d.size,
			pixels:   make([]float32, len(idx)*per),
			labels:   make([]int, len(idx)),
		}
		for i, j := range idx {
			copy(out.pixels[i*per:(i+1)*per], d.pixels[j*per:(j+1)*per])
			out.labels[i] = d.labels[j]
		}
		return out
	}
	return take(perm[nTest:]), take(perm[:nTest])
}

// numBatches returns how many full-or-partial batches one epoch holds.
func (d *dataset) numBatches(batchSize int) int {
	return (d.len() + batchSize - 1) / batchSize
}

// batch materializes batch i as a [b, C, S, S] tensor plus its labels.
// The last batch of an epoch may be short.
func (d *dataset) batch(i, batchSize int) (*tensor.Tensor, []int) {
	start := i * batchSize
	end := start + batchSize
	if end > d.len() {
		end = d.len()
	}
	per := d.perExample()
	images := tensor.FromSlice(
		d.pixels[start*per:end*per],
		tensor.NewShape(end-start, d.channels, d.size, d.size),
	)
	return images, d.labels[start:end]
}
