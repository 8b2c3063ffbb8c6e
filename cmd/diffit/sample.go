// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/diffusion"
	"github.com/Koyote059/diffit-reimplementation/model"
	"github.com/Koyote059/diffit-reimplementation/tensor"
	"github.com/Koyote059/diffit-reimplementation/vae"
)

func newSampleCmd() *cobra.Command {
	var (
		configPath string
		checkpoint string
		classes    []int
		cfgScale   float32
		seed       int64
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate images from a trained checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSample(cmd.Context(), configPath, checkpoint, classes, cfgScale, seed, outDir)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "manifest.yaml", "parameter manifest")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "model checkpoint (defaults to save_folder/model.ckpt)")
	cmd.Flags().IntSliceVar(&classes, "class", []int{0}, "class label per image to generate")
	cmd.Flags().Float32Var(&cfgScale, "cfg-scale", 4.0, "classifier-free guidance scale")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "sampling seed")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory for PNG files")
	return cmd
}

func runSample(ctx context.Context, configPath, checkpoint string, classes []int, cfgScale float32, seed int64, outDir string) error {
	m, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if checkpoint == "" {
		checkpoint = filepath.Join(m.SaveFolder, checkpointFile)
	}

	enc, err := vae.Load(m.AutoencoderCheckpoint)
	if err != nil {
		return err
	}
	denoiser, err := model.LoadState(checkpoint)
	if err != nil {
		return err
	}
	schedule, err := diffusion.NewSchedule(m.DiffusionSteps, m.BetaStart, m.BetaEnd)
	if err != nil {
		return err
	}

	sampler := diffusion.NewSampler(schedule, denoiser, enc,
		denoiser.Config().Channels, denoiser.Config().InputSize)

	slog.Info("sampling", "images", len(classes), "cfg_scale", cfgScale, "seed", seed)
	start := time.Now()
	images, err := sampler.Generate(ctx, classes, cfgScale, seed)
	if err != nil {
		return err
	}
	slog.Info("sampled", "elapsed", time.Since(start).Round(time.Millisecond))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for i, label := range classes {
		path := filepath.Join(outDir, fmt.Sprintf("sample_%d_class_%d.png", i, label))
		if err := writePNG(path, images, i); err != nil {
			return err
		}
		slog.Info("wrote", "path", path)
	}
	return nil
}

// writePNG converts example i of a [batch, C, H, W] tensor in [-1, 1]
// to an 8-bit PNG. One channel maps to grayscale, three to RGB.
func writePNG(path string, batch *tensor.Tensor, i int) error {
	dims := batch.Shape().DimsRef()
	channels, h, w := dims[1], dims[2], dims[3]

	toByte := func(v float32) uint8 {
		v = (v + 1) / 2 * 255
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, b uint8
			if channels >= 3 {
				r = toByte(batch.At(i, 0, y, x))
				g = toByte(batch.At(i, 1, y, x))
				b = toByte(batch.At(i, 2, y, x))
			} else {
				r = toByte(batch.At(i, 0, y, x))
				g, b = r, r
			}
			img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 255})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
