// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/diffusion"
	"github.com/Koyote059/diffit-reimplementation/model"
	"github.com/Koyote059/diffit-reimplementation/train"
	"github.com/Koyote059/diffit-reimplementation/vae"
)

const checkpointFile = "model.ckpt"

func newTrainCmd() *cobra.Command {
	var configPath string
	var resume bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the denoiser on a preprocessed dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd.Context(), configPath, resume)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "manifest.yaml", "parameter manifest")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume from the checkpoint in save_folder")
	return cmd
}

func runTrain(ctx context.Context, configPath string, resume bool) error {
	m, err := config.Load(configPath)
	if err != nil {
		return err
	}

	enc, err := vae.Load(m.AutoencoderCheckpoint)
	if err != nil {
		return err
	}
	schedule, err := diffusion.NewSchedule(m.DiffusionSteps, m.BetaStart, m.BetaEnd)
	if err != nil {
		return err
	}

	data, err := loadDataset(m.DatasetFolder, m.Channels, m.ImgSize)
	if err != nil {
		return err
	}
	splitRng := rand.New(rand.NewSource(m.RandomSeed))
	trainSet, testSet := data.split(m.TestSize, splitRng)
	if trainSet.len() == 0 {
		return fmt.Errorf("dataset %s: no training examples after split", m.DatasetFolder)
	}

	batches := trainSet.numBatches(m.BatchSize)
	totalSteps := m.Epochs * batches
	cfg := train.DefaultTrainConfig()
	cfg.LR = m.LearningRate
	cfg.Loss = m.Loss()
	cfg.Seed = m.RandomSeed
	cfg.TotalSteps = totalSteps
	if cfg.WarmupSteps > totalSteps/10 {
		cfg.WarmupSteps = totalSteps / 10
	}

	if err := os.MkdirAll(m.SaveFolder, 0o755); err != nil {
		return err
	}
	ckptPath := filepath.Join(m.SaveFolder, checkpointFile)

	var trainer *train.Trainer
	if resume {
		if trainer, err = train.Resume(ckptPath, enc, schedule, cfg); err != nil {
			return err
		}
		slog.Info("resumed", "checkpoint", ckptPath, "step", trainer.Step())
	} else {
		denoiser, err := model.New(model.FromManifest(m, enc.LatentSize(), enc.LatentChannels()))
		if err != nil {
			return err
		}
		if trainer, err = train.NewTrainer(denoiser, enc, schedule, cfg); err != nil {
			return err
		}
	}

	slog.Info("training",
		"examples", trainSet.len(),
		"held_out", testSet.len(),
		"epochs", m.Epochs,
		"batches_per_epoch", batches,
		"total_steps", totalSteps,
	)

	evalRng := rand.New(rand.NewSource(m.RandomSeed + 1))
	start := time.Now()
	for epoch := 0; epoch < m.Epochs; epoch++ {
		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				slog.Info("interrupted, saving", "checkpoint", ckptPath)
				if saveErr := trainer.Save(ckptPath); saveErr != nil {
					return saveErr
				}
				return err
			}

			images, labels := trainSet.batch(b, m.BatchSize)
			loss, err := trainer.TrainStep(images, labels)
			var numeric *train.NumericError
			if errors.As(err, &numeric) {
				slog.Warn("skipping batch", "error", numeric)
				continue
			}
			if err != nil {
				return err
			}
			if trainer.Step()%50 == 0 {
				slog.Info("step",
					"step", trainer.Step(),
					"epoch", epoch,
					"loss", loss,
					"lr", trainer.GetLR(),
					"elapsed", time.Since(start).Round(time.Second),
				)
			}
		}

		if testSet.len() > 0 {
			images, labels := testSet.batch(0, m.BatchSize)
			loss, err := trainer.EvalLoss(images, labels, evalRng)
			if err != nil {
				return err
			}
			slog.Info("eval", "epoch", epoch, "loss", loss)
		}
		if err := trainer.Save(ckptPath); err != nil {
			return err
		}
		slog.Info("checkpoint", "epoch", epoch, "path", ckptPath)
	}
	return nil
}
