// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Command diffit trains a latent diffusion model and samples images
// from its checkpoints.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	root := &cobra.Command{
		Use:           "diffit",
		Short:         "Latent diffusion training and sampling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newSampleCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("exiting", "error", err)
		stop()
		os.Exit(1)
	}
}
