// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package diffusion

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// NoisePredictor is the slice of the denoiser the sampler needs.
type NoisePredictor interface {
	PredictNoise(x *tensor.Tensor, t, y []int) (*tensor.Tensor, error)
	Unconditional() int
}

// Decoder maps latents back to image space.
type Decoder interface {
	Decode(z *tensor.Tensor) (*tensor.Tensor, error)
}

// Sampler runs DDPM ancestral sampling with classifier-free guidance.
type Sampler struct {
	schedule  *Schedule
	predictor NoisePredictor
	decoder   Decoder
	channels  int
	size      int
}

// NewSampler wires a schedule, a noise predictor and a latent decoder.
// channels and size describe the latent geometry the predictor expects.
func NewSampler(schedule *Schedule, predictor NoisePredictor, decoder Decoder, channels, size int) *Sampler {
	return &Sampler{
		schedule:  schedule,
		predictor: predictor,
		decoder:   decoder,
		channels:  channels,
		size:      size,
	}
}

// SampleLatents draws n latents conditioned on labels, walking the
// reverse process from pure noise. All randomness comes from seed, so a
// fixed (seed, labels, guidanceScale) triple reproduces the exact same
// latents. The context is checked between steps; a cancelled run
// returns ctx.Err().
func (s *Sampler) SampleLatents(ctx context.Context, labels []int, guidanceScale float32, seed int64) (*tensor.Tensor, error) {
	if len(labels) == 0 {
		return nil, config.Errorf("labels", "need at least one label")
	}
	if guidanceScale < 0 {
		return nil, config.Errorf("guidance_scale", "must be >= 0, got %g", guidanceScale)
	}
	n := len(labels)
	uncond := make([]int, n)
	for i := range uncond {
		uncond[i] = s.predictor.Unconditional()
	}

	rng := rand.New(rand.NewSource(seed))
	x := tensor.RandnSource(rng, tensor.NewShape(n, s.channels, s.size, s.size), tensor.F32)
	steps := make([]int, n)

	for t := s.schedule.Steps() - 1; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range steps {
			steps[i] = t
		}

		eps, err := s.guidedNoise(x, steps, labels, uncond, guidanceScale)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}

		coef, err := s.schedule.CoefficientsAt(t)
		if err != nil {
			return nil, err
		}

		// x <- 1/sqrt(alpha_t) * (x - noiseCoef * eps) + std * z
		xd, ed := x.DataPtr(), eps.DataPtr()
		for i := range xd {
			xd[i] = coef.RecipSqrtAlpha * (xd[i] - coef.NoiseCoef*ed[i])
		}
		if t > 0 {
			std := coef.PosteriorStd
			for i := range xd {
				xd[i] += std * float32(rng.NormFloat64())
			}
		}
	}
	return x, nil
}

// guidedNoise combines the conditional and unconditional predictions:
//
//	eps = eps_uncond + scale * (eps_cond - eps_uncond)
//
// A scale of exactly 1 reduces to the conditional prediction alone, so
// the unconditional pass is skipped. The two passes run sequentially:
// the predictor caches activations between forward and backward, so it
// is not safe to call concurrently.
func (s *Sampler) guidedNoise(x *tensor.Tensor, steps, labels, uncond []int, scale float32) (*tensor.Tensor, error) {
	cond, err := s.predictor.PredictNoise(x, steps, labels)
	if err != nil {
		return nil, err
	}
	if scale == 1 {
		return cond, nil
	}
	base, err := s.predictor.PredictNoise(x, steps, uncond)
	if err != nil {
		return nil, err
	}
	bd, cd := base.DataPtr(), cond.DataPtr()
	for i := range bd {
		bd[i] += scale * (cd[i] - bd[i])
	}
	return base, nil
}

// Generate samples latents and decodes them to images.
func (s *Sampler) Generate(ctx context.Context, labels []int, guidanceScale float32, seed int64) (*tensor.Tensor, error) {
	latents, err := s.SampleLatents(ctx, labels, guidanceScale, seed)
	if err != nil {
		return nil, err
	}
	return s.decoder.Decode(latents)
}
