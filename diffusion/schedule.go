// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package diffusion implements the DDPM forward process and the
// ancestral sampler with classifier-free guidance.
package diffusion

import (
	"errors"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// ErrStepOutOfRange is returned when a timestep index falls outside
// [0, steps).
var ErrStepOutOfRange = errors.New("diffusion: timestep out of range")

// Schedule holds the precomputed per-step constants of a linear-beta
// DDPM noise schedule. All slices have length Steps and are computed
// once at construction; a Schedule is immutable and safe for concurrent
// readers.
type Schedule struct {
	steps int

	betas        []float32
	alphas       []float32
	alphaBars    []float32
	sqrtAB       []float32 // sqrt(alpha_bar_t)
	sqrtOneMinus []float32 // sqrt(1 - alpha_bar_t)
	recipSqrtA   []float32 // 1 / sqrt(alpha_t)
	noiseCoef    []float32 // beta_t / sqrt(1 - alpha_bar_t)
	posteriorVar []float32 // beta_t * (1 - alpha_bar_{t-1}) / (1 - alpha_bar_t)
}

// NewSchedule builds a linear schedule with betas interpolated from
// betaStart to betaEnd over steps timesteps.
func NewSchedule(steps int, betaStart, betaEnd float32) (*Schedule, error) {
	switch {
	case steps < 1:
		return nil, config.Errorf("diffusion_steps", "must be >= 1, got %d", steps)
	case betaStart <= 0 || betaStart >= 1:
		return nil, config.Errorf("beta_start", "must be in (0, 1), got %g", betaStart)
	case betaEnd <= 0 || betaEnd >= 1:
		return nil, config.Errorf("beta_end", "must be in (0, 1), got %g", betaEnd)
	case betaEnd <= betaStart:
		return nil, config.Errorf("beta_end", "must be > beta_start (%g <= %g)", betaEnd, betaStart)
	}

	s := &Schedule{
		steps:        steps,
		betas:        make([]float32, steps),
		alphas:       make([]float32, steps),
		alphaBars:    make([]float32, steps),
		sqrtAB:       make([]float32, steps),
		sqrtOneMinus: make([]float32, steps),
		recipSqrtA:   make([]float32, steps),
		noiseCoef:    make([]float32, steps),
		posteriorVar: make([]float32, steps),
	}

	prodAB := float32(1.0)
	prevAB := float32(1.0)
	for t := 0; t < steps; t++ {
		beta := betaStart
		if steps > 1 {
			beta += float32(t) * (betaEnd - betaStart) / float32(steps-1)
		}
		alpha := 1 - beta
		prodAB *= alpha

		s.betas[t] = beta
		s.alphas[t] = alpha
		s.alphaBars[t] = prodAB
		s.sqrtAB[t] = math32.Sqrt(prodAB)
		s.sqrtOneMinus[t] = math32.Sqrt(1 - prodAB)
		s.recipSqrtA[t] = 1 / math32.Sqrt(alpha)
		s.noiseCoef[t] = beta / math32.Sqrt(1-prodAB)
		s.posteriorVar[t] = beta * (1 - prevAB) / (1 - prodAB)
		prevAB = prodAB
	}
	return s, nil
}

// Steps returns the number of timesteps.
func (s *Schedule) Steps() int { return s.steps }

// Coefficients bundles the per-step schedule constants: the forward
// process values and the terms the sampler's reverse update needs.
type Coefficients struct {
	Beta                 float32 // beta_t
	AlphaBar             float32 // cumulative product of (1 - beta) up to t
	SqrtAlphaBar         float32 // sqrt(alpha_bar_t)
	SqrtOneMinusAlphaBar float32 // sqrt(1 - alpha_bar_t)

	RecipSqrtAlpha float32 // 1 / sqrt(alpha_t)
	NoiseCoef      float32 // beta_t / sqrt(1 - alpha_bar_t)
	PosteriorStd   float32 // sqrt of the posterior variance
}

// CoefficientsAt returns the schedule constants for timestep t. It is
// the only indexed accessor; out-of-range timesteps surface as
// ErrStepOutOfRange rather than a panic.
func (s *Schedule) CoefficientsAt(t int) (Coefficients, error) {
	if t < 0 || t >= s.steps {
		return Coefficients{}, ErrStepOutOfRange
	}
	return Coefficients{
		Beta:                 s.betas[t],
		AlphaBar:             s.alphaBars[t],
		SqrtAlphaBar:         s.sqrtAB[t],
		SqrtOneMinusAlphaBar: s.sqrtOneMinus[t],
		RecipSqrtAlpha:       s.recipSqrtA[t],
		NoiseCoef:            s.noiseCoef[t],
		PosteriorStd:         math32.Sqrt(s.posteriorVar[t]),
	}, nil
}

// QSample draws x_t from the forward process q(x_t | x_0):
//
//	x_t = sqrt(alpha_bar_t) * x0 + sqrt(1 - alpha_bar_t) * noise
//
// t holds one timestep per example in the batch; noise must have the
// shape of x0.
func (s *Schedule) QSample(x0, noise *tensor.Tensor, t []int) (*tensor.Tensor, error) {
	dims := x0.Shape().DimsRef()
	if len(t) != dims[0] {
		return nil, &tensor.ShapeError{
			Op:   "qsample",
			Want: "one timestep per example",
			Got:  "batch " + x0.Shape().String(),
		}
	}
	if !x0.Shape().Equal(noise.Shape()) {
		return nil, &tensor.ShapeError{
			Op:   "qsample",
			Want: x0.Shape().String(),
			Got:  noise.Shape().String(),
		}
	}
	for _, step := range t {
		if step < 0 || step >= s.steps {
			return nil, ErrStepOutOfRange
		}
	}

	out := tensor.New(x0.Shape(), tensor.F32)
	per := x0.Shape().Numel() / dims[0]
	xd, nd, od := x0.DataPtr(), noise.DataPtr(), out.DataPtr()
	for b, step := range t {
		a, c := s.sqrtAB[step], s.sqrtOneMinus[step]
		for i := b * per; i < (b+1)*per; i++ {
			od[i] = a*xd[i] + c*nd[i]
		}
	}
	return out, nil
}

// UniformSteps draws len(out) timesteps uniformly from [0, steps).
func (s *Schedule) UniformSteps(n int, rng *rand.Rand) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.Intn(s.steps)
	}
	return out
}
