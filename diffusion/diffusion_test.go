// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package diffusion

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

func coefAt(t *testing.T, s *Schedule, step int) Coefficients {
	t.Helper()
	c, err := s.CoefficientsAt(step)
	if err != nil {
		t.Fatalf("coefficients at %d: %v", step, err)
	}
	return c
}

func TestScheduleEndpoints(t *testing.T) {
	s, err := NewSchedule(1000, 1e-4, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if b := coefAt(t, s, 0).Beta; b != 1e-4 {
		t.Fatalf("beta_0 = %g, want 1e-4", b)
	}
	if b := coefAt(t, s, 999).Beta; math.Abs(float64(b-0.02)) > 1e-7 {
		t.Fatalf("beta_999 = %g, want 0.02", b)
	}
}

func TestScheduleAlphaBarMonotone(t *testing.T) {
	s, err := NewSchedule(1000, 1e-4, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if ab := coefAt(t, s, 0).AlphaBar; ab < 0.999 {
		t.Fatalf("alpha_bar_0 = %g, expected near one", ab)
	}
	prev := float32(1.0)
	for i := 0; i < s.Steps(); i++ {
		ab := coefAt(t, s, i).AlphaBar
		if ab <= 0 || ab >= prev {
			t.Fatalf("alpha_bar not strictly decreasing in (0, 1) at %d: %g (prev %g)", i, ab, prev)
		}
		prev = ab
	}
	// After 1000 steps nearly all signal is gone.
	if ab := coefAt(t, s, 999).AlphaBar; ab > 0.01 {
		t.Fatalf("alpha_bar_999 = %g, expected near zero", ab)
	}
}

func TestScheduleSingleStep(t *testing.T) {
	s, err := NewSchedule(1, 1e-4, 0.02)
	if err != nil {
		t.Fatal(err)
	}
	if b := coefAt(t, s, 0).Beta; b != 1e-4 {
		t.Fatalf("single-step beta = %g, want beta_start", b)
	}
}

func TestScheduleRejectsBadParams(t *testing.T) {
	cases := []struct {
		steps      int
		start, end float32
	}{
		{0, 1e-4, 0.02},
		{10, 0, 0.02},
		{10, 1e-4, 1.5},
		{10, 0.02, 1e-4},
		{10, 0.5, 0.5},
	}
	for _, tc := range cases {
		_, err := NewSchedule(tc.steps, tc.start, tc.end)
		var cfgErr *config.Error
		if !errors.As(err, &cfgErr) {
			t.Fatalf("steps=%d start=%g end=%g: expected *config.Error, got %v", tc.steps, tc.start, tc.end, err)
		}
	}
}

func TestCoefficientsAtRange(t *testing.T) {
	s, _ := NewSchedule(10, 1e-4, 0.02)
	if _, err := s.CoefficientsAt(-1); !errors.Is(err, ErrStepOutOfRange) {
		t.Fatalf("t=-1: expected ErrStepOutOfRange, got %v", err)
	}
	if _, err := s.CoefficientsAt(10); !errors.Is(err, ErrStepOutOfRange) {
		t.Fatalf("t=10: expected ErrStepOutOfRange, got %v", err)
	}
	c, err := s.CoefficientsAt(0)
	if err != nil {
		t.Fatal(err)
	}
	// Posterior variance is zero at t=0: the final step is deterministic.
	if c.PosteriorStd != 0 {
		t.Fatalf("posterior std at t=0 is %g, want 0", c.PosteriorStd)
	}
}

func TestCoefficientsConsistent(t *testing.T) {
	s, _ := NewSchedule(10, 1e-4, 0.02)
	for step := 0; step < s.Steps(); step++ {
		c := coefAt(t, s, step)
		if d := c.SqrtAlphaBar*c.SqrtAlphaBar - c.AlphaBar; math.Abs(float64(d)) > 1e-6 {
			t.Fatalf("t=%d: sqrt(alpha_bar)^2 off by %g", step, d)
		}
		if d := c.SqrtOneMinusAlphaBar*c.SqrtOneMinusAlphaBar - (1 - c.AlphaBar); math.Abs(float64(d)) > 1e-6 {
			t.Fatalf("t=%d: sqrt(1-alpha_bar)^2 off by %g", step, d)
		}
		if c.Beta <= 0 || c.Beta >= 1 {
			t.Fatalf("t=%d: beta = %g outside (0, 1)", step, c.Beta)
		}
	}
}

func TestQSampleLimits(t *testing.T) {
	s, _ := NewSchedule(1000, 1e-4, 0.02)
	rng := rand.New(rand.NewSource(1))
	x0 := tensor.RandnSource(rng, tensor.NewShape(1, 2, 4, 4), tensor.F32)
	noise := tensor.RandnSource(rng, tensor.NewShape(1, 2, 4, 4), tensor.F32)

	early, err := s.QSample(x0, noise, []int{0})
	if err != nil {
		t.Fatal(err)
	}
	// At t=0 nearly all of x0 survives.
	xd, ed := x0.DataPtr(), early.DataPtr()
	for i := range xd {
		if math.Abs(float64(ed[i]-xd[i])) > 0.05 {
			t.Fatalf("t=0 sample far from x0 at %d: %f vs %f", i, ed[i], xd[i])
		}
	}

	late, err := s.QSample(x0, noise, []int{999})
	if err != nil {
		t.Fatal(err)
	}
	// At the last step the sample is nearly pure noise.
	nd, ld := noise.DataPtr(), late.DataPtr()
	for i := range nd {
		if math.Abs(float64(ld[i]-nd[i])) > 0.1 {
			t.Fatalf("t=999 sample far from noise at %d: %f vs %f", i, ld[i], nd[i])
		}
	}
}

func TestQSampleErrors(t *testing.T) {
	s, _ := NewSchedule(10, 1e-4, 0.02)
	rng := rand.New(rand.NewSource(2))
	x0 := tensor.RandnSource(rng, tensor.NewShape(2, 1, 2, 2), tensor.F32)
	noise := tensor.RandnSource(rng, tensor.NewShape(2, 1, 2, 2), tensor.F32)

	var shapeErr *tensor.ShapeError
	if _, err := s.QSample(x0, noise, []int{1}); !errors.As(err, &shapeErr) {
		t.Fatalf("timestep count: expected *tensor.ShapeError, got %v", err)
	}
	bad := tensor.RandnSource(rng, tensor.NewShape(2, 1, 2, 3), tensor.F32)
	if _, err := s.QSample(x0, bad, []int{1, 2}); !errors.As(err, &shapeErr) {
		t.Fatalf("noise shape: expected *tensor.ShapeError, got %v", err)
	}
	if _, err := s.QSample(x0, noise, []int{1, 10}); !errors.Is(err, ErrStepOutOfRange) {
		t.Fatalf("timestep range: expected ErrStepOutOfRange, got %v", err)
	}
}

// zeroPredictor always predicts zero noise and counts its calls.
type zeroPredictor struct {
	channels, size int
	calls          int
}

func (p *zeroPredictor) PredictNoise(x *tensor.Tensor, t, y []int) (*tensor.Tensor, error) {
	p.calls++
	return tensor.Zeros(x.Shape(), tensor.F32), nil
}

func (p *zeroPredictor) Unconditional() int { return 10 }

type passDecoder struct{}

func (passDecoder) Decode(z *tensor.Tensor) (*tensor.Tensor, error) { return z, nil }

func TestSamplerDeterministicUnderSeed(t *testing.T) {
	s, _ := NewSchedule(20, 1e-4, 0.02)
	mk := func() *Sampler {
		return NewSampler(s, &zeroPredictor{channels: 2, size: 4}, passDecoder{}, 2, 4)
	}

	a, err := mk().SampleLatents(context.Background(), []int{1, 2}, 3.0, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, err := mk().SampleLatents(context.Background(), []int{1, 2}, 3.0, 42)
	if err != nil {
		t.Fatal(err)
	}
	ad, bd := a.DataPtr(), b.DataPtr()
	for i := range ad {
		if ad[i] != bd[i] {
			t.Fatalf("same seed diverged at %d: %f vs %f", i, ad[i], bd[i])
		}
	}

	c, err := mk().SampleLatents(context.Background(), []int{1, 2}, 3.0, 43)
	if err != nil {
		t.Fatal(err)
	}
	same := true
	cd := c.DataPtr()
	for i := range ad {
		if ad[i] != cd[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical latents")
	}
}

func TestSamplerOutputShape(t *testing.T) {
	s, _ := NewSchedule(5, 1e-4, 0.02)
	sampler := NewSampler(s, &zeroPredictor{}, passDecoder{}, 3, 8)
	out, err := sampler.Generate(context.Background(), []int{0, 1, 2}, 1.0, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Shape().Equal(tensor.NewShape(3, 3, 8, 8)) {
		t.Fatalf("expected [3, 3, 8, 8], got %v", out.Shape())
	}
}

func TestSamplerGuidanceScaleOnePass(t *testing.T) {
	s, _ := NewSchedule(10, 1e-4, 0.02)

	one := &zeroPredictor{}
	if _, err := NewSampler(s, one, passDecoder{}, 1, 4).SampleLatents(context.Background(), []int{0}, 1.0, 1); err != nil {
		t.Fatal(err)
	}
	if one.calls != 10 {
		t.Fatalf("scale 1: expected 10 predictor calls, got %d", one.calls)
	}

	two := &zeroPredictor{}
	if _, err := NewSampler(s, two, passDecoder{}, 1, 4).SampleLatents(context.Background(), []int{0}, 4.0, 1); err != nil {
		t.Fatal(err)
	}
	if two.calls != 20 {
		t.Fatalf("scale 4: expected 20 predictor calls, got %d", two.calls)
	}
}

func TestSamplerCancellation(t *testing.T) {
	s, _ := NewSchedule(100, 1e-4, 0.02)
	sampler := NewSampler(s, &zeroPredictor{}, passDecoder{}, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sampler.SampleLatents(ctx, []int{0}, 1.0, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSamplerRejectsBadArgs(t *testing.T) {
	s, _ := NewSchedule(10, 1e-4, 0.02)
	sampler := NewSampler(s, &zeroPredictor{}, passDecoder{}, 1, 4)

	var cfgErr *config.Error
	if _, err := sampler.SampleLatents(context.Background(), nil, 1.0, 1); !errors.As(err, &cfgErr) {
		t.Fatalf("empty labels: expected *config.Error, got %v", err)
	}
	if _, err := sampler.SampleLatents(context.Background(), []int{0}, -1, 1); !errors.As(err, &cfgErr) {
		t.Fatalf("negative scale: expected *config.Error, got %v", err)
	}
}
