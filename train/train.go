// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package train drives diffusion training: the frozen autoencoder maps
// image batches to latents, the forward process noises them at random
// timesteps, and the denoiser learns to predict the injected noise
// under an AdamW optimizer with warmup + cosine learning rate.
package train

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/ckpt"
	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/diffusion"
	"github.com/Koyote059/diffit-reimplementation/model"
	"github.com/Koyote059/diffit-reimplementation/tensor"
	"github.com/Koyote059/diffit-reimplementation/vae"
)

// Loss function names.
const (
	LossMSE = "mse"
	LossL1  = "l1"
)

// TrainConfig holds optimizer and training hyperparameters.
type TrainConfig struct {
	LR          float32 // peak learning rate
	Beta1       float32 // AdamW first moment decay
	Beta2       float32 // AdamW second moment decay
	Eps         float32 // AdamW epsilon (numerical stability)
	WeightDecay float32 // AdamW weight decay coefficient
	GradClip    float32 // max gradient L2 norm
	WarmupSteps int     // linear warmup phase length
	TotalSteps  int     // total training steps (for cosine schedule)
	Loss        string  // "mse" or "l1"
	Seed        int64   // drives timestep, noise and label dropout draws
}

// DefaultTrainConfig returns standard training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:          1e-4,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 0.01,
		GradClip:    1.0,
		WarmupSteps: 1000,
		TotalSteps:  100000,
		Loss:        LossMSE,
	}
}

// Validate checks the hyperparameters.
func (c TrainConfig) Validate() error {
	switch {
	case c.LR <= 0:
		return config.Errorf("learning_rate", "must be > 0, got %g", c.LR)
	case c.Beta1 < 0 || c.Beta1 >= 1:
		return config.Errorf("beta1", "must be in [0, 1), got %g", c.Beta1)
	case c.Beta2 < 0 || c.Beta2 >= 1:
		return config.Errorf("beta2", "must be in [0, 1), got %g", c.Beta2)
	case c.Eps <= 0:
		return config.Errorf("eps", "must be > 0, got %g", c.Eps)
	case c.WeightDecay < 0:
		return config.Errorf("weight_decay", "must be >= 0, got %g", c.WeightDecay)
	case c.WarmupSteps < 0:
		return config.Errorf("warmup_steps", "must be >= 0, got %d", c.WarmupSteps)
	case c.TotalSteps <= c.WarmupSteps:
		return config.Errorf("total_steps", "must exceed warmup_steps (%d <= %d)", c.TotalSteps, c.WarmupSteps)
	case c.Loss != LossMSE && c.Loss != LossL1:
		return config.Errorf("loss_function", "unknown loss %q (want mse or l1)", c.Loss)
	}
	return nil
}

// NumericError reports a non-finite loss or gradient. The step it names
// did not update the model.
type NumericError struct {
	Step   int
	Detail string
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("numeric instability at step %d: %s", e.Step, e.Detail)
}

// AdamWState holds the first and second moment estimates for one
// parameter tensor.
type AdamWState struct {
	M *tensor.Tensor
	V *tensor.Tensor
}

// Trainer encapsulates the denoiser, the frozen autoencoder, the noise
// schedule, the optimizer state and the LR schedule.
type Trainer struct {
	denoiser *model.Denoiser
	encoder  *vae.Autoencoder
	schedule *diffusion.Schedule
	config   TrainConfig
	step     int
	rng      *rand.Rand

	named  map[string]*tensor.Tensor
	names  []string // sorted keys of named, fixing the update order
	states map[string]*AdamWState
}

// NewTrainer wires a trainer with AdamW state initialized to zero.
func NewTrainer(d *model.Denoiser, enc *vae.Autoencoder, s *diffusion.Schedule, cfg TrainConfig) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	named := d.NamedParameters()
	names := make([]string, 0, len(named))
	states := make(map[string]*AdamWState, len(named))
	for name, p := range named {
		names = append(names, name)
		states[name] = &AdamWState{
			M: tensor.Zeros(p.Shape(), tensor.F32),
			V: tensor.Zeros(p.Shape(), tensor.F32),
		}
	}
	sort.Strings(names)
	return &Trainer{
		denoiser: d,
		encoder:  enc,
		schedule: s,
		config:   cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		named:    named,
		names:    names,
		states:   states,
	}, nil
}

// Step returns the number of optimizer updates applied so far.
func (t *Trainer) Step() int { return t.step }

// GetLR computes the current learning rate using linear warmup + cosine
// decay to 10% of peak.
func (t *Trainer) GetLR() float32 {
	if t.config.WarmupSteps > 0 && t.step < t.config.WarmupSteps {
		return t.config.LR * float32(t.step) / float32(t.config.WarmupSteps)
	}
	progress := float32(t.step-t.config.WarmupSteps) / float32(t.config.TotalSteps-t.config.WarmupSteps)
	if progress > 1.0 {
		progress = 1.0
	}
	minLR := t.config.LR * 0.1
	return minLR + 0.5*(t.config.LR-minLR)*(1.0+math32.Cos(3.1415927*progress))
}

// mseLoss computes mean((pred-target)^2) and dL/dpred in one pass.
func mseLoss(pred, target *tensor.Tensor) (float32, *tensor.Tensor) {
	grad := tensor.New(pred.Shape(), tensor.F32)
	pd, td, gd := pred.DataPtr(), target.DataPtr(), grad.DataPtr()
	n := float32(len(pd))
	loss := float32(0)
	for i := range pd {
		d := pd[i] - td[i]
		loss += d * d
		gd[i] = 2 * d / n
	}
	return loss / n, grad
}

// l1Loss computes mean(|pred-target|) and its (sub)gradient.
func l1Loss(pred, target *tensor.Tensor) (float32, *tensor.Tensor) {
	grad := tensor.New(pred.Shape(), tensor.F32)
	pd, td, gd := pred.DataPtr(), target.DataPtr(), grad.DataPtr()
	n := float32(len(pd))
	loss := float32(0)
	for i := range pd {
		d := pd[i] - td[i]
		if d >= 0 {
			loss += d
			gd[i] = 1 / n
		} else {
			loss -= d
			gd[i] = -1 / n
		}
	}
	return loss / n, grad
}

// TrainStep performs one update on an image batch with per-example
// class labels:
//
//	z   = Encode(images)            (frozen)
//	t_i ~ Uniform[0, steps)
//	x_t = sqrt(ab_t)*z + sqrt(1-ab_t)*eps
//	L   = loss(Denoiser(x_t, t, y), eps)
//
// A non-finite loss or gradient aborts the step with a *NumericError
// before any weight is touched.
func (t *Trainer) TrainStep(images *tensor.Tensor, labels []int) (float32, error) {
	latents, err := t.encoder.Encode(images)
	if err != nil {
		return 0, err
	}
	return t.trainStepLatents(latents, labels)
}

// TrainStepLatents is TrainStep for pre-encoded latents, useful when
// the dataset is encoded once up front.
func (t *Trainer) TrainStepLatents(latents *tensor.Tensor, labels []int) (float32, error) {
	return t.trainStepLatents(latents, labels)
}

func (t *Trainer) trainStepLatents(latents *tensor.Tensor, labels []int) (float32, error) {
	steps := t.schedule.UniformSteps(latents.Shape().DimsRef()[0], t.rng)
	noise := tensor.RandnSource(t.rng, latents.Shape(), tensor.F32)
	noisy, err := t.schedule.QSample(latents, noise, steps)
	if err != nil {
		return 0, err
	}

	for _, p := range t.named {
		p.ZeroGrad()
	}

	pred := t.denoiser.ForwardTrain(noisy, steps, labels, t.rng)

	var loss float32
	var grad *tensor.Tensor
	if t.config.Loss == LossL1 {
		loss, grad = l1Loss(pred, noise)
	} else {
		loss, grad = mseLoss(pred, noise)
	}
	if math32.IsNaN(loss) || math32.IsInf(loss, 0) {
		return 0, &NumericError{Step: t.step, Detail: fmt.Sprintf("loss = %g", loss)}
	}

	t.denoiser.Backward(grad)

	// Global gradient norm across all parameters, which doubles as the
	// finiteness guard before any weight moves.
	globalNormSq := float32(0)
	for _, name := range t.names {
		if g := t.named[name].Grad; g != nil {
			for _, v := range g {
				globalNormSq += v * v
			}
		}
	}
	globalNorm := math32.Sqrt(globalNormSq)
	if math32.IsNaN(globalNorm) || math32.IsInf(globalNorm, 0) {
		return 0, &NumericError{Step: t.step, Detail: fmt.Sprintf("gradient norm = %g", globalNorm)}
	}

	clipCoeff := float32(1.0)
	if t.config.GradClip > 0 && globalNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (globalNorm + 1e-12)
	}

	t.step++
	lr := t.GetLR()
	mCorr := 1.0 / (1 - math32.Pow(t.config.Beta1, float32(t.step)))
	vCorr := 1.0 / (1 - math32.Pow(t.config.Beta2, float32(t.step)))
	b1, b2, eps, wd := t.config.Beta1, t.config.Beta2, t.config.Eps, t.config.WeightDecay

	for _, name := range t.names {
		param := t.named[name]
		if param.Grad == nil {
			continue
		}
		state := t.states[name]
		paramData := param.DataPtr()
		mData := state.M.DataPtr()
		vData := state.V.DataPtr()
		gradSlice := param.Grad

		for j := range paramData {
			g := gradSlice[j] * clipCoeff
			mData[j] = b1*mData[j] + (1-b1)*g
			vData[j] = b2*vData[j] + (1-b2)*g*g
			paramData[j] -= lr * (mData[j]*mCorr/(math32.Sqrt(vData[j]*vCorr)+eps) + wd*paramData[j])
		}
	}

	return loss, nil
}

// EvalLoss computes the loss on a batch without touching any state:
// no label dropout, no optimizer update, no rng consumption beyond the
// provided source.
func (t *Trainer) EvalLoss(images *tensor.Tensor, labels []int, rng *rand.Rand) (float32, error) {
	latents, err := t.encoder.Encode(images)
	if err != nil {
		return 0, err
	}
	steps := t.schedule.UniformSteps(latents.Shape().DimsRef()[0], rng)
	noise := tensor.RandnSource(rng, latents.Shape(), tensor.F32)
	noisy, err := t.schedule.QSample(latents, noise, steps)
	if err != nil {
		return 0, err
	}
	pred, err := t.denoiser.PredictNoise(noisy, steps, labels)
	if err != nil {
		return 0, err
	}
	var loss float32
	if t.config.Loss == LossL1 {
		loss, _ = l1Loss(pred, noise)
	} else {
		loss, _ = mseLoss(pred, noise)
	}
	return loss, nil
}

// optimizer state tensor name prefixes inside a snapshot.
const (
	optMPrefix = "opt.m."
	optVPrefix = "opt.v."
	metaStep   = "step"
)

// Save writes the model weights, optimizer moments and step counter to
// a single checkpoint so training can resume exactly where it stopped.
func (t *Trainer) Save(path string) error {
	all := make(map[string]*tensor.Tensor, 3*len(t.named))
	for name, p := range t.named {
		all[name] = p
		all[optMPrefix+name] = t.states[name].M
		all[optVPrefix+name] = t.states[name].V
	}
	snap := &ckpt.Snapshot{
		Version: ckpt.Version,
		Meta:    model.ConfigMeta(t.denoiser.Config()),
		Tensors: ckpt.PackNamed(all, ckpt.DTypeF32),
	}
	snap.Meta[metaStep] = strconv.Itoa(t.step)
	return ckpt.Save(path, snap)
}

// Resume rebuilds a trainer from a snapshot written by Save. The
// autoencoder and schedule are supplied by the caller since they are
// not part of the trainer checkpoint.
func Resume(path string, enc *vae.Autoencoder, s *diffusion.Schedule, cfg TrainConfig) (*Trainer, error) {
	snap, err := ckpt.Load(path)
	if err != nil {
		return nil, err
	}
	d, err := model.FromSnapshot(snap)
	if err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	t, err := NewTrainer(d, enc, s, cfg)
	if err != nil {
		return nil, err
	}

	all := make(map[string]*tensor.Tensor, 3*len(t.named))
	for name, p := range t.named {
		all[name] = p
		all[optMPrefix+name] = t.states[name].M
		all[optVPrefix+name] = t.states[name].V
	}
	if err := ckpt.Restore(snap, all); err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	if t.step, err = strconv.Atoi(snap.Meta[metaStep]); err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: fmt.Errorf("metadata %q: %w", metaStep, err)}
	}
	return t, nil
}
