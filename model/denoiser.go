// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package model

import (
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/nn"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Denoiser is the conditional noise-prediction transformer. It maps a
// noisy latent batch [batch, channels, size, size], per-example
// timesteps and class labels to a predicted noise tensor of the same
// shape as the input.
type Denoiser struct {
	cfg Config

	patch    *nn.PatchEmbed
	posEmbed *tensor.Tensor // [tokens, hidden], fixed sin/cos, not trained
	tEmb     *nn.TimestepEmbedder
	yEmb     *nn.LabelEmbedder
	blocks   []*Block

	finalNorm *nn.LayerNorm
	finalMod  *nn.Linear // hidden -> 2*hidden, zero init
	finalProj *nn.Linear // hidden -> patch*patch*channels, zero init

	// Forward caches for backward.
	lastC      *tensor.Tensor // conditioning, pre-SiLU
	lastSiLUC  *tensor.Tensor
	lastFinalH *tensor.Tensor // final norm output
	lastScale  *tensor.Tensor
}

// New builds a denoiser from cfg. Returns a *config.Error when the
// configuration is inconsistent.
func New(cfg Config) (*Denoiser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Denoiser{
		cfg:       cfg,
		patch:     nn.NewPatchEmbed(cfg.Channels, cfg.PatchSize, cfg.HiddenSize),
		posEmbed:  sincosPosEmbed(cfg.HiddenSize, cfg.InputSize/cfg.PatchSize),
		tEmb:      nn.NewTimestepEmbedder(cfg.HiddenSize),
		yEmb:      nn.NewLabelEmbedder(cfg.NumClasses, cfg.HiddenSize, cfg.ClassDropout),
		blocks:    make([]*Block, cfg.Depth),
		finalNorm: nn.NewLayerNorm(cfg.HiddenSize, 1e-6, false),
		finalMod:  nn.NewLinearZero(cfg.HiddenSize, 2*cfg.HiddenSize, true),
		finalProj: nn.NewLinearZero(cfg.HiddenSize, cfg.PatchSize*cfg.PatchSize*cfg.Channels, true),
	}
	for i := range d.blocks {
		d.blocks[i] = NewBlock(cfg.HiddenSize, cfg.NumHeads, cfg.FFNDim())
	}
	return d, nil
}

// Config returns the configuration the model was built with.
func (d *Denoiser) Config() Config { return d.cfg }

// Unconditional returns the label index standing for "no class".
func (d *Denoiser) Unconditional() int { return d.yEmb.Unconditional() }

// sincosPosEmbed builds the fixed 2D sin/cos positional table for a
// square grid of patches. The first half of each embedding encodes the
// patch row, the second half the patch column; within a half, the first
// quarter is sines and the second cosines.
func sincosPosEmbed(hiddenDim, grid int) *tensor.Tensor {
	half := hiddenDim / 2
	quarter := half / 2
	omega := make([]float32, quarter)
	for i := range omega {
		omega[i] = math32.Exp(-math32.Log(10000) * float32(i) / float32(quarter))
	}
	out := tensor.New(tensor.NewShape(grid*grid, hiddenDim), tensor.F32)
	data := out.DataPtr()
	for py := 0; py < grid; py++ {
		for px := 0; px < grid; px++ {
			row := data[(py*grid+px)*hiddenDim:]
			for i, w := range omega {
				row[i] = math32.Sin(float32(py) * w)
				row[quarter+i] = math32.Cos(float32(py) * w)
				row[half+i] = math32.Sin(float32(px) * w)
				row[half+quarter+i] = math32.Cos(float32(px) * w)
			}
		}
	}
	return out
}

func (d *Denoiser) checkInput(x *tensor.Tensor, t, y []int) error {
	dims := x.Shape().DimsRef()
	if len(dims) != 4 {
		return &tensor.ShapeError{
			Op:   "denoiser",
			Want: "[batch, channels, size, size]",
			Got:  x.Shape().String(),
		}
	}
	if dims[1] != d.cfg.Channels || dims[2] != d.cfg.InputSize || dims[3] != d.cfg.InputSize {
		return &tensor.ShapeError{
			Op:   "denoiser",
			Want: fmt.Sprintf("[batch, %d, %d, %d]", d.cfg.Channels, d.cfg.InputSize, d.cfg.InputSize),
			Got:  x.Shape().String(),
		}
	}
	if len(t) != dims[0] || len(y) != dims[0] {
		return &tensor.ShapeError{
			Op:   "denoiser",
			Want: fmt.Sprintf("%d timesteps and labels", dims[0]),
			Got:  fmt.Sprintf("%d timesteps, %d labels", len(t), len(y)),
		}
	}
	for i, label := range y {
		if label < 0 || label > d.cfg.NumClasses {
			return &tensor.ShapeError{
				Op:   "denoiser",
				Want: fmt.Sprintf("label in [0, %d]", d.cfg.NumClasses),
				Got:  fmt.Sprintf("y[%d] = %d", i, label),
			}
		}
	}
	return nil
}

// PredictNoise runs an inference pass: no label dropout, input fully
// validated. Sampling goes through here.
func (d *Denoiser) PredictNoise(x *tensor.Tensor, t, y []int) (*tensor.Tensor, error) {
	if err := d.checkInput(x, t, y); err != nil {
		return nil, err
	}
	return d.forward(x, t, y, false, nil), nil
}

// ForwardTrain runs a training pass: labels are dropped to the
// unconditional index with the configured probability, drawing from
// rng. The caller is expected to pass well-shaped inputs.
func (d *Denoiser) ForwardTrain(x *tensor.Tensor, t, y []int, rng *rand.Rand) *tensor.Tensor {
	if err := d.checkInput(x, t, y); err != nil {
		panic(err)
	}
	return d.forward(x, t, y, true, rng)
}

func (d *Denoiser) forward(x *tensor.Tensor, t, y []int, train bool, rng *rand.Rand) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	batch := dims[0]
	tokens := d.patch.Forward(x)

	// Broadcast the positional table over the batch.
	nTok := d.cfg.Tokens()
	td := tokens.DataPtr()
	pd := d.posEmbed.DataPtr()
	per := nTok * d.cfg.HiddenSize
	for b := 0; b < batch; b++ {
		row := td[b*per : (b+1)*per]
		for i := range row {
			row[i] += pd[i]
		}
	}

	c := d.tEmb.Forward(t).Add(d.yEmb.Forward(y, train, rng))
	d.lastC = c

	h := tokens
	for _, blk := range d.blocks {
		h = blk.Forward(h, c)
	}

	normed := d.finalNorm.Forward(h)
	d.lastFinalH = normed
	siluC := c.SiLU()
	d.lastSiLUC = siluC
	mods := chunkCols(d.finalMod.Forward(siluC), 2)
	shift, scale := mods[0], mods[1]
	d.lastScale = scale
	out := d.finalProj.Forward(nn.Modulate(normed, shift, scale))
	return nn.Unpatchify(out, d.cfg.Channels, d.cfg.InputSize, d.cfg.InputSize, d.cfg.PatchSize)
}

// Backward propagates the gradient of the loss with respect to the
// predicted noise through the whole model, accumulating parameter
// gradients. Must follow a ForwardTrain call.
func (d *Denoiser) Backward(gradNoise *tensor.Tensor) {
	gradTokens := nn.Patchify(gradNoise, d.cfg.PatchSize)

	gradM := d.finalProj.Backward(gradTokens)
	gradH, gradShift, gradScale := nn.ModulateBackward(gradM, d.lastFinalH, d.lastScale)
	gradC := d.finalMod.Backward(concatCols(gradShift, gradScale))
	nn.SiLUBackward(gradC, d.lastC)
	grad := d.finalNorm.Backward(gradH)

	for i := len(d.blocks) - 1; i >= 0; i-- {
		var dc *tensor.Tensor
		grad, dc = d.blocks[i].Backward(grad)
		gradC.AddInPlace(dc)
	}

	// The positional table is fixed, so the token gradient flows
	// straight through to the patch projection.
	d.patch.Backward(grad)
	d.tEmb.Backward(gradC)
	d.yEmb.Backward(gradC)
}

// Parameters returns every trainable tensor in the model.
func (d *Denoiser) Parameters() []*tensor.Tensor {
	params := nn.ConcatParams(
		d.patch.Parameters(),
		d.tEmb.Parameters(),
		d.yEmb.Parameters(),
	)
	for _, blk := range d.blocks {
		params = append(params, blk.Parameters()...)
	}
	return append(params, nn.ConcatParams(d.finalMod.Parameters(), d.finalProj.Parameters())...)
}

// NamedParameters returns the model's parameters keyed by stable names,
// used by the checkpoint layer.
func (d *Denoiser) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{
		"patch.proj.weight": d.patch.Proj().Weight(),
		"patch.proj.bias":   d.patch.Proj().Bias(),
		"label.table":       d.yEmb.Table(),
		"final.mod.weight":  d.finalMod.Weight(),
		"final.mod.bias":    d.finalMod.Bias(),
		"final.proj.weight": d.finalProj.Weight(),
		"final.proj.bias":   d.finalProj.Bias(),
	}
	m1, m2 := d.tEmb.Layers()
	addLinear(named, "time.mlp1", m1)
	addLinear(named, "time.mlp2", m2)
	for i, blk := range d.blocks {
		prefix := fmt.Sprintf("block.%d", i)
		wq, wk, wv, wo := blk.attn.Projections()
		addLinear(named, prefix+".attn.wq", wq)
		addLinear(named, prefix+".attn.wk", wk)
		addLinear(named, prefix+".attn.wv", wv)
		addLinear(named, prefix+".attn.wo", wo)
		fc1, fc2 := blk.mlp.Layers()
		addLinear(named, prefix+".mlp.fc1", fc1)
		addLinear(named, prefix+".mlp.fc2", fc2)
		addLinear(named, prefix+".mod", blk.mod)
	}
	return named
}

func addLinear(named map[string]*tensor.Tensor, prefix string, l *nn.Linear) {
	named[prefix+".weight"] = l.Weight()
	if b := l.Bias(); b != nil {
		named[prefix+".bias"] = b
	}
}
