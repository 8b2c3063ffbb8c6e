// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

// Package vae implements the frozen latent autoencoder. It is a pure
// forward-only component: Encode maps images to latents at one eighth
// of the spatial resolution, Decode inverts the mapping. Weights come
// from a checkpoint trained elsewhere and are never updated here.
package vae

import (
	"fmt"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/Koyote059/diffit-reimplementation/ckpt"
	"github.com/Koyote059/diffit-reimplementation/config"
	"github.com/Koyote059/diffit-reimplementation/nn"
	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Three stride-2 stages fix the downsampling factor.
const downFactor = 8

// Config describes the autoencoder architecture.
type Config struct {
	ImageSize      int
	ImageChannels  int
	HiddenChannels int
	LatentChannels int
	NumGroups      int
	Levels         [4]int // residual blocks per resolution level
}

// FromManifest derives the autoencoder config from a manifest. The
// latent channel count is fixed at 4, matching the checkpoints the
// external training procedure produces.
func FromManifest(m config.Manifest) Config {
	return Config{
		ImageSize:      m.ImgSize,
		ImageChannels:  m.Channels,
		HiddenChannels: m.HiddenChannels,
		LatentChannels: 4,
		NumGroups:      m.NumGroups,
		Levels:         [4]int{m.L1, m.L2, m.L3, m.L4},
	}
}

// Validate checks the architecture constraints.
func (c Config) Validate() error {
	switch {
	case c.ImageSize < downFactor || c.ImageSize%downFactor != 0:
		return config.Errorf("img_size", "must be a positive multiple of %d, got %d", downFactor, c.ImageSize)
	case c.ImageChannels < 1:
		return config.Errorf("channels", "must be >= 1, got %d", c.ImageChannels)
	case c.HiddenChannels < 1:
		return config.Errorf("hidden_channels", "must be >= 1, got %d", c.HiddenChannels)
	case c.LatentChannels < 1:
		return config.Errorf("latent_channels", "must be >= 1, got %d", c.LatentChannels)
	case c.NumGroups < 1:
		return config.Errorf("num_groups", "must be >= 1, got %d", c.NumGroups)
	case c.HiddenChannels%c.NumGroups != 0:
		return config.Errorf("hidden_channels", "must be divisible by num_groups (%d %% %d != 0)", c.HiddenChannels, c.NumGroups)
	}
	for i, l := range c.Levels {
		if l < 1 {
			return config.Errorf(fmt.Sprintf("l%d", i+1), "must be >= 1, got %d", l)
		}
	}
	return nil
}

// resBlock is GroupNorm -> SiLU -> Conv3x3 with a residual skip.
type resBlock struct {
	norm *nn.GroupNorm
	conv *nn.Conv2D
}

func newResBlock(channels, groups int) *resBlock {
	return &resBlock{
		norm: nn.NewGroupNorm(groups, channels, 1e-6),
		conv: nn.NewConv2D(channels, channels, 3, 1, 1),
	}
}

func (rb *resBlock) forward(x *tensor.Tensor) *tensor.Tensor {
	h := rb.norm.Forward(x)
	h.SiLUInPlace()
	return x.Add(rb.conv.Forward(h))
}

// Autoencoder is the frozen encoder/decoder pair.
type Autoencoder struct {
	cfg Config

	// Encoder: conv in, four levels with stride-2 downsamples between
	// the first three, projection to latent channels.
	encIn     *nn.Conv2D
	encLevels [4][]*resBlock
	encDown   [3]*nn.Conv2D
	encNorm   *nn.GroupNorm
	encOut    *nn.Conv2D

	// Decoder mirrors the encoder with transposed-conv upsampling.
	decIn     *nn.Conv2D
	decLevels [4][]*resBlock
	decUp     [3]*nn.ConvTranspose2D
	decNorm   *nn.GroupNorm
	decOut    *nn.Conv2D
}

// New constructs a randomly initialized autoencoder. Real weights come
// from Load; New exists for writing test fixtures and for saving the
// output format the external training procedure fills in.
func New(cfg Config) (*Autoencoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hc := cfg.HiddenChannels
	a := &Autoencoder{
		cfg:     cfg,
		encIn:   nn.NewConv2D(cfg.ImageChannels, hc, 3, 1, 1),
		encNorm: nn.NewGroupNorm(cfg.NumGroups, hc, 1e-6),
		encOut:  nn.NewConv2D(hc, cfg.LatentChannels, 3, 1, 1),
		decIn:   nn.NewConv2D(cfg.LatentChannels, hc, 3, 1, 1),
		decNorm: nn.NewGroupNorm(cfg.NumGroups, hc, 1e-6),
		decOut:  nn.NewConv2D(hc, cfg.ImageChannels, 3, 1, 1),
	}
	for level, depth := range cfg.Levels {
		// The full-resolution level normalizes over a single group,
		// the coarser levels over num_groups.
		groups := cfg.NumGroups
		if level == 0 {
			groups = 1
		}
		enc := make([]*resBlock, depth)
		dec := make([]*resBlock, depth)
		for i := range enc {
			enc[i] = newResBlock(hc, groups)
			dec[i] = newResBlock(hc, groups)
		}
		a.encLevels[level] = enc
		a.decLevels[level] = dec
	}
	for i := range a.encDown {
		a.encDown[i] = nn.NewConv2D(hc, hc, 3, 2, 1)
		a.decUp[i] = nn.NewConvTranspose2D(hc, hc, 4, 2, 1)
	}
	return a, nil
}

// Config returns the architecture the autoencoder was built with.
func (a *Autoencoder) Config() Config { return a.cfg }

// LatentSize returns the spatial edge of the latent grid.
func (a *Autoencoder) LatentSize() int { return a.cfg.ImageSize / downFactor }

// LatentChannels returns the latent channel count.
func (a *Autoencoder) LatentChannels() int { return a.cfg.LatentChannels }

func (a *Autoencoder) encodeOne(x *tensor.Tensor) *tensor.Tensor {
	h := a.encIn.Forward(x)
	for level := 0; level < 4; level++ {
		for _, rb := range a.encLevels[level] {
			h = rb.forward(h)
		}
		if level < 3 {
			h = a.encDown[level].Forward(h)
		}
	}
	h = a.encNorm.Forward(h)
	h.SiLUInPlace()
	return a.encOut.Forward(h)
}

func (a *Autoencoder) decodeOne(z *tensor.Tensor) *tensor.Tensor {
	h := a.decIn.Forward(z)
	for level := 3; level >= 0; level-- {
		for _, rb := range a.decLevels[level] {
			h = rb.forward(h)
		}
		if level > 0 {
			h = a.decUp[level-1].Forward(h)
		}
	}
	h = a.decNorm.Forward(h)
	h.SiLUInPlace()
	return a.decOut.Forward(h)
}

// batched runs fn over each example of x concurrently and reassembles
// the per-example outputs into one batch tensor. The layers involved
// are stateless in their forward pass, so examples can run in parallel.
func batched(x *tensor.Tensor, exampleShape tensor.Shape, outShape tensor.Shape, fn func(*tensor.Tensor) *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape().DimsRef()[0]
	perIn := exampleShape.Numel()
	perOut := outShape.Numel() / batch
	out := tensor.New(outShape, tensor.F32)
	src, dst := x.DataPtr(), out.DataPtr()

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := 0; b < batch; b++ {
		b := b
		g.Go(func() error {
			in := tensor.FromSliceNoCopy(src[b*perIn:(b+1)*perIn], exampleShape)
			copy(dst[b*perOut:(b+1)*perOut], fn(in).Data())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode maps an image batch [batch, channels, size, size] to latents
// [batch, latent_channels, size/8, size/8].
func (a *Autoencoder) Encode(images *tensor.Tensor) (*tensor.Tensor, error) {
	dims := images.Shape().DimsRef()
	if len(dims) != 4 || dims[1] != a.cfg.ImageChannels || dims[2] != a.cfg.ImageSize || dims[3] != a.cfg.ImageSize {
		return nil, &tensor.ShapeError{
			Op:   "vae.encode",
			Want: fmt.Sprintf("[batch, %d, %d, %d]", a.cfg.ImageChannels, a.cfg.ImageSize, a.cfg.ImageSize),
			Got:  images.Shape().String(),
		}
	}
	batch := dims[0]
	ls := a.LatentSize()
	in := tensor.NewShape(1, a.cfg.ImageChannels, a.cfg.ImageSize, a.cfg.ImageSize)
	out := tensor.NewShape(batch, a.cfg.LatentChannels, ls, ls)
	return batched(images, in, out, a.encodeOne)
}

// Decode maps a latent batch back to image space.
func (a *Autoencoder) Decode(latents *tensor.Tensor) (*tensor.Tensor, error) {
	ls := a.LatentSize()
	dims := latents.Shape().DimsRef()
	if len(dims) != 4 || dims[1] != a.cfg.LatentChannels || dims[2] != ls || dims[3] != ls {
		return nil, &tensor.ShapeError{
			Op:   "vae.decode",
			Want: fmt.Sprintf("[batch, %d, %d, %d]", a.cfg.LatentChannels, ls, ls),
			Got:  latents.Shape().String(),
		}
	}
	batch := dims[0]
	in := tensor.NewShape(1, a.cfg.LatentChannels, ls, ls)
	out := tensor.NewShape(batch, a.cfg.ImageChannels, a.cfg.ImageSize, a.cfg.ImageSize)
	return batched(latents, in, out, a.decodeOne)
}

func addConv(named map[string]*tensor.Tensor, prefix string, weight, bias *tensor.Tensor) {
	named[prefix+".weight"] = weight
	named[prefix+".bias"] = bias
}

func addBlocks(named map[string]*tensor.Tensor, prefix string, blocks []*resBlock) {
	for i, rb := range blocks {
		p := fmt.Sprintf("%s.%d", prefix, i)
		named[p+".norm.gamma"] = rb.norm.Gamma()
		named[p+".norm.beta"] = rb.norm.Beta()
		addConv(named, p+".conv", rb.conv.Weight(), rb.conv.Bias())
	}
}

// NamedParameters returns every weight keyed by a stable name.
func (a *Autoencoder) NamedParameters() map[string]*tensor.Tensor {
	named := map[string]*tensor.Tensor{
		"enc.norm.gamma": a.encNorm.Gamma(),
		"enc.norm.beta":  a.encNorm.Beta(),
		"dec.norm.gamma": a.decNorm.Gamma(),
		"dec.norm.beta":  a.decNorm.Beta(),
	}
	addConv(named, "enc.in", a.encIn.Weight(), a.encIn.Bias())
	addConv(named, "enc.out", a.encOut.Weight(), a.encOut.Bias())
	addConv(named, "dec.in", a.decIn.Weight(), a.decIn.Bias())
	addConv(named, "dec.out", a.decOut.Weight(), a.decOut.Bias())
	for level := 0; level < 4; level++ {
		addBlocks(named, fmt.Sprintf("enc.level.%d", level), a.encLevels[level])
		addBlocks(named, fmt.Sprintf("dec.level.%d", level), a.decLevels[level])
	}
	for i := 0; i < 3; i++ {
		addConv(named, fmt.Sprintf("enc.down.%d", i), a.encDown[i].Weight(), a.encDown[i].Bias())
		addConv(named, fmt.Sprintf("dec.up.%d", i), a.decUp[i].Weight(), a.decUp[i].Bias())
	}
	return named
}

// metadata keys stored alongside the weights.
const (
	metaImageSize      = "image_size"
	metaImageChannels  = "image_channels"
	metaHiddenChannels = "hidden_channels"
	metaLatentChannels = "latent_channels"
	metaNumGroups      = "num_groups"
)

// Save writes the autoencoder to a checkpoint, architecture included.
func (a *Autoencoder) Save(path string) error {
	meta := map[string]string{
		metaImageSize:      strconv.Itoa(a.cfg.ImageSize),
		metaImageChannels:  strconv.Itoa(a.cfg.ImageChannels),
		metaHiddenChannels: strconv.Itoa(a.cfg.HiddenChannels),
		metaLatentChannels: strconv.Itoa(a.cfg.LatentChannels),
		metaNumGroups:      strconv.Itoa(a.cfg.NumGroups),
	}
	for i, l := range a.cfg.Levels {
		meta[fmt.Sprintf("l%d", i+1)] = strconv.Itoa(l)
	}
	snap := &ckpt.Snapshot{
		Version: ckpt.Version,
		Meta:    meta,
		Tensors: ckpt.PackNamed(a.NamedParameters(), ckpt.DTypeF32),
	}
	return ckpt.Save(path, snap)
}

func metaInt(path string, meta map[string]string, key string) (int, error) {
	raw, ok := meta[key]
	if !ok {
		return 0, &ckpt.LoadError{Path: path, Err: fmt.Errorf("missing metadata %q", key)}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ckpt.LoadError{Path: path, Err: fmt.Errorf("metadata %q: %w", key, err)}
	}
	return v, nil
}

// Load reads a frozen autoencoder from a checkpoint. The architecture
// is rebuilt from the snapshot metadata, then every weight is restored;
// a missing tensor, an extra tensor or a shape mismatch fails the load.
func Load(path string) (*Autoencoder, error) {
	snap, err := ckpt.Load(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	fields := []struct {
		key string
		dst *int
	}{
		{metaImageSize, &cfg.ImageSize},
		{metaImageChannels, &cfg.ImageChannels},
		{metaHiddenChannels, &cfg.HiddenChannels},
		{metaLatentChannels, &cfg.LatentChannels},
		{metaNumGroups, &cfg.NumGroups},
		{"l1", &cfg.Levels[0]},
		{"l2", &cfg.Levels[1]},
		{"l3", &cfg.Levels[2]},
		{"l4", &cfg.Levels[3]},
	}
	for _, f := range fields {
		if *f.dst, err = metaInt(path, snap.Meta, f.key); err != nil {
			return nil, err
		}
	}
	a, err := New(cfg)
	if err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	if err := ckpt.Restore(snap, a.NamedParameters()); err != nil {
		return nil, &ckpt.LoadError{Path: path, Err: err}
	}
	return a, nil
}
