// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Conv2D is a 2D convolution over [batch, channels, H, W] tensors with a
// square kernel, stride, and zero padding. Forward-only: convolutions
// appear exclusively inside the frozen autoencoder.
//
// Weight layout: [out_channels, in_channels, k, k], flat row-major.
type Conv2D struct {
	weight     *tensor.Tensor
	bias       *tensor.Tensor
	inC, outC  int
	kernelSize int
	stride     int
	padding    int
}

// NewConv2D creates a convolution with He initialization.
func NewConv2D(inChannels, outChannels, kernelSize, stride, padding int) *Conv2D {
	std := math32.Sqrt(2.0 / float32(inChannels*kernelSize*kernelSize))
	return &Conv2D{
		weight:     tensor.RandnWithStd(tensor.NewShape(outChannels, inChannels, kernelSize, kernelSize), tensor.F32, std),
		bias:       tensor.Zeros(tensor.NewShape(outChannels), tensor.F32),
		inC:        inChannels,
		outC:       outChannels,
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
	}
}

// OutSize returns the spatial output size for the given input size:
// (in + 2*padding - kernel) / stride + 1.
func (c *Conv2D) OutSize(in int) int {
	return (in+2*c.padding-c.kernelSize)/c.stride + 1
}

// Forward computes the direct convolution.
func (c *Conv2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	if len(dims) != 4 || dims[1] != c.inC {
		panic(fmt.Sprintf("conv2d: want [batch, %d, H, W], got %v", c.inC, x.Shape()))
	}
	batch, h, w := dims[0], dims[2], dims[3]
	outH, outW := c.OutSize(h), c.OutSize(w)
	k := c.kernelSize

	out := tensor.New(tensor.NewShape(batch, c.outC, outH, outW), tensor.F32)
	src, dst := x.DataPtr(), out.DataPtr()
	wData, bData := c.weight.DataPtr(), c.bias.DataPtr()

	for b := 0; b < batch; b++ {
		for co := 0; co < c.outC; co++ {
			wBase := co * c.inC * k * k
			for oy := 0; oy < outH; oy++ {
				iy0 := oy*c.stride - c.padding
				for ox := 0; ox < outW; ox++ {
					ix0 := ox*c.stride - c.padding
					acc := bData[co]
					for ci := 0; ci < c.inC; ci++ {
						sBase := ((b*c.inC + ci) * h) * w
						wOff := wBase + ci*k*k
						for ky := 0; ky < k; ky++ {
							iy := iy0 + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ix0 + kx
								if ix < 0 || ix >= w {
									continue
								}
								acc += src[sBase+iy*w+ix] * wData[wOff+ky*k+kx]
							}
						}
					}
					dst[((b*c.outC+co)*outH+oy)*outW+ox] = acc
				}
			}
		}
	}
	return out
}

// Parameters returns the kernel weights and bias (for checkpoint loading).
func (c *Conv2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

// Weight returns the kernel tensor.
func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }

// Bias returns the bias tensor.
func (c *Conv2D) Bias() *tensor.Tensor { return c.bias }

// ConvTranspose2D is a 2D transposed convolution used by the frozen
// autoencoder's upsampling stages (kernel 4, stride 2, padding 1 doubles
// the spatial size). Forward-only.
//
// Weight layout: [in_channels, out_channels, k, k], flat row-major.
type ConvTranspose2D struct {
	weight     *tensor.Tensor
	bias       *tensor.Tensor
	inC, outC  int
	kernelSize int
	stride     int
	padding    int
}

// NewConvTranspose2D creates a transposed convolution with He initialization.
func NewConvTranspose2D(inChannels, outChannels, kernelSize, stride, padding int) *ConvTranspose2D {
	std := math32.Sqrt(2.0 / float32(inChannels*kernelSize*kernelSize))
	return &ConvTranspose2D{
		weight:     tensor.RandnWithStd(tensor.NewShape(inChannels, outChannels, kernelSize, kernelSize), tensor.F32, std),
		bias:       tensor.Zeros(tensor.NewShape(outChannels), tensor.F32),
		inC:        inChannels,
		outC:       outChannels,
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
	}
}

// OutSize returns the spatial output size for the given input size:
// (in - 1) * stride - 2*padding + kernel.
func (c *ConvTranspose2D) OutSize(in int) int {
	return (in-1)*c.stride - 2*c.padding + c.kernelSize
}

// Forward computes the transposed convolution by scattering each input
// element through the kernel into the output grid.
func (c *ConvTranspose2D) Forward(x *tensor.Tensor) *tensor.Tensor {
	dims := x.Shape().DimsRef()
	if len(dims) != 4 || dims[1] != c.inC {
		panic(fmt.Sprintf("convtranspose2d: want [batch, %d, H, W], got %v", c.inC, x.Shape()))
	}
	batch, h, w := dims[0], dims[2], dims[3]
	outH, outW := c.OutSize(h), c.OutSize(w)
	k := c.kernelSize

	out := tensor.New(tensor.NewShape(batch, c.outC, outH, outW), tensor.F32)
	src, dst := x.DataPtr(), out.DataPtr()
	wData, bData := c.weight.DataPtr(), c.bias.DataPtr()

	for b := 0; b < batch; b++ {
		for co := 0; co < c.outC; co++ {
			base := ((b*c.outC + co) * outH) * outW
			for i := 0; i < outH*outW; i++ {
				dst[base+i] = bData[co]
			}
		}
		for ci := 0; ci < c.inC; ci++ {
			sBase := ((b*c.inC + ci) * h) * w
			for iy := 0; iy < h; iy++ {
				for ix := 0; ix < w; ix++ {
					v := src[sBase+iy*w+ix]
					if v == 0 {
						continue
					}
					for co := 0; co < c.outC; co++ {
						wOff := (ci*c.outC + co) * k * k
						dBase := ((b*c.outC + co) * outH) * outW
						for ky := 0; ky < k; ky++ {
							oy := iy*c.stride - c.padding + ky
							if oy < 0 || oy >= outH {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ox := ix*c.stride - c.padding + kx
								if ox < 0 || ox >= outW {
									continue
								}
								dst[dBase+oy*outW+ox] += v * wData[wOff+ky*k+kx]
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Parameters returns the kernel weights and bias (for checkpoint loading).
func (c *ConvTranspose2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

// Weight returns the kernel tensor.
func (c *ConvTranspose2D) Weight() *tensor.Tensor { return c.weight }

// Bias returns the bias tensor.
func (c *ConvTranspose2D) Bias() *tensor.Tensor { return c.bias }
