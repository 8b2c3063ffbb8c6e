// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 Koyote059

package nn

import (
	"github.com/chewxy/math32"

	"github.com/Koyote059/diffit-reimplementation/tensor"
)

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight    *tensor.Tensor
	bias      *tensor.Tensor
	inFeat    int
	outFeat   int
	useBias   bool
	lastInput *tensor.Tensor // cached for backward pass
}

// NewLinear creates a linear layer with Xavier-uniform-scale normal
// initialization: N(0, sqrt(2/(in+out))).
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	std := math32.Sqrt(2.0 / float32(inFeatures+outFeatures))
	l := &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), tensor.F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = tensor.Zeros(tensor.NewShape(outFeatures), tensor.F32)
	}
	return l
}

// NewLinearNormal creates a linear layer with N(0, std) weights and a
// zero bias. The embedding MLPs use std = 0.02 like the reference model.
func NewLinearNormal(inFeatures, outFeatures int, std float32) *Linear {
	return &Linear{
		weight:  tensor.RandnWithStd(tensor.NewShape(outFeatures, inFeatures), tensor.F32, std),
		bias:    tensor.Zeros(tensor.NewShape(outFeatures), tensor.F32),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: true,
	}
}

// NewLinearZero creates a linear layer with all weights (and bias) zero.
// Used for the adaLN modulation and final projections, which start as
// the identity mapping so early training steps stay well conditioned.
func NewLinearZero(inFeatures, outFeatures int, useBias bool) *Linear {
	l := &Linear{
		weight:  tensor.Zeros(tensor.NewShape(outFeatures, inFeatures), tensor.F32),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = tensor.Zeros(tensor.NewShape(outFeatures), tensor.F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	l.lastInput = input
	batchDims, batchSize, _ := tensor.SplitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(tensor.NewShape(batchSize, l.inFeat))
	output := tensor.MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output.Reshape(tensor.WithLastDim(batchDims, l.outFeat))
}

// Backward computes dL/dx = dL/dy @ W (the input gradient) and accumulates
// weight and bias gradients: dW = gradOutput^T @ input, db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := tensor.SplitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(tensor.NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(tensor.NewShape(batchSize, l.inFeat))

	// dX = gradOutput @ W -> [batchSize, inFeat]
	gradInput := tensor.Matmul(flatGrad, l.weight)

	// dW = gradOutput^T @ input -> [outFeat, inFeat]
	dW := tensor.MatmulTransposedA(flatGrad, flatInput)
	l.weight.AccumulateGrad(dW.DataPtr())

	// db = sum(gradOutput, axis=0) -> [outFeat]
	if l.useBias && l.bias != nil {
		fgData := flatGrad.DataPtr()
		db := make([]float32, l.outFeat)
		for i := 0; i < batchSize; i++ {
			row := fgData[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}

	return gradInput.Reshape(inputShape)
}

// SetLastInput overrides the cached forward input. Composite layers that
// feed one input through several projections use this before re-running
// Backward on a projection.
func (l *Linear) SetLastInput(input *tensor.Tensor) { l.lastInput = input }

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*tensor.Tensor {
	if l.useBias {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Weight returns the weight tensor ([out_features, in_features]).
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias returns the bias tensor, or nil if the layer has none.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }
