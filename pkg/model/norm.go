package model

import (
	"fmt"
	"math"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// LayerNorm normalizes the input across the last dimension (feature dimension)
// and applies a learned scale (gamma) and shift (beta) transformation.
//
// Formula:
//
//	mean = mean(x, dim=-1, keepdim=True)
//	var = var(x, dim=-1, keepdim=True)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *tensor.Tensor // (emb_dim,) - gamma parameter
	Shift *tensor.Tensor // (emb_dim,) - beta parameter
	Eps   float32        // Small constant for numerical stability
}

// layerNormCache holds the intermediates Backward needs.
type layerNormCache struct {
	xhat   *tensor.Tensor // normalized input, same shape as x
	invStd []float32      // one inverse std per normalized slice
}

// NewLayerNorm creates a new LayerNorm layer with scale=1 and shift=0.
func NewLayerNorm(embDim int, eps float32) *LayerNorm {
	scale := tensor.NewTensor([]int{embDim})
	for i := range scale.Data {
		scale.Data[i] = 1.0
	}

	shift := tensor.NewTensor([]int{embDim})

	return &LayerNorm{
		Scale: scale,
		Shift: shift,
		Eps:   eps,
	}
}

// Forward applies layer normalization to the input.
//
// Input shape: (batch, seq, emb_dim) or any shape where last dim is emb_dim
// Output shape: same as input
func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := ln.forward(x, false)
	return out, err
}

// ForwardWithCache is Forward plus the intermediates needed by Backward.
func (ln *LayerNorm) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *layerNormCache, error) {
	return ln.forward(x, true)
}

func (ln *LayerNorm) forward(x *tensor.Tensor, keepCache bool) (*tensor.Tensor, *layerNormCache, error) {
	if len(x.Shape) == 0 {
		return nil, nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}

	lastDim := x.Shape[len(x.Shape)-1]
	if lastDim != len(ln.Scale.Data) {
		return nil, nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			lastDim, len(ln.Scale.Data))
	}

	numSlices := 1
	for i := 0; i < len(x.Shape)-1; i++ {
		numSlices *= x.Shape[i]
	}
	sliceSize := lastDim

	result := tensor.NewTensor(x.Shape)

	var cache *layerNormCache
	if keepCache {
		cache = &layerNormCache{
			xhat:   tensor.NewTensor(x.Shape),
			invStd: make([]float32, numSlices),
		}
	}

	for sliceIdx := 0; sliceIdx < numSlices; sliceIdx++ {
		offset := sliceIdx * sliceSize

		mean := float32(0)
		for i := 0; i < sliceSize; i++ {
			mean += x.Data[offset+i]
		}
		mean /= float32(sliceSize)

		variance := float32(0)
		for i := 0; i < sliceSize; i++ {
			diff := x.Data[offset+i] - mean
			variance += diff * diff
		}
		variance /= float32(sliceSize)

		invStd := float32(1.0 / math.Sqrt(float64(variance+ln.Eps)))

		for i := 0; i < sliceSize; i++ {
			xNorm := (x.Data[offset+i] - mean) * invStd
			result.Data[offset+i] = xNorm*ln.Scale.Data[i] + ln.Shift.Data[i]
			if cache != nil {
				cache.xhat.Data[offset+i] = xNorm
			}
		}
		if cache != nil {
			cache.invStd[sliceIdx] = invStd
		}
	}

	return result, cache, nil
}

// Backward propagates dout through the normalization, accumulating
// parameter gradients into Scale.Grad and Shift.Grad and returning dx.
//
// Per slice, with xhat the normalized input and dxhat = dout*scale:
//
//	dx = invStd * (dxhat - mean(dxhat) - xhat * mean(dxhat*xhat))
func (ln *LayerNorm) Backward(dout *tensor.Tensor, cache *layerNormCache) *tensor.Tensor {
	sliceSize := len(ln.Scale.Data)
	numSlices := len(dout.Data) / sliceSize

	ln.Scale.EnsureGrad()
	ln.Shift.EnsureGrad()

	dx := tensor.NewTensor(dout.Shape)

	for sliceIdx := 0; sliceIdx < numSlices; sliceIdx++ {
		offset := sliceIdx * sliceSize
		invStd := cache.invStd[sliceIdx]

		var sumDxhat, sumDxhatXhat float32
		for i := 0; i < sliceSize; i++ {
			do := dout.Data[offset+i]
			xh := cache.xhat.Data[offset+i]

			ln.Scale.Grad[i] += do * xh
			ln.Shift.Grad[i] += do

			dxhat := do * ln.Scale.Data[i]
			sumDxhat += dxhat
			sumDxhatXhat += dxhat * xh
		}

		meanDxhat := sumDxhat / float32(sliceSize)
		meanDxhatXhat := sumDxhatXhat / float32(sliceSize)

		for i := 0; i < sliceSize; i++ {
			dxhat := dout.Data[offset+i] * ln.Scale.Data[i]
			xh := cache.xhat.Data[offset+i]
			dx.Data[offset+i] = invStd * (dxhat - meanDxhat - xh*meanDxhatXhat)
		}
	}

	return dx
}
