package model

import (
	"fmt"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// MLP implements the position-wise feed-forward network.
//
// Architecture:
//  1. Linear projection: x @ FC -> (batch, seq, intermediate_size)
//  2. GELU activation
//  3. Linear projection: @ Proj -> (batch, seq, n_embd)
type MLP struct {
	FC    *tensor.Tensor // (n_embd, intermediate_size)
	FCB   *tensor.Tensor // (intermediate_size,) or nil
	Proj  *tensor.Tensor // (intermediate_size, n_embd)
	ProjB *tensor.Tensor // (n_embd,) or nil
}

// mlpCache holds the forward intermediates Backward needs.
type mlpCache struct {
	x      *tensor.Tensor // input
	preact *tensor.Tensor // x @ FC + FCB, pre-activation
	act    *tensor.Tensor // GELU(preact)
}

// NewMLP creates a feed-forward layer sized from the config. Weights
// start at zero; call GPT.InitWeights for a usable model.
func NewMLP(config Config) *MLP {
	m := &MLP{
		FC:   tensor.NewTensor([]int{config.NEmbd, config.IntermediateSize}),
		Proj: tensor.NewTensor([]int{config.IntermediateSize, config.NEmbd}),
	}
	if config.Bias {
		m.FCB = tensor.NewTensor([]int{config.IntermediateSize})
		m.ProjB = tensor.NewTensor([]int{config.NEmbd})
	}
	return m
}

// Forward computes the feed-forward transformation.
//
// Input shape: (batch, seq, n_embd)
// Output shape: (batch, seq, n_embd)
func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := m.forward(x, false)
	return out, err
}

// ForwardWithCache is Forward plus the intermediates needed by Backward.
func (m *MLP) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *mlpCache, error) {
	return m.forward(x, true)
}

func (m *MLP) forward(x *tensor.Tensor, keepCache bool) (*tensor.Tensor, *mlpCache, error) {
	if len(x.Shape) < 2 {
		return nil, nil, fmt.Errorf("expected at least 2D input, got %dD", len(x.Shape))
	}

	preact, err := linearForward(x, m.FC, m.FCB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute fc projection: %w", err)
	}

	act := preact.GELU()

	out, err := linearForward(act, m.Proj, m.ProjB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute output projection: %w", err)
	}

	if !keepCache {
		return out, nil, nil
	}
	return out, &mlpCache{x: x, preact: preact, act: act}, nil
}

// Backward propagates dout through the MLP, accumulating parameter
// gradients and returning dx.
func (m *MLP) Backward(dout *tensor.Tensor, cache *mlpCache) *tensor.Tensor {
	dact := linearBackward(cache.act, m.Proj, m.ProjB, dout)

	// Through GELU: dpreact = dact * GELU'(preact)
	geluGrad := cache.preact.GELUDerivative()
	dpreact := tensor.NewTensor(dact.Shape)
	for i := range dact.Data {
		dpreact.Data[i] = dact.Data[i] * geluGrad.Data[i]
	}

	return linearBackward(cache.x, m.FC, m.FCB, dpreact)
}
