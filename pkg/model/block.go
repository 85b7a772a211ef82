package model

import (
	"fmt"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// Block is a single pre-norm transformer block.
//
// Architecture:
//  1. x = x + Attn(Norm1(x))
//  2. x = x + MLP(Norm2(x))
//
// Whether the block's attention carries the adapter pathway is fixed
// at construction time from the block index and config.
type Block struct {
	Norm1 *LayerNorm
	Attn  *CausalSelfAttention
	Norm2 *LayerNorm
	MLP   *MLP
}

// blockCache holds the forward intermediates Backward needs.
type blockCache struct {
	norm1 *layerNormCache
	attn  *attnCache
	mid   *tensor.Tensor // input to the MLP half (post attention residual)
	norm2 *layerNormCache
	mlp   *mlpCache
}

// NewBlock creates block index i of the stack.
func NewBlock(config Config, i int) *Block {
	return &Block{
		Norm1: NewLayerNorm(config.NEmbd, config.NormEps),
		Attn:  NewCausalSelfAttention(config, config.AdapterEnabled(i)),
		Norm2: NewLayerNorm(config.NEmbd, config.NormEps),
		MLP:   NewMLP(config),
	}
}

// Forward computes one transformer block over a full sequence.
//
// Input shape: (batch, seq, n_embd)
// Output shape: (batch, seq, n_embd)
func (b *Block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	normed, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply norm_1: %w", err)
	}

	attnOut, err := b.Attn.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	mid, err := tensor.Add(attnOut, x)
	if err != nil {
		return nil, fmt.Errorf("failed to add attention residual: %w", err)
	}

	normed, err = b.Norm2.Forward(mid)
	if err != nil {
		return nil, fmt.Errorf("failed to apply norm_2: %w", err)
	}

	mlpOut, err := b.MLP.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute mlp: %w", err)
	}

	out, err := tensor.Add(mlpOut, mid)
	if err != nil {
		return nil, fmt.Errorf("failed to add mlp residual: %w", err)
	}

	return out, nil
}

// ForwardWithCache is Forward plus the intermediates needed by Backward.
func (b *Block) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *blockCache, error) {
	cache := &blockCache{}

	normed, n1, err := b.Norm1.ForwardWithCache(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply norm_1: %w", err)
	}
	cache.norm1 = n1

	attnOut, ac, err := b.Attn.ForwardWithCache(normed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}
	cache.attn = ac

	mid, err := tensor.Add(attnOut, x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add attention residual: %w", err)
	}
	cache.mid = mid

	normed, n2, err := b.Norm2.ForwardWithCache(mid)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply norm_2: %w", err)
	}
	cache.norm2 = n2

	mlpOut, mc, err := b.MLP.ForwardWithCache(normed)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute mlp: %w", err)
	}
	cache.mlp = mc

	out, err := tensor.Add(mlpOut, mid)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add mlp residual: %w", err)
	}

	return out, cache, nil
}

// ForwardDecode computes the block for new tokens at explicit
// positions using the attention KV cache.
func (b *Block) ForwardDecode(x *tensor.Tensor, inputPos []int) (*tensor.Tensor, error) {
	normed, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply norm_1: %w", err)
	}

	attnOut, err := b.Attn.ForwardDecode(normed, inputPos)
	if err != nil {
		return nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	mid, err := tensor.Add(attnOut, x)
	if err != nil {
		return nil, fmt.Errorf("failed to add attention residual: %w", err)
	}

	normed, err = b.Norm2.Forward(mid)
	if err != nil {
		return nil, fmt.Errorf("failed to apply norm_2: %w", err)
	}

	mlpOut, err := b.MLP.Forward(normed)
	if err != nil {
		return nil, fmt.Errorf("failed to compute mlp: %w", err)
	}

	out, err := tensor.Add(mlpOut, mid)
	if err != nil {
		return nil, fmt.Errorf("failed to add mlp residual: %w", err)
	}

	return out, nil
}

// Backward propagates dout through the block, accumulating parameter
// gradients and returning dx.
func (b *Block) Backward(dout *tensor.Tensor, cache *blockCache) *tensor.Tensor {
	// MLP half: out = mid + MLP(Norm2(mid))
	dmlpOut := dout
	dnormed := b.MLP.Backward(dmlpOut, cache.mlp)
	dmid := b.Norm2.Backward(dnormed, cache.norm2)
	for i := range dmid.Data {
		dmid.Data[i] += dout.Data[i]
	}

	// Attention half: mid = x + Attn(Norm1(x))
	dnormed = b.Attn.Backward(dmid, cache.attn)
	dx := b.Norm1.Backward(dnormed, cache.norm1)
	for i := range dx.Data {
		dx.Data[i] += dmid.Data[i]
	}

	return dx
}
