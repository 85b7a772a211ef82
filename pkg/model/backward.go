package model

import (
	"fmt"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// GPTCache holds everything Backward needs after a training forward
// pass.
type GPTCache struct {
	idx    *tensor.Tensor
	blocks []*blockCache
	lnf    *layerNormCache
	lnfOut *tensor.Tensor // normalized activations fed to the lm_head
}

// ForwardWithCache runs the full-sequence forward pass while recording
// the intermediates Backward needs.
func (m *GPT) ForwardWithCache(idx *tensor.Tensor) (*tensor.Tensor, *GPTCache, error) {
	x, err := m.embed(idx, nil)
	if err != nil {
		return nil, nil, err
	}

	cache := &GPTCache{
		idx:    idx,
		blocks: make([]*blockCache, len(m.Blocks)),
	}

	for i, block := range m.Blocks {
		var bc *blockCache
		x, bc, err = block.ForwardWithCache(x)
		if err != nil {
			return nil, nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
		cache.blocks[i] = bc
	}

	x, lnf, err := m.LnF.ForwardWithCache(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}
	cache.lnf = lnf
	cache.lnfOut = x

	logits, err := linearForward(x, m.LMHead, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute logits: %w", err)
	}
	return logits, cache, nil
}

// Backward propagates dlogits through the whole model, accumulating
// gradients into every parameter's Grad buffer. Activation gradients
// flow through all weights; whether a parameter is actually updated is
// the optimizer's decision.
func (m *GPT) Backward(dlogits *tensor.Tensor, cache *GPTCache) {
	dx := linearBackward(cache.lnfOut, m.LMHead, nil, dlogits)
	dx = m.LnF.Backward(dx, cache.lnf)

	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx = m.Blocks[i].Backward(dx, cache.blocks[i])
	}

	// Embedding gradients: dx rows scatter into wte by token ID and
	// into wpe by position.
	B := cache.idx.Shape[0]
	T := cache.idx.Shape[1]
	C := m.Config.NEmbd

	m.WTE.EnsureGrad()
	m.WPE.EnsureGrad()

	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			tokenID := int(cache.idx.Data[b*T+t])
			src := (b*T + t) * C
			tokOff := tokenID * C
			posOff := t * C
			for c := 0; c < C; c++ {
				g := dx.Data[src+c]
				m.WTE.Grad[tokOff+c] += g
				m.WPE.Grad[posOff+c] += g
			}
		}
	}
}

// ZeroGrad clears every parameter gradient buffer.
func (m *GPT) ZeroGrad() {
	for _, p := range m.NamedParameters() {
		p.Tensor.ZeroGrad()
	}
}
