package model

import (
	"fmt"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// KVCache stores per-layer key and value tensors indexed by absolute
// sequence position, so a decode step only computes projections for the
// new tokens instead of re-projecting every previous position.
//
// Shapes:
//   - K: (batch, num_heads, max_length, head_dim)
//   - V: (batch, num_heads, max_length, head_dim)
type KVCache struct {
	K *tensor.Tensor
	V *tensor.Tensor

	MaxLength int // maximum sequence length (block size)

	batchSize int
	numHeads  int
	headDim   int
	filled    int // one past the highest position written
}

// NewKVCache creates a cache with pre-allocated tensors.
func NewKVCache(batchSize, numHeads, maxLength, headDim int) *KVCache {
	cacheShape := []int{batchSize, numHeads, maxLength, headDim}

	return &KVCache{
		K:         tensor.NewTensor(cacheShape),
		V:         tensor.NewTensor(cacheShape),
		MaxLength: maxLength,
		batchSize: batchSize,
		numHeads:  numHeads,
		headDim:   headDim,
	}
}

// WriteAt stores new K and V rows at the given absolute positions.
//
// Parameters:
//   - positions: absolute sequence positions, one per new token
//   - newK, newV: (batch, num_heads, len(positions), head_dim)
func (c *KVCache) WriteAt(positions []int, newK, newV *tensor.Tensor) error {
	if len(newK.Shape) != 4 || len(newV.Shape) != 4 {
		return fmt.Errorf("expected 4D tensors, got K=%dD, V=%dD",
			len(newK.Shape), len(newV.Shape))
	}

	batchSize := newK.Shape[0]
	numHeads := newK.Shape[1]
	newTokens := newK.Shape[2]
	headDim := newK.Shape[3]

	if batchSize != c.batchSize {
		return fmt.Errorf("batch size mismatch: expected %d, got %d", c.batchSize, batchSize)
	}
	if numHeads != c.numHeads {
		return fmt.Errorf("num_heads mismatch: expected %d, got %d", c.numHeads, numHeads)
	}
	if headDim != c.headDim {
		return fmt.Errorf("head_dim mismatch: expected %d, got %d", c.headDim, headDim)
	}
	if newTokens != len(positions) {
		return fmt.Errorf("got %d tokens but %d positions", newTokens, len(positions))
	}
	if !newV.ShapeEquals(newK) {
		return fmt.Errorf("newK and newV must have same shape, got K=%v, V=%v",
			newK.Shape, newV.Shape)
	}
	for _, p := range positions {
		if p < 0 || p >= c.MaxLength {
			return fmt.Errorf("position %d out of cache range [0, %d)", p, c.MaxLength)
		}
	}

	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			srcBase := (b*numHeads + h) * newTokens * headDim
			dstBase := (b*numHeads + h) * c.MaxLength * headDim
			for t, p := range positions {
				src := srcBase + t*headDim
				dst := dstBase + p*headDim
				copy(c.K.Data[dst:dst+headDim], newK.Data[src:src+headDim])
				copy(c.V.Data[dst:dst+headDim], newV.Data[src:src+headDim])
			}
		}
	}

	for _, p := range positions {
		if p+1 > c.filled {
			c.filled = p + 1
		}
	}

	return nil
}

// Filled returns one past the highest position written since the last
// reset. Attention over the cache attends to positions [0, Filled).
func (c *KVCache) Filled() int {
	return c.filled
}

// BatchSize returns the batch size the cache was allocated for.
func (c *KVCache) BatchSize() int {
	return c.batchSize
}

// Reset empties the cache and zeroes the backing tensors.
func (c *KVCache) Reset() {
	c.filled = 0
	for i := range c.K.Data {
		c.K.Data[i] = 0
	}
	for i := range c.V.Data {
		c.V.Data[i] = 0
	}
}
