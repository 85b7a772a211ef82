package model

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// GenerateOptions controls sampling during generation.
type GenerateOptions struct {
	MaxNewTokens int
	Temperature  float32 // 0 = greedy
	TopK         int     // 0 = no truncation
	EOSToken     int     // -1 = never stop early
	Seed         int64
}

// Generate produces up to MaxNewTokens continuation tokens for a
// single prompt using KV-cached decoding: the prompt is prefilled in
// one pass, then tokens decode one at a time.
//
// The prompt plus the generated tokens never exceed the model's block
// size; generation stops early at the limit or on EOSToken.
func Generate(m *GPT, prompt []int, opts GenerateOptions) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("prompt must not be empty")
	}
	if len(prompt) >= m.Config.BlockSize {
		return nil, fmt.Errorf("prompt length %d must be below block size %d",
			len(prompt), m.Config.BlockSize)
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	m.SetKVCache(1)
	m.ResetKVCache()
	defer m.ClearKVCache()

	// Prefill the prompt in one pass.
	idx := tensor.NewTensor([]int{1, len(prompt)})
	pos := make([]int, len(prompt))
	for i, t := range prompt {
		idx.Data[i] = float32(t)
		pos[i] = i
	}

	logits, err := m.ForwardDecode(idx, pos)
	if err != nil {
		return nil, fmt.Errorf("prefill failed: %w", err)
	}

	out := append([]int(nil), prompt...)
	vocab := m.Config.PaddedVocabSize

	for i := 0; i < opts.MaxNewTokens; i++ {
		// Logits of the last produced position.
		last := logits.Data[len(logits.Data)-vocab:]
		next := sampleToken(last, m.Config.VocabSize, opts.Temperature, opts.TopK, rng)

		out = append(out, next)
		if opts.EOSToken >= 0 && next == opts.EOSToken {
			break
		}
		if len(out) >= m.Config.BlockSize {
			break
		}

		step := tensor.NewTensor([]int{1, 1})
		step.Data[0] = float32(next)
		logits, err = m.ForwardDecode(step, []int{len(out) - 1})
		if err != nil {
			return nil, fmt.Errorf("decode step %d failed: %w", i, err)
		}
	}

	return out, nil
}

// sampleToken picks the next token from a logits row. Padded vocab
// entries beyond vocabSize are never sampled.
func sampleToken(logits []float32, vocabSize int, temperature float32, topK int, rng *rand.Rand) int {
	logits = logits[:vocabSize]

	if temperature <= 0 {
		best := 0
		for v := 1; v < len(logits); v++ {
			if logits[v] > logits[best] {
				best = v
			}
		}
		return best
	}

	type scored struct {
		id    int
		logit float32
	}
	cand := make([]scored, len(logits))
	for v, l := range logits {
		cand[v] = scored{v, l / temperature}
	}

	if topK > 0 && topK < len(cand) {
		sort.Slice(cand, func(i, j int) bool { return cand[i].logit > cand[j].logit })
		cand = cand[:topK]
	}

	maxLogit := cand[0].logit
	for _, c := range cand {
		if c.logit > maxLogit {
			maxLogit = c.logit
		}
	}

	var sum float64
	probs := make([]float64, len(cand))
	for i, c := range cand {
		p := math.Exp(float64(c.logit - maxLogit))
		probs[i] = p
		sum += p
	}

	r := rng.Float64() * sum
	for i, p := range probs {
		r -= p
		if r <= 0 {
			return cand[i].id
		}
	}
	return cand[len(cand)-1].id
}
