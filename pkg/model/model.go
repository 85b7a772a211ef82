package model

import (
	"fmt"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// GPT is the complete decoder-only transformer.
//
// Architecture:
//  1. Token embeddings: (padded_vocab_size, n_embd)
//  2. Learned positional embeddings: (block_size, n_embd)
//  3. Stack of NLayer pre-norm transformer blocks
//  4. Final layer norm
//  5. Language-model head: (n_embd, padded_vocab_size), no bias
//
// Blocks at index >= AdapterStartLayer carry the gated adapter pathway
// when AdapterPromptLength > 0.
type GPT struct {
	Config Config

	WTE    *tensor.Tensor // (padded_vocab_size, n_embd)
	WPE    *tensor.Tensor // (block_size, n_embd)
	Blocks []*Block
	LnF    *LayerNorm
	LMHead *tensor.Tensor // (n_embd, padded_vocab_size)
}

// NamedParam pairs a learnable tensor with its dotted path. The path
// scheme follows the transformer.h.{i} convention, e.g.
// transformer.h.3.attn.adapter_wte.weight.
type NamedParam struct {
	Path   string
	Tensor *tensor.Tensor
}

// NewGPT creates a model with all weights allocated (zeroed). Call
// InitWeights or LoadStateDict before use.
func NewGPT(config Config) (*GPT, error) {
	config.fillDerived()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := &GPT{
		Config: config,
		WTE:    tensor.NewTensor([]int{config.PaddedVocabSize, config.NEmbd}),
		WPE:    tensor.NewTensor([]int{config.BlockSize, config.NEmbd}),
		Blocks: make([]*Block, config.NLayer),
		LnF:    NewLayerNorm(config.NEmbd, config.NormEps),
		LMHead: tensor.NewTensor([]int{config.NEmbd, config.PaddedVocabSize}),
	}
	for i := 0; i < config.NLayer; i++ {
		m.Blocks[i] = NewBlock(config, i)
	}
	return m, nil
}

// Forward computes full-sequence logits.
//
// Input shape: (batch, seq) token indices
// Output shape: (batch, seq, padded_vocab_size)
func (m *GPT) Forward(idx *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.embed(idx, nil)
	if err != nil {
		return nil, err
	}

	for i, block := range m.Blocks {
		x, err = block.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
	}

	x, err = m.LnF.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}

	logits, err := linearForward(x, m.LMHead, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute logits: %w", err)
	}
	return logits, nil
}

// ForwardDecode computes logits for new tokens at explicit absolute
// positions using the KV caches. SetKVCache must be called first.
//
// Input shapes:
//   - idx: (batch, len(inputPos)) token indices
//   - inputPos: absolute position of each token
func (m *GPT) ForwardDecode(idx *tensor.Tensor, inputPos []int) (*tensor.Tensor, error) {
	if m.Blocks[0].Attn.cache == nil {
		return nil, fmt.Errorf("decode requires a KV cache; call SetKVCache first")
	}
	for _, p := range inputPos {
		if p < 0 || p >= m.Config.BlockSize {
			return nil, fmt.Errorf("input position %d out of range [0, %d)", p, m.Config.BlockSize)
		}
	}

	x, err := m.embed(idx, inputPos)
	if err != nil {
		return nil, err
	}

	for i, block := range m.Blocks {
		x, err = block.ForwardDecode(x, inputPos)
		if err != nil {
			return nil, fmt.Errorf("failed in transformer block %d: %w", i, err)
		}
	}

	x, err = m.LnF.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("failed to apply final layer norm: %w", err)
	}

	logits, err := linearForward(x, m.LMHead, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to compute logits: %w", err)
	}
	return logits, nil
}

// embed looks up token embeddings and adds positional embeddings. When
// inputPos is nil, positions 0..seq-1 are used.
func (m *GPT) embed(idx *tensor.Tensor, inputPos []int) (*tensor.Tensor, error) {
	if len(idx.Shape) != 2 {
		return nil, fmt.Errorf("expected 2D input (batch, seq), got %dD", len(idx.Shape))
	}
	B, T := idx.Shape[0], idx.Shape[1]
	if T > m.Config.BlockSize {
		return nil, fmt.Errorf("sequence length %d exceeds block size %d", T, m.Config.BlockSize)
	}
	if inputPos != nil && len(inputPos) != T {
		return nil, fmt.Errorf("got %d tokens but %d positions", T, len(inputPos))
	}

	C := m.Config.NEmbd
	vocab := m.Config.PaddedVocabSize
	x := tensor.NewTensor([]int{B, T, C})

	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			tokenID := int(idx.Data[b*T+t])
			if tokenID < 0 || tokenID >= vocab {
				return nil, fmt.Errorf("invalid token ID %d at position (%d, %d), padded vocab size is %d",
					tokenID, b, t, vocab)
			}
			pos := t
			if inputPos != nil {
				pos = inputPos[t]
			}

			dst := (b*T + t) * C
			tokOff := tokenID * C
			posOff := pos * C
			for c := 0; c < C; c++ {
				x.Data[dst+c] = m.WTE.Data[tokOff+c] + m.WPE.Data[posOff+c]
			}
		}
	}
	return x, nil
}

// SetKVCache allocates per-block KV caches for the given batch size.
// Calling it again with the same batch size keeps the existing caches;
// a different batch size reallocates and invalidates them.
func (m *GPT) SetKVCache(batchSize int) {
	for _, block := range m.Blocks {
		attn := block.Attn
		if attn.cache != nil && attn.cache.BatchSize() == batchSize {
			continue
		}
		attn.cache = NewKVCache(batchSize, m.Config.NHead, m.Config.BlockSize, m.Config.HeadSize())
	}
}

// ResetKVCache empties the caches without deallocating them.
func (m *GPT) ResetKVCache() {
	for _, block := range m.Blocks {
		if block.Attn.cache != nil {
			block.Attn.cache.Reset()
		}
	}
}

// ClearKVCache drops the caches entirely.
func (m *GPT) ClearKVCache() {
	for _, block := range m.Blocks {
		block.Attn.cache = nil
	}
}

// NamedParameters returns every learnable tensor with its dotted path,
// in a stable order. The order doubles as the state-dict order.
func (m *GPT) NamedParameters() []NamedParam {
	params := []NamedParam{
		{"transformer.wte.weight", m.WTE},
		{"transformer.wpe.weight", m.WPE},
	}
	for i, block := range m.Blocks {
		prefix := fmt.Sprintf("transformer.h.%d.", i)
		params = append(params,
			NamedParam{prefix + "norm_1.weight", block.Norm1.Scale},
			NamedParam{prefix + "norm_1.bias", block.Norm1.Shift},
			NamedParam{prefix + "attn.attn.weight", block.Attn.Attn},
		)
		if block.Attn.AttnBias != nil {
			params = append(params, NamedParam{prefix + "attn.attn.bias", block.Attn.AttnBias})
		}
		params = append(params, NamedParam{prefix + "attn.proj.weight", block.Attn.Proj})
		if block.Attn.ProjBias != nil {
			params = append(params, NamedParam{prefix + "attn.proj.bias", block.Attn.ProjBias})
		}
		if block.Attn.AdapterWTE != nil {
			params = append(params,
				NamedParam{prefix + "attn.adapter_wte.weight", block.Attn.AdapterWTE},
				NamedParam{prefix + "attn.gating_factor", block.Attn.GatingFactor},
			)
		}
		params = append(params,
			NamedParam{prefix + "norm_2.weight", block.Norm2.Scale},
			NamedParam{prefix + "norm_2.bias", block.Norm2.Shift},
			NamedParam{prefix + "mlp.fc.weight", block.MLP.FC},
		)
		if block.MLP.FCB != nil {
			params = append(params, NamedParam{prefix + "mlp.fc.bias", block.MLP.FCB})
		}
		params = append(params, NamedParam{prefix + "mlp.proj.weight", block.MLP.Proj})
		if block.MLP.ProjB != nil {
			params = append(params, NamedParam{prefix + "mlp.proj.bias", block.MLP.ProjB})
		}
	}
	params = append(params,
		NamedParam{"transformer.ln_f.weight", m.LnF.Scale},
		NamedParam{"transformer.ln_f.bias", m.LnF.Shift},
		NamedParam{"lm_head.weight", m.LMHead},
	)
	return params
}

// AdapterFilter reports whether a dotted parameter path belongs to the
// adapter: any path component containing adapter_wte or gating_factor.
func AdapterFilter(path string) bool {
	for _, part := range strings.Split(path, ".") {
		if strings.Contains(part, "adapter_wte") || strings.Contains(part, "gating_factor") {
			return true
		}
	}
	return false
}

// AdapterParameters returns the adapter-only subset of NamedParameters.
func (m *GPT) AdapterParameters() []NamedParam {
	var out []NamedParam
	for _, p := range m.NamedParameters() {
		if AdapterFilter(p.Path) {
			out = append(out, p)
		}
	}
	return out
}

// InitWeights initializes all weights from the given seed.
//
// Embedding and linear weight matrices draw from normal(0, 0.02);
// biases and norm parameters are set deterministically (zeros, and
// ones for norm scales). Base parameters are drawn before adapter
// parameters, so a base model and an adapter model sharing a seed get
// identical base weights. A final fix-up pass forces every gating
// factor to exactly 0; the pass runs unconditionally, so calling
// InitWeights again restores the invariant even after mutation.
func (m *GPT) InitWeights(seed uint64) {
	normal := distuv.Normal{
		Mu:    0,
		Sigma: 0.02,
		Src:   rand.NewSource(seed),
	}

	var adapterParams []NamedParam
	for _, p := range m.NamedParameters() {
		if AdapterFilter(p.Path) {
			adapterParams = append(adapterParams, p)
			continue
		}
		initParam(p, normal)
	}
	for _, p := range adapterParams {
		initParam(p, normal)
	}

	// Zero-init gating keeps a fresh adapter model numerically
	// identical to the base model.
	for _, block := range m.Blocks {
		if block.Attn.GatingFactor != nil {
			block.Attn.GatingFactor.Fill(0)
		}
	}
}

func initParam(p NamedParam, normal distuv.Normal) {
	switch {
	case strings.Contains(p.Path, "norm_1") || strings.Contains(p.Path, "norm_2") ||
		strings.Contains(p.Path, "ln_f"):
		if strings.HasSuffix(p.Path, ".weight") {
			p.Tensor.Fill(1)
		} else {
			p.Tensor.Fill(0)
		}
	case strings.HasSuffix(p.Path, ".bias"), strings.HasSuffix(p.Path, "gating_factor"):
		p.Tensor.Fill(0)
	default:
		for i := range p.Tensor.Data {
			p.Tensor.Data[i] = float32(normal.Rand())
		}
	}
}

// StateDict returns the full ordered parameter list. It is an alias of
// NamedParameters kept for symmetry with LoadStateDict.
func (m *GPT) StateDict() []NamedParam {
	return m.NamedParameters()
}

// LoadStateDict copies values from sd into the model's parameters by
// path. In strict mode every model parameter must be present in sd and
// every sd entry must match a model parameter. In lenient mode missing
// adapter entries are skipped (loading base weights into an adapter
// model) but unknown entries are still an error.
func (m *GPT) LoadStateDict(sd map[string]*tensor.Tensor, strict bool) error {
	seen := make(map[string]bool, len(sd))
	for _, p := range m.NamedParameters() {
		src, ok := sd[p.Path]
		if !ok {
			if strict {
				return fmt.Errorf("state dict missing parameter %s", p.Path)
			}
			if !AdapterFilter(p.Path) {
				return fmt.Errorf("state dict missing base parameter %s", p.Path)
			}
			continue
		}
		seen[p.Path] = true
		if len(src.Data) != len(p.Tensor.Data) {
			return fmt.Errorf("parameter %s size mismatch: model %v, state dict %v",
				p.Path, p.Tensor.Shape, src.Shape)
		}
		copy(p.Tensor.Data, src.Data)
	}
	for path := range sd {
		if !seen[path] {
			return fmt.Errorf("state dict contains unknown parameter %s", path)
		}
	}
	return nil
}

// NumParameters returns the total and adapter-only parameter counts.
func (m *GPT) NumParameters() (total, adapter int) {
	for _, p := range m.NamedParameters() {
		n := len(p.Tensor.Data)
		total += n
		if AdapterFilter(p.Path) {
			adapter += n
		}
	}
	return total, adapter
}
