package model

import (
	"fmt"
	"math"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// CausalSelfAttention implements multi-head causal self-attention with
// a fused QKV projection and an optional gated adapter pathway.
//
// Adapter-enabled instances own a small learned embedding table
// (AdapterWTE) whose rows pass through the same K/V projection as the
// input, producing extra key/value context every query may attend to
// without masking. The adapter context is scaled by tanh(GatingFactor)
// and added to the causal attention output before the output
// projection. GatingFactor starts at 0, so a fresh adapter model
// computes exactly what the base model computes.
type CausalSelfAttention struct {
	NHead        int
	HeadSize     int
	NEmbd        int
	BlockSize    int
	PromptLength int // 0 for non-adapter instances

	Attn     *tensor.Tensor // (n_embd, 3*n_embd) fused Q,K,V projection
	AttnBias *tensor.Tensor // (3*n_embd,) or nil
	Proj     *tensor.Tensor // (n_embd, n_embd) output projection
	ProjBias *tensor.Tensor // (n_embd,) or nil

	AdapterWTE   *tensor.Tensor // (prompt_length, n_embd) or nil
	GatingFactor *tensor.Tensor // (1,) or nil

	cache *KVCache // nil until SetKVCache
}

// attnCache holds the forward intermediates Backward needs.
type attnCache struct {
	x      *tensor.Tensor // input (batch, seq, n_embd)
	q      *tensor.Tensor // (batch, heads, seq, head_dim)
	k      *tensor.Tensor
	v      *tensor.Tensor
	probs  *tensor.Tensor // causal attention weights (batch, heads, seq, seq)
	merged *tensor.Tensor // head-merged context pre-projection (batch, seq, n_embd)

	// Adapter pathway (nil when disabled).
	ak    *tensor.Tensor // (heads, prompt, head_dim)
	av    *tensor.Tensor
	aprob *tensor.Tensor // (batch, heads, seq, prompt)
	actx  *tensor.Tensor // (batch, heads, seq, head_dim)
	tanhG float32
}

// NewCausalSelfAttention creates the attention layer for one block.
// adapter selects whether this instance carries the adapter pathway.
func NewCausalSelfAttention(config Config, adapter bool) *CausalSelfAttention {
	a := &CausalSelfAttention{
		NHead:     config.NHead,
		HeadSize:  config.HeadSize(),
		NEmbd:     config.NEmbd,
		BlockSize: config.BlockSize,
		Attn:      tensor.NewTensor([]int{config.NEmbd, 3 * config.NEmbd}),
		Proj:      tensor.NewTensor([]int{config.NEmbd, config.NEmbd}),
	}
	if config.Bias {
		a.AttnBias = tensor.NewTensor([]int{3 * config.NEmbd})
		a.ProjBias = tensor.NewTensor([]int{config.NEmbd})
	}
	if adapter {
		a.PromptLength = config.AdapterPromptLength
		a.AdapterWTE = tensor.NewTensor([]int{config.AdapterPromptLength, config.NEmbd})
		a.GatingFactor = tensor.NewTensor([]int{1})
	}
	return a
}

// adapterEnabled reports whether this instance carries the adapter pathway.
func (a *CausalSelfAttention) adapterEnabled() bool {
	return a.AdapterWTE != nil && a.PromptLength > 0
}

var negInf = float32(math.Inf(-1))

// Forward computes causal self-attention over a full sequence.
//
// Input shape: (batch, seq, n_embd), seq <= BlockSize
// Output shape: (batch, seq, n_embd)
func (a *CausalSelfAttention) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := a.forward(x, false)
	return out, err
}

// ForwardWithCache is Forward plus the intermediates needed by Backward.
func (a *CausalSelfAttention) ForwardWithCache(x *tensor.Tensor) (*tensor.Tensor, *attnCache, error) {
	return a.forward(x, true)
}

func (a *CausalSelfAttention) forward(x *tensor.Tensor, keepCache bool) (*tensor.Tensor, *attnCache, error) {
	if len(x.Shape) != 3 {
		return nil, nil, fmt.Errorf("expected 3D input (batch, seq, n_embd), got shape %v", x.Shape)
	}
	B, T, C := x.Shape[0], x.Shape[1], x.Shape[2]
	if C != a.NEmbd {
		return nil, nil, fmt.Errorf("input dimension %d doesn't match n_embd %d", C, a.NEmbd)
	}
	if T > a.BlockSize {
		return nil, nil, fmt.Errorf("sequence length %d exceeds block size %d", T, a.BlockSize)
	}

	qkv, err := linearForward(x, a.Attn, a.AttnBias)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute qkv projection: %w", err)
	}

	q, k, v, err := a.splitHeads(qkv, B, T)
	if err != nil {
		return nil, nil, err
	}

	scale := float32(1.0 / math.Sqrt(float64(a.HeadSize)))

	// scores = mask(q @ k^T / sqrt(hd)), softmaxed over keys.
	kT, err := k.Transpose(2, 3)
	if err != nil {
		return nil, nil, err
	}
	scores, err := tensor.Matmul(q, kT)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = tensor.ApplyMask(scores.Scale(scale), tensor.CreateCausalMask(T))

	probs := tensor.SoftmaxLast(scores)

	ctx, err := tensor.Matmul(probs, v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention context: %w", err)
	}

	cache := &attnCache{x: x, q: q, k: k, v: v, probs: probs}

	if a.adapterEnabled() {
		if err := a.applyAdapter(q, ctx, B, T, cache); err != nil {
			return nil, nil, err
		}
	}

	merged, err := a.mergeHeads(ctx, B, T)
	if err != nil {
		return nil, nil, err
	}
	cache.merged = merged

	out, err := linearForward(merged, a.Proj, a.ProjBias)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute output projection: %w", err)
	}

	if !keepCache {
		return out, nil, nil
	}
	return out, cache, nil
}

// applyAdapter computes the adapter pathway and adds the gated adapter
// context into ctx in place. Adapter keys and values derive from
// AdapterWTE through the shared KV projection; adapter attention is
// unmasked.
func (a *CausalSelfAttention) applyAdapter(q, ctx *tensor.Tensor, B, T int, cache *attnCache) error {
	H, hd, C, P := a.NHead, a.HeadSize, a.NEmbd, a.PromptLength
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	akv, err := linearForward(a.AdapterWTE, a.Attn, a.AttnBias)
	if err != nil {
		return fmt.Errorf("failed to project adapter embeddings: %w", err)
	}

	// Split the K and V slices of the fused projection into heads.
	ak := tensor.NewTensor([]int{H, P, hd})
	av := tensor.NewTensor([]int{H, P, hd})
	for p := 0; p < P; p++ {
		rowOff := p * 3 * C
		for h := 0; h < H; h++ {
			dst := (h*P + p) * hd
			for d := 0; d < hd; d++ {
				col := h*hd + d
				ak.Data[dst+d] = akv.Data[rowOff+C+col]
				av.Data[dst+d] = akv.Data[rowOff+2*C+col]
			}
		}
	}

	ascores := tensor.NewTensor([]int{B, H, T, P})
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			base := (b*H + h) * T
			for i := 0; i < T; i++ {
				qOff := (base + i) * hd
				for p := 0; p < P; p++ {
					akOff := (h*P + p) * hd
					sum := float32(0)
					for d := 0; d < hd; d++ {
						sum += q.Data[qOff+d] * ak.Data[akOff+d]
					}
					ascores.Data[(base+i)*P+p] = sum * scale
				}
			}
		}
	}

	aprob := tensor.SoftmaxLast(ascores)

	actx := tensor.NewTensor([]int{B, H, T, hd})
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			base := (b*H + h) * T
			for i := 0; i < T; i++ {
				cOff := (base + i) * hd
				for p := 0; p < P; p++ {
					w := aprob.Data[(base+i)*P+p]
					avOff := (h*P + p) * hd
					for d := 0; d < hd; d++ {
						actx.Data[cOff+d] += w * av.Data[avOff+d]
					}
				}
			}
		}
	}

	tg := a.GatingFactor.Tanh().Data[0]
	ctx.AddScaled(actx, tg)

	cache.ak = ak
	cache.av = av
	cache.aprob = aprob
	cache.actx = actx
	cache.tanhG = tg
	return nil
}

// ForwardDecode computes attention for new tokens at explicit absolute
// positions, reading and updating the KV cache. SetKVCache must have
// been called on the owning model first.
//
// Input shapes:
//   - x: (batch, len(inputPos), n_embd)
//   - inputPos: absolute position of each new token
func (a *CausalSelfAttention) ForwardDecode(x *tensor.Tensor, inputPos []int) (*tensor.Tensor, error) {
	if a.cache == nil {
		return nil, fmt.Errorf("decode requires a KV cache; call SetKVCache first")
	}
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, n_embd), got shape %v", x.Shape)
	}
	B, T := x.Shape[0], x.Shape[1]
	if T != len(inputPos) {
		return nil, fmt.Errorf("got %d tokens but %d positions", T, len(inputPos))
	}
	for _, p := range inputPos {
		if p < 0 || p >= a.BlockSize {
			return nil, fmt.Errorf("input position %d out of range [0, %d)", p, a.BlockSize)
		}
	}

	qkv, err := linearForward(x, a.Attn, a.AttnBias)
	if err != nil {
		return nil, fmt.Errorf("failed to compute qkv projection: %w", err)
	}
	q, k, v, err := a.splitHeads(qkv, B, T)
	if err != nil {
		return nil, err
	}

	if err := a.cache.WriteAt(inputPos, k, v); err != nil {
		return nil, fmt.Errorf("failed to update kv cache: %w", err)
	}

	H, hd := a.NHead, a.HeadSize
	L := a.cache.Filled()
	maxLen := a.cache.MaxLength
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	scores := tensor.NewTensor([]int{B, H, T, L})
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			qBase := (b*H + h) * T
			kBase := (b*H + h) * maxLen
			for i := 0; i < T; i++ {
				qOff := (qBase + i) * hd
				for j := 0; j < L; j++ {
					idx := (qBase+i)*L + j
					if j > inputPos[i] {
						scores.Data[idx] = negInf
						continue
					}
					kOff := (kBase + j) * hd
					sum := float32(0)
					for d := 0; d < hd; d++ {
						sum += q.Data[qOff+d] * a.cache.K.Data[kOff+d]
					}
					scores.Data[idx] = sum * scale
				}
			}
		}
	}

	probs := tensor.SoftmaxLast(scores)

	ctx := tensor.NewTensor([]int{B, H, T, hd})
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			qBase := (b*H + h) * T
			vBase := (b*H + h) * maxLen
			for i := 0; i < T; i++ {
				cOff := (qBase + i) * hd
				for j := 0; j < L; j++ {
					p := probs.Data[(qBase+i)*L+j]
					if p == 0 {
						continue
					}
					vOff := (vBase + j) * hd
					for d := 0; d < hd; d++ {
						ctx.Data[cOff+d] += p * a.cache.V.Data[vOff+d]
					}
				}
			}
		}
	}

	if a.adapterEnabled() {
		// Adapter context does not depend on position and is never cached.
		scratch := &attnCache{}
		if err := a.applyAdapter(q, ctx, B, T, scratch); err != nil {
			return nil, err
		}
	}

	merged, err := a.mergeHeads(ctx, B, T)
	if err != nil {
		return nil, err
	}
	out, err := linearForward(merged, a.Proj, a.ProjBias)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output projection: %w", err)
	}
	return out, nil
}

// Backward propagates dout through the attention layer, accumulating
// parameter gradients (including AdapterWTE and GatingFactor on
// adapter instances) and returning dx.
func (a *CausalSelfAttention) Backward(dout *tensor.Tensor, cache *attnCache) *tensor.Tensor {
	B := cache.x.Shape[0]
	T := cache.x.Shape[1]
	H, hd := a.NHead, a.HeadSize
	scale := float32(1.0 / math.Sqrt(float64(hd)))

	dmerged := linearBackward(cache.merged, a.Proj, a.ProjBias, dout)
	dctx := a.splitMerged(dmerged, B, T)

	dq := tensor.NewTensor([]int{B, H, T, hd})
	dk := tensor.NewTensor([]int{B, H, T, hd})
	dv := tensor.NewTensor([]int{B, H, T, hd})

	if a.adapterEnabled() {
		a.adapterBackward(dctx, cache, dq, B, T, scale)
	}

	// Causal branch.
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			base := (b*H + h) * T
			for i := 0; i < T; i++ {
				cOff := (base + i) * hd

				// dp over attended positions, then softmax backward.
				dp := make([]float32, i+1)
				var dot float32
				for j := 0; j <= i; j++ {
					vOff := (base + j) * hd
					sum := float32(0)
					for d := 0; d < hd; d++ {
						sum += dctx.Data[cOff+d] * cache.v.Data[vOff+d]
					}
					dp[j] = sum
					dot += sum * cache.probs.Data[(base+i)*T+j]
				}

				for j := 0; j <= i; j++ {
					p := cache.probs.Data[(base+i)*T+j]
					ds := p * (dp[j] - dot) * scale
					qOff := (base + i) * hd
					kOff := (base + j) * hd
					vOff := (base + j) * hd
					for d := 0; d < hd; d++ {
						dq.Data[qOff+d] += ds * cache.k.Data[kOff+d]
						dk.Data[kOff+d] += ds * cache.q.Data[qOff+d]
						dv.Data[vOff+d] += p * dctx.Data[cOff+d]
					}
				}
			}
		}
	}

	dqkv := a.mergeQKVGrads(dq, dk, dv, B, T)
	return linearBackward(cache.x, a.Attn, a.AttnBias, dqkv)
}

// adapterBackward handles the adapter branch: gradients for the gating
// factor and adapter embeddings, plus the adapter contribution to dq.
func (a *CausalSelfAttention) adapterBackward(dctx *tensor.Tensor, cache *attnCache, dq *tensor.Tensor, B, T int, scale float32) {
	H, hd, C, P := a.NHead, a.HeadSize, a.NEmbd, a.PromptLength

	// dg = (1 - tanh^2(g)) * sum(dctx * actx)
	var sum float64
	for i := range dctx.Data {
		sum += float64(dctx.Data[i]) * float64(cache.actx.Data[i])
	}
	a.GatingFactor.EnsureGrad()
	a.GatingFactor.Grad[0] += float32(sum) * (1 - cache.tanhG*cache.tanhG)

	tg := cache.tanhG
	dak := tensor.NewTensor([]int{H, P, hd})
	dav := tensor.NewTensor([]int{H, P, hd})

	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			base := (b*H + h) * T
			for i := 0; i < T; i++ {
				cOff := (base + i) * hd

				dp := make([]float32, P)
				var dot float32
				for p := 0; p < P; p++ {
					avOff := (h*P + p) * hd
					s := float32(0)
					for d := 0; d < hd; d++ {
						s += tg * dctx.Data[cOff+d] * cache.av.Data[avOff+d]
					}
					dp[p] = s
					dot += s * cache.aprob.Data[(base+i)*P+p]
				}

				qOff := (base + i) * hd
				for p := 0; p < P; p++ {
					w := cache.aprob.Data[(base+i)*P+p]
					ds := w * (dp[p] - dot) * scale
					akOff := (h*P + p) * hd
					for d := 0; d < hd; d++ {
						dq.Data[qOff+d] += ds * cache.ak.Data[akOff+d]
						dak.Data[akOff+d] += ds * cache.q.Data[qOff+d]
						dav.Data[akOff+d] += w * tg * dctx.Data[cOff+d]
					}
				}
			}
		}
	}

	// Back through the shared KV projection: akv = AdapterWTE @ Attn + bias.
	dakv := tensor.NewTensor([]int{P, 3 * C})
	for p := 0; p < P; p++ {
		rowOff := p * 3 * C
		for h := 0; h < H; h++ {
			src := (h*P + p) * hd
			for d := 0; d < hd; d++ {
				col := h*hd + d
				dakv.Data[rowOff+C+col] = dak.Data[src+d]
				dakv.Data[rowOff+2*C+col] = dav.Data[src+d]
			}
		}
	}

	dwte := linearBackward(a.AdapterWTE, a.Attn, a.AttnBias, dakv)
	a.AdapterWTE.AccumulateGrad(dwte)
}

// splitHeads slices the fused (batch, seq, 3*n_embd) projection into
// per-head Q, K, V tensors of shape (batch, heads, seq, head_dim).
func (a *CausalSelfAttention) splitHeads(qkv *tensor.Tensor, B, T int) (q, k, v *tensor.Tensor, err error) {
	H, hd, C := a.NHead, a.HeadSize, a.NEmbd

	part := func(idx int) (*tensor.Tensor, error) {
		cols, err := qkv.SliceN([]int{0, 0, idx * C}, []int{B, T, (idx + 1) * C})
		if err != nil {
			return nil, err
		}
		headed, err := cols.View([]int{B, T, H, hd})
		if err != nil {
			return nil, err
		}
		return headed.Transpose(1, 2)
	}

	if q, err = part(0); err != nil {
		return nil, nil, nil, err
	}
	if k, err = part(1); err != nil {
		return nil, nil, nil, err
	}
	if v, err = part(2); err != nil {
		return nil, nil, nil, err
	}
	return q, k, v, nil
}

// mergeQKVGrads is the adjoint of splitHeads.
func (a *CausalSelfAttention) mergeQKVGrads(dq, dk, dv *tensor.Tensor, B, T int) *tensor.Tensor {
	H, hd, C := a.NHead, a.HeadSize, a.NEmbd
	dqkv := tensor.NewTensor([]int{B, T, 3 * C})

	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			rowOff := (b*T + t) * 3 * C
			for h := 0; h < H; h++ {
				src := ((b*H+h)*T + t) * hd
				for d := 0; d < hd; d++ {
					col := h*hd + d
					dqkv.Data[rowOff+col] = dq.Data[src+d]
					dqkv.Data[rowOff+C+col] = dk.Data[src+d]
					dqkv.Data[rowOff+2*C+col] = dv.Data[src+d]
				}
			}
		}
	}
	return dqkv
}

// mergeHeads converts (batch, heads, seq, head_dim) context back to
// (batch, seq, n_embd).
func (a *CausalSelfAttention) mergeHeads(ctx *tensor.Tensor, B, T int) (*tensor.Tensor, error) {
	byToken, err := ctx.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	return byToken.View([]int{B, T, a.NEmbd})
}

// splitMerged is the adjoint of mergeHeads.
func (a *CausalSelfAttention) splitMerged(dmerged *tensor.Tensor, B, T int) *tensor.Tensor {
	headed := dmerged.Reshape([]int{B, T, a.NHead, a.HeadSize})
	dctx, err := headed.Transpose(1, 2)
	if err != nil {
		panic(err)
	}
	return dctx
}
