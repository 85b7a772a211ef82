package model

import (
	"math/rand"
	"testing"
)

func generateTestModel(t *testing.T) *GPT {
	t.Helper()
	m, err := NewGPT(testConfig())
	if err != nil {
		t.Fatalf("NewGPT failed: %v", err)
	}
	m.InitWeights(42)
	return m
}

func TestGenerateGreedyDeterministic(t *testing.T) {
	m := generateTestModel(t)
	prompt := []int{2, 5, 7}
	opts := GenerateOptions{MaxNewTokens: 6, Temperature: 0, EOSToken: -1}

	first, err := Generate(m, prompt, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := Generate(m, prompt, opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(first) != len(prompt)+opts.MaxNewTokens {
		t.Fatalf("got %d tokens, want %d", len(first), len(prompt)+opts.MaxNewTokens)
	}
	for i := range prompt {
		if first[i] != prompt[i] {
			t.Fatalf("output does not start with the prompt at %d", i)
		}
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("greedy runs diverge at %d: %d vs %d", i, first[i], second[i])
		}
	}
	for _, tok := range first {
		if tok < 0 || tok >= m.Config.VocabSize {
			t.Fatalf("token %d outside vocabulary", tok)
		}
	}
}

func TestGenerateStopsAtBlockSize(t *testing.T) {
	m := generateTestModel(t)
	prompt := []int{1, 2, 3}

	out, err := Generate(m, prompt, GenerateOptions{
		MaxNewTokens: m.Config.BlockSize * 2,
		EOSToken:     -1,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(out) > m.Config.BlockSize {
		t.Errorf("generated %d tokens, block size is %d", len(out), m.Config.BlockSize)
	}
}

func TestGenerateStopsAtEOS(t *testing.T) {
	m := generateTestModel(t)

	// Greedy decoding is deterministic, so run once to learn the first
	// generated token, then declare it the EOS token.
	first, err := Generate(m, []int{4, 8}, GenerateOptions{MaxNewTokens: 1, EOSToken: -1})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	eos := first[len(first)-1]

	out, err := Generate(m, []int{4, 8}, GenerateOptions{MaxNewTokens: 10, EOSToken: eos})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d tokens, want 3 (prompt + eos)", len(out))
	}
	if out[2] != eos {
		t.Errorf("last token = %d, want eos %d", out[2], eos)
	}
}

func TestGenerateErrors(t *testing.T) {
	m := generateTestModel(t)

	if _, err := Generate(m, nil, GenerateOptions{MaxNewTokens: 1}); err == nil {
		t.Error("expected error for empty prompt")
	}

	long := make([]int, m.Config.BlockSize)
	if _, err := Generate(m, long, GenerateOptions{MaxNewTokens: 1}); err == nil {
		t.Error("expected error for prompt filling the block size")
	}
}

// Generation leaves no cache behind, so a later full forward still works.
func TestGenerateClearsCache(t *testing.T) {
	m := generateTestModel(t)

	if _, err := Generate(m, []int{1, 2}, GenerateOptions{MaxNewTokens: 2, EOSToken: -1}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if m.Blocks[0].Attn.cache != nil {
		t.Error("Generate left a KV cache attached")
	}
	if _, err := m.Forward(testInput(t, 3, 4, 5)); err != nil {
		t.Errorf("forward after Generate failed: %v", err)
	}
}

func TestSampleTokenTopK(t *testing.T) {
	rng := rand.New(rand.NewSource(0))
	logits := []float32{0.1, 5.0, 0.2, 4.0, 0.3}

	// With k=2 only the two highest-logit tokens are reachable.
	for i := 0; i < 50; i++ {
		got := sampleToken(logits, len(logits), 1.0, 2, rng)
		if got != 1 && got != 3 {
			t.Fatalf("top-2 sampling produced token %d", got)
		}
	}

	// Padded tail entries are never sampled even with huge logits.
	padded := []float32{0.1, 0.2, 100.0}
	for i := 0; i < 50; i++ {
		if got := sampleToken(padded, 2, 1.0, 0, rng); got >= 2 {
			t.Fatalf("sampled padded token %d", got)
		}
	}
}
