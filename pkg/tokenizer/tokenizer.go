// Package tokenizer implements Byte-Pair Encoding (BPE) tokenization
// loaded from Hugging Face format files: tokenizer.json carries the
// vocabulary and merge list, tokenizer_config.json the special token
// configuration. The same files are re-emitted into checkpoint
// directories so a fine-tuned model stays self-describing.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SpaceMarker is the GPT-2 style word-boundary marker used in BPE
// vocabularies: a leading space becomes this rune on the first symbol
// of a word.
const SpaceMarker = "Ġ" // Ġ

// Tokenizer implements greedy BPE over a fixed vocabulary.
type Tokenizer struct {
	vocab   map[string]int // token string -> ID
	inverse map[int]string

	// ranks maps a mergeable symbol pair to its priority; lower rank
	// merges first (learned earlier).
	ranks map[[2]string]int
	// merges keeps the original order for Save.
	merges [][2]string

	bosToken    string
	eosToken    string
	addBOSToken bool
	addEOSToken bool
}

// New creates a tokenizer from an explicit vocabulary and ordered
// merge list.
func New(vocab map[string]int, merges [][2]string) *Tokenizer {
	t := &Tokenizer{
		vocab:   make(map[string]int, len(vocab)),
		inverse: make(map[int]string, len(vocab)),
		ranks:   make(map[[2]string]int, len(merges)),
		merges:  append([][2]string(nil), merges...),
	}
	for tok, id := range vocab {
		t.vocab[tok] = id
		t.inverse[id] = tok
	}
	for i, m := range merges {
		t.ranks[m] = i
	}
	return t
}

// tokenizerJSON mirrors the subset of the HF tokenizer.json schema we
// read and write.
type tokenizerJSON struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []string       `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens,omitempty"`
}

// tokenizerConfigJSON mirrors the subset of tokenizer_config.json we
// read and write.
type tokenizerConfigJSON struct {
	BOSToken    string `json:"bos_token,omitempty"`
	EOSToken    string `json:"eos_token,omitempty"`
	AddBOSToken bool   `json:"add_bos_token"`
	AddEOSToken bool   `json:"add_eos_token"`
}

// Load reads tokenizer.json and tokenizer_config.json from dir.
func Load(dir string) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var tj tokenizerJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	if tj.Model.Type != "" && tj.Model.Type != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model type %q", tj.Model.Type)
	}

	merges := make([][2]string, 0, len(tj.Model.Merges))
	for _, m := range tj.Model.Merges {
		parts := strings.SplitN(m, " ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge entry %q", m)
		}
		merges = append(merges, [2]string{parts[0], parts[1]})
	}

	t := New(tj.Model.Vocab, merges)

	for _, at := range tj.AddedTokens {
		if _, ok := t.vocab[at.Content]; !ok {
			t.vocab[at.Content] = at.ID
			t.inverse[at.ID] = at.Content
		}
	}

	cfgRaw, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer_config.json: %w", err)
	}
	var cfg tokenizerConfigJSON
	if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer_config.json: %w", err)
	}
	t.bosToken = cfg.BOSToken
	t.eosToken = cfg.EOSToken
	t.addBOSToken = cfg.AddBOSToken
	t.addEOSToken = cfg.AddEOSToken

	return t, nil
}

// Save re-emits tokenizer.json and tokenizer_config.json into dir.
func (t *Tokenizer) Save(dir string) error {
	var tj tokenizerJSON
	tj.Model.Type = "BPE"
	tj.Model.Vocab = t.vocab
	for _, m := range t.merges {
		tj.Model.Merges = append(tj.Model.Merges, m[0]+" "+m[1])
	}

	raw, err := json.MarshalIndent(&tj, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokenizer.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write tokenizer.json: %w", err)
	}

	cfg := tokenizerConfigJSON{
		BOSToken:    t.bosToken,
		EOSToken:    t.eosToken,
		AddBOSToken: t.addBOSToken,
		AddEOSToken: t.addEOSToken,
	}
	raw, err = json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokenizer_config.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tokenizer_config.json"), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write tokenizer_config.json: %w", err)
	}
	return nil
}

// VocabSize returns the number of known tokens.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// SetSpecialTokens configures the BOS/EOS tokens and whether Encode
// adds them.
func (t *Tokenizer) SetSpecialTokens(bos, eos string, addBOS, addEOS bool) {
	t.bosToken = bos
	t.eosToken = eos
	t.addBOSToken = addBOS
	t.addEOSToken = addEOS
}

// BOSID returns the BOS token ID, if configured.
func (t *Tokenizer) BOSID() (int, bool) {
	id, ok := t.vocab[t.bosToken]
	return id, ok && t.bosToken != ""
}

// EOSID returns the EOS token ID, if configured.
func (t *Tokenizer) EOSID() (int, bool) {
	id, ok := t.vocab[t.eosToken]
	return id, ok && t.eosToken != ""
}

// Encode converts text to token IDs: words split on spaces, each word
// reduced by greedy rank-ordered BPE merges. BOS/EOS are prepended and
// appended per the tokenizer configuration.
func (t *Tokenizer) Encode(text string) []int {
	var out []int

	if t.addBOSToken {
		if id, ok := t.BOSID(); ok {
			out = append(out, id)
		}
	}

	for _, word := range splitWords(text) {
		for _, sym := range t.bpe(word) {
			if id, ok := t.vocab[sym]; ok {
				out = append(out, id)
				continue
			}
			// Fall back to per-rune symbols for unknown pieces.
			for _, r := range sym {
				if id, ok := t.vocab[string(r)]; ok {
					out = append(out, id)
				}
			}
		}
	}

	if t.addEOSToken {
		if id, ok := t.EOSID(); ok {
			out = append(out, id)
		}
	}

	return out
}

// Decode converts token IDs back to text. Unknown IDs are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		tok, ok := t.inverse[id]
		if !ok {
			continue
		}
		if tok == t.bosToken || tok == t.eosToken {
			continue
		}
		b.WriteString(tok)
	}
	return strings.ReplaceAll(b.String(), SpaceMarker, " ")
}

// splitWords splits text into BPE words, folding each word's leading
// space into the space marker.
func splitWords(text string) []string {
	fields := strings.Fields(text)
	words := make([]string, 0, len(fields))
	for i, f := range fields {
		if i == 0 && !strings.HasPrefix(text, " ") {
			words = append(words, f)
		} else {
			words = append(words, SpaceMarker+f)
		}
	}
	return words
}

// bpe reduces a word to its merged symbol sequence by repeatedly
// applying the lowest-ranked adjacent merge, the standard greedy BPE
// procedure.
func (t *Tokenizer) bpe(word string) []string {
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	// The space marker binds to the first character, matching how HF
	// vocabularies store word-initial symbols.
	if len(symbols) >= 2 && symbols[0] == SpaceMarker {
		symbols = append([]string{SpaceMarker + symbols[1]}, symbols[2:]...)
	}

	for len(symbols) > 1 {
		bestRank := -1
		bestIdx := -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.ranks[[2]string{symbols[i], symbols[i+1]}]; ok {
				if bestRank < 0 || rank < bestRank {
					bestRank = rank
					bestIdx = i
				}
			}
		}
		if bestIdx < 0 {
			break
		}

		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx], append([]string{merged}, symbols[bestIdx+2:]...)...)
	}

	return symbols
}

// TrainFromCorpus builds a small BPE vocabulary from sample texts, for
// self-contained tests and demos. Special tokens come first, then
// single-rune symbols, then learned merges up to vocabSize.
func TrainFromCorpus(corpus []string, vocabSize int, specials []string) *Tokenizer {
	vocab := make(map[string]int)
	for _, s := range specials {
		vocab[s] = len(vocab)
	}

	// Seed with every rune symbol seen, in deterministic order.
	seen := make(map[string]bool)
	var symbols []string
	words := make([][]string, 0)
	for _, text := range corpus {
		for _, w := range splitWords(text) {
			var syms []string
			for _, r := range w {
				syms = append(syms, string(r))
			}
			if len(syms) >= 2 && syms[0] == SpaceMarker {
				syms = append([]string{SpaceMarker + syms[1]}, syms[2:]...)
			}
			words = append(words, syms)
			for _, s := range syms {
				if !seen[s] {
					seen[s] = true
					symbols = append(symbols, s)
				}
			}
		}
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		if _, ok := vocab[s]; !ok {
			vocab[s] = len(vocab)
		}
	}

	var merges [][2]string
	for len(vocab) < vocabSize {
		counts := make(map[[2]string]int)
		for _, syms := range words {
			for i := 0; i < len(syms)-1; i++ {
				counts[[2]string{syms[i], syms[i+1]}]++
			}
		}

		var best [2]string
		bestCount := 0
		for pair, c := range counts {
			if c > bestCount || (c == bestCount && lessPair(pair, best)) {
				bestCount = c
				best = pair
			}
		}
		if bestCount < 2 {
			break
		}

		merges = append(merges, best)
		merged := best[0] + best[1]
		if _, ok := vocab[merged]; !ok {
			vocab[merged] = len(vocab)
		}
		for wi, syms := range words {
			var next []string
			for i := 0; i < len(syms); {
				if i < len(syms)-1 && syms[i] == best[0] && syms[i+1] == best[1] {
					next = append(next, merged)
					i += 2
				} else {
					next = append(next, syms[i])
					i++
				}
			}
			words[wi] = next
		}
	}

	return New(vocab, merges)
}

func lessPair(a, b [2]string) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
