// Package model implements a decoder-only transformer with an optional
// gated adapter pathway for parameter-efficient fine-tuning.
//
// The adapter design follows the prefix-adapter scheme: selected layers
// own a small learned embedding table whose projections act as extra
// key/value context, blended into causal attention through a learned,
// zero-initialized gating scalar. With the gate at zero the adapter
// model is numerically identical to the base model, so pretrained base
// weights can be loaded unchanged.
package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default adapter hyperparameters applied when a preset or config file
// does not specify them.
const (
	DefaultAdapterPromptLength = 10
	DefaultAdapterStartLayer   = 2
)

// Config holds the model hyperparameters.
//
// The two Adapter* fields are strictly additive: zeroing them yields
// the configuration of the non-adapter base model with the same name.
type Config struct {
	// Name identifies the preset this config derives from.
	Name string `yaml:"name,omitempty"`

	// BlockSize is the maximum sequence length the model can process.
	BlockSize int `yaml:"block_size"`

	// VocabSize is the tokenizer vocabulary size.
	VocabSize int `yaml:"vocab_size"`

	// PaddedVocabSize is VocabSize rounded up to a multiple of
	// PaddingMultiple; embedding and head matrices use this size.
	PaddedVocabSize int `yaml:"padded_vocab_size,omitempty"`

	// PaddingMultiple is the alignment used to pad the vocabulary.
	PaddingMultiple int `yaml:"padding_multiple,omitempty"`

	// NLayer is the number of transformer blocks.
	NLayer int `yaml:"n_layer"`

	// NHead is the number of attention heads.
	NHead int `yaml:"n_head"`

	// NEmbd is the embedding (model) width.
	NEmbd int `yaml:"n_embd"`

	// IntermediateSize is the MLP hidden width (4*NEmbd when zero).
	IntermediateSize int `yaml:"intermediate_size,omitempty"`

	// Bias controls whether linear projections carry bias terms.
	Bias bool `yaml:"bias"`

	// NormEps is the layer-norm epsilon.
	NormEps float32 `yaml:"norm_eps,omitempty"`

	// AdapterPromptLength is the number of learned adapter tokens
	// prepended to the attention context of adapter-enabled layers.
	// Zero disables the adapter pathway entirely.
	//
	// The adapter fields never carry omitempty: Save must write them
	// even when zero, or ConfigFromFile would fill the defaults back
	// in and reload a trained checkpoint with adapters on the wrong
	// layers.
	AdapterPromptLength int `yaml:"adapter_prompt_length"`

	// AdapterStartLayer is the first block index (0-based) with the
	// adapter pathway enabled.
	AdapterStartLayer int `yaml:"adapter_start_layer"`
}

// presets holds the named base configurations. Adapter fields are left
// zero here; FromName fills in the adapter defaults.
var presets = []Config{
	{
		Name:             "pythia-14m",
		BlockSize:        512,
		VocabSize:        50254,
		PaddingMultiple:  128,
		NLayer:           6,
		NHead:            4,
		NEmbd:            128,
		IntermediateSize: 512,
		Bias:             true,
		NormEps:          1e-5,
	},
	{
		Name:             "pythia-31m",
		BlockSize:        1024,
		VocabSize:        50254,
		PaddingMultiple:  128,
		NLayer:           6,
		NHead:            8,
		NEmbd:            256,
		IntermediateSize: 1024,
		Bias:             true,
		NormEps:          1e-5,
	},
	{
		Name:             "pythia-70m",
		BlockSize:        2048,
		VocabSize:        50254,
		PaddingMultiple:  128,
		NLayer:           6,
		NHead:            8,
		NEmbd:            512,
		IntermediateSize: 2048,
		Bias:             true,
		NormEps:          1e-5,
	},
}

// FindMultiple returns the smallest multiple of k that is >= n.
func FindMultiple(n, k int) int {
	if k <= 0 {
		panic(fmt.Sprintf("FindMultiple: k must be positive, got %d", k))
	}
	if n%k == 0 {
		return n
	}
	return n + k - n%k
}

// BaseFromName returns the non-adapter preset configuration.
func BaseFromName(name string) (Config, error) {
	for _, p := range presets {
		if p.Name == name {
			cfg := p
			cfg.fillDerived()
			return cfg, nil
		}
	}
	return Config{}, fmt.Errorf("unknown model name %q", name)
}

// FromName returns the adapter configuration for a named preset: the
// base preset plus the default adapter fields.
func FromName(name string) (Config, error) {
	cfg, err := BaseFromName(name)
	if err != nil {
		return Config{}, err
	}
	cfg.AdapterPromptLength = DefaultAdapterPromptLength
	cfg.AdapterStartLayer = DefaultAdapterStartLayer
	return cfg, nil
}

// fillDerived computes the derived fields that may be omitted.
func (c *Config) fillDerived() {
	if c.PaddedVocabSize == 0 {
		if c.PaddingMultiple == 0 {
			c.PaddingMultiple = 512
		}
		c.PaddedVocabSize = FindMultiple(c.VocabSize, c.PaddingMultiple)
	}
	if c.VocabSize == 0 {
		c.VocabSize = c.PaddedVocabSize
	}
	if c.IntermediateSize == 0 {
		c.IntermediateSize = 4 * c.NEmbd
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-5
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.NHead <= 0 {
		return fmt.Errorf("n_head must be positive, got %d", c.NHead)
	}
	if c.NEmbd%c.NHead != 0 {
		return fmt.Errorf("n_embd (%d) must be divisible by n_head (%d)", c.NEmbd, c.NHead)
	}
	if c.PaddedVocabSize <= 0 {
		return fmt.Errorf("padded_vocab_size must be positive, got %d", c.PaddedVocabSize)
	}
	if c.PaddedVocabSize < c.VocabSize {
		return fmt.Errorf("padded_vocab_size (%d) smaller than vocab_size (%d)",
			c.PaddedVocabSize, c.VocabSize)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.NLayer <= 0 {
		return fmt.Errorf("n_layer must be positive, got %d", c.NLayer)
	}
	if c.AdapterPromptLength < 0 {
		return fmt.Errorf("adapter_prompt_length must be non-negative, got %d", c.AdapterPromptLength)
	}
	if c.AdapterPromptLength > 0 {
		if c.AdapterStartLayer < 0 || c.AdapterStartLayer > c.NLayer {
			return fmt.Errorf("adapter_start_layer (%d) out of range [0, %d]",
				c.AdapterStartLayer, c.NLayer)
		}
	}
	return nil
}

// HeadSize returns the per-head dimension.
func (c Config) HeadSize() int {
	return c.NEmbd / c.NHead
}

// AdapterEnabled reports whether block index i carries the adapter
// pathway. The tag is fixed at construction time.
func (c Config) AdapterEnabled(i int) bool {
	return c.AdapterPromptLength > 0 && i >= c.AdapterStartLayer
}

// configFile mirrors Config for YAML loading. Pointer fields let us
// tell "absent" apart from an explicit zero so adapter defaults only
// apply when the key is missing.
type configFile struct {
	Name                string  `yaml:"name"`
	BlockSize           int     `yaml:"block_size"`
	VocabSize           int     `yaml:"vocab_size"`
	PaddedVocabSize     int     `yaml:"padded_vocab_size"`
	PaddingMultiple     int     `yaml:"padding_multiple"`
	NLayer              int     `yaml:"n_layer"`
	NHead               int     `yaml:"n_head"`
	NEmbd               int     `yaml:"n_embd"`
	IntermediateSize    int     `yaml:"intermediate_size"`
	Bias                bool    `yaml:"bias"`
	NormEps             float32 `yaml:"norm_eps"`
	AdapterPromptLength *int    `yaml:"adapter_prompt_length"`
	AdapterStartLayer   *int    `yaml:"adapter_start_layer"`
}

// ConfigFromFile loads a model_config.yaml. When adapter is true, the
// adapter defaults apply for keys absent from the file; explicit values
// (including zero) always win.
func ConfigFromFile(path string, adapter bool) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read model config: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg := Config{
		Name:             f.Name,
		BlockSize:        f.BlockSize,
		VocabSize:        f.VocabSize,
		PaddedVocabSize:  f.PaddedVocabSize,
		PaddingMultiple:  f.PaddingMultiple,
		NLayer:           f.NLayer,
		NHead:            f.NHead,
		NEmbd:            f.NEmbd,
		IntermediateSize: f.IntermediateSize,
		Bias:             f.Bias,
		NormEps:          f.NormEps,
	}
	if f.AdapterPromptLength != nil {
		cfg.AdapterPromptLength = *f.AdapterPromptLength
	} else if adapter {
		cfg.AdapterPromptLength = DefaultAdapterPromptLength
	}
	if f.AdapterStartLayer != nil {
		cfg.AdapterStartLayer = *f.AdapterStartLayer
	} else if adapter {
		cfg.AdapterStartLayer = DefaultAdapterStartLayer
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid model config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML to path. The adapter fields
// are always written, so an explicit zero survives a reload exactly.
func (c Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal model config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}
	return nil
}
