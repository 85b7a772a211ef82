// Command generate runs KV-cached text generation from a checkpoint
// directory.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/moon4sake/sparse-litgpt/pkg/checkpoint"
	"github.com/moon4sake/sparse-litgpt/pkg/model"
	"github.com/moon4sake/sparse-litgpt/pkg/tokenizer"
)

func main() {
	var (
		checkpointDir string
		prompt        string
		maxNewTokens  int
		temperature   float32
		topK          int
		seed          int64
	)

	cmd := &cobra.Command{
		Use:          "generate",
		Short:        "Generate text from a checkpoint directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkpoint.ValidateDir(checkpointDir); err != nil {
				var dirErr *checkpoint.DirError
				if errors.As(err, &dirErr) {
					fmt.Fprintln(os.Stderr, dirErr.Error())
					os.Exit(1)
				}
				return err
			}
			return run(checkpointDir, prompt, maxNewTokens, temperature, topK, seed)
		},
	}

	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "checkpoint directory (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "Hello, my name is", "input prompt text")
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", 50, "number of tokens to generate")
	cmd.Flags().Float32Var(&temperature, "temperature", 0.8, "sampling temperature (0 = greedy)")
	cmd.Flags().IntVar(&topK, "top-k", 50, "top-k truncation (0 = disabled)")
	cmd.Flags().Int64Var(&seed, "seed", 1234, "sampling seed")
	cmd.MarkFlagRequired("checkpoint-dir")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(dir, prompt string, maxNewTokens int, temperature float32, topK int, seed int64) error {
	// Adapter checkpoints carry adapter fields in their config; base
	// checkpoints load as plain configs.
	adapterPath := filepath.Join(dir, checkpoint.AdapterWeightsFile)
	_, statErr := os.Stat(adapterPath)
	isAdapter := statErr == nil

	cfg, err := model.ConfigFromFile(filepath.Join(dir, checkpoint.ModelConfigFile), isAdapter)
	if err != nil {
		return err
	}

	m, err := model.NewGPT(cfg)
	if err != nil {
		return err
	}
	m.InitWeights(uint64(seed))

	basePath := filepath.Join(dir, checkpoint.WeightsFile)
	if _, err := os.Stat(basePath); err == nil {
		dict, err := checkpoint.Read(basePath)
		if err != nil {
			return err
		}
		if err := m.LoadStateDict(dict.Map(), false); err != nil {
			return fmt.Errorf("failed to load base weights: %w", err)
		}
	}
	if isAdapter {
		dict, err := checkpoint.Read(adapterPath)
		if err != nil {
			return err
		}
		for _, p := range m.NamedParameters() {
			if src := dict.Get(p.Path); src != nil {
				copy(p.Tensor.Data, src.Tensor.Data)
			}
		}
	}

	tok, err := tokenizer.Load(dir)
	if err != nil {
		return err
	}

	encoded := tok.Encode(prompt)
	if len(encoded) == 0 {
		return fmt.Errorf("prompt %q encodes to no tokens", prompt)
	}

	eos := -1
	if id, ok := tok.EOSID(); ok {
		eos = id
	}

	out, err := model.Generate(m, encoded, model.GenerateOptions{
		MaxNewTokens: maxNewTokens,
		Temperature:  temperature,
		TopK:         topK,
		EOSToken:     eos,
		Seed:         seed,
	})
	if err != nil {
		return err
	}

	fmt.Println(tok.Decode(out))
	return nil
}
