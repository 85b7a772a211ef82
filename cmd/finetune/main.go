// Command finetune runs adapter fine-tuning against a checkpoint
// directory and a plain-text dataset (one sample per line).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moon4sake/sparse-litgpt/pkg/checkpoint"
	"github.com/moon4sake/sparse-litgpt/pkg/finetune"
)

func main() {
	opts := finetune.Options{}

	cmd := &cobra.Command{
		Use:          "finetune",
		Short:        "Fine-tune adapter parameters on top of a base checkpoint",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := finetune.Fit(opts)
			var dirErr *checkpoint.DirError
			if errors.As(err, &dirErr) {
				fmt.Fprintln(os.Stderr, dirErr.Error())
				os.Exit(1)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "base checkpoint directory (required)")
	cmd.Flags().StringVar(&opts.OutDir, "out-dir", "out/finetune", "output directory for checkpoints and logs")
	cmd.Flags().StringVar(&opts.DataPath, "data", "", "dataset file, one sample per line (required)")
	cmd.Flags().StringVar(&opts.Precision, "precision", "32-true", "checkpoint precision: 32-true or 16-true")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1337, "initialization seed")

	cmd.Flags().IntVar(&opts.Train.MaxSteps, "max-steps", 1000, "number of optimizer steps")
	cmd.Flags().IntVar(&opts.Train.SaveInterval, "save-interval", 200, "checkpoint every N steps")
	cmd.Flags().IntVar(&opts.Train.LogInterval, "log-interval", 10, "print progress every N steps")
	cmd.Flags().IntVar(&opts.Train.GlobalBatchSize, "global-batch-size", 8, "effective batch size per optimizer step")
	cmd.Flags().IntVar(&opts.Train.MicroBatchSize, "micro-batch-size", 1, "batch size per forward pass")
	cmd.Flags().IntVar(&opts.Train.LRWarmupSteps, "lr-warmup-steps", 100, "linear warmup steps")
	cmd.Flags().IntVar(&opts.Train.MaxSeqLength, "max-seq-length", 0, "truncate samples to this many tokens (0 = block size)")
	cmd.Flags().Float32Var(&opts.Train.LearningRate, "learning-rate", 1e-3, "peak learning rate")
	cmd.Flags().Float32Var(&opts.Train.WeightDecay, "weight-decay", 0.02, "decoupled weight decay")
	cmd.Flags().Float32Var(&opts.Train.MaxNorm, "max-norm", 1.0, "gradient clipping norm (0 = disabled)")
	cmd.Flags().IntVar(&opts.Eval.Interval, "eval-interval", 100, "validate every N steps (0 = disabled)")
	cmd.Flags().IntVar(&opts.Eval.MaxIters, "eval-max-iters", 100, "maximum validation batches per pass")

	cmd.MarkFlagRequired("checkpoint-dir")
	cmd.MarkFlagRequired("data")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
