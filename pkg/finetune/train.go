// Package finetune orchestrates adapter fine-tuning: it loads a base
// checkpoint, marks only the adapter parameters trainable, and runs
// the micro-step training loop with periodic validation, step
// checkpoints and CSV metrics.
package finetune

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/moon4sake/sparse-litgpt/pkg/checkpoint"
	"github.com/moon4sake/sparse-litgpt/pkg/loss"
	"github.com/moon4sake/sparse-litgpt/pkg/model"
	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
	"github.com/moon4sake/sparse-litgpt/pkg/tokenizer"
)

// TrainArgs are the training-loop hyperparameters.
type TrainArgs struct {
	SaveInterval    int     `yaml:"save_interval"`
	LogInterval     int     `yaml:"log_interval"`
	GlobalBatchSize int     `yaml:"global_batch_size"`
	MicroBatchSize  int     `yaml:"micro_batch_size"`
	LRWarmupSteps   int     `yaml:"lr_warmup_steps"`
	MaxSteps        int     `yaml:"max_steps"`
	MaxSeqLength    int     `yaml:"max_seq_length"`
	LearningRate    float32 `yaml:"learning_rate"`
	WeightDecay     float32 `yaml:"weight_decay"`
	MaxNorm         float32 `yaml:"max_norm"`
}

// EvalArgs control periodic validation.
type EvalArgs struct {
	Interval int `yaml:"interval"`
	MaxIters int `yaml:"max_iters"`
}

// Options configures a fine-tuning run.
type Options struct {
	CheckpointDir string    `yaml:"checkpoint_dir"`
	OutDir        string    `yaml:"out_dir"`
	DataPath      string    `yaml:"data_path,omitempty"`
	Precision     string    `yaml:"precision"` // "32-true" or "16-true"
	Seed          uint64    `yaml:"seed"`
	Train         TrainArgs `yaml:"train"`
	Eval          EvalArgs  `yaml:"eval"`

	// TrainData / ValData bypass DataPath when set: pre-tokenized
	// sequences, each at least two tokens long.
	TrainData [][]int `yaml:"-"`
	ValData   [][]int `yaml:"-"`
}

func (o *Options) fillDefaults() {
	if o.Train.MicroBatchSize == 0 {
		o.Train.MicroBatchSize = 1
	}
	if o.Train.GlobalBatchSize == 0 {
		o.Train.GlobalBatchSize = o.Train.MicroBatchSize
	}
	if o.Train.LogInterval == 0 {
		o.Train.LogInterval = 1
	}
	if o.Train.LearningRate == 0 {
		o.Train.LearningRate = 1e-3
	}
	if o.Eval.MaxIters == 0 {
		o.Eval.MaxIters = 100
	}
	if o.Precision == "" {
		o.Precision = "32-true"
	}
}

// promptStyle is persisted to prompt_style.yaml so downstream tooling
// knows how prompts were formatted during tuning.
type promptStyle struct {
	Style string `yaml:"style"`
}

// Fit runs the full fine-tuning loop and writes checkpoints and
// metrics under opts.OutDir.
func Fit(opts Options) error {
	opts.fillDefaults()

	if err := checkpoint.ValidateDir(opts.CheckpointDir); err != nil {
		return err
	}

	cfg, err := model.ConfigFromFile(
		filepath.Join(opts.CheckpointDir, checkpoint.ModelConfigFile), true)
	if err != nil {
		return err
	}
	if cfg.AdapterPromptLength == 0 {
		return fmt.Errorf("config has no adapter parameters to train")
	}

	m, err := model.NewGPT(cfg)
	if err != nil {
		return err
	}
	m.InitWeights(opts.Seed)

	if err := loadBaseWeights(m, opts.CheckpointDir); err != nil {
		return err
	}

	tok, err := tokenizer.Load(opts.CheckpointDir)
	if err != nil {
		return err
	}

	trainData, valData, err := resolveData(&opts, tok)
	if err != nil {
		return err
	}

	total, adapter := m.NumParameters()
	fmt.Printf("Number of trainable parameters: %d\n", adapter)
	fmt.Printf("Number of non-trainable parameters: %d\n", total-adapter)

	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	logger, err := NewCSVLogger(opts.OutDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	trainable := m.AdapterParameters()
	opt := NewAdamW(trainable, opts.Train.LearningRate, opts.Train.WeightDecay)

	accumSteps := opts.Train.GlobalBatchSize / opts.Train.MicroBatchSize
	if accumSteps < 1 {
		accumSteps = 1
	}

	saveDir := func(name string) error {
		dir := filepath.Join(opts.OutDir, name)
		return saveAdapterCheckpoint(dir, m, cfg, tok, opts)
	}

	cursor := 0
	for step := 1; step <= opts.Train.MaxSteps; step++ {
		m.ZeroGrad()

		var stepLoss float32
		for micro := 0; micro < accumSteps; micro++ {
			inputs, targets := nextBatch(trainData, &cursor, opts.Train.MicroBatchSize, opts.Train.MaxSeqLength)

			logits, fcache, err := m.ForwardWithCache(inputs)
			if err != nil {
				return fmt.Errorf("forward pass failed at step %d: %w", step, err)
			}

			l, dlogits, err := loss.SoftmaxCrossEntropyGrad(logits, targets, loss.IgnoreIndex)
			if err != nil {
				return fmt.Errorf("loss failed at step %d: %w", step, err)
			}
			if accumSteps > 1 {
				dlogits = dlogits.Scale(1 / float32(accumSteps))
			}
			stepLoss += l / float32(accumSteps)

			m.Backward(dlogits, fcache)
		}

		ClipGradNorm(trainable, float64(opts.Train.MaxNorm))

		lr := opts.Train.LearningRate
		if opts.Train.LRWarmupSteps > 0 && step <= opts.Train.LRWarmupSteps {
			lr = lr * float32(step) / float32(opts.Train.LRWarmupSteps)
		}
		opt.SetLR(lr)
		opt.Step()

		if err := logger.LogStep(step, stepLoss, lr); err != nil {
			return err
		}
		if step%opts.Train.LogInterval == 0 {
			fmt.Printf("step %d: loss %.4f, lr %.2e\n", step, stepLoss, lr)
		}

		if opts.Eval.Interval > 0 && step%opts.Eval.Interval == 0 && len(valData) > 0 {
			valLoss, err := validate(m, valData, opts)
			if err != nil {
				return err
			}
			if err := logger.LogVal(step, valLoss); err != nil {
				return err
			}
			fmt.Printf("step %d: val loss %.4f\n", step, valLoss)
		}

		if opts.Train.SaveInterval > 0 && step%opts.Train.SaveInterval == 0 {
			if err := saveDir(fmt.Sprintf("step-%06d", step)); err != nil {
				return err
			}
		}
	}

	return saveDir("final")
}

// validate computes the mean loss over up to Eval.MaxIters validation
// batches, without touching gradients.
func validate(m *model.GPT, valData [][]int, opts Options) (float32, error) {
	var sum float64
	iters := 0
	cursor := 0

	for i := 0; i < opts.Eval.MaxIters && i*opts.Train.MicroBatchSize < len(valData); i++ {
		inputs, targets := nextBatch(valData, &cursor, opts.Train.MicroBatchSize, opts.Train.MaxSeqLength)

		logits, err := m.Forward(inputs)
		if err != nil {
			return 0, fmt.Errorf("validation forward pass failed: %w", err)
		}
		l, err := loss.ChunkedCrossEntropy(logits, targets, 0, loss.IgnoreIndex)
		if err != nil {
			return 0, err
		}
		sum += float64(l)
		iters++
	}

	if iters == 0 {
		return 0, nil
	}
	return float32(sum / float64(iters)), nil
}

// nextBatch assembles a shifted next-token batch from the dataset,
// cycling through it. Short rows are padded with token 0 and target
// IgnoreIndex.
func nextBatch(data [][]int, cursor *int, batchSize, maxSeqLength int) (*tensor.Tensor, []int) {
	rows := make([][]int, batchSize)
	maxLen := 0
	for i := 0; i < batchSize; i++ {
		seq := data[*cursor%len(data)]
		*cursor++
		if maxSeqLength > 0 && len(seq) > maxSeqLength+1 {
			seq = seq[:maxSeqLength+1]
		}
		rows[i] = seq
		if len(seq)-1 > maxLen {
			maxLen = len(seq) - 1
		}
	}

	inputs := tensor.NewTensor([]int{batchSize, maxLen})
	targets := make([]int, batchSize*maxLen)
	for i, seq := range rows {
		for t := 0; t < maxLen; t++ {
			if t < len(seq)-1 {
				inputs.Data[i*maxLen+t] = float32(seq[t])
				targets[i*maxLen+t] = seq[t+1]
			} else {
				targets[i*maxLen+t] = loss.IgnoreIndex
			}
		}
	}
	return inputs, targets
}

// loadBaseWeights loads lit_model.pth (lenient: adapter params keep
// their initialization) or, when resuming, lit_model.pth.adapter on
// top of it.
func loadBaseWeights(m *model.GPT, dir string) error {
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

	adapterPath := filepath.Join(dir, checkpoint.AdapterWeightsFile)
	if _, err := os.Stat(adapterPath); err == nil {
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

	return nil
}

// saveAdapterCheckpoint writes one checkpoint directory: the
// adapter-only weights plus everything needed to reload and prompt the
// model.
func saveAdapterCheckpoint(dir string, m *model.GPT, cfg model.Config, tok *tokenizer.Tokenizer, opts Options) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	dtype := checkpoint.DTypeF32
	if opts.Precision == "16-true" {
		dtype = checkpoint.DTypeF16
	}

	w, err := checkpoint.NewWriterDType(filepath.Join(dir, checkpoint.AdapterWeightsFile), dtype)
	if err != nil {
		return err
	}
	defer w.Close()

	// Adapter tensors are small and final: stream each payload as soon
	// as it is visited, then reference the placeholders in the index.
	sd := checkpoint.NewStateDict()
	for _, p := range m.NamedParameters() {
		if !model.AdapterFilter(p.Path) {
			continue
		}
		ph, err := w.StoreEarly(&checkpoint.Param{
			Path:   p.Path,
			Tensor: p.Tensor,
			Attrs:  map[string]string{"requires_grad": "true"},
		})
		if err != nil {
			return err
		}
		sd.AppendPlaceholder(ph)
	}
	if err := w.Save(sd); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := cfg.Save(filepath.Join(dir, checkpoint.ModelConfigFile)); err != nil {
		return err
	}
	if err := tok.Save(dir); err != nil {
		return err
	}

	hp, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("failed to marshal hyperparameters: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hyperparameters.yaml"), hp, 0o644); err != nil {
		return fmt.Errorf("failed to write hyperparameters: %w", err)
	}

	ps, err := yaml.Marshal(promptStyle{Style: "plain"})
	if err != nil {
		return fmt.Errorf("failed to marshal prompt style: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "prompt_style.yaml"), ps, 0o644); err != nil {
		return fmt.Errorf("failed to write prompt style: %w", err)
	}

	return nil
}

// resolveData returns the training and validation sequences, reading
// and tokenizing DataPath when explicit data was not provided. The
// file holds one sample per line; every tenth sample goes to the
// validation split.
func resolveData(opts *Options, tok *tokenizer.Tokenizer) ([][]int, [][]int, error) {
	if opts.TrainData != nil {
		return opts.TrainData, opts.ValData, nil
	}
	if opts.DataPath == "" {
		return nil, nil, fmt.Errorf("no training data: set DataPath or TrainData")
	}

	f, err := os.Open(opts.DataPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	var train, val [][]int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	i := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ids := tok.Encode(line)
		if len(ids) < 2 {
			continue
		}
		if i%10 == 9 {
			val = append(val, ids)
		} else {
			train = append(train, ids)
		}
		i++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("dataset %s contains no usable samples", opts.DataPath)
	}
	return train, val, nil
}
