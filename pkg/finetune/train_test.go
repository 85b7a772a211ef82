package finetune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moon4sake/sparse-litgpt/pkg/checkpoint"
	"github.com/moon4sake/sparse-litgpt/pkg/loss"
	"github.com/moon4sake/sparse-litgpt/pkg/model"
	"github.com/moon4sake/sparse-litgpt/pkg/tokenizer"
)

func trainTestConfig() model.Config {
	return model.Config{
		Name:                "train-tiny",
		BlockSize:           16,
		VocabSize:           12,
		PaddingMultiple:     4,
		NLayer:              2,
		NHead:               2,
		NEmbd:               8,
		Bias:                true,
		NormEps:             1e-5,
		AdapterPromptLength: 2,
		AdapterStartLayer:   0,
	}
}

// setupCheckpointDir builds a complete base checkpoint directory: a
// saved config, base weights from a seeded model, and a small trained
// tokenizer.
func setupCheckpointDir(t *testing.T, cfg model.Config) string {
	t.Helper()
	dir := t.TempDir()

	m, err := model.NewGPT(cfg)
	require.NoError(t, err)
	m.InitWeights(7)

	w, err := checkpoint.NewWriter(filepath.Join(dir, checkpoint.WeightsFile))
	require.NoError(t, err)
	sd := checkpoint.NewStateDict()
	for _, p := range m.StateDict() {
		sd.Append(&checkpoint.Param{Path: p.Path, Tensor: p.Tensor})
	}
	require.NoError(t, w.Save(sd))
	require.NoError(t, w.Close())

	require.NoError(t, m.Config.Save(filepath.Join(dir, checkpoint.ModelConfigFile)))

	tok := tokenizer.TrainFromCorpus([]string{"a b c d a b c d"}, 12, []string{"<|endoftext|>"})
	tok.SetSpecialTokens("<|endoftext|>", "<|endoftext|>", false, false)
	require.NoError(t, tok.Save(dir))

	return dir
}

func testSequences() ([][]int, [][]int) {
	train := [][]int{
		{1, 2, 3, 4, 5, 6, 7, 8},
		{2, 4, 6, 8, 10, 1, 3},
		{5, 5, 6, 6, 7, 7},
	}
	val := [][]int{
		{1, 3, 5, 7, 9},
		{2, 3, 4},
	}
	return train, val
}

func TestFitEndToEnd(t *testing.T) {
	cfg := trainTestConfig()
	ckptDir := setupCheckpointDir(t, cfg)
	outDir := t.TempDir()

	train, val := testSequences()
	opts := Options{
		CheckpointDir: ckptDir,
		OutDir:        outDir,
		Seed:          7,
		Train: TrainArgs{
			MaxSteps:        6,
			SaveInterval:    2,
			LogInterval:     2,
			GlobalBatchSize: 2,
			MicroBatchSize:  1,
			LRWarmupSteps:   3,
			LearningRate:    1e-2,
			MaxNorm:         1.0,
		},
		Eval:      EvalArgs{Interval: 2, MaxIters: 10},
		TrainData: train,
		ValData:   val,
	}

	require.NoError(t, Fit(opts))

	checkpointFiles := []string{
		checkpoint.AdapterWeightsFile,
		checkpoint.ModelConfigFile,
		checkpoint.TokenizerFile,
		checkpoint.TokenizerCfgFile,
		"hyperparameters.yaml",
		"prompt_style.yaml",
	}
	for _, sub := range []string{"step-000002", "step-000004", "step-000006", "final"} {
		for _, name := range checkpointFiles {
			_, err := os.Stat(filepath.Join(outDir, sub, name))
			assert.NoError(t, err, "%s/%s", sub, name)
		}
	}

	rows := readMetrics(t, outDir)
	var stepRows, valRows int
	for _, row := range rows[1:] {
		if row[3] == "" {
			stepRows++
			assert.NotEmpty(t, row[1], "step row missing loss")
			assert.NotEmpty(t, row[2], "step row missing learning rate")
		} else {
			valRows++
			assert.Empty(t, row[1], "val row carries a training loss")
		}
	}
	assert.Equal(t, 6, stepRows)
	assert.Equal(t, 3, valRows)

	// The adapter checkpoint holds only adapter tensors, and training
	// moved the gate off its zero initialization.
	dict, err := checkpoint.Read(filepath.Join(outDir, "final", checkpoint.AdapterWeightsFile))
	require.NoError(t, err)
	require.NotEmpty(t, dict.Params)

	var gateMoved bool
	for _, p := range dict.Params {
		assert.True(t, model.AdapterFilter(p.Path), "non-adapter tensor %s in adapter checkpoint", p.Path)
		assert.Equal(t, "true", p.Attrs["requires_grad"], "%s", p.Path)
		if filepath.Ext(p.Path) == ".gating_factor" && p.Tensor.Data[0] != 0 {
			gateMoved = true
		}
	}
	assert.True(t, gateMoved, "gating factor still zero after training")

	// The final directory is itself a valid checkpoint to resume from.
	assert.NoError(t, checkpoint.ValidateDir(filepath.Join(outDir, "final")))
}

func TestFitHalfPrecisionCheckpoint(t *testing.T) {
	cfg := trainTestConfig()
	ckptDir := setupCheckpointDir(t, cfg)
	outDir := t.TempDir()

	train, _ := testSequences()
	opts := Options{
		CheckpointDir: ckptDir,
		OutDir:        outDir,
		Precision:     "16-true",
		Seed:          7,
		Train: TrainArgs{
			MaxSteps:       1,
			MicroBatchSize: 1,
			LearningRate:   1e-2,
		},
		TrainData: train,
	}
	require.NoError(t, Fit(opts))

	dict, err := checkpoint.Read(filepath.Join(outDir, "final", checkpoint.AdapterWeightsFile))
	require.NoError(t, err)
	assert.NotEmpty(t, dict.Params)
}

func TestFitRejectsBaseOnlyConfig(t *testing.T) {
	cfg := trainTestConfig()
	ckptDir := setupCheckpointDir(t, cfg)

	// A saved zero prompt length disables the adapter, so training has
	// nothing to optimize.
	base := cfg
	base.AdapterPromptLength = 0
	base.AdapterStartLayer = 0
	require.NoError(t, base.Save(filepath.Join(ckptDir, checkpoint.ModelConfigFile)))

	train, _ := testSequences()
	opts := Options{
		CheckpointDir: ckptDir,
		OutDir:        t.TempDir(),
		Train:         TrainArgs{MaxSteps: 1},
		TrainData:     train,
	}
	assert.Error(t, Fit(opts))
}

func TestFitMissingCheckpointDir(t *testing.T) {
	opts := Options{
		CheckpointDir: filepath.Join(t.TempDir(), "empty"),
		OutDir:        t.TempDir(),
	}
	err := Fit(opts)
	require.Error(t, err)
}

func TestFitFromDataPath(t *testing.T) {
	cfg := trainTestConfig()
	ckptDir := setupCheckpointDir(t, cfg)
	outDir := t.TempDir()

	dataPath := filepath.Join(t.TempDir(), "data.txt")
	var text string
	for i := 0; i < 12; i++ {
		text += "a b c d a b\n"
	}
	require.NoError(t, os.WriteFile(dataPath, []byte(text), 0o644))

	opts := Options{
		CheckpointDir: ckptDir,
		OutDir:        outDir,
		DataPath:      dataPath,
		Seed:          7,
		Train: TrainArgs{
			MaxSteps:       2,
			MicroBatchSize: 1,
			LearningRate:   1e-2,
		},
	}
	require.NoError(t, Fit(opts))

	_, err := os.Stat(filepath.Join(outDir, "final", checkpoint.AdapterWeightsFile))
	assert.NoError(t, err)
}

func TestNextBatchPadding(t *testing.T) {
	data := [][]int{
		{1, 2, 3, 4, 5}, // 4 input positions
		{6, 7, 8},       // 2 input positions
	}
	cursor := 0

	inputs, targets := nextBatch(data, &cursor, 2, 0)
	require.Equal(t, []int{2, 4}, inputs.Shape)
	require.Len(t, targets, 8)

	// Row 0 is the full sequence shifted by one.
	assert.Equal(t, float32(1), inputs.Data[0])
	assert.Equal(t, 2, targets[0])
	assert.Equal(t, 5, targets[3])

	// Row 1 is padded: zero inputs and ignored targets past its end.
	assert.Equal(t, 7, targets[4])
	assert.Equal(t, float32(0), inputs.Data[6])
	assert.Equal(t, loss.IgnoreIndex, targets[6])
	assert.Equal(t, loss.IgnoreIndex, targets[7])

	// The cursor cycles back to the first sequence.
	inputs, _ = nextBatch(data, &cursor, 1, 0)
	assert.Equal(t, float32(1), inputs.Data[0])
}

func TestNextBatchTruncation(t *testing.T) {
	data := [][]int{{1, 2, 3, 4, 5, 6, 7, 8}}
	cursor := 0

	inputs, targets := nextBatch(data, &cursor, 1, 3)
	assert.Equal(t, []int{1, 3}, inputs.Shape)
	assert.Equal(t, 4, targets[2])
}

func TestResolveDataSplit(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.txt")

	var text string
	for i := 0; i < 20; i++ {
		text += "a b c d\n"
	}
	text += "\n" // blank lines are skipped
	require.NoError(t, os.WriteFile(dataPath, []byte(text), 0o644))

	tok := tokenizer.TrainFromCorpus([]string{"a b c d"}, 12, nil)
	opts := &Options{DataPath: dataPath}

	train, val, err := resolveData(opts, tok)
	require.NoError(t, err)
	assert.Len(t, train, 18)
	assert.Len(t, val, 2)
}

func TestResolveDataExplicit(t *testing.T) {
	opts := &Options{TrainData: [][]int{{1, 2}}, ValData: [][]int{{3, 4}}}
	train, val, err := resolveData(opts, nil)
	require.NoError(t, err)
	assert.Equal(t, opts.TrainData, train)
	assert.Equal(t, opts.ValData, val)

	_, _, err = resolveData(&Options{}, nil)
	assert.Error(t, err)
}
