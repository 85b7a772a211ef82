package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Checkpoint directory file names.
const (
	WeightsFile        = "lit_model.pth"
	AdapterWeightsFile = "lit_model.pth.adapter"
	ModelConfigFile    = "model_config.yaml"
	TokenizerFile      = "tokenizer.json"
	TokenizerModelFile = "tokenizer.model"
	TokenizerCfgFile   = "tokenizer_config.json"
)

// MissingFile describes one file a checkpoint directory lacks, with a
// hint for how to obtain it.
type MissingFile struct {
	Name string
	Hint string
}

// DirError reports every file missing from a checkpoint directory.
type DirError struct {
	Dir     string
	Missing []MissingFile
}

func (e *DirError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checkpoint directory %s is missing required files:\n", e.Dir)
	for _, m := range e.Missing {
		fmt.Fprintf(&b, "  %s: %s\n", m.Name, m.Hint)
	}
	b.WriteString("Download or convert a checkpoint into this directory before running.")
	return b.String()
}

// ValidateDir checks that dir contains a loadable checkpoint: model
// weights, a model config, and tokenizer files. All missing files are
// reported at once.
func ValidateDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("checkpoint directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("checkpoint path %s is not a directory", dir)
	}

	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	var missing []MissingFile

	if !exists(WeightsFile) && !exists(AdapterWeightsFile) {
		missing = append(missing, MissingFile{
			Name: WeightsFile,
			Hint: "model weights (" + WeightsFile + " or " + AdapterWeightsFile + ") not found",
		})
	}
	if !exists(ModelConfigFile) {
		missing = append(missing, MissingFile{
			Name: ModelConfigFile,
			Hint: "model configuration YAML not found",
		})
	}
	if !exists(TokenizerFile) && !exists(TokenizerModelFile) {
		missing = append(missing, MissingFile{
			Name: TokenizerFile,
			Hint: "tokenizer vocabulary (" + TokenizerFile + " or " + TokenizerModelFile + ") not found",
		})
	}
	if !exists(TokenizerCfgFile) {
		missing = append(missing, MissingFile{
			Name: TokenizerCfgFile,
			Hint: "tokenizer configuration not found",
		})
	}

	if len(missing) > 0 {
		return &DirError{Dir: dir, Missing: missing}
	}
	return nil
}
