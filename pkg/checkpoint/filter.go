package checkpoint

import "fmt"

// SaveFiltered writes the subset of sd whose paths satisfy keep to a
// new checkpoint at path. Used for adapter-only checkpoints, where the
// frozen base weights are deliberately left out.
func SaveFiltered(path string, sd *StateDict, keep func(string) bool, dtype DType) error {
	w, err := NewWriterDType(path, dtype)
	if err != nil {
		return err
	}
	defer w.Close()

	filtered := NewStateDict()
	for _, item := range sd.items {
		if item.placeholder != nil {
			return fmt.Errorf("cannot filter placeholder %s into a new checkpoint", item.placeholder.Path)
		}
		if keep(item.param.Path) {
			filtered.Append(item.param)
		}
	}

	if err := w.Save(filtered); err != nil {
		return err
	}
	return w.Close()
}
