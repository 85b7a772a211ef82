package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// LoadedParam is one reconstructed state-dict entry.
type LoadedParam struct {
	Path   string
	Tensor *tensor.Tensor
	Attrs  map[string]string
}

// LoadedDict holds a checkpoint's entries in index order.
type LoadedDict struct {
	Params []LoadedParam
}

// Map returns a path-keyed view of the entries.
func (d *LoadedDict) Map() map[string]*tensor.Tensor {
	m := make(map[string]*tensor.Tensor, len(d.Params))
	for _, p := range d.Params {
		m[p.Path] = p.Tensor
	}
	return m
}

// Get returns the entry for path, or nil.
func (d *LoadedDict) Get(path string) *LoadedParam {
	for i := range d.Params {
		if d.Params[i].Path == path {
			return &d.Params[i]
		}
	}
	return nil
}

// Read loads a checkpoint file written by Writer, reconstructing every
// tensor with its attributes.
func Read(path string) (*LoadedDict, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	minSize := len(headerMagic) + 4 + 8 + len(trailerMagic)
	if len(raw) < minSize {
		return nil, fmt.Errorf("checkpoint %s is truncated (%d bytes)", path, len(raw))
	}
	if !bytes.Equal(raw[:len(headerMagic)], headerMagic) {
		return nil, fmt.Errorf("checkpoint %s has invalid header", path)
	}
	if !bytes.Equal(raw[len(raw)-len(trailerMagic):], trailerMagic) {
		return nil, fmt.Errorf("checkpoint %s has invalid trailer", path)
	}

	version := binary.LittleEndian.Uint32(raw[len(headerMagic):])
	if version != formatVersion {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d", path, version)
	}

	sizeOff := len(raw) - len(trailerMagic) - 8
	indexSize := binary.LittleEndian.Uint64(raw[sizeOff:])
	indexOff := sizeOff - int(indexSize)
	if indexOff < len(headerMagic)+4 {
		return nil, fmt.Errorf("checkpoint %s has corrupt index size %d", path, indexSize)
	}

	var entries []indexEntry
	if err := json.Unmarshal(raw[indexOff:sizeOff], &entries); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint index: %w", err)
	}

	dict := &LoadedDict{Params: make([]LoadedParam, 0, len(entries))}
	for _, e := range entries {
		if e.Offset < 0 || e.Offset+e.Length > int64(indexOff) {
			return nil, fmt.Errorf("entry %s points outside the payload region", e.Path)
		}
		payload := raw[e.Offset : e.Offset+e.Length]

		t := tensor.NewTensor(e.Shape)
		switch e.DType {
		case DTypeF32:
			if int64(4*len(t.Data)) != e.Length {
				return nil, fmt.Errorf("entry %s payload size %d doesn't match shape %v", e.Path, e.Length, e.Shape)
			}
			for i := range t.Data {
				t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
			}
		case DTypeF16:
			if int64(2*len(t.Data)) != e.Length {
				return nil, fmt.Errorf("entry %s payload size %d doesn't match shape %v", e.Path, e.Length, e.Shape)
			}
			for i := range t.Data {
				t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(payload[2*i:])).Float32()
			}
		default:
			return nil, fmt.Errorf("entry %s has unsupported dtype %q", e.Path, e.DType)
		}

		dict.Params = append(dict.Params, LoadedParam{Path: e.Path, Tensor: t, Attrs: e.Attrs})
	}

	return dict, nil
}
