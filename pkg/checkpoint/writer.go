// Package checkpoint implements an incremental tensor archive: an
// append-only payload log followed by a JSON footer index. Payloads
// can be streamed out as soon as they are materialized (StoreEarly),
// long before the rest of the state dict is assembled, which keeps
// peak memory flat when serializing large models.
//
// File layout:
//
//	magic "SLGC" | version | payload bytes ... | JSON index | index size (8 bytes) | magic "SLGE"
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/x448/float16"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// DType identifies the on-disk payload encoding.
type DType string

const (
	DTypeF32 DType = "f32"
	DTypeF16 DType = "f16"
)

var (
	headerMagic  = []byte("SLGC")
	trailerMagic = []byte("SLGE")
)

const formatVersion = uint32(1)

// Param is one state-dict entry: a named tensor plus auxiliary
// attributes that must survive serialization alongside it.
type Param struct {
	Path   string
	Tensor *tensor.Tensor
	Attrs  map[string]string
}

// Placeholder stands in for a parameter whose payload was already
// streamed with StoreEarly. It carries the parameter's attributes so
// later pipeline stages can still read them without the payload.
type Placeholder struct {
	Path  string
	Attrs map[string]string

	entry int // index into the writer's entry table
}

// indexEntry is one record of the JSON footer.
type indexEntry struct {
	Path   string            `json:"path"`
	Offset int64             `json:"offset"`
	Length int64             `json:"length"`
	DType  DType             `json:"dtype"`
	Shape  []int             `json:"shape"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// StateDict is an ordered collection of parameters and placeholders.
type StateDict struct {
	items []dictItem
}

type dictItem struct {
	param       *Param
	placeholder *Placeholder
}

// NewStateDict returns an empty state dict.
func NewStateDict() *StateDict {
	return &StateDict{}
}

// Append adds a parameter whose payload Save will stream.
func (d *StateDict) Append(p *Param) {
	d.items = append(d.items, dictItem{param: p})
}

// AppendPlaceholder adds a reference to an already-streamed payload.
func (d *StateDict) AppendPlaceholder(ph *Placeholder) {
	d.items = append(d.items, dictItem{placeholder: ph})
}

// Len returns the number of entries.
func (d *StateDict) Len() int {
	return len(d.items)
}

// Writer streams tensor payloads to a checkpoint file. All writes go
// through a single Writer; Close must be called on every path.
type Writer struct {
	f       *os.File
	w       *bufio.Writer
	offset  int64
	dtype   DType
	entries []indexEntry
	index   []int // entry order for the footer; filled by Save
	saved   bool
	closed  bool
}

// NewWriter creates a checkpoint file with float32 payloads.
func NewWriter(path string) (*Writer, error) {
	return NewWriterDType(path, DTypeF32)
}

// NewWriterDType creates a checkpoint file with the given payload
// encoding.
func NewWriterDType(path string, dtype DType) (*Writer, error) {
	if dtype != DTypeF32 && dtype != DTypeF16 {
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint %s: %w", path, err)
	}

	w := &Writer{f: f, w: bufio.NewWriter(f), dtype: dtype}

	if _, err := w.w.Write(headerMagic); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, formatVersion); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	w.offset = int64(len(headerMagic)) + 4

	return w, nil
}

// StoreEarly streams the parameter's payload immediately and returns a
// placeholder carrying its attributes. The placeholder can later be
// appended to a StateDict in place of the tensor.
func (w *Writer) StoreEarly(p *Param) (*Placeholder, error) {
	if w.closed {
		return nil, fmt.Errorf("writer is closed")
	}
	if w.saved {
		return nil, fmt.Errorf("cannot store after Save")
	}

	idx, err := w.writePayload(p)
	if err != nil {
		return nil, err
	}

	return &Placeholder{Path: p.Path, Attrs: p.Attrs, entry: idx}, nil
}

// Save streams every remaining parameter of sd, then writes the footer
// index in state-dict order. Placeholders reference the payloads their
// StoreEarly call already wrote.
func (w *Writer) Save(sd *StateDict) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if w.saved {
		return fmt.Errorf("Save called twice")
	}

	for _, item := range sd.items {
		if item.placeholder != nil {
			ph := item.placeholder
			if ph.entry < 0 || ph.entry >= len(w.entries) {
				return fmt.Errorf("placeholder %s does not belong to this writer", ph.Path)
			}
			w.index = append(w.index, ph.entry)
			continue
		}
		idx, err := w.writePayload(item.param)
		if err != nil {
			return err
		}
		w.index = append(w.index, idx)
	}

	w.saved = true
	return w.writeFooter()
}

// Close flushes and closes the file. If Save was never called, the
// footer is written over whatever was streamed so the file stays
// readable. Close is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var footerErr error
	if !w.saved {
		for i := range w.entries {
			w.index = append(w.index, i)
		}
		footerErr = w.writeFooter()
	}

	flushErr := w.w.Flush()
	closeErr := w.f.Close()

	if footerErr != nil {
		return footerErr
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close checkpoint: %w", closeErr)
	}
	return nil
}

func (w *Writer) writePayload(p *Param) (int, error) {
	if p.Tensor == nil {
		return 0, fmt.Errorf("parameter %s has no tensor", p.Path)
	}

	var payload []byte
	switch w.dtype {
	case DTypeF32:
		payload = make([]byte, 4*len(p.Tensor.Data))
		for i, v := range p.Tensor.Data {
			binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
		}
	case DTypeF16:
		payload = make([]byte, 2*len(p.Tensor.Data))
		for i, v := range p.Tensor.Data {
			binary.LittleEndian.PutUint16(payload[2*i:], float16.Fromfloat32(v).Bits())
		}
	}

	if _, err := w.w.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write payload for %s: %w", p.Path, err)
	}

	entry := indexEntry{
		Path:   p.Path,
		Offset: w.offset,
		Length: int64(len(payload)),
		DType:  w.dtype,
		Shape:  append([]int(nil), p.Tensor.Shape...),
		Attrs:  p.Attrs,
	}
	w.offset += entry.Length
	w.entries = append(w.entries, entry)
	return len(w.entries) - 1, nil
}

func (w *Writer) writeFooter() error {
	footer := make([]indexEntry, 0, len(w.index))
	for _, i := range w.index {
		footer = append(footer, w.entries[i])
	}

	raw, err := json.Marshal(footer)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	if _, err := w.w.Write(raw); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return fmt.Errorf("failed to write index size: %w", err)
	}
	if _, err := w.w.Write(trailerMagic); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}
	return nil
}
