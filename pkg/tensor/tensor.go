// Package tensor provides the dense float32 tensor operations the
// transformer implementation is built on.
package tensor

import (
	"fmt"
	"math"
)

// Tensor represents a multi-dimensional array of float32 values.
// It stores data in a flat slice with shape information for indexing.
//
// Grad is the optional gradient buffer used during training. It is nil
// until EnsureGrad is called, so inference-only tensors pay nothing.
type Tensor struct {
	Data    []float32 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, heads, seq, dim])
	Strides []int     // Precomputed strides for indexing
	Grad    []float32 // Gradient accumulator, same layout as Data (nil if unused)
}

// computeStrides returns row-major strides for shape.
func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:    make([]float32, size),
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// NewTensorFromData creates a tensor from existing data with the given shape.
// It copies the data to ensure the tensor owns its memory.
func NewTensorFromData(data []float32, shape []int) *Tensor {
	expectedSize := 1
	for _, dim := range shape {
		expectedSize *= dim
	}
	if len(data) != expectedSize {
		panic(fmt.Sprintf("data size %d does not match shape %v (expected %d)",
			len(data), shape, expectedSize))
	}

	dataCopy := make([]float32, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: computeStrides(shape),
	}
}

// View returns a new tensor with a different shape but sharing the same
// underlying data. Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	newSize := 1
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		}
		newSize *= dim
	}
	if newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: computeStrides(newShape),
	}, nil
}

// Reshape is View that panics on a size mismatch, for shapes known to
// be valid by construction.
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Transpose exchanges two dimensions, materializing a contiguous copy.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if dim1 < 0 || dim1 >= len(t.Shape) || dim2 < 0 || dim2 >= len(t.Shape) {
		return nil, fmt.Errorf("invalid transpose dimensions %d and %d for tensor with %d dimensions",
			dim1, dim2, len(t.Shape))
	}
	if dim1 == dim2 {
		return t.Clone(), nil
	}

	newShape := copyShape(t.Shape)
	newShape[dim1], newShape[dim2] = newShape[dim2], newShape[dim1]
	result := NewTensor(newShape)

	srcIndices := make([]int, len(t.Shape))
	dstIndices := make([]int, len(t.Shape))
	var walk func(pos int)
	walk = func(pos int) {
		if pos == len(t.Shape) {
			copy(dstIndices, srcIndices)
			dstIndices[dim1], dstIndices[dim2] = dstIndices[dim2], dstIndices[dim1]
			result.Data[result.FlatIndex(dstIndices)] = t.Data[t.FlatIndex(srcIndices)]
			return
		}
		for i := 0; i < t.Shape[pos]; i++ {
			srcIndices[pos] = i
			walk(pos + 1)
		}
	}
	walk(0)

	return result, nil
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices []int) float32 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(indices []int, value float32) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return NewTensorFromData(t.Data, t.Shape)
}

// Equals checks if two tensors have the same shape and approximately equal values.
func (t *Tensor) Equals(other *Tensor, tolerance float32) bool {
	if !t.ShapeEquals(other) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > float64(tolerance) {
			return false
		}
	}
	return true
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	return true
}

// SliceN copies out the sub-tensor covering [starts[i], ends[i]) along
// every dimension i.
func (t *Tensor) SliceN(starts, ends []int) (*Tensor, error) {
	if len(starts) != len(t.Shape) || len(ends) != len(t.Shape) {
		return nil, fmt.Errorf("starts and ends must have same length as tensor dimensions (%d), got %d and %d",
			len(t.Shape), len(starts), len(ends))
	}

	newShape := make([]int, len(t.Shape))
	for i := 0; i < len(t.Shape); i++ {
		if starts[i] < 0 || starts[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid start index %d for dimension %d with size %d", starts[i], i, t.Shape[i])
		}
		if ends[i] < starts[i] || ends[i] > t.Shape[i] {
			return nil, fmt.Errorf("invalid end index %d for dimension %d (start=%d, size=%d)", ends[i], i, starts[i], t.Shape[i])
		}
		newShape[i] = ends[i] - starts[i]
	}

	result := NewTensor(newShape)

	srcIndices := make([]int, len(t.Shape))
	dstIndices := make([]int, len(t.Shape))
	var copyData func(dim int)
	copyData = func(dim int) {
		if dim == len(t.Shape) {
			result.Data[result.FlatIndex(dstIndices)] = t.Data[t.FlatIndex(srcIndices)]
			return
		}
		for i := 0; i < newShape[dim]; i++ {
			srcIndices[dim] = starts[dim] + i
			dstIndices[dim] = i
			copyData(dim + 1)
		}
	}
	copyData(0)

	return result, nil
}

// Matmul performs matrix multiplication on the last two dimensions.
// For tensors of shape (..., m, n) and (..., n, p), returns (..., m, p).
// A 2D operand paired with a 3D one is broadcast over the batch.
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}
	if a.Shape[len(a.Shape)-1] != b.Shape[len(b.Shape)-2] {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v", a.Shape, b.Shape)
	}

	if len(a.Shape) == 2 && len(b.Shape) == 3 {
		return matmul2D3D(a, b)
	}
	if len(a.Shape) == 3 && len(b.Shape) == 2 {
		return matmul3D2D(a, b)
	}
	return matmulBatched(a, b)
}

// matmul3D2D handles (batch, m, n) @ (n, p) -> (batch, m, p)
func matmul3D2D(a, b *Tensor) (*Tensor, error) {
	batch, m, n := a.Shape[0], a.Shape[1], a.Shape[2]
	p := b.Shape[1]

	result := NewTensor([]int{batch, m, p})
	for bi := 0; bi < batch; bi++ {
		for i := 0; i < m; i++ {
			for k := 0; k < p; k++ {
				sum := float32(0)
				for j := 0; j < n; j++ {
					sum += a.Data[(bi*m+i)*n+j] * b.Data[j*p+k]
				}
				result.Data[(bi*m+i)*p+k] = sum
			}
		}
	}
	return result, nil
}

// matmul2D3D handles (m, n) @ (batch, n, p) -> (batch, m, p)
func matmul2D3D(a, b *Tensor) (*Tensor, error) {
	m, n := a.Shape[0], a.Shape[1]
	batch, p := b.Shape[0], b.Shape[2]

	result := NewTensor([]int{batch, m, p})
	for bi := 0; bi < batch; bi++ {
		for i := 0; i < m; i++ {
			for k := 0; k < p; k++ {
				sum := float32(0)
				for j := 0; j < n; j++ {
					sum += a.Data[i*n+j] * b.Data[(bi*n+j)*p+k]
				}
				result.Data[(bi*m+i)*p+k] = sum
			}
		}
	}
	return result, nil
}

// matmulBatched multiplies matching batches of matrices. Both operands
// must share the same leading dimensions.
func matmulBatched(a, b *Tensor) (*Tensor, error) {
	m := a.Shape[len(a.Shape)-2]
	n := a.Shape[len(a.Shape)-1]
	p := b.Shape[len(b.Shape)-1]

	batchDims := a.Shape[:len(a.Shape)-2]
	batchSize := 1
	for _, dim := range batchDims {
		batchSize *= dim
	}
	if len(b.Data) != batchSize*n*p {
		return nil, fmt.Errorf("incompatible shapes for batched matmul: %v and %v", a.Shape, b.Shape)
	}

	resultShape := append([]int{}, batchDims...)
	resultShape = append(resultShape, m, p)
	result := NewTensor(resultShape)

	for batch := 0; batch < batchSize; batch++ {
		aOffset := batch * m * n
		bOffset := batch * n * p
		rOffset := batch * m * p

		for i := 0; i < m; i++ {
			for k := 0; k < p; k++ {
				sum := float32(0)
				for j := 0; j < n; j++ {
					sum += a.Data[aOffset+i*n+j] * b.Data[bOffset+j*p+k]
				}
				result.Data[rOffset+i*p+k] = sum
			}
		}
	}
	return result, nil
}

// Scale returns a copy with every element multiplied by s.
func (t *Tensor) Scale(s float32) *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * s
	}
	return result
}

// Softmax applies softmax along the specified dimension.
func Softmax(t *Tensor, dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", dim, len(t.Shape))
	}

	result := NewTensor(t.Shape)
	sliceSize := t.Shape[dim]
	numSlices := len(t.Data) / sliceSize

	offsets := make([]int, len(t.Shape))
	expVals := make([]float32, sliceSize)

	for sliceIdx := 0; sliceIdx < numSlices; sliceIdx++ {
		// Decode the position of this slice, skipping the softmax dim.
		remaining := sliceIdx
		for i := len(t.Shape) - 1; i >= 0; i-- {
			if i == dim {
				offsets[i] = 0
				continue
			}
			offsets[i] = remaining % t.Shape[i]
			remaining /= t.Shape[i]
		}

		// Max-subtraction for numerical stability.
		maxVal := float32(math.Inf(-1))
		for i := 0; i < sliceSize; i++ {
			offsets[dim] = i
			if v := t.Data[t.FlatIndex(offsets)]; v > maxVal {
				maxVal = v
			}
		}

		expSum := float32(0)
		for i := 0; i < sliceSize; i++ {
			offsets[dim] = i
			expVals[i] = float32(math.Exp(float64(t.Data[t.FlatIndex(offsets)] - maxVal)))
			expSum += expVals[i]
		}

		for i := 0; i < sliceSize; i++ {
			offsets[dim] = i
			result.Data[result.FlatIndex(offsets)] = expVals[i] / expSum
		}
	}

	return result, nil
}

// SoftmaxLast applies softmax along the last dimension.
func SoftmaxLast(t *Tensor) *Tensor {
	result, err := Softmax(t, len(t.Shape)-1)
	if err != nil {
		panic(err)
	}
	return result
}

// Add performs element-wise addition with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	outShape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("cannot broadcast shapes %v and %v: %w", a.Shape, b.Shape, err)
	}

	result := NewTensor(outShape)

	indices := make([]int, len(outShape))
	var iterate func(dim int)
	iterate = func(dim int) {
		if dim == len(outShape) {
			aVal := a.Data[broadcastIndex(indices, outShape, a.Shape, a.Strides)]
			bVal := b.Data[broadcastIndex(indices, outShape, b.Shape, b.Strides)]
			result.Data[result.FlatIndex(indices)] = aVal + bVal
			return
		}
		for i := 0; i < outShape[dim]; i++ {
			indices[dim] = i
			iterate(dim + 1)
		}
	}
	iterate(0)

	return result, nil
}

// broadcastShapes computes the broadcasted shape of two shapes.
func broadcastShapes(a, b []int) ([]int, error) {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	result := make([]int, maxLen)
	for i := 0; i < maxLen; i++ {
		dimA, dimB := 1, 1
		if i < len(a) {
			dimA = a[len(a)-1-i]
		}
		if i < len(b) {
			dimB = b[len(b)-1-i]
		}
		if dimA != dimB && dimA != 1 && dimB != 1 {
			return nil, fmt.Errorf("incompatible dimensions %d and %d", dimA, dimB)
		}
		if dimA > dimB {
			result[maxLen-1-i] = dimA
		} else {
			result[maxLen-1-i] = dimB
		}
	}
	return result, nil
}

// broadcastIndex maps an output position to the flat index of the
// (possibly smaller) input tensor, clamping broadcast dimensions to 0.
func broadcastIndex(outIndices, outShape, inShape, inStrides []int) int {
	diff := len(outShape) - len(inShape)
	idx := 0
	for i := 0; i < len(inShape); i++ {
		j := outIndices[i+diff]
		if inShape[i] == 1 {
			j = 0
		}
		idx += j * inStrides[i]
	}
	return idx
}

// ApplyMask sets elements to -inf where mask is 0 (for causal masking).
// The mask matches the trailing dimensions of t and is tiled over the
// leading ones.
func ApplyMask(t, mask *Tensor) *Tensor {
	result := NewTensor(t.Shape)
	copy(result.Data, t.Data)

	n := len(mask.Data)
	for i := range result.Data {
		if mask.Data[i%n] == 0 {
			result.Data[i] = float32(math.Inf(-1))
		}
	}
	return result
}

// CreateCausalMask creates an upper triangular causal mask for attention.
// Shape: (seq_len, seq_len), with 1s in lower triangle and 0s in upper triangle.
func CreateCausalMask(seqLen int) *Tensor {
	mask := NewTensor([]int{seqLen, seqLen})
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			mask.Data[i*seqLen+j] = 1
		}
	}
	return mask
}

// copyShape creates a copy of a shape slice.
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
