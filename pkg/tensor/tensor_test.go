package tensor

import (
	"math"
	"testing"
)

func TestNewTensorShapeAndStrides(t *testing.T) {
	tn := NewTensor([]int{2, 3, 4})

	if tn.Size() != 24 || len(tn.Data) != 24 {
		t.Errorf("Size() = %d, len(Data) = %d, want 24", tn.Size(), len(tn.Data))
	}
	wantStrides := []int{12, 4, 1}
	for i, s := range wantStrides {
		if tn.Strides[i] != s {
			t.Errorf("Strides[%d] = %d, want %d", i, tn.Strides[i], s)
		}
	}
	for _, v := range tn.Data {
		if v != 0 {
			t.Fatal("new tensor not zero initialized")
		}
	}
}

func TestGetSet(t *testing.T) {
	tn := NewTensor([]int{2, 3})
	tn.Set([]int{1, 2}, 7)

	if got := tn.Get([]int{1, 2}); got != 7 {
		t.Errorf("Get = %v, want 7", got)
	}
	if tn.Data[5] != 7 {
		t.Errorf("flat layout: Data[5] = %v, want 7", tn.Data[5])
	}
}

func TestViewSharesData(t *testing.T) {
	tn := NewTensorFromData([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3})

	flat, err := tn.View([]int{6})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	flat.Data[0] = 42
	if tn.Data[0] != 42 {
		t.Error("view does not share data with source")
	}

	if _, err := tn.View([]int{4}); err == nil {
		t.Error("expected error for size mismatch")
	}
	if _, err := tn.View([]int{-1, 6}); err == nil {
		t.Error("expected error for negative dimension")
	}
}

func TestTranspose2D(t *testing.T) {
	tn := NewTensorFromData([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3})

	tr, err := tn.Transpose(0, 1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	want := NewTensorFromData([]float32{1, 4, 2, 5, 3, 6}, []int{3, 2})
	if !tr.Equals(want, 0) {
		t.Errorf("transpose = %v, want %v", tr.Data, want.Data)
	}
}

// The attention layers rely on Transpose(1, 2) to move between
// (batch, seq, heads, dim) and (batch, heads, seq, dim) layouts.
func TestTransposeHeadTokenLayout(t *testing.T) {
	B, T, H, D := 2, 3, 2, 2
	src := NewTensor([]int{B, T, H, D})
	for i := range src.Data {
		src.Data[i] = float32(i)
	}

	dst, err := src.Transpose(1, 2)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for s := 0; s < T; s++ {
				for d := 0; d < D; d++ {
					got := dst.Get([]int{b, h, s, d})
					want := src.Get([]int{b, s, h, d})
					if got != want {
						t.Fatalf("dst[%d,%d,%d,%d] = %v, want %v", b, h, s, d, got, want)
					}
				}
			}
		}
	}

	// Round trip restores the original layout.
	back, err := dst.Transpose(1, 2)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !back.Equals(src, 0) {
		t.Error("double transpose does not restore the source")
	}
}

func TestTransposeSameDimClones(t *testing.T) {
	tn := NewTensorFromData([]float32{1, 2}, []int{2})
	cp, err := tn.Transpose(0, 0)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	cp.Data[0] = 9
	if tn.Data[0] != 1 {
		t.Error("same-dim transpose shares data with source")
	}

	if _, err := tn.Transpose(0, 1); err == nil {
		t.Error("expected error for out-of-range dimension")
	}
}

func TestSliceN(t *testing.T) {
	tn := NewTensor([]int{3, 4})
	for i := range tn.Data {
		tn.Data[i] = float32(i)
	}

	mid, err := tn.SliceN([]int{1, 1}, []int{3, 3})
	if err != nil {
		t.Fatalf("SliceN failed: %v", err)
	}
	want := NewTensorFromData([]float32{5, 6, 9, 10}, []int{2, 2})
	if !mid.Equals(want, 0) {
		t.Errorf("SliceN = %v, want %v", mid.Data, want.Data)
	}

	if _, err := tn.SliceN([]int{0}, []int{1}); err == nil {
		t.Error("expected error for rank mismatch")
	}
	if _, err := tn.SliceN([]int{0, 2}, []int{3, 1}); err == nil {
		t.Error("expected error for end before start")
	}
	if _, err := tn.SliceN([]int{0, 0}, []int{4, 4}); err == nil {
		t.Error("expected error for end beyond dimension")
	}
}

// Column-band extraction from a fused projection, the way the attention
// layer pulls Q, K and V out of (batch, seq, 3*n_embd).
func TestSliceNColumnBand(t *testing.T) {
	B, T, C := 1, 2, 2
	fused := NewTensor([]int{B, T, 3 * C})
	for i := range fused.Data {
		fused.Data[i] = float32(i)
	}

	k, err := fused.SliceN([]int{0, 0, C}, []int{B, T, 2 * C})
	if err != nil {
		t.Fatalf("SliceN failed: %v", err)
	}
	want := NewTensorFromData([]float32{2, 3, 8, 9}, []int{1, 2, 2})
	if !k.Equals(want, 0) {
		t.Errorf("column band = %v, want %v", k.Data, want.Data)
	}
}

func TestMatmul2D(t *testing.T) {
	a := NewTensorFromData([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3})
	b := NewTensorFromData([]float32{7, 8, 9, 10, 11, 12}, []int{3, 2})

	got, err := Matmul(a, b)
	if err != nil {
		t.Fatalf("Matmul failed: %v", err)
	}
	want := NewTensorFromData([]float32{58, 64, 139, 154}, []int{2, 2})
	if !got.Equals(want, 1e-6) {
		t.Errorf("Matmul = %v, want %v", got.Data, want.Data)
	}
}

func TestMatmul3D2DBroadcast(t *testing.T) {
	a := NewTensor([]int{2, 2, 3})
	for i := range a.Data {
		a.Data[i] = float32(i + 1)
	}
	w := NewTensorFromData([]float32{1, 0, 0, 1, 1, 1}, []int{3, 2})

	got, err := Matmul(a, w)
	if err != nil {
		t.Fatalf("Matmul failed: %v", err)
	}
	if got.Shape[0] != 2 || got.Shape[1] != 2 || got.Shape[2] != 2 {
		t.Fatalf("result shape = %v, want [2 2 2]", got.Shape)
	}

	// Each batch must match a plain 2D multiply of its slice.
	for bi := 0; bi < 2; bi++ {
		slice := NewTensorFromData(a.Data[bi*6:(bi+1)*6], []int{2, 3})
		ref, err := Matmul(slice, w)
		if err != nil {
			t.Fatalf("reference Matmul failed: %v", err)
		}
		batch := NewTensorFromData(got.Data[bi*4:(bi+1)*4], []int{2, 2})
		if !batch.Equals(ref, 1e-6) {
			t.Errorf("batch %d = %v, want %v", bi, batch.Data, ref.Data)
		}
	}
}

func TestMatmulBatched4D(t *testing.T) {
	B, H, T, D := 2, 2, 2, 3
	q := NewTensor([]int{B, H, T, D})
	k := NewTensor([]int{B, H, D, T})
	for i := range q.Data {
		q.Data[i] = float32(i % 5)
	}
	for i := range k.Data {
		k.Data[i] = float32((i + 2) % 3)
	}

	got, err := Matmul(q, k)
	if err != nil {
		t.Fatalf("Matmul failed: %v", err)
	}
	wantShape := []int{B, H, T, T}
	for i, s := range wantShape {
		if got.Shape[i] != s {
			t.Fatalf("result shape = %v, want %v", got.Shape, wantShape)
		}
	}

	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for i := 0; i < T; i++ {
				for j := 0; j < T; j++ {
					var want float32
					for d := 0; d < D; d++ {
						want += q.Get([]int{b, h, i, d}) * k.Get([]int{b, h, d, j})
					}
					if got.Get([]int{b, h, i, j}) != want {
						t.Fatalf("batch (%d,%d) element (%d,%d) = %v, want %v",
							b, h, i, j, got.Get([]int{b, h, i, j}), want)
					}
				}
			}
		}
	}
}

func TestMatmulErrors(t *testing.T) {
	a := NewTensor([]int{2, 3})
	b := NewTensor([]int{4, 2})
	if _, err := Matmul(a, b); err == nil {
		t.Error("expected error for inner dimension mismatch")
	}

	if _, err := Matmul(NewTensor([]int{3}), b); err == nil {
		t.Error("expected error for 1D operand")
	}

	// Batched operands with different leading dimensions.
	q := NewTensor([]int{2, 2, 2, 3})
	k := NewTensor([]int{1, 2, 3, 2})
	if _, err := Matmul(q, k); err == nil {
		t.Error("expected error for batch size mismatch")
	}
}

func TestScale(t *testing.T) {
	tn := NewTensorFromData([]float32{1, -2, 0.5}, []int{3})
	got := tn.Scale(2)

	want := NewTensorFromData([]float32{2, -4, 1}, []int{3})
	if !got.Equals(want, 0) {
		t.Errorf("Scale = %v, want %v", got.Data, want.Data)
	}
	if tn.Data[0] != 1 {
		t.Error("Scale mutated its input")
	}
}

func TestSoftmaxLastRowsSumToOne(t *testing.T) {
	tn := NewTensorFromData([]float32{1, 2, 3, 1000, 1001, 1002}, []int{2, 3})
	sm := SoftmaxLast(tn)

	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			v := sm.Get([]int{r, c})
			if v < 0 || v > 1 || math.IsNaN(float64(v)) {
				t.Fatalf("probability out of range: %v", v)
			}
			sum += v
		}
		if math.Abs(float64(sum-1)) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", r, sum)
		}
	}

	// Shifted rows give identical probabilities, so large magnitudes
	// cannot overflow the exponentials.
	for c := 0; c < 3; c++ {
		if math.Abs(float64(sm.Get([]int{0, c})-sm.Get([]int{1, c}))) > 1e-6 {
			t.Errorf("column %d differs across shifted rows", c)
		}
	}
}

func TestSoftmaxAlongLeadingDim(t *testing.T) {
	tn := NewTensorFromData([]float32{0, 0, 1, 1}, []int{2, 2})
	sm, err := Softmax(tn, 0)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	for c := 0; c < 2; c++ {
		sum := sm.Get([]int{0, c}) + sm.Get([]int{1, c})
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Errorf("column %d sums to %v, want 1", c, sum)
		}
	}

	if _, err := Softmax(tn, 2); err == nil {
		t.Error("expected error for invalid dimension")
	}
}

func TestAdd(t *testing.T) {
	a := NewTensorFromData([]float32{1, 2, 3, 4}, []int{2, 2})
	b := NewTensorFromData([]float32{10, 20, 30, 40}, []int{2, 2})

	got, err := Add(a, b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	want := NewTensorFromData([]float32{11, 22, 33, 44}, []int{2, 2})
	if !got.Equals(want, 0) {
		t.Errorf("Add = %v, want %v", got.Data, want.Data)
	}

	if _, err := Add(a, NewTensor([]int{3, 2})); err == nil {
		t.Error("expected error for incompatible shapes")
	}
}

// Bias rows broadcast over every leading dimension, the way linear
// layers add (out,) onto (batch, seq, out).
func TestAddBroadcastsBias(t *testing.T) {
	x := NewTensor([]int{2, 2, 3})
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	bias := NewTensorFromData([]float32{10, 20, 30}, []int{3})

	got, err := Add(x, bias)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	for b := 0; b < 2; b++ {
		for s := 0; s < 2; s++ {
			for c := 0; c < 3; c++ {
				want := x.Get([]int{b, s, c}) + bias.Data[c]
				if got.Get([]int{b, s, c}) != want {
					t.Fatalf("(%d,%d,%d) = %v, want %v", b, s, c, got.Get([]int{b, s, c}), want)
				}
			}
		}
	}
}

func TestCreateCausalMask(t *testing.T) {
	mask := CreateCausalMask(3)
	want := []float32{
		1, 0, 0,
		1, 1, 0,
		1, 1, 1,
	}
	for i, v := range want {
		if mask.Data[i] != v {
			t.Fatalf("mask[%d] = %v, want %v", i, mask.Data[i], v)
		}
	}
}

func TestApplyMask2D(t *testing.T) {
	scores := NewTensorFromData([]float32{1, 2, 3, 4}, []int{2, 2})
	masked := ApplyMask(scores, CreateCausalMask(2))

	if masked.Data[0] != 1 || masked.Data[2] != 3 || masked.Data[3] != 4 {
		t.Error("unmasked entries changed")
	}
	if !math.IsInf(float64(masked.Data[1]), -1) {
		t.Errorf("masked entry = %v, want -inf", masked.Data[1])
	}
	if scores.Data[1] != 2 {
		t.Error("ApplyMask mutated its input")
	}
}

// A (seq, seq) mask must tile over the batch and head dimensions of 4D
// attention scores, masking the upper triangle of every head.
func TestApplyMaskTilesLeadingDims(t *testing.T) {
	B, H, T := 2, 2, 3
	scores := NewTensor([]int{B, H, T, T})
	for i := range scores.Data {
		scores.Data[i] = 1
	}

	masked := ApplyMask(scores, CreateCausalMask(T))
	probs := SoftmaxLast(masked)

	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			for i := 0; i < T; i++ {
				for j := 0; j < T; j++ {
					v := masked.Get([]int{b, h, i, j})
					if j > i {
						if !math.IsInf(float64(v), -1) {
							t.Fatalf("head (%d,%d): future position (%d,%d) = %v, want -inf", b, h, i, j, v)
						}
						if p := probs.Get([]int{b, h, i, j}); p != 0 {
							t.Fatalf("head (%d,%d): future position (%d,%d) got weight %v", b, h, i, j, p)
						}
					} else if v != 1 {
						t.Fatalf("head (%d,%d): past position (%d,%d) = %v, want 1", b, h, i, j, v)
					}
				}
			}
		}
	}
}

func TestEquals(t *testing.T) {
	a := NewTensorFromData([]float32{1, 2}, []int{2})
	b := NewTensorFromData([]float32{1.05, 2}, []int{2})

	if !a.Equals(b, 0.1) {
		t.Error("tensors within tolerance reported unequal")
	}
	if a.Equals(b, 0.01) {
		t.Error("tensors beyond tolerance reported equal")
	}
	if a.Equals(NewTensorFromData([]float32{1, 2}, []int{2, 1}), 1) {
		t.Error("different shapes reported equal")
	}
	if !a.ShapeEquals(b) {
		t.Error("equal shapes reported unequal")
	}
	if a.ShapeEquals(NewTensor([]int{3})) {
		t.Error("different shapes reported shape-equal")
	}
}

func TestCloneIndependence(t *testing.T) {
	a := NewTensorFromData([]float32{1, 2, 3}, []int{3})
	b := a.Clone()
	b.Data[0] = 99

	if a.Data[0] != 1 {
		t.Error("clone shares data with source")
	}
	if !a.ShapeEquals(b) {
		t.Error("clone changed shape")
	}
}
