package tensor

import (
	"math"
	"testing"
)

func TestEnsureGradAndZeroGrad(t *testing.T) {
	tn := NewTensor([]int{2, 2})
	if tn.Grad != nil {
		t.Fatal("fresh tensor carries a gradient buffer")
	}

	tn.ZeroGrad() // no-op before allocation

	tn.EnsureGrad()
	if len(tn.Grad) != 4 {
		t.Fatalf("Grad length = %d, want 4", len(tn.Grad))
	}
	tn.Grad[1] = 3
	tn.EnsureGrad() // must not reallocate
	if tn.Grad[1] != 3 {
		t.Error("EnsureGrad reset an existing buffer")
	}

	tn.ZeroGrad()
	for i, g := range tn.Grad {
		if g != 0 {
			t.Fatalf("Grad[%d] = %v after ZeroGrad", i, g)
		}
	}
}

func TestAccumulateGrad(t *testing.T) {
	tn := NewTensor([]int{3})
	g := NewTensorFromData([]float32{1, 2, 3}, []int{3})

	tn.AccumulateGrad(g)
	tn.AccumulateGrad(g)
	for i := range tn.Grad {
		if tn.Grad[i] != 2*g.Data[i] {
			t.Fatalf("Grad[%d] = %v, want %v", i, tn.Grad[i], 2*g.Data[i])
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for size mismatch")
		}
	}()
	tn.AccumulateGrad(NewTensor([]int{2}))
}

func TestGradNorm(t *testing.T) {
	tn := NewTensor([]int{2})
	if tn.GradNorm() != 0 {
		t.Error("unallocated gradient has non-zero norm")
	}

	tn.EnsureGrad()
	tn.Grad[0] = 3
	tn.Grad[1] = 4
	if got := tn.GradNorm(); math.Abs(got-5) > 1e-9 {
		t.Errorf("GradNorm = %v, want 5", got)
	}
}

func TestAddScaled(t *testing.T) {
	tn := NewTensorFromData([]float32{1, 2, 3}, []int{3})
	other := NewTensorFromData([]float32{10, 20, 30}, []int{3})

	tn.AddScaled(other, 0.5)
	want := []float32{6, 12, 18}
	for i := range want {
		if tn.Data[i] != want[i] {
			t.Fatalf("Data[%d] = %v, want %v", i, tn.Data[i], want[i])
		}
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for size mismatch")
		}
	}()
	tn.AddScaled(NewTensor([]int{2}), 1)
}

func TestFill(t *testing.T) {
	tn := NewTensor([]int{2, 2})
	tn.Fill(7)
	for i, v := range tn.Data {
		if v != 7 {
			t.Fatalf("Data[%d] = %v, want 7", i, v)
		}
	}
}
