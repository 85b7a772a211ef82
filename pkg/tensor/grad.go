package tensor

import "math"

// EnsureGrad allocates the gradient buffer if it does not exist yet.
// The buffer has the same flat layout as Data and starts zeroed.
func (t *Tensor) EnsureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
}

// ZeroGrad resets the gradient buffer to zero. It is a no-op if the
// buffer was never allocated.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// AccumulateGrad adds g element-wise into the gradient buffer,
// allocating it on first use. g must have the same total size.
func (t *Tensor) AccumulateGrad(g *Tensor) {
	t.EnsureGrad()
	if len(g.Data) != len(t.Grad) {
		panic("tensor: gradient size mismatch")
	}
	for i, v := range g.Data {
		t.Grad[i] += v
	}
}

// GradNorm returns the L2 norm of the gradient buffer (0 if unallocated).
func (t *Tensor) GradNorm() float64 {
	var sum float64
	for _, g := range t.Grad {
		sum += float64(g) * float64(g)
	}
	return math.Sqrt(sum)
}

// AddScaled adds scale*other into Data element-wise.
func (t *Tensor) AddScaled(other *Tensor, scale float32) {
	if len(other.Data) != len(t.Data) {
		panic("tensor: size mismatch in AddScaled")
	}
	for i, v := range other.Data {
		t.Data[i] += scale * v
	}
}

// Fill sets every element of the tensor to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}
