package finetune

import (
	"math"

	"github.com/moon4sake/sparse-litgpt/pkg/model"
)

// AdamW implements the AdamW optimizer with bias correction and
// decoupled weight decay, applied to an explicit parameter subset.
// Parameters outside the subset are never touched, which is how
// adapter-only training freezes the base model.
type AdamW struct {
	LR          float32
	Beta1       float32
	Beta2       float32
	Eps         float32
	WeightDecay float32

	params []model.NamedParam
	m      [][]float32 // first moment, per parameter
	v      [][]float32 // second moment, per parameter
	step   int
}

// NewAdamW creates an optimizer over the given parameters.
func NewAdamW(params []model.NamedParam, lr, weightDecay float32) *AdamW {
	o := &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float32, len(p.Tensor.Data))
		o.v[i] = make([]float32, len(p.Tensor.Data))
	}
	return o
}

// SetLR updates the learning rate (for warmup schedules).
func (o *AdamW) SetLR(lr float32) {
	o.LR = lr
}

// Step applies one bias-corrected update from the accumulated
// gradients. Parameters with no gradient buffer are skipped.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - float32(math.Pow(float64(o.Beta1), float64(o.step)))
	bc2 := 1 - float32(math.Pow(float64(o.Beta2), float64(o.step)))

	for i, p := range o.params {
		grad := p.Tensor.Grad
		if grad == nil {
			continue
		}
		m, v := o.m[i], o.v[i]
		data := p.Tensor.Data

		for j := range data {
			g := grad[j]
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g

			mhat := m[j] / bc1
			vhat := v[j] / bc2

			update := mhat/(float32(math.Sqrt(float64(vhat)))+o.Eps) + o.WeightDecay*data[j]
			data[j] -= o.LR * update
		}
	}
}

// ClipGradNorm scales the gradients of params so their global L2 norm
// does not exceed maxNorm, and returns the pre-clip norm.
func ClipGradNorm(params []model.NamedParam, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		n := p.Tensor.GradNorm()
		sum += n * n
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := float32(maxNorm / (norm + 1e-12))
	for _, p := range params {
		for j := range p.Tensor.Grad {
			p.Tensor.Grad[j] *= scale
		}
	}
	return norm
}
