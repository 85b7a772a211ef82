package model

import (
	"fmt"

	"github.com/moon4sake/sparse-litgpt/pkg/tensor"
)

// linearForward computes x @ w + b where x is (..., in), w is (in, out)
// and b is (out,) or nil. The bias broadcasts over the leading
// dimensions of the product.
func linearForward(x, w, b *tensor.Tensor) (*tensor.Tensor, error) {
	in := w.Shape[0]
	lastDim := x.Shape[len(x.Shape)-1]
	if lastDim != in {
		return nil, fmt.Errorf("linear: input dimension %d doesn't match weight input dimension %d",
			lastDim, in)
	}

	y, err := tensor.Matmul(x, w)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return y, nil
	}
	return tensor.Add(y, b)
}

// linearBackward propagates dout through y = x @ w + b, accumulating
// parameter gradients into w.Grad (and b.Grad when b is non-nil) and
// returning dx with the shape of x.
func linearBackward(x, w, b, dout *tensor.Tensor) *tensor.Tensor {
	in := w.Shape[0]
	out := w.Shape[1]
	rows := len(x.Data) / in

	w.EnsureGrad()
	if b != nil {
		b.EnsureGrad()
	}

	dx := tensor.NewTensor(x.Shape)

	for r := 0; r < rows; r++ {
		xOff := r * in
		yOff := r * out
		for o := 0; o < out; o++ {
			g := dout.Data[yOff+o]
			if g == 0 {
				continue
			}
			if b != nil {
				b.Grad[o] += g
			}
			for i := 0; i < in; i++ {
				w.Grad[i*out+o] += x.Data[xOff+i] * g
				dx.Data[xOff+i] += w.Data[i*out+o] * g
			}
		}
	}

	return dx
}
