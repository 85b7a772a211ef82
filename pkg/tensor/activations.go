package tensor

import "math"

// GELU applies the Gaussian Error Linear Unit activation function.
//
// The GELU function is defined as:
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/π) * (x + 0.044715 * x^3)))
//
// This is the approximation used in the original GPT-2 paper and is
// more efficient to compute than the exact GELU formulation.
//
// Reference: https://arxiv.org/abs/1606.08415
//
// Input: tensor of any shape
// Output: tensor of the same shape with GELU applied element-wise
func (t *Tensor) GELU() *Tensor {
	result := NewTensor(t.Shape)

	// GELU approximation constants
	const (
		sqrt2OverPi = 0.7978845608 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i := range t.Data {
		x := t.Data[i]
		// Compute x + 0.044715 * x^3
		x3 := x * x * x
		inner := x + coeff*x3
		// Compute tanh(sqrt(2/π) * inner)
		tanhVal := float32(math.Tanh(float64(sqrt2OverPi * inner)))
		// GELU(x) = 0.5 * x * (1 + tanh(...))
		result.Data[i] = 0.5 * x * (1 + tanhVal)
	}

	return result
}

// GELU is a standalone function that applies GELU to a tensor.
// This is a convenience wrapper around the Tensor.GELU method.
func GELU(t *Tensor) *Tensor {
	return t.GELU()
}

// GELUDerivative returns d(GELU)/dx evaluated at every element of t,
// using the same tanh approximation as GELU so forward and backward
// stay consistent.
func (t *Tensor) GELUDerivative() *Tensor {
	result := NewTensor(t.Shape)

	const (
		sqrt2OverPi = 0.7978845608 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i := range t.Data {
		x := float64(t.Data[i])
		inner := sqrt2OverPi * (x + coeff*x*x*x)
		tanhVal := math.Tanh(inner)
		// d/dx [0.5*x*(1+tanh(u))] = 0.5*(1+tanh(u)) + 0.5*x*(1-tanh²(u))*u'
		sech2 := 1 - tanhVal*tanhVal
		du := sqrt2OverPi * (1 + 3*coeff*x*x)
		result.Data[i] = float32(0.5*(1+tanhVal) + 0.5*x*sech2*du)
	}

	return result
}

// Tanh applies the hyperbolic tangent element-wise.
func (t *Tensor) Tanh() *Tensor {
	result := NewTensor(t.Shape)
	for i := range t.Data {
		result.Data[i] = float32(math.Tanh(float64(t.Data[i])))
	}
	return result
}
