// Package nn implements the small neural layer library the compression
// transforms are built from: strided convolutions, transposed convolutions,
// generalized divisive normalization and pointwise activations, each with an
// explicit forward and backward pass. There is no autodiff tape; layers
// cache what their backward pass needs while training and stay stateless in
// inference mode, which keeps frozen models safe for concurrent use.
package nn

import (
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// Param is a trainable parameter block with its gradient accumulator.
type Param struct {
	Data []float32
	Grad []float32
}

// NewParam allocates a zeroed parameter of n elements.
func NewParam(n int) *Param {
	return &Param{
		Data: make([]float32, n),
		Grad: make([]float32, n),
	}
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Layer is a differentiable module. Forward with training=true caches the
// activations Backward needs; Backward accumulates parameter gradients and
// returns the gradient w.r.t. the input. Backward must only be called after
// a training-mode Forward.
type Layer interface {
	Forward(x *tensor.Tensor, training bool) *tensor.Tensor
	Backward(grad *tensor.Tensor) *tensor.Tensor
	Params() []*Param
}

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

// NewSequential builds a sequential container.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Forward runs the layers in order.
func (s *Sequential) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	for _, l := range s.Layers {
		x = l.Forward(x, training)
	}
	return x
}

// Backward runs the layers in reverse.
func (s *Sequential) Backward(grad *tensor.Tensor) *tensor.Tensor {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

// Params collects the parameters of all layers.
func (s *Sequential) Params() []*Param {
	var out []*Param
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}
