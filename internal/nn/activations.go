package nn

import (
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// ReLU clamps negatives to zero.
type ReLU struct {
	savedInput *tensor.Tensor
}

// NewReLU constructs a ReLU layer.
func NewReLU() *ReLU { return &ReLU{} }

// Forward applies max(x, 0).
func (r *ReLU) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if training {
		r.savedInput = x
	} else {
		r.savedInput = nil
	}
	out := tensor.New(x.N, x.H, x.W, x.C)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

// Backward passes gradients where the input was positive.
func (r *ReLU) Backward(grad *tensor.Tensor) *tensor.Tensor {
	x := r.savedInput
	gin := tensor.New(grad.N, grad.H, grad.W, grad.C)
	for i, v := range x.Data {
		if v > 0 {
			gin.Data[i] = grad.Data[i]
		}
	}
	return gin
}

// Params returns nil; ReLU has no parameters.
func (r *ReLU) Params() []*Param { return nil }

// Scale multiplies every element by a fixed factor. The backbones use it for
// the /255 input normalization and the *255 output denormalization.
type Scale struct {
	Factor float32
}

// NewScale constructs a fixed scaling layer.
func NewScale(factor float32) *Scale { return &Scale{Factor: factor} }

// Forward multiplies by the factor.
func (s *Scale) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	out := x.Clone()
	out.Scale(s.Factor)
	return out
}

// Backward multiplies the gradient by the factor.
func (s *Scale) Backward(grad *tensor.Tensor) *tensor.Tensor {
	gin := grad.Clone()
	gin.Scale(s.Factor)
	return gin
}

// Params returns nil; Scale has no parameters.
func (s *Scale) Params() []*Param { return nil }
