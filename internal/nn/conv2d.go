package nn

import (
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/mempool"
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// Conv2D is a strided 2D correlation with TensorFlow-style "same zeros"
// padding: output spatial size is ceil(in/stride) and the total padding
// max((out-1)*stride + kernel - in, 0) is split with the smaller half in
// front. Weights are laid out [kernel, kernel, inChannels, outChannels].
type Conv2D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int

	Weight *Param
	Bias   *Param // nil when the layer has no bias term

	savedInput *tensor.Tensor
}

// NewConv2D constructs a convolution with He-normal kernel init and zero bias.
func NewConv2D(inChannels, outChannels, kernel, stride int, useBias bool, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InChannels:  inChannels,
		OutChannels: outChannels,
		Kernel:      kernel,
		Stride:      stride,
		Weight:      NewParam(kernel * kernel * inChannels * outChannels),
	}
	heNormal(rng, c.Weight.Data, kernel*kernel*inChannels)
	if useBias {
		c.Bias = NewParam(outChannels)
	}
	return c
}

// outDim returns ceil(in/stride).
func outDim(in, stride int) int {
	return (in + stride - 1) / stride
}

// samePadding returns the total padding and the leading padding for one axis.
func samePadding(in, kernel, stride int) (total, before int) {
	out := outDim(in, stride)
	total = (out-1)*stride + kernel - in
	if total < 0 {
		total = 0
	}
	return total, total / 2
}

// padInput copies x into a pooled, zero-filled buffer with the same-zeros
// border. The caller must return the buffer to the pool.
func padInput(x *tensor.Tensor, top, left, padH, padW int) ([]float32, int, int) {
	pH := x.H + padH
	pW := x.W + padW
	buf := mempool.GetZeroedFloat32(x.N * pH * pW * x.C)
	rowLen := x.W * x.C
	for n := 0; n < x.N; n++ {
		for h := 0; h < x.H; h++ {
			src := x.Index(n, h, 0, 0)
			dst := ((n*pH+h+top)*pW + left) * x.C
			copy(buf[dst:dst+rowLen], x.Data[src:src+rowLen])
		}
	}
	return buf, pH, pW
}

// Forward computes the correlation.
func (c *Conv2D) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if training {
		c.savedInput = x
	} else {
		c.savedInput = nil
	}
	outH := outDim(x.H, c.Stride)
	outW := outDim(x.W, c.Stride)
	padH, top := samePadding(x.H, c.Kernel, c.Stride)
	padW, left := samePadding(x.W, c.Kernel, c.Stride)
	padded, pH, pW := padInput(x, top, left, padH, padW)
	defer mempool.PutFloat32(padded)

	out := tensor.New(x.N, outH, outW, c.OutChannels)
	cin, cout, k := c.InChannels, c.OutChannels, c.Kernel
	for n := 0; n < x.N; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				dst := out.Index(n, oh, ow, 0)
				acc := out.Data[dst : dst+cout]
				if c.Bias != nil {
					copy(acc, c.Bias.Data)
				}
				ihBase := oh * c.Stride
				iwBase := ow * c.Stride
				for kh := 0; kh < k; kh++ {
					rowOff := ((n*pH+ihBase+kh)*pW + iwBase) * cin
					for kw := 0; kw < k; kw++ {
						src := rowOff + kw*cin
						wOff := ((kh*k + kw) * cin) * cout
						for ci := 0; ci < cin; ci++ {
							v := padded[src+ci]
							if v == 0 {
								continue
							}
							w := c.Weight.Data[wOff+ci*cout : wOff+(ci+1)*cout]
							for co := 0; co < cout; co++ {
								acc[co] += v * w[co]
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Backward accumulates weight and bias gradients and returns the gradient
// w.r.t. the layer input.
func (c *Conv2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	x := c.savedInput
	padH, top := samePadding(x.H, c.Kernel, c.Stride)
	padW, left := samePadding(x.W, c.Kernel, c.Stride)
	padded, pH, pW := padInput(x, top, left, padH, padW)
	defer mempool.PutFloat32(padded)
	gpadded := mempool.GetZeroedFloat32(len(padded))
	defer mempool.PutFloat32(gpadded)

	cin, cout, k := c.InChannels, c.OutChannels, c.Kernel
	for n := 0; n < grad.N; n++ {
		for oh := 0; oh < grad.H; oh++ {
			for ow := 0; ow < grad.W; ow++ {
				gOff := grad.Index(n, oh, ow, 0)
				g := grad.Data[gOff : gOff+cout]
				if c.Bias != nil {
					for co := 0; co < cout; co++ {
						c.Bias.Grad[co] += g[co]
					}
				}
				ihBase := oh * c.Stride
				iwBase := ow * c.Stride
				for kh := 0; kh < k; kh++ {
					rowOff := ((n*pH+ihBase+kh)*pW + iwBase) * cin
					for kw := 0; kw < k; kw++ {
						src := rowOff + kw*cin
						wOff := ((kh*k + kw) * cin) * cout
						for ci := 0; ci < cin; ci++ {
							wRow := c.Weight.Data[wOff+ci*cout : wOff+(ci+1)*cout]
							gwRow := c.Weight.Grad[wOff+ci*cout : wOff+(ci+1)*cout]
							v := padded[src+ci]
							var acc float32
							for co := 0; co < cout; co++ {
								acc += g[co] * wRow[co]
								gwRow[co] += g[co] * v
							}
							gpadded[src+ci] += acc
						}
					}
				}
			}
		}
	}

	// Strip the padding border off the accumulated input gradient.
	gin := tensor.New(x.N, x.H, x.W, x.C)
	rowLen := x.W * x.C
	for n := 0; n < x.N; n++ {
		for h := 0; h < x.H; h++ {
			src := ((n*pH+h+top)*pW + left) * x.C
			dst := gin.Index(n, h, 0, 0)
			copy(gin.Data[dst:dst+rowLen], gpadded[src:src+rowLen])
		}
	}
	return gin
}

// Params returns the trainable parameters.
func (c *Conv2D) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}
