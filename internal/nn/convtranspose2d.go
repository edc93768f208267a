package nn

import (
	"math/rand"

	"github.com/MeKo-Tech/charm/internal/mempool"
	"github.com/MeKo-Tech/charm/internal/tensor"
)

// ConvTranspose2D is a strided transposed convolution with same-zeros
// semantics: output spatial size is exactly in*stride, obtained by
// scattering into a buffer padded by max(kernel-stride, 0) and trimming the
// leading half of that padding. Weights are laid out like Conv2D,
// [kernel, kernel, inChannels, outChannels].
type ConvTranspose2D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int

	Weight *Param
	Bias   *Param

	savedInput *tensor.Tensor
}

// NewConvTranspose2D constructs an upsampling convolution with He-normal
// kernel init and zero bias.
func NewConvTranspose2D(inChannels, outChannels, kernel, stride int, useBias bool, rng *rand.Rand) *ConvTranspose2D {
	c := &ConvTranspose2D{
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

// transPadding returns the scatter padding and its leading share.
func transPadding(kernel, stride int) (total, before int) {
	total = kernel - stride
	if total < 0 {
		total = 0
	}
	return total, total / 2
}

// Forward computes the transposed convolution.
func (c *ConvTranspose2D) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	if training {
		c.savedInput = x
	} else {
		c.savedInput = nil
	}
	outH := x.H * c.Stride
	outW := x.W * c.Stride
	padT, top := transPadding(c.Kernel, c.Stride)
	_, left := transPadding(c.Kernel, c.Stride)
	pH := outH + padT
	pW := outW + padT

	cin, cout, k := c.InChannels, c.OutChannels, c.Kernel
	scratch := mempool.GetZeroedFloat32(x.N * pH * pW * cout)
	defer mempool.PutFloat32(scratch)

	for n := 0; n < x.N; n++ {
		for ih := 0; ih < x.H; ih++ {
			for iw := 0; iw < x.W; iw++ {
				src := x.Index(n, ih, iw, 0)
				for kh := 0; kh < k; kh++ {
					rowOff := ((n*pH+ih*c.Stride+kh)*pW + iw*c.Stride) * cout
					for kw := 0; kw < k; kw++ {
						dst := rowOff + kw*cout
						wOff := ((kh*k + kw) * cin) * cout
						for ci := 0; ci < cin; ci++ {
							v := x.Data[src+ci]
							if v == 0 {
								continue
							}
							w := c.Weight.Data[wOff+ci*cout : wOff+(ci+1)*cout]
							acc := scratch[dst : dst+cout]
							for co := 0; co < cout; co++ {
								acc[co] += v * w[co]
							}
						}
					}
				}
			}
		}
	}

	out := tensor.New(x.N, outH, outW, cout)
	rowLen := outW * cout
	for n := 0; n < x.N; n++ {
		for h := 0; h < outH; h++ {
			src := ((n*pH+h+top)*pW + left) * cout
			dst := out.Index(n, h, 0, 0)
			copy(out.Data[dst:dst+rowLen], scratch[src:src+rowLen])
		}
	}
	if c.Bias != nil {
		for i := 0; i < len(out.Data); i += cout {
			for co := 0; co < cout; co++ {
				out.Data[i+co] += c.Bias.Data[co]
			}
		}
	}
	return out
}

// Backward accumulates parameter gradients and returns the input gradient.
func (c *ConvTranspose2D) Backward(grad *tensor.Tensor) *tensor.Tensor {
	x := c.savedInput
	padT, top := transPadding(c.Kernel, c.Stride)
	_, left := transPadding(c.Kernel, c.Stride)
	pH := grad.H + padT
	pW := grad.W + padT

	cin, cout, k := c.InChannels, c.OutChannels, c.Kernel
	gpadded := mempool.GetZeroedFloat32(grad.N * pH * pW * cout)
	defer mempool.PutFloat32(gpadded)
	rowLen := grad.W * cout
	for n := 0; n < grad.N; n++ {
		for h := 0; h < grad.H; h++ {
			src := grad.Index(n, h, 0, 0)
			dst := ((n*pH+h+top)*pW + left) * cout
			copy(gpadded[dst:dst+rowLen], grad.Data[src:src+rowLen])
		}
	}

	if c.Bias != nil {
		for i := 0; i < len(grad.Data); i += cout {
			for co := 0; co < cout; co++ {
				c.Bias.Grad[co] += grad.Data[i+co]
			}
		}
	}

	gin := tensor.New(x.N, x.H, x.W, x.C)
	for n := 0; n < x.N; n++ {
		for ih := 0; ih < x.H; ih++ {
			for iw := 0; iw < x.W; iw++ {
				src := x.Index(n, ih, iw, 0)
				gdst := gin.Index(n, ih, iw, 0)
				for kh := 0; kh < k; kh++ {
					rowOff := ((n*pH+ih*c.Stride+kh)*pW + iw*c.Stride) * cout
					for kw := 0; kw < k; kw++ {
						gp := gpadded[rowOff+kw*cout : rowOff+(kw+1)*cout]
						wOff := ((kh*k + kw) * cin) * cout
						for ci := 0; ci < cin; ci++ {
							wRow := c.Weight.Data[wOff+ci*cout : wOff+(ci+1)*cout]
							gwRow := c.Weight.Grad[wOff+ci*cout : wOff+(ci+1)*cout]
							v := x.Data[src+ci]
							var acc float32
							for co := 0; co < cout; co++ {
								acc += gp[co] * wRow[co]
								gwRow[co] += gp[co] * v
							}
							gin.Data[gdst+ci] += acc
						}
					}
				}
			}
		}
	}
	return gin
}

// Params returns the trainable parameters.
func (c *ConvTranspose2D) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}
