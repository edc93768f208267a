package nn

import (
	"math"

	"github.com/MeKo-Tech/charm/internal/tensor"
)

// GDN applies generalized divisive normalization across channels,
//
//	y_i = x_i / sqrt(beta_i + sum_j gamma_ij * x_j^2)
//
// and its inverse multiplies instead of dividing. beta and gamma are stored
// through a square reparameterization with a small pedestal so they stay
// non-negative under unconstrained gradient steps; gradients that would push
// a value below its lower bound are dropped.
type GDN struct {
	Channels int
	Inverse  bool

	BetaRaw  *Param // len C, effective beta_i = max(r, betaBound)^2 - pedestal
	GammaRaw *Param // len C*C, row i holds gamma_i*

	savedInput *tensor.Tensor
	savedZ     []float32
	savedBeta  []float32
	savedGamma []float32
}

const (
	gdnPedestal = 1.0 / (1 << 18)
	gdnBetaMin  = 1e-6
)

var (
	gdnBetaBound  = float32(math.Sqrt(gdnBetaMin + gdnPedestal))
	gdnGammaBound = float32(math.Sqrt(gdnPedestal))
)

// NewGDN constructs a (possibly inverse) GDN layer with beta initialized to
// one and gamma to 0.1 on the diagonal.
func NewGDN(channels int, inverse bool) *GDN {
	g := &GDN{
		Channels: channels,
		Inverse:  inverse,
		BetaRaw:  NewParam(channels),
		GammaRaw: NewParam(channels * channels),
	}
	betaInit := float32(math.Sqrt(1 + gdnPedestal))
	diagInit := float32(math.Sqrt(0.1 + gdnPedestal))
	for i := 0; i < channels; i++ {
		g.BetaRaw.Data[i] = betaInit
		for j := 0; j < channels; j++ {
			if i == j {
				g.GammaRaw.Data[i*channels+j] = diagInit
			} else {
				g.GammaRaw.Data[i*channels+j] = gdnGammaBound
			}
		}
	}
	return g
}

func reparamValue(raw, bound float32) float32 {
	if raw < bound {
		raw = bound
	}
	return raw*raw - gdnPedestal
}

// reparamGrad chains a gradient w.r.t. the effective value back to the
// stored one, gating steps that would push a clamped value further down.
func reparamGrad(raw, bound, gradEff float32) float32 {
	eff := raw
	if eff < bound {
		eff = bound
		if gradEff > 0 {
			return 0
		}
	}
	return gradEff * 2 * eff
}

func (g *GDN) effective() (beta, gamma []float32) {
	c := g.Channels
	beta = make([]float32, c)
	gamma = make([]float32, c*c)
	for i := 0; i < c; i++ {
		beta[i] = reparamValue(g.BetaRaw.Data[i], gdnBetaBound)
	}
	for i := range gamma {
		gamma[i] = reparamValue(g.GammaRaw.Data[i], gdnGammaBound)
	}
	return beta, gamma
}

// Forward normalizes (or denormalizes, for the inverse layer) each channel
// vector.
func (g *GDN) Forward(x *tensor.Tensor, training bool) *tensor.Tensor {
	c := g.Channels
	beta, gamma := g.effective()
	out := tensor.New(x.N, x.H, x.W, x.C)
	var z []float32
	if training {
		g.savedInput = x
		g.savedBeta = beta
		g.savedGamma = gamma
		z = make([]float32, len(x.Data))
		g.savedZ = z
	} else {
		g.savedInput = nil
		g.savedZ = nil
	}

	for off := 0; off < len(x.Data); off += c {
		xv := x.Data[off : off+c]
		for i := 0; i < c; i++ {
			zi := beta[i]
			row := gamma[i*c : (i+1)*c]
			for j := 0; j < c; j++ {
				zi += row[j] * xv[j] * xv[j]
			}
			s := float32(math.Sqrt(float64(zi)))
			if g.Inverse {
				out.Data[off+i] = xv[i] * s
			} else {
				out.Data[off+i] = xv[i] / s
			}
			if z != nil {
				z[off+i] = zi
			}
		}
	}
	return out
}

// Backward propagates through the normalization, accumulating beta and
// gamma gradients.
func (g *GDN) Backward(grad *tensor.Tensor) *tensor.Tensor {
	c := g.Channels
	x := g.savedInput
	z := g.savedZ
	gamma := g.savedGamma

	gin := tensor.New(x.N, x.H, x.W, x.C)
	gBetaEff := make([]float32, c)
	gGammaEff := make([]float32, c*c)
	t := make([]float32, c)
	xsq := make([]float32, c)

	for off := 0; off < len(x.Data); off += c {
		xv := x.Data[off : off+c]
		gv := grad.Data[off : off+c]
		zv := z[off : off+c]
		for j := 0; j < c; j++ {
			xsq[j] = xv[j] * xv[j]
		}
		if g.Inverse {
			// y_i = x_i * sqrt(z_i)
			for i := 0; i < c; i++ {
				t[i] = gv[i] * xv[i] / float32(math.Sqrt(float64(zv[i])))
				gBetaEff[i] += 0.5 * t[i]
				row := gGammaEff[i*c : (i+1)*c]
				for j := 0; j < c; j++ {
					row[j] += 0.5 * t[i] * xsq[j]
				}
			}
			for k := 0; k < c; k++ {
				var acc float32
				for i := 0; i < c; i++ {
					acc += t[i] * gamma[i*c+k]
				}
				gin.Data[off+k] = gv[k]*float32(math.Sqrt(float64(zv[k]))) + xv[k]*acc
			}
		} else {
			// y_i = x_i / sqrt(z_i)
			for i := 0; i < c; i++ {
				zi := float64(zv[i])
				t[i] = gv[i] * xv[i] / float32(zi*math.Sqrt(zi))
				gBetaEff[i] -= 0.5 * t[i]
				row := gGammaEff[i*c : (i+1)*c]
				for j := 0; j < c; j++ {
					row[j] -= 0.5 * t[i] * xsq[j]
				}
			}
			for k := 0; k < c; k++ {
				var acc float32
				for i := 0; i < c; i++ {
					acc += t[i] * gamma[i*c+k]
				}
				gin.Data[off+k] = gv[k]/float32(math.Sqrt(float64(zv[k]))) - xv[k]*acc
			}
		}
	}

	for i := 0; i < c; i++ {
		g.BetaRaw.Grad[i] += reparamGrad(g.BetaRaw.Data[i], gdnBetaBound, gBetaEff[i])
	}
	for i := range gGammaEff {
		g.GammaRaw.Grad[i] += reparamGrad(g.GammaRaw.Data[i], gdnGammaBound, gGammaEff[i])
	}
	return gin
}

// Params returns the stored beta and gamma parameters.
func (g *GDN) Params() []*Param {
	return []*Param{g.BetaRaw, g.GammaRaw}
}
